package algebra

// FeatureCollection is a collection of vector features.
type FeatureCollection struct{ n *Node }

// Node implements Expr.
func (c FeatureCollection) Node() *Node { return c.n }

// Feature is a single vector feature, available inside FeatureCollection.Map.
type Feature struct{ n *Node }

// Node implements Expr.
func (f Feature) Node() *Node { return f.n }

// LoadFeatureCollection references a catalog table by identifier.
func LoadFeatureCollection(id string) FeatureCollection {
	return FeatureCollection{newNode(FnFeaturesLoad, Arg{"id", id})}
}

// FilterBounds keeps features whose geometry intersects g.
func (c FeatureCollection) FilterBounds(g Geometry) FeatureCollection {
	return FeatureCollection{newNode(FnFeaturesFilterBounds, Arg{"collection", c.n}, Arg{"geometry", g.n})}
}

// Map applies fn to every feature. fn must be free of side effects.
func (c FeatureCollection) Map(fn func(Feature) Feature) FeatureCollection {
	name, body := bindVariable(func(v *Node) *Node { return fn(Feature{v}).n })
	return FeatureCollection{newNode(FnFeaturesMap,
		Arg{"collection", c.n},
		Arg{"var", name},
		Arg{"body", body},
	)}
}

// Union merges every geometry into a single feature.
func (c FeatureCollection) Union() FeatureCollection {
	return FeatureCollection{newNode(FnFeaturesUnion, Arg{"collection", c.n})}
}

// Geometry collects every feature geometry into one multi-geometry.
func (c FeatureCollection) Geometry() Geometry {
	return Geometry{newNode(FnFeaturesGeometry, Arg{"collection", c.n})}
}

// Paint burns every feature into a masked image holding value: points
// mark the pixel they fall in, polygons the pixels whose centre they
// contain. Pixels without a feature stay masked. The band is "paint".
func (c FeatureCollection) Paint(value float64) Image {
	return Image{newNode(FnImagePaint, Arg{"collection", c.n}, Arg{"value", value})}
}

// Size counts the features.
func (c FeatureCollection) Size() Number {
	return Number{newNode(FnFeaturesSize, Arg{"collection", c.n})}
}

// Centroid replaces the geometry with its centroid point.
func (f Feature) Centroid() Feature {
	return Feature{newNode(FnFeatureCentroid, Arg{"feature", f.n})}
}

// Simplify simplifies the geometry within maxError metres.
func (f Feature) Simplify(maxError float64) Feature {
	return Feature{newNode(FnFeatureSimplify, Arg{"feature", f.n}, Arg{"maxError", maxError})}
}

// Buffer grows the geometry outward by distance metres.
func (f Feature) Buffer(distance float64) Feature {
	return Feature{newNode(FnFeatureBuffer, Arg{"feature", f.n}, Arg{"distance", distance})}
}
