package algebra

// Image is a single-band raster expression. Masked pixels carry no value and
// are ignored by reductions.
type Image struct{ n *Node }

// Node implements Expr.
func (i Image) Node() *Node { return i.n }

// LoadImage references a catalog image by identifier.
func LoadImage(id string) Image {
	return Image{newNode(FnImageLoad, Arg{"id", id})}
}

// Constant returns an unmasked image with the same value everywhere.
func Constant(v float64) Image {
	return Image{newNode(FnImageConstant, Arg{"value", v})}
}

// PixelArea returns an image whose value is the area of each pixel in
// square metres.
func PixelArea() Image {
	return Image{newNode(FnImagePixelArea)}
}

// Slope computes terrain slope in degrees from an elevation image.
func Slope(elevation Image) Image {
	return Image{newNode(FnTerrainSlope, Arg{"input", elevation.n})}
}

// Select picks a band by name.
func (i Image) Select(band string) Image {
	return Image{newNode(FnImageSelect, Arg{"input", i.n}, Arg{"band", band})}
}

// Rename sets the band name.
func (i Image) Rename(name string) Image {
	return Image{newNode(FnImageRename, Arg{"input", i.n}, Arg{"name", name})}
}

func (i Image) compare(fn string, v float64) Image {
	return Image{newNode(fn, Arg{"input", i.n}, Arg{"value", v})}
}

// Gt yields 1 where the pixel is greater than v and 0 elsewhere.
func (i Image) Gt(v float64) Image { return i.compare(FnImageGt, v) }

// Gte yields 1 where the pixel is greater than or equal to v.
func (i Image) Gte(v float64) Image { return i.compare(FnImageGte, v) }

// Lt yields 1 where the pixel is less than v.
func (i Image) Lt(v float64) Image { return i.compare(FnImageLt, v) }

// Lte yields 1 where the pixel is less than or equal to v.
func (i Image) Lte(v float64) Image { return i.compare(FnImageLte, v) }

// Eq yields 1 where the pixel equals v.
func (i Image) Eq(v float64) Image { return i.compare(FnImageEq, v) }

// Neq yields 1 where the pixel differs from v.
func (i Image) Neq(v float64) Image { return i.compare(FnImageNeq, v) }

func (i Image) binary(fn string, other Image) Image {
	return Image{newNode(fn, Arg{"left", i.n}, Arg{"right", other.n})}
}

// And is the pixel-wise logical conjunction.
func (i Image) And(other Image) Image { return i.binary(FnImageAnd, other) }

// Or is the pixel-wise logical disjunction.
func (i Image) Or(other Image) Image { return i.binary(FnImageOr, other) }

// Not is the pixel-wise logical negation.
func (i Image) Not() Image {
	return Image{newNode(FnImageNot, Arg{"input", i.n})}
}

// Add sums two images.
func (i Image) Add(other Image) Image { return i.binary(FnImageAdd, other) }

// Subtract subtracts other from i.
func (i Image) Subtract(other Image) Image { return i.binary(FnImageSubtract, other) }

// Multiply multiplies two images.
func (i Image) Multiply(other Image) Image { return i.binary(FnImageMultiply, other) }

// MultiplyBy scales every pixel by v.
func (i Image) MultiplyBy(v float64) Image { return i.Multiply(Constant(v)) }

// Divide divides i by other. Pixels where other is zero are masked.
func (i Image) Divide(other Image) Image { return i.binary(FnImageDivide, other) }

// UpdateMask masks every pixel where mask is masked or zero.
func (i Image) UpdateMask(mask Image) Image {
	return Image{newNode(FnImageUpdateMask, Arg{"input", i.n}, Arg{"mask", mask.n})}
}

// Unmask replaces masked pixels with value.
func (i Image) Unmask(value float64) Image {
	return Image{newNode(FnImageUnmask, Arg{"input", i.n}, Arg{"value", value})}
}

// Clip masks every pixel whose centre lies outside g.
func (i Image) Clip(g Geometry) Image {
	return Image{newNode(FnImageClip, Arg{"input", i.n}, Arg{"geometry", g.n})}
}

// ToInt truncates pixel values toward zero.
func (i Image) ToInt() Image {
	return Image{newNode(FnImageToInt, Arg{"input", i.n})}
}

// RegionParams controls a zonal reduction.
type RegionParams struct {
	Reducer    Reducer
	Geometry   Geometry
	Scale      float64
	MaxPixels  float64
	BestEffort bool
	TileScale  float64
}

// ReduceRegion aggregates the unmasked pixels inside the region. The result
// dictionary is keyed by band name.
func (i Image) ReduceRegion(p RegionParams) Dictionary {
	return Dictionary{newNode(FnImageReduceRegion,
		Arg{"input", i.n},
		Arg{"reducer", string(p.Reducer)},
		Arg{"geometry", p.Geometry.n},
		Arg{"scale", p.Scale},
		Arg{"maxPixels", p.MaxPixels},
		Arg{"bestEffort", p.BestEffort},
		Arg{"tileScale", p.TileScale},
	)}
}

// VectorParams controls raster-to-polygon conversion.
type VectorParams struct {
	Geometry   Geometry
	Scale      float64
	MaxPixels  float64
	BestEffort bool
	TileScale  float64
}

// ReduceToVectors groups connected pixels of equal value into polygons.
// Each feature carries the pixel value as "label" and its pixel count as
// "count".
func (i Image) ReduceToVectors(p VectorParams) FeatureCollection {
	return FeatureCollection{newNode(FnImageReduceToVectors,
		Arg{"input", i.n},
		Arg{"reducer", string(ReducerCountEvery)},
		Arg{"geometryType", "polygon"},
		Arg{"geometry", p.Geometry.n},
		Arg{"scale", p.Scale},
		Arg{"maxPixels", p.MaxPixels},
		Arg{"bestEffort", p.BestEffort},
		Arg{"tileScale", p.TileScale},
	)}
}
