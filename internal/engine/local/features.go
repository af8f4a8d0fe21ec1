package local

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"

	"github.com/sells-group/flood-exposure/internal/algebra"
	"github.com/sells-group/flood-exposure/internal/geometry"
)

func (e *Engine) applyFeatures(ctx context.Context, n *algebra.Node, s *scope) (any, bool, error) {
	var (
		v   any
		err error
	)
	switch n.Fn() {
	case algebra.FnFeaturesLoad:
		id := n.StringArg("id")
		fs, ok := e.features[id]
		if !ok {
			return nil, true, eris.Errorf("local: feature collection %q not found", id)
		}
		v = fs
	case algebra.FnFeaturesFilterBounds:
		v, err = e.filterFeatureBounds(ctx, n, s)
	case algebra.FnFeaturesMap:
		v, err = e.mapFeatures(ctx, n, s)
	case algebra.FnFeaturesUnion:
		var fs []Feature
		if fs, err = e.featureList(ctx, n, "collection", s); err == nil {
			v = e.union(fs)
		}
	case algebra.FnFeaturesGeometry:
		var fs []Feature
		if fs, err = e.featureList(ctx, n, "collection", s); err == nil {
			v = mergeGeometries(fs)
		}
	case algebra.FnFeaturesSize:
		var fs []Feature
		if fs, err = e.featureList(ctx, n, "collection", s); err == nil {
			v = float64(len(fs))
		}
	case algebra.FnFeatureCentroid:
		var f Feature
		if f, err = e.feature(ctx, n, "feature", s); err == nil {
			v, err = centroid(f)
		}
	case algebra.FnFeatureSimplify:
		var f Feature
		if f, err = e.feature(ctx, n, "feature", s); err == nil {
			v = simplify(f, n.FloatArg("maxError", 0))
		}
	case algebra.FnFeatureBuffer:
		var f Feature
		if f, err = e.feature(ctx, n, "feature", s); err == nil {
			v = e.buffer(f, n.FloatArg("distance", 0))
		}
	default:
		return nil, false, nil
	}
	return v, true, err
}

func (e *Engine) filterFeatureBounds(ctx context.Context, n *algebra.Node, s *scope) ([]Feature, error) {
	fs, err := e.featureList(ctx, n, "collection", s)
	if err != nil {
		return nil, err
	}
	region, err := e.geometryOf(ctx, n, "geometry", s)
	if err != nil {
		return nil, err
	}
	out := make([]Feature, 0, len(fs))
	for _, f := range fs {
		if geometry.Intersects(f.Geometry, region) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (e *Engine) mapFeatures(ctx context.Context, n *algebra.Node, s *scope) ([]Feature, error) {
	fs, err := e.featureList(ctx, n, "collection", s)
	if err != nil {
		return nil, err
	}
	name := n.StringArg("var")
	body := n.NodeArg("body")
	out := make([]Feature, 0, len(fs))
	for i, f := range fs {
		v, err := e.eval(ctx, body, bodyScope(s, name, f))
		if err != nil {
			return nil, eris.Wrapf(err, "feature %d", i)
		}
		mapped, ok := v.(Feature)
		if !ok {
			return nil, eris.Errorf("local: map body returned %T, want feature", v)
		}
		out = append(out, mapped)
	}
	return out, nil
}

func withGeometry(f Feature, g geom.T) Feature {
	return Feature{Geometry: g, Properties: f.Properties}
}

func centroid(f Feature) (Feature, error) {
	c, err := xy.Centroid(f.Geometry)
	if err != nil {
		return Feature{}, eris.Wrap(err, "local: centroid")
	}
	pt := geom.NewPointFlat(geom.XY, []float64{c.X(), c.Y()}).SetSRID(geometry.SRID)
	return withGeometry(f, pt), nil
}

func simplify(f Feature, maxErrorMeters float64) Feature {
	if f.Geometry == nil || f.Geometry.Empty() {
		return f
	}
	b := f.Geometry.Bounds()
	lat := (b.Min(1) + b.Max(1)) / 2
	return withGeometry(f, geometry.Simplify(f.Geometry, geometry.MetersToDegrees(maxErrorMeters, lat)))
}

// rasterize flags the pixels whose centre lies in g, plus the pixel
// holding each point of g.
func (e *Engine) rasterize(g geom.T) []bool {
	cover := e.coverage(g)
	for _, c := range geometry.Points(g) {
		if col, row, ok := e.grid.Cell(c); ok {
			cover[row*e.grid.Width+col] = true
		}
	}
	return cover
}

// buffer grows the feature by distance metres on the grid: every pixel
// whose centre lies within distance of a covered pixel centre is added,
// and the result is traced back into polygons.
func (e *Engine) buffer(f Feature, distance float64) Feature {
	cover := e.rasterize(f.Geometry)
	if distance > 0 {
		cover = e.dilate(cover, distance)
	}
	return withGeometry(f, e.trace(cover))
}

func (e *Engine) dilate(cover []bool, distance float64) []bool {
	g := e.grid
	out := make([]bool, len(cover))
	copy(out, cover)
	for row := 0; row < g.Height; row++ {
		dx, dy := g.pixelMeters(row)
		rx := int(math.Floor(distance / dx))
		ry := int(math.Floor(distance / dy))
		if rx == 0 && ry == 0 {
			continue
		}
		for col := 0; col < g.Width; col++ {
			if !cover[row*g.Width+col] {
				continue
			}
			for oy := -ry; oy <= ry; oy++ {
				for ox := -rx; ox <= rx; ox++ {
					mx, my := float64(ox)*dx, float64(oy)*dy
					if mx*mx+my*my > distance*distance {
						continue
					}
					c, r := col+ox, row+oy
					if c >= 0 && r >= 0 && c < g.Width && r < g.Height {
						out[r*g.Width+c] = true
					}
				}
			}
		}
	}
	return out
}

// trace outlines the flagged pixels as a single (multi)polygon.
func (e *Engine) trace(cover []bool) geom.T {
	r := NewRaster(e.grid, "mask")
	for i, ok := range cover {
		if ok {
			r.Values[i] = 1
			r.Valid[i] = true
		}
	}
	var polys []*geom.Polygon
	for _, f := range vectorize(e.grid, r) {
		polys = append(polys, geometry.Polygons(f.Geometry)...)
	}
	if len(polys) == 1 {
		return polys[0]
	}
	return geometry.MultiPolygonOf(polys)
}

// union dissolves every feature into one. An empty collection stays empty.
func (e *Engine) union(fs []Feature) []Feature {
	if len(fs) == 0 {
		return []Feature{}
	}
	cover := make([]bool, e.grid.Len())
	for _, f := range fs {
		for i, ok := range e.rasterize(f.Geometry) {
			cover[i] = cover[i] || ok
		}
	}
	return []Feature{{Geometry: e.trace(cover), Properties: map[string]any{}}}
}

// mergeGeometries collects the feature geometries into a single
// MultiPolygon, MultiPoint, or GeometryCollection when types are mixed.
func mergeGeometries(fs []Feature) geom.T {
	var (
		polys  []*geom.Polygon
		points []geom.Coord
		other  bool
	)
	for _, f := range fs {
		if f.Geometry == nil || f.Geometry.Empty() {
			continue
		}
		switch f.Geometry.(type) {
		case *geom.Polygon, *geom.MultiPolygon:
			polys = append(polys, geometry.Polygons(f.Geometry)...)
		case *geom.Point, *geom.MultiPoint:
			points = append(points, geometry.Points(f.Geometry)...)
		default:
			other = true
		}
	}

	switch {
	case !other && len(points) == 0:
		return geometry.MultiPolygonOf(polys)
	case !other && len(polys) == 0:
		mp := geom.NewMultiPoint(geom.XY).SetSRID(geometry.SRID)
		for _, c := range points {
			_ = mp.Push(geom.NewPointFlat(geom.XY, []float64{c.X(), c.Y()}))
		}
		return mp
	}
	gc := geom.NewGeometryCollection().SetSRID(geometry.SRID)
	for _, f := range fs {
		if f.Geometry != nil {
			_ = gc.Push(f.Geometry)
		}
	}
	return gc
}
