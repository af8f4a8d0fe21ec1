// Package geometry provides predicates and measurements over go-geom
// geometries in geographic (longitude/latitude, SRID 4326) coordinates.
package geometry

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"github.com/twpayne/go-geom/xy/location"
	"github.com/twpayne/go-geom/xy/orientation"
)

// SRID is the spatial reference used for every geometry in the pipeline.
const SRID = 4326

// EarthRadiusMeters is the mean radius of the WGS84 ellipsoid.
const EarthRadiusMeters = 6371008.8

// metersPerDegree is the length of one degree of arc on the mean sphere.
var metersPerDegree = EarthRadiusMeters * math.Pi / 180

// NewBBox returns a closed counter-clockwise rectangle for the given bounds.
func NewBBox(minLon, minLat, maxLon, maxLat float64) *geom.Polygon {
	return geom.NewPolygonFlat(geom.XY, []float64{
		minLon, minLat,
		maxLon, minLat,
		maxLon, maxLat,
		minLon, maxLat,
		minLon, minLat,
	}, []int{10}).SetSRID(SRID)
}

// Polygons flattens a Polygon or MultiPolygon into its member polygons.
// Other geometry types yield nil.
func Polygons(g geom.T) []*geom.Polygon {
	switch t := g.(type) {
	case *geom.Polygon:
		if t.Empty() {
			return nil
		}
		return []*geom.Polygon{t}
	case *geom.MultiPolygon:
		out := make([]*geom.Polygon, 0, t.NumPolygons())
		for i := 0; i < t.NumPolygons(); i++ {
			if p := t.Polygon(i); !p.Empty() {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

// Points flattens a Point or MultiPoint into coordinates.
func Points(g geom.T) []geom.Coord {
	switch t := g.(type) {
	case *geom.Point:
		if t.Empty() {
			return nil
		}
		return []geom.Coord{t.Coords()}
	case *geom.MultiPoint:
		return t.Coords()
	default:
		return nil
	}
}

// ContainsCoord reports whether c lies inside or on the boundary of g.
// Points in a polygon hole are outside.
func ContainsCoord(g geom.T, c geom.Coord) bool {
	for _, p := range Polygons(g) {
		if polygonLocate(p, c) != location.Exterior {
			return true
		}
	}
	for _, pt := range Points(g) {
		if pt.X() == c.X() && pt.Y() == c.Y() {
			return true
		}
	}
	return false
}

func polygonLocate(p *geom.Polygon, c geom.Coord) location.Type {
	if p.NumLinearRings() == 0 {
		return location.Exterior
	}
	shell := xy.LocatePointInRing(geom.XY, c, ringCoords(p, 0))
	if shell != location.Interior {
		return shell
	}
	for i := 1; i < p.NumLinearRings(); i++ {
		switch xy.LocatePointInRing(geom.XY, c, ringCoords(p, i)) {
		case location.Interior:
			return location.Exterior
		case location.Boundary:
			return location.Boundary
		}
	}
	return location.Interior
}

// ringCoords returns the XY flat coordinates of ring i of p, regardless of
// the polygon's stride.
func ringCoords(p *geom.Polygon, i int) []float64 {
	lr := p.LinearRing(i)
	if lr.Stride() == 2 {
		return lr.FlatCoords()
	}
	return toXY(lr.FlatCoords(), lr.Stride())
}

func toXY(flat []float64, stride int) []float64 {
	out := make([]float64, 0, len(flat)/stride*2)
	for i := 0; i+1 < len(flat); i += stride {
		out = append(out, flat[i], flat[i+1])
	}
	return out
}

// Intersects reports whether a and b share at least one point. Supported
// operands are Point, MultiPoint, Polygon and MultiPolygon.
func Intersects(a, b geom.T) bool {
	if a == nil || b == nil || a.Empty() || b.Empty() {
		return false
	}
	if !a.Bounds().Overlaps(geom.XY, b.Bounds()) {
		return false
	}

	for _, c := range Points(a) {
		if ContainsCoord(b, c) {
			return true
		}
	}
	for _, c := range Points(b) {
		if ContainsCoord(a, c) {
			return true
		}
	}

	pa, pb := Polygons(a), Polygons(b)
	for _, p := range pa {
		for _, q := range pb {
			if polygonsIntersect(p, q) {
				return true
			}
		}
	}
	return false
}

func polygonsIntersect(p, q *geom.Polygon) bool {
	if !p.Bounds().Overlaps(geom.XY, q.Bounds()) {
		return false
	}
	if anyVertexInside(p, q) || anyVertexInside(q, p) {
		return true
	}
	for i := 0; i < p.NumLinearRings(); i++ {
		rp := ringCoords(p, i)
		for j := 0; j < q.NumLinearRings(); j++ {
			if ringsCross(rp, ringCoords(q, j)) {
				return true
			}
		}
	}
	return false
}

func anyVertexInside(p, q *geom.Polygon) bool {
	for i := 0; i < p.NumLinearRings(); i++ {
		ring := ringCoords(p, i)
		for k := 0; k+1 < len(ring); k += 2 {
			if polygonLocate(q, geom.Coord{ring[k], ring[k+1]}) != location.Exterior {
				return true
			}
		}
	}
	return false
}

func ringsCross(r1, r2 []float64) bool {
	for i := 0; i+3 < len(r1); i += 2 {
		a1 := geom.Coord{r1[i], r1[i+1]}
		a2 := geom.Coord{r1[i+2], r1[i+3]}
		for j := 0; j+3 < len(r2); j += 2 {
			if SegmentsIntersect(a1, a2, geom.Coord{r2[j], r2[j+1]}, geom.Coord{r2[j+2], r2[j+3]}) {
				return true
			}
		}
	}
	return false
}

// SegmentsIntersect reports whether segments p1-p2 and q1-q2 share a point.
func SegmentsIntersect(p1, p2, q1, q2 geom.Coord) bool {
	o1 := xy.OrientationIndex(p1, p2, q1)
	o2 := xy.OrientationIndex(p1, p2, q2)
	o3 := xy.OrientationIndex(q1, q2, p1)
	o4 := xy.OrientationIndex(q1, q2, p2)

	if o1 != o2 && o3 != o4 {
		return true
	}
	if o1 == orientation.Collinear && xy.IsPointWithinLineBounds(q1, p1, p2) {
		return true
	}
	if o2 == orientation.Collinear && xy.IsPointWithinLineBounds(q2, p1, p2) {
		return true
	}
	if o3 == orientation.Collinear && xy.IsPointWithinLineBounds(p1, q1, q2) {
		return true
	}
	if o4 == orientation.Collinear && xy.IsPointWithinLineBounds(p2, q1, q2) {
		return true
	}
	return false
}

// Validate checks that g is a non-empty polygonal geometry whose rings are
// closed, have at least four positions, enclose a non-zero area and do not
// self-intersect.
func Validate(g geom.T) error {
	if g == nil {
		return eris.New("geometry: nil geometry")
	}
	polys := Polygons(g)
	if len(polys) == 0 {
		return eris.Errorf("geometry: expected non-empty polygon, got %T", g)
	}
	for pi, p := range polys {
		for ri := 0; ri < p.NumLinearRings(); ri++ {
			ring := ringCoords(p, ri)
			n := len(ring) / 2
			if n < 4 {
				return eris.Errorf("geometry: polygon %d ring %d has %d positions, need at least 4", pi, ri, n)
			}
			if ring[0] != ring[len(ring)-2] || ring[1] != ring[len(ring)-1] {
				return eris.Errorf("geometry: polygon %d ring %d is not closed", pi, ri)
			}
			if xy.SignedArea(geom.XY, ring) == 0 {
				return eris.Errorf("geometry: polygon %d ring %d has zero area", pi, ri)
			}
			if selfIntersects(ring) {
				return eris.Errorf("geometry: polygon %d ring %d self-intersects", pi, ri)
			}
		}
	}
	return nil
}

// selfIntersects tests every pair of non-adjacent ring segments.
func selfIntersects(ring []float64) bool {
	n := len(ring)/2 - 1 // segment count
	for i := 0; i < n; i++ {
		a1 := geom.Coord{ring[2*i], ring[2*i+1]}
		a2 := geom.Coord{ring[2*i+2], ring[2*i+3]}
		for j := i + 2; j < n; j++ {
			if i == 0 && j == n-1 {
				continue // first and last segments share the closing vertex
			}
			b1 := geom.Coord{ring[2*j], ring[2*j+1]}
			b2 := geom.Coord{ring[2*j+2], ring[2*j+3]}
			if SegmentsIntersect(a1, a2, b1, b2) {
				return true
			}
		}
	}
	return false
}

// MetersToDegrees converts a ground distance at latitude lat into an
// approximate angular distance, using the longitudinal (shorter) scale so
// the result never under-covers the requested distance.
func MetersToDegrees(meters, lat float64) float64 {
	c := math.Cos(lat * math.Pi / 180)
	if c < 1e-6 {
		c = 1e-6
	}
	return meters / (metersPerDegree * c)
}

// DegreesLatToMeters converts a latitude span into metres.
func DegreesLatToMeters(deg float64) float64 {
	return deg * metersPerDegree
}

// DegreesLonToMeters converts a longitude span at latitude lat into metres.
func DegreesLonToMeters(deg, lat float64) float64 {
	return deg * metersPerDegree * math.Cos(lat*math.Pi/180)
}

// CellArea returns the area in square metres of a lon/lat cell spanning
// [lat1, lat2] with width dLon degrees on the mean sphere.
func CellArea(dLon, lat1, lat2 float64) float64 {
	rad := math.Pi / 180
	return EarthRadiusMeters * EarthRadiusMeters * math.Abs(dLon*rad) *
		math.Abs(math.Sin(lat2*rad)-math.Sin(lat1*rad))
}

// Area returns the approximate geodesic area of a polygonal geometry in
// square metres. Holes are subtracted.
func Area(g geom.T) float64 {
	var total float64
	for _, p := range Polygons(g) {
		for i := 0; i < p.NumLinearRings(); i++ {
			a := math.Abs(ringArea(ringCoords(p, i)))
			if i == 0 {
				total += a
			} else {
				total -= a
			}
		}
	}
	return total
}

// ringArea implements the spherical polygon area approximation used by
// most web mapping libraries.
func ringArea(ring []float64) float64 {
	n := len(ring) / 2
	if n < 3 {
		return 0
	}
	rad := math.Pi / 180
	var sum float64
	for i := 0; i < n-1; i++ {
		lon1, lat1 := ring[2*i]*rad, ring[2*i+1]*rad
		lon2, lat2 := ring[2*i+2]*rad, ring[2*i+3]*rad
		sum += (lon2 - lon1) * (2 + math.Sin(lat1) + math.Sin(lat2))
	}
	return sum * EarthRadiusMeters * EarthRadiusMeters / 2
}

// MultiPolygonOf merges polygons into one XY MultiPolygon, dropping any
// Z or M ordinates.
func MultiPolygonOf(polys []*geom.Polygon) *geom.MultiPolygon {
	out := geom.NewMultiPolygon(geom.XY).SetSRID(SRID)
	for _, p := range polys {
		flat := make([]float64, 0, len(p.FlatCoords()))
		ends := make([]int, 0, p.NumLinearRings())
		for i := 0; i < p.NumLinearRings(); i++ {
			flat = append(flat, ringCoords(p, i)...)
			ends = append(ends, len(flat))
		}
		_ = out.Push(geom.NewPolygonFlat(geom.XY, flat, ends))
	}
	return out
}
