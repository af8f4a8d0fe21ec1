package geometry

import (
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
)

// Simplify applies Douglas-Peucker simplification to every ring of a
// polygonal geometry. The tolerance is expressed in degrees. Shells that
// would collapse below four positions are kept unchanged; holes that
// collapse are dropped. Non-polygonal geometries are returned as is.
func Simplify(g geom.T, tolerance float64) geom.T {
	if tolerance <= 0 {
		return g
	}
	switch t := g.(type) {
	case *geom.Polygon:
		return simplifyPolygon(t, tolerance)
	case *geom.MultiPolygon:
		out := geom.NewMultiPolygon(geom.XY).SetSRID(t.SRID())
		for i := 0; i < t.NumPolygons(); i++ {
			p := simplifyPolygon(t.Polygon(i), tolerance)
			if p.Empty() {
				continue
			}
			_ = out.Push(p)
		}
		return out
	default:
		return g
	}
}

func simplifyPolygon(p *geom.Polygon, tolerance float64) *geom.Polygon {
	out := geom.NewPolygon(geom.XY).SetSRID(p.SRID())
	for i := 0; i < p.NumLinearRings(); i++ {
		ring := ringCoords(p, i)
		simplified := simplifyRing(ring, tolerance)
		if len(simplified) < 8 {
			if i > 0 {
				continue
			}
			simplified = ring
		}
		if err := out.Push(geom.NewLinearRingFlat(geom.XY, simplified)); err != nil {
			continue
		}
	}
	return out
}

func simplifyRing(ring []float64, tolerance float64) []float64 {
	idx := xy.SimplifyFlatCoords(ring, tolerance, 2)
	out := make([]float64, 0, len(idx)*2)
	for _, i := range idx {
		out = append(out, ring[2*i], ring[2*i+1])
	}
	return out
}
