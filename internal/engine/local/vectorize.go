package local

import (
	"github.com/twpayne/go-geom"

	"github.com/sells-group/flood-exposure/internal/geometry"
)

// vertex is a pixel corner. x counts columns eastward, y counts rows
// northward (so row r spans y = -r-1 .. -r), which keeps the usual
// counter-clockwise orientation for shells.
type vertex struct{ x, y int }

type edge struct{ from, to vertex }

func (e edge) dir() vertex { return vertex{e.to.x - e.from.x, e.to.y - e.from.y} }

// vectorize turns every 4-connected run of equal unmasked values into a
// polygon feature carrying "label" (the value) and "count" (pixels).
// Features are emitted in row-major order of their first pixel.
func vectorize(g Grid, r *Raster) []Feature {
	comp := make([]int, g.Len()) // component id + 1
	var out []Feature

	for start := range r.Values {
		if !r.Valid[start] || comp[start] != 0 {
			continue
		}
		id := len(out) + 1
		value := r.Values[start]
		pixels := floodFill(g, r, comp, start, id, value)

		poly := tracePolygon(g, comp, id, pixels)
		out = append(out, Feature{
			Geometry: poly,
			Properties: map[string]any{
				"label": value,
				"count": float64(len(pixels)),
			},
		})
	}
	return out
}

func floodFill(g Grid, r *Raster, comp []int, start, id int, value float64) []int {
	pixels := []int{start}
	comp[start] = id
	for q := 0; q < len(pixels); q++ {
		i := pixels[q]
		col, row := i%g.Width, i/g.Width
		for _, nb := range [4][2]int{{col - 1, row}, {col + 1, row}, {col, row - 1}, {col, row + 1}} {
			c, rr := nb[0], nb[1]
			if c < 0 || rr < 0 || c >= g.Width || rr >= g.Height {
				continue
			}
			j := rr*g.Width + c
			if comp[j] == 0 && r.Valid[j] && r.Values[j] == value {
				comp[j] = id
				pixels = append(pixels, j)
			}
		}
	}
	return pixels
}

// tracePolygon outlines one component. Boundary edges are directed with the
// component on their left, chained into rings, and split into shells
// (counter-clockwise) and holes (clockwise).
func tracePolygon(g Grid, comp []int, id int, pixels []int) geom.T {
	in := func(col, row int) bool {
		if col < 0 || row < 0 || col >= g.Width || row >= g.Height {
			return false
		}
		return comp[row*g.Width+col] == id
	}

	var edges []edge
	for _, i := range pixels {
		c, r := i%g.Width, i/g.Width
		bl, br := vertex{c, -r - 1}, vertex{c + 1, -r - 1}
		tr, tl := vertex{c + 1, -r}, vertex{c, -r}
		if !in(c, r+1) {
			edges = append(edges, edge{bl, br})
		}
		if !in(c+1, r) {
			edges = append(edges, edge{br, tr})
		}
		if !in(c, r-1) {
			edges = append(edges, edge{tr, tl})
		}
		if !in(c-1, r) {
			edges = append(edges, edge{tl, bl})
		}
	}

	var shells, holes [][]vertex
	for _, ring := range chainRings(edges) {
		if ringArea2(ring) > 0 {
			shells = append(shells, ring)
		} else {
			holes = append(holes, ring)
		}
	}
	return assemble(g, shells, holes)
}

// chainRings links directed edges into closed rings. At a vertex shared by
// two rings the walk turns left first, which keeps diagonal-only contacts
// apart as 4-connectivity requires.
func chainRings(edges []edge) [][]vertex {
	outgoing := make(map[vertex][]int)
	for i, e := range edges {
		outgoing[e.from] = append(outgoing[e.from], i)
	}
	used := make([]bool, len(edges))

	next := func(at, d vertex) int {
		prefs := [3]vertex{{-d.y, d.x}, d, {d.y, -d.x}}
		for _, want := range prefs {
			for _, j := range outgoing[at] {
				if !used[j] && edges[j].dir() == want {
					return j
				}
			}
		}
		return -1
	}

	var rings [][]vertex
	for i := range edges {
		if used[i] {
			continue
		}
		start := edges[i].from
		ring := []vertex{start}
		cur := i
		for cur >= 0 {
			used[cur] = true
			to := edges[cur].to
			if to == start {
				break
			}
			ring = append(ring, to)
			cur = next(to, edges[cur].dir())
		}
		rings = append(rings, dropCollinear(ring))
	}
	return rings
}

// dropCollinear removes vertices in the middle of straight runs. The ring
// is open (last vertex != first).
func dropCollinear(ring []vertex) []vertex {
	n := len(ring)
	if n < 4 {
		return ring
	}
	out := make([]vertex, 0, n)
	for i := 0; i < n; i++ {
		prev, cur, nxt := ring[(i+n-1)%n], ring[i], ring[(i+1)%n]
		d1 := vertex{cur.x - prev.x, cur.y - prev.y}
		d2 := vertex{nxt.x - cur.x, nxt.y - cur.y}
		if d1.x*d2.y-d1.y*d2.x != 0 {
			out = append(out, cur)
		}
	}
	return out
}

// ringArea2 is twice the signed area of an open ring.
func ringArea2(ring []vertex) int {
	a := 0
	for i := range ring {
		p, q := ring[i], ring[(i+1)%len(ring)]
		a += p.x*q.y - q.x*p.y
	}
	return a
}

func (g Grid) project(v vertex) (float64, float64) {
	return g.OriginLon + float64(v.x)*g.PixelDeg, g.OriginLat + float64(v.y)*g.PixelDeg
}

func (g Grid) ringFlat(ring []vertex) []float64 {
	flat := make([]float64, 0, 2*len(ring)+2)
	for _, v := range ring {
		x, y := g.project(v)
		flat = append(flat, x, y)
	}
	return append(flat, flat[0], flat[1])
}

// assemble attaches every hole to the smallest shell containing a point
// just inside the component next to the hole's first edge.
func assemble(g Grid, shells, holes [][]vertex) geom.T {
	shellPolys := make([]*geom.Polygon, len(shells))
	for i, s := range shells {
		shellPolys[i] = geom.NewPolygonFlat(geom.XY, g.ringFlat(s), []int{2*len(s) + 2})
	}

	owned := make([][][]vertex, len(shells))
	for _, h := range holes {
		a, b := h[0], h[1]
		d := vertex{b.x - a.x, b.y - a.y}
		sampleX := float64(a.x+b.x)/2 - 0.25*float64(sign(d.y))
		sampleY := float64(a.y+b.y)/2 + 0.25*float64(sign(d.x))
		sample := geom.Coord{g.OriginLon + sampleX*g.PixelDeg, g.OriginLat + sampleY*g.PixelDeg}

		best, bestArea := -1, 0
		for i, sp := range shellPolys {
			area := ringArea2(shells[i])
			if geometry.ContainsCoord(sp, sample) && (best < 0 || area < bestArea) {
				best, bestArea = i, area
			}
		}
		if best >= 0 {
			owned[best] = append(owned[best], h)
		}
	}

	polys := make([]*geom.Polygon, len(shells))
	for i, s := range shells {
		flat := g.ringFlat(s)
		ends := []int{len(flat)}
		for _, h := range owned[i] {
			flat = append(flat, g.ringFlat(h)...)
			ends = append(ends, len(flat))
		}
		polys[i] = geom.NewPolygonFlat(geom.XY, flat, ends).SetSRID(geometry.SRID)
	}
	if len(polys) == 1 {
		return polys[0]
	}
	return geometry.MultiPolygonOf(polys)
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
