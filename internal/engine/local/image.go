package local

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/flood-exposure/internal/algebra"
	"github.com/sells-group/flood-exposure/internal/geometry"
)

func (e *Engine) applyImage(ctx context.Context, n *algebra.Node, s *scope) (any, bool, error) {
	var (
		v   any
		err error
	)
	switch n.Fn() {
	case algebra.FnImageLoad:
		id := n.StringArg("id")
		r, ok := e.images[id]
		if !ok {
			return nil, true, eris.Errorf("local: image %q not found", id)
		}
		v = r
	case algebra.FnImageConstant:
		v = Filled(e.grid, "constant", n.FloatArg("value", 0))
	case algebra.FnImagePixelArea:
		v = e.pixelArea()
	case algebra.FnImageSelect:
		v, err = e.selectBand(ctx, n, s)
	case algebra.FnImageRename:
		var in *Raster
		if in, err = e.raster(ctx, n, "input", s); err == nil {
			out := *in
			out.Band = n.StringArg("name")
			v = &out
		}
	case algebra.FnImageGt, algebra.FnImageGte, algebra.FnImageLt,
		algebra.FnImageLte, algebra.FnImageEq, algebra.FnImageNeq:
		v, err = e.compare(ctx, n, s)
	case algebra.FnImageAnd, algebra.FnImageOr, algebra.FnImageAdd,
		algebra.FnImageSubtract, algebra.FnImageMultiply, algebra.FnImageDivide:
		v, err = e.binary(ctx, n, s)
	case algebra.FnImageNot:
		v, err = e.unary(ctx, n, s, func(x float64) float64 { return boolf(x == 0) })
	case algebra.FnImageToInt:
		v, err = e.unary(ctx, n, s, math.Trunc)
	case algebra.FnImageUpdateMask:
		v, err = e.updateMask(ctx, n, s)
	case algebra.FnImageClip:
		v, err = e.clip(ctx, n, s)
	case algebra.FnImageUnmask:
		var in *Raster
		if in, err = e.raster(ctx, n, "input", s); err == nil {
			v = unmask(in, n.FloatArg("value", 0))
		}
	case algebra.FnTerrainSlope:
		var in *Raster
		if in, err = e.raster(ctx, n, "input", s); err == nil {
			v = slope(e.grid, in)
		}
	case algebra.FnImageReduceRegion:
		v, err = e.reduceRegion(ctx, n, s)
	case algebra.FnImageReduceToVectors:
		v, err = e.reduceToVectors(ctx, n, s)
	case algebra.FnImagePaint:
		v, err = e.paint(ctx, n, s)
	default:
		return nil, false, nil
	}
	return v, true, err
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (e *Engine) pixelArea() *Raster {
	r := NewRaster(e.grid, "area")
	for row := 0; row < e.grid.Height; row++ {
		top := e.grid.OriginLat - float64(row)*e.grid.PixelDeg
		a := geometry.CellArea(e.grid.PixelDeg, top, top-e.grid.PixelDeg)
		for col := 0; col < e.grid.Width; col++ {
			i := row*e.grid.Width + col
			r.Values[i] = a
			r.Valid[i] = true
		}
	}
	return r
}

func (e *Engine) selectBand(ctx context.Context, n *algebra.Node, s *scope) (*Raster, error) {
	in, err := e.raster(ctx, n, "input", s)
	if err != nil {
		return nil, err
	}
	band := n.StringArg("band")
	if in.Band != band {
		return nil, eris.Errorf("local: Image.select: band %q not found, image has %q", band, in.Band)
	}
	return in, nil
}

func (e *Engine) compare(ctx context.Context, n *algebra.Node, s *scope) (*Raster, error) {
	in, err := e.raster(ctx, n, "input", s)
	if err != nil {
		return nil, err
	}
	ref := n.FloatArg("value", 0)
	var pred func(float64) bool
	switch n.Fn() {
	case algebra.FnImageGt:
		pred = func(x float64) bool { return x > ref }
	case algebra.FnImageGte:
		pred = func(x float64) bool { return x >= ref }
	case algebra.FnImageLt:
		pred = func(x float64) bool { return x < ref }
	case algebra.FnImageLte:
		pred = func(x float64) bool { return x <= ref }
	case algebra.FnImageEq:
		pred = func(x float64) bool { return x == ref }
	default:
		pred = func(x float64) bool { return x != ref }
	}

	out := in.derive(in.Band)
	for i, ok := range in.Valid {
		if ok {
			out.Values[i] = boolf(pred(in.Values[i]))
			out.Valid[i] = true
		}
	}
	return out, nil
}

func (e *Engine) unary(ctx context.Context, n *algebra.Node, s *scope, fn func(float64) float64) (*Raster, error) {
	in, err := e.raster(ctx, n, "input", s)
	if err != nil {
		return nil, err
	}
	out := in.derive(in.Band)
	for i, ok := range in.Valid {
		if ok {
			out.Values[i] = fn(in.Values[i])
			out.Valid[i] = true
		}
	}
	return out, nil
}

// binary combines two images pixel by pixel. A pixel masked in either
// operand is masked in the result; division by zero masks the pixel.
func (e *Engine) binary(ctx context.Context, n *algebra.Node, s *scope) (*Raster, error) {
	l, err := e.raster(ctx, n, "left", s)
	if err != nil {
		return nil, err
	}
	r, err := e.raster(ctx, n, "right", s)
	if err != nil {
		return nil, err
	}

	out := l.derive(l.Band)
	if l.Band == "constant" {
		out.Band = r.Band
	}
	for i := range out.Values {
		if !l.Valid[i] || !r.Valid[i] {
			continue
		}
		a, b := l.Values[i], r.Values[i]
		var v float64
		switch n.Fn() {
		case algebra.FnImageAnd:
			v = boolf(a != 0 && b != 0)
		case algebra.FnImageOr:
			v = boolf(a != 0 || b != 0)
		case algebra.FnImageAdd:
			v = a + b
		case algebra.FnImageSubtract:
			v = a - b
		case algebra.FnImageMultiply:
			v = a * b
		case algebra.FnImageDivide:
			if b == 0 {
				continue
			}
			v = a / b
		}
		out.Values[i] = v
		out.Valid[i] = true
	}
	return out, nil
}

func (e *Engine) updateMask(ctx context.Context, n *algebra.Node, s *scope) (*Raster, error) {
	in, err := e.raster(ctx, n, "input", s)
	if err != nil {
		return nil, err
	}
	mask, err := e.raster(ctx, n, "mask", s)
	if err != nil {
		return nil, err
	}
	out := in.derive(in.Band)
	for i := range out.Values {
		if in.Valid[i] && mask.Valid[i] && mask.Values[i] != 0 {
			out.Values[i] = in.Values[i]
			out.Valid[i] = true
		}
	}
	return out, nil
}

func (e *Engine) clip(ctx context.Context, n *algebra.Node, s *scope) (*Raster, error) {
	in, err := e.raster(ctx, n, "input", s)
	if err != nil {
		return nil, err
	}
	g, err := e.geometryOf(ctx, n, "geometry", s)
	if err != nil {
		return nil, err
	}
	inside := e.coverage(g)
	out := in.derive(in.Band)
	for i := range out.Values {
		if in.Valid[i] && inside[i] {
			out.Values[i] = in.Values[i]
			out.Valid[i] = true
		}
	}
	return out, nil
}

func (e *Engine) paint(ctx context.Context, n *algebra.Node, s *scope) (*Raster, error) {
	fs, err := e.featureList(ctx, n, "collection", s)
	if err != nil {
		return nil, err
	}
	value := n.FloatArg("value", 1)
	out := NewRaster(e.grid, "paint")
	for _, f := range fs {
		for i, hit := range e.rasterize(f.Geometry) {
			if hit {
				out.Values[i] = value
				out.Valid[i] = true
			}
		}
	}
	return out, nil
}

func unmask(in *Raster, value float64) *Raster {
	out := in.derive(in.Band)
	for i, ok := range in.Valid {
		out.Valid[i] = true
		if ok {
			out.Values[i] = in.Values[i]
		} else {
			out.Values[i] = value
		}
	}
	return out
}

// coverage flags the pixels whose centre lies in g.
func (e *Engine) coverage(g geom.T) []bool {
	out := make([]bool, e.grid.Len())
	if g == nil || g.Empty() {
		return out
	}
	b := g.Bounds()
	for row := 0; row < e.grid.Height; row++ {
		for col := 0; col < e.grid.Width; col++ {
			c := e.grid.Center(col, row)
			if c.X() < b.Min(0) || c.X() > b.Max(0) || c.Y() < b.Min(1) || c.Y() > b.Max(1) {
				continue
			}
			out[row*e.grid.Width+col] = geometry.ContainsCoord(g, c)
		}
	}
	return out
}

// slope computes terrain slope in degrees by central differences, falling
// back to one-sided differences at grid edges and next to masked pixels.
func slope(g Grid, elev *Raster) *Raster {
	out := elev.derive("slope")
	at := func(col, row int) (float64, bool) {
		if col < 0 || row < 0 || col >= g.Width || row >= g.Height {
			return 0, false
		}
		i := row*g.Width + col
		return elev.Values[i], elev.Valid[i]
	}
	gradient := func(lo, mid, hi float64, okLo, okHi bool, step float64) float64 {
		switch {
		case okLo && okHi:
			return (hi - lo) / (2 * step)
		case okHi:
			return (hi - mid) / step
		case okLo:
			return (mid - lo) / step
		}
		return 0
	}

	for row := 0; row < g.Height; row++ {
		dx, dy := g.pixelMeters(row)
		for col := 0; col < g.Width; col++ {
			z, ok := at(col, row)
			if !ok {
				continue
			}
			w, okW := at(col-1, row)
			east, okE := at(col+1, row)
			north, okN := at(col, row-1)
			south, okS := at(col, row+1)

			gx := gradient(w, z, east, okW, okE, dx)
			gy := gradient(south, z, north, okS, okN, dy)

			i := row*g.Width + col
			out.Values[i] = math.Atan(math.Hypot(gx, gy)) * 180 / math.Pi
			out.Valid[i] = true
		}
	}
	return out
}
