package local

import (
	"context"
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/flood-exposure/internal/algebra"
)

// sampleStride returns the block size k so that counting every k-th pixel
// on both axes keeps the work under maxPixels. It fails when the region is
// too large and best effort was not requested.
func sampleStride(count int, maxPixels float64, bestEffort bool, fn string) (int, error) {
	if maxPixels <= 0 || float64(count) <= maxPixels {
		return 1, nil
	}
	if !bestEffort {
		return 0, eris.Errorf("local: %s: too many pixels in region (found %d, maxPixels %.0f)", fn, count, maxPixels)
	}
	return int(math.Ceil(math.Sqrt(float64(count) / maxPixels))), nil
}

// reduceRegion aggregates the unmasked pixels whose centres fall in the
// region. Sampled sums and counts are scaled back up by the sampling
// factor.
func (e *Engine) reduceRegion(ctx context.Context, n *algebra.Node, s *scope) (map[string]any, error) {
	in, err := e.raster(ctx, n, "input", s)
	if err != nil {
		return nil, err
	}
	region, err := e.geometryOf(ctx, n, "geometry", s)
	if err != nil {
		return nil, err
	}
	inside := e.coverage(region)

	candidates := 0
	for _, ok := range inside {
		if ok {
			candidates++
		}
	}
	k, err := sampleStride(candidates, n.FloatArg("maxPixels", 1e7), n.BoolArg("bestEffort"), n.Fn())
	if err != nil {
		return nil, err
	}

	var (
		sum, count float64
		lo         = math.Inf(1)
		hi         = math.Inf(-1)
	)
	for row := 0; row < e.grid.Height; row += k {
		for col := 0; col < e.grid.Width; col += k {
			i := row*e.grid.Width + col
			if !inside[i] || !in.Valid[i] {
				continue
			}
			v := in.Values[i]
			sum += v
			count++
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	scale := float64(k * k)

	var out any
	switch algebra.Reducer(n.StringArg("reducer")) {
	case algebra.ReducerSum:
		out = sum * scale
	case algebra.ReducerCount:
		out = count * scale
	case algebra.ReducerMean:
		if count > 0 {
			out = sum / count
		}
	case algebra.ReducerMin:
		if count > 0 {
			out = lo
		}
	case algebra.ReducerMax:
		if count > 0 {
			out = hi
		}
	default:
		return nil, eris.Errorf("local: %s: unsupported reducer %q", n.Fn(), n.StringArg("reducer"))
	}
	return map[string]any{in.Band: out}, nil
}

// reduceToVectors groups 4-connected pixels of equal value inside the
// region into polygons. When the region exceeds maxPixels and best effort
// is allowed, the raster is resampled to coarser blocks first.
func (e *Engine) reduceToVectors(ctx context.Context, n *algebra.Node, s *scope) ([]Feature, error) {
	in, err := e.raster(ctx, n, "input", s)
	if err != nil {
		return nil, err
	}
	region, err := e.geometryOf(ctx, n, "geometry", s)
	if err != nil {
		return nil, err
	}
	inside := e.coverage(region)

	masked := in.derive(in.Band)
	candidates := 0
	for i := range inside {
		if inside[i] && in.Valid[i] {
			masked.Values[i] = in.Values[i]
			masked.Valid[i] = true
			candidates++
		}
	}

	k, err := sampleStride(candidates, n.FloatArg("maxPixels", 1e7), n.BoolArg("bestEffort"), n.Fn())
	if err != nil {
		return nil, err
	}
	g := e.grid
	if k > 1 {
		g, masked = resample(e.grid, masked, k)
	}
	return vectorize(g, masked), nil
}

// resample maps r onto blocks of k×k pixels. Each block takes the value of
// its first unmasked pixel in row-major order.
func resample(g Grid, r *Raster, k int) (Grid, *Raster) {
	cg := g.coarsen(k)
	out := NewRaster(cg, r.Band)
	for row := 0; row < g.Height; row++ {
		for col := 0; col < g.Width; col++ {
			i := row*g.Width + col
			if !r.Valid[i] {
				continue
			}
			j := (row/k)*cg.Width + col/k
			if !out.Valid[j] {
				out.Values[j] = r.Values[i]
				out.Valid[j] = true
			}
		}
	}
	return cg, out
}
