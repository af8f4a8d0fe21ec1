package flood

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/flood-exposure/internal/algebra"
	"github.com/sells-group/flood-exposure/internal/engine"
)

// Observations returns the monthly water stack for the window and region
// with permanent water masked out of every time step. Pixels without an
// occurrence record are not permanent water.
func Observations(ds Datasets, roi algebra.Geometry, w Window, permanentPct float64) algebra.ImageCollection {
	notPermanent := algebra.LoadImage(ds.WaterOccurrence).
		Select(BandOccurrence).
		Unmask(0).
		Gte(permanentPct).
		Not()

	return algebra.LoadImageCollection(ds.WaterHistory).
		FilterBounds(roi).
		FilterDate(w.Start, w.End).
		Select(BandWater).
		Map(func(img algebra.Image) algebra.Image { return img.UpdateMask(notPermanent) })
}

// ObservationCount is N: per pixel, the number of time steps with a valid
// reading.
func ObservationCount(stack algebra.ImageCollection) algebra.Image {
	return stack.Map(func(img algebra.Image) algebra.Image { return img.Gt(WaterNoData) }).Sum()
}

// WaterCount is W: per pixel, the number of time steps classified as water.
func WaterCount(stack algebra.ImageCollection) algebra.Image {
	return stack.Map(func(img algebra.Image) algebra.Image { return img.Eq(WaterWater) }).Sum()
}

// Frequency is 100 * W / N. Pixels where N is zero are masked by the
// division, and pixels that were observed but never wet are masked too, so
// the surface only holds values in (0, 100].
func Frequency(ds Datasets, roi algebra.Geometry, w Window, permanentPct float64) algebra.Image {
	stack := Observations(ds, roi, w, permanentPct)
	freq := algebra.Constant(100).
		Multiply(WaterCount(stack)).
		Divide(ObservationCount(stack)).
		Rename(BandFrequency)
	return freq.UpdateMask(freq.Gt(0)).Clip(roi)
}

// FrequencyStats summarizes the frequency surface over the region.
type FrequencyStats struct {
	Scenes int     `json:"scenes" yaml:"scenes"`
	Mean   float64 `json:"mean_pct" yaml:"mean_pct"`
	Max    float64 `json:"max_pct" yaml:"max_pct"`
}

// SummarizeFrequency evaluates the scene count and the mean and maximum
// frequency concurrently. An all-masked surface reports zeros.
func SummarizeFrequency(ctx context.Context, ev engine.Evaluator, ds Datasets, roi algebra.Geometry, p Params) (FrequencyStats, error) {
	freq := Frequency(ds, roi, p.Window, p.PermanentWaterPct)
	stack := Observations(ds, roi, p.Window, p.PermanentWaterPct)

	reduce := func(r algebra.Reducer) algebra.Dictionary {
		return freq.ReduceRegion(algebra.RegionParams{
			Reducer:    r,
			Geometry:   roi,
			Scale:      p.Scale,
			MaxPixels:  p.MaxPixels,
			BestEffort: p.BestEffort,
			TileScale:  p.TileScale,
		})
	}

	var stats FrequencyStats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := ev.Compute(gctx, stack.Size())
		if err != nil {
			return eris.Wrap(err, "flood: count scenes")
		}
		n, err := v.Int()
		stats.Scenes = int(n)
		return err
	})
	g.Go(func() error {
		v, err := ev.Compute(gctx, reduce(algebra.ReducerMean))
		if err != nil {
			return eris.Wrap(err, "flood: mean frequency")
		}
		stats.Mean, err = v.Get(BandFrequency)
		return err
	})
	g.Go(func() error {
		v, err := ev.Compute(gctx, reduce(algebra.ReducerMax))
		if err != nil {
			return eris.Wrap(err, "flood: max frequency")
		}
		stats.Max, err = v.Get(BandFrequency)
		return err
	})
	if err := g.Wait(); err != nil {
		return FrequencyStats{}, err
	}
	return stats, nil
}
