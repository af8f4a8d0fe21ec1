package flood

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/flood-exposure/internal/algebra"
	"github.com/sells-group/flood-exposure/internal/engine"
)

// Mask is the single definition of "flooded" shared by every consumer.
type Mask struct {
	// Frequency is the flood frequency surface.
	Frequency algebra.Image
	// FloodProne keeps the frequency value on flood-prone pixels and masks
	// everything else.
	FloodProne algebra.Image
	// Footprint is 1 on flood-prone pixels and masked elsewhere.
	Footprint algebra.Image
}

// Terrain returns the flat and low-lying masks derived from elevation.
func Terrain(ds Datasets, slopeDeg, lowLyingM float64) (flat, low algebra.Image) {
	elev := algebra.LoadImage(ds.Elevation).Select(BandElevation)
	flat = algebra.Slope(elev).Lt(slopeDeg)
	low = elev.Lt(lowLyingM)
	return flat, low
}

// BuildMask restricts the frequency surface to flat, low-lying pixels with
// a non-zero frequency. Steep or elevated pixels never qualify whatever
// their flood history.
func BuildMask(freq algebra.Image, ds Datasets, roi algebra.Geometry, p Params) Mask {
	flat, low := Terrain(ds, p.SlopeThresholdDeg, p.LowLyingThresholdM)
	keep := low.And(flat).And(freq.Gt(0))
	prone := freq.UpdateMask(keep).Clip(roi).Rename(BandFloodProne)
	return Mask{
		Frequency:  freq,
		FloodProne: prone,
		Footprint:  prone.Gt(0),
	}
}

// VectorLayer converts the flood-prone surface to polygons. The surface is
// scaled to integer percent hundredths before grouping, each polygon is
// simplified with a tolerance of one sampling distance, grown by the same
// distance, and the result is dissolved into one feature. The buffer makes
// the layer larger than the mask by up to one sampling distance on every
// edge. When the region exceeds VectorMaxPixels and BestEffort is set the
// engine coarsens the grid instead of failing.
func VectorLayer(m Mask, roi algebra.Geometry, p Params) algebra.FeatureCollection {
	polygons := m.FloodProne.
		MultiplyBy(100).
		ToInt().
		ReduceToVectors(algebra.VectorParams{
			Geometry:   roi,
			Scale:      p.Scale,
			MaxPixels:  p.VectorMaxPixels,
			BestEffort: p.BestEffort,
			TileScale:  p.TileScale,
		})
	return polygons.
		Map(func(f algebra.Feature) algebra.Feature { return f.Simplify(p.Scale).Buffer(p.Scale) }).
		Union()
}

// AreaKm2 sums the pixel area of a 0/1 image over the region.
func AreaKm2(ctx context.Context, ev engine.Evaluator, img algebra.Image, band string, roi algebra.Geometry, p Params) (float64, error) {
	expr := img.Multiply(algebra.PixelArea()).ReduceRegion(algebra.RegionParams{
		Reducer:    algebra.ReducerSum,
		Geometry:   roi,
		Scale:      p.Scale,
		MaxPixels:  p.MaxPixels,
		BestEffort: p.BestEffort,
		TileScale:  p.TileScale,
	})
	v, err := ev.Compute(ctx, expr)
	if err != nil {
		return 0, err
	}
	m2, err := v.Get(band)
	if err != nil {
		return 0, err
	}
	return m2 / 1e6, nil
}

// MaskAreaKm2 is the total flood-prone area. Zero means the mask is empty,
// which is a valid result.
func MaskAreaKm2(ctx context.Context, ev engine.Evaluator, m Mask, roi algebra.Geometry, p Params) (float64, error) {
	area, err := AreaKm2(ctx, ev, m.Footprint, BandFloodProne, roi, p)
	if err != nil {
		return 0, eris.Wrap(err, "flood: flood-prone area")
	}
	zap.L().Info("flood: mask built",
		zap.Float64("flood_prone_km2", area),
		zap.Float64("low_lying_threshold_m", p.LowLyingThresholdM),
		zap.Bool("empty", area == 0),
	)
	return area, nil
}
