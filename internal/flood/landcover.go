package flood

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/flood-exposure/internal/algebra"
	"github.com/sells-group/flood-exposure/internal/engine"
)

// Class is a land-cover class.
type Class struct {
	Code int
	Name string
}

// Classes is the land-cover enumeration in output order.
var Classes = []Class{
	{10, "Tree cover"},
	{20, "Shrubland"},
	{30, "Grassland"},
	{40, "Cropland"},
	{50, "Built-up"},
	{60, "Bare / sparse vegetation"},
	{70, "Snow and ice"},
	{80, "Permanent water bodies"},
	{90, "Herbaceous wetland"},
	{95, "Mangroves"},
}

// ClassArea is the flooded area of one class.
type ClassArea struct {
	Code    int     `json:"class_code" yaml:"class_code"`
	Name    string  `json:"class_name" yaml:"class_name"`
	AreaKm2 float64 `json:"area_km2" yaml:"area_km2"`
}

// LandCover returns the classification clipped to the region and
// restricted to the flood-prone footprint.
func LandCover(ds Datasets, roi algebra.Geometry, m Mask) algebra.Image {
	return algebra.LoadImageCollection(ds.LandCover).
		First().
		Select(BandLandCover).
		Clip(roi).
		UpdateMask(m.Footprint)
}

// ZeroClassAreas returns one zero row per class.
func ZeroClassAreas() []ClassArea {
	out := make([]ClassArea, len(Classes))
	for i, c := range Classes {
		out[i] = ClassArea{Code: c.Code, Name: c.Name}
	}
	return out
}

// TabulateLandCover sums the flooded pixel area of every class. Classes are
// reduced concurrently, bounded by p.Concurrency, and returned in
// enumeration order with absent classes at 0. An empty mask skips every
// reduction.
func TabulateLandCover(ctx context.Context, ev engine.Evaluator, ds Datasets, roi algebra.Geometry, m Mask, emptyMask bool, p Params) ([]ClassArea, error) {
	out := ZeroClassAreas()
	if emptyMask {
		return out, nil
	}

	lc := LandCover(ds, roi, m)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Concurrency)
	for i, c := range Classes {
		i, c := i, c
		g.Go(func() error {
			area, err := AreaKm2(gctx, ev, lc.Eq(float64(c.Code)), BandLandCover, roi, p)
			if err != nil {
				return eris.Wrapf(err, "flood: land-cover class %d", c.Code)
			}
			out[i].AreaKm2 = area
			zap.L().Debug("flood: class tabulated", zap.Int("class_code", c.Code), zap.Float64("area_km2", area))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
