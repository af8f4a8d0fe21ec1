package flood

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/flood-exposure/internal/algebra"
	"github.com/sells-group/flood-exposure/internal/engine"
)

// BuildingExposure is the outcome of the building analysis.
type BuildingExposure struct {
	Mode    BuildingMode `json:"mode" yaml:"mode"`
	Total   int64        `json:"total" yaml:"total"`
	Flooded int64        `json:"flooded" yaml:"flooded"`
	// Empty is set when no building lies in the region.
	Empty bool `json:"empty" yaml:"empty"`

	// InROI and FloodedSet are lazy handles for export. In centroid mode
	// FloodedSet holds building centroids. In raster mode FloodedSet is
	// unset and FloodedRaster holds the painted flooded pixels.
	InROI         algebra.FeatureCollection `json:"-" yaml:"-"`
	FloodedSet    algebra.FeatureCollection `json:"-" yaml:"-"`
	FloodedRaster algebra.Image             `json:"-" yaml:"-"`
}

// BuildingSets returns the buildings in the region and the subset whose
// representative geometry intersects the flood-prone footprint. Each
// building is tested once against the single dissolved footprint geometry.
func BuildingSets(ds Datasets, roi algebra.Geometry, footprint algebra.FeatureCollection, mode BuildingMode) (inROI, flooded algebra.FeatureCollection) {
	inROI = algebra.LoadFeatureCollection(ds.Buildings).FilterBounds(roi)
	rep := inROI
	if mode == BuildingCentroid {
		rep = inROI.Map(func(f algebra.Feature) algebra.Feature { return f.Centroid() })
	}
	return inROI, rep.FilterBounds(footprint.Geometry())
}

// BuildingRasters paints the centroids of the buildings in the region and
// returns the painted image and its part under the flood-prone mask.
func BuildingRasters(ds Datasets, roi algebra.Geometry, m Mask) (painted, flooded algebra.Image) {
	painted = algebra.LoadFeatureCollection(ds.Buildings).
		FilterBounds(roi).
		Map(func(f algebra.Feature) algebra.Feature { return f.Centroid() }).
		Paint(1).
		Rename(BandBuildings).
		Clip(roi)
	return painted, painted.UpdateMask(m.Footprint)
}

// AnalyzeBuildings counts the buildings in the region and those flooded.
// With no buildings, or with an empty mask, the flooded count is zero and
// the footprint is never evaluated. Raster mode tests against the mask
// itself; the other modes use the vector footprint.
func AnalyzeBuildings(ctx context.Context, ev engine.Evaluator, ds Datasets, roi algebra.Geometry, m Mask, footprint algebra.FeatureCollection, emptyMask bool, p Params) (BuildingExposure, error) {
	if p.BuildingMode == BuildingRaster {
		return analyzeBuildingRaster(ctx, ev, ds, roi, m, emptyMask, p)
	}

	inROI, flooded := BuildingSets(ds, roi, footprint, p.BuildingMode)
	out := BuildingExposure{Mode: p.BuildingMode, InROI: inROI, FloodedSet: flooded}

	v, err := ev.Compute(ctx, inROI.Size())
	if err != nil {
		return out, eris.Wrap(err, "flood: count buildings in region")
	}
	if out.Total, err = v.Int(); err != nil {
		return out, err
	}
	if out.Total == 0 {
		out.Empty = true
		zap.L().Info("flood: no buildings in region")
		return out, nil
	}

	if !emptyMask {
		v, err = ev.Compute(ctx, flooded.Size())
		if err != nil {
			return out, eris.Wrap(err, "flood: count flooded buildings")
		}
		if out.Flooded, err = v.Int(); err != nil {
			return out, err
		}
	}

	logBuildings(out)
	return out, nil
}

func analyzeBuildingRaster(ctx context.Context, ev engine.Evaluator, ds Datasets, roi algebra.Geometry, m Mask, emptyMask bool, p Params) (BuildingExposure, error) {
	painted, flooded := BuildingRasters(ds, roi, m)
	out := BuildingExposure{
		Mode:          BuildingRaster,
		InROI:         algebra.LoadFeatureCollection(ds.Buildings).FilterBounds(roi),
		FloodedRaster: flooded,
	}

	var err error
	if out.Total, err = countPixels(ctx, ev, painted, roi, p); err != nil {
		return out, eris.Wrap(err, "flood: count building pixels in region")
	}
	if out.Total == 0 {
		out.Empty = true
		zap.L().Info("flood: no buildings in region")
		return out, nil
	}

	if !emptyMask {
		if out.Flooded, err = countPixels(ctx, ev, flooded, roi, p); err != nil {
			return out, eris.Wrap(err, "flood: count flooded building pixels")
		}
	}

	logBuildings(out)
	return out, nil
}

// countPixels sums a painted 0/1 building image over the region.
func countPixels(ctx context.Context, ev engine.Evaluator, img algebra.Image, roi algebra.Geometry, p Params) (int64, error) {
	v, err := ev.Compute(ctx, img.ReduceRegion(algebra.RegionParams{
		Reducer:    algebra.ReducerSum,
		Geometry:   roi,
		Scale:      p.BuildingScale,
		MaxPixels:  p.MaxPixels,
		BestEffort: p.BestEffort,
		TileScale:  p.TileScale,
	}))
	if err != nil {
		return 0, err
	}
	n, err := v.Get(BandBuildings)
	if err != nil {
		return 0, err
	}
	return int64(n + 0.5), nil
}

func logBuildings(b BuildingExposure) {
	zap.L().Info("flood: buildings analyzed",
		zap.String("building_mode", string(b.Mode)),
		zap.Int64("buildings_total", b.Total),
		zap.Int64("buildings_flooded", b.Flooded),
	)
}
