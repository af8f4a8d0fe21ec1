package flood

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/flood-exposure/internal/algebra"
	"github.com/sells-group/flood-exposure/internal/aoi"
	"github.com/sells-group/flood-exposure/internal/engine"
)

// Result is the write-once outcome of one run.
type Result struct {
	RunID      string    `json:"run_id" yaml:"run_id"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`

	AOIMode    string     `json:"aoi_mode" yaml:"aoi_mode"`
	AOISource  string     `json:"aoi_source" yaml:"aoi_source"`
	AOIBounds  [4]float64 `json:"aoi_bounds" yaml:"aoi_bounds"`
	AOIAreaKm2 float64    `json:"aoi_area_km2" yaml:"aoi_area_km2"`

	Window             Window  `json:"window" yaml:"window"`
	LowLyingThresholdM float64 `json:"low_lying_threshold_m" yaml:"low_lying_threshold_m"`

	Frequency         FrequencyStats   `json:"frequency" yaml:"frequency"`
	FloodProneAreaKm2 float64          `json:"flood_prone_area_km2" yaml:"flood_prone_area_km2"`
	EmptyMask         bool             `json:"empty_mask" yaml:"empty_mask"`
	Buildings         BuildingExposure `json:"buildings" yaml:"buildings"`
	LandCover         []ClassArea      `json:"land_cover" yaml:"land_cover"`
}

// LandCoverTotalKm2 sums the class areas. It never exceeds
// FloodProneAreaKm2.
func (r *Result) LandCoverTotalKm2() float64 {
	var total float64
	for _, c := range r.LandCover {
		total += c.AreaKm2
	}
	return total
}

// Layers are lazy outputs of a run, ready for export. A layer whose
// handle has no node does not exist in this run's building mode.
type Layers struct {
	Footprint        algebra.FeatureCollection
	BuildingsInROI   algebra.FeatureCollection
	FloodedBuildings algebra.FeatureCollection

	// Region bounds the raster layers.
	Region algebra.Geometry
	// FloodProneRaster holds the flood frequency of flood-prone pixels in
	// hundredths of a percent.
	FloodProneRaster       RasterLayer
	FloodedBuildingsRaster RasterLayer
}

// RasterLayer is an image to export at a ground resolution in metres.
type RasterLayer struct {
	Image algebra.Image
	Scale float64
}

// Pipeline runs the analysis stages in dependency order.
type Pipeline struct {
	ev       engine.Evaluator
	datasets Datasets
	params   Params
	now      func() time.Time
}

// NewPipeline validates the settings and returns a pipeline.
func NewPipeline(ev engine.Evaluator, ds Datasets, p Params) (*Pipeline, error) {
	if ev == nil {
		return nil, eris.New("flood: nil evaluator")
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{ev: ev, datasets: ds, params: p, now: time.Now}, nil
}

// Params returns the validated settings.
func (p *Pipeline) Params() Params { return p.params }

// Run analyses the region. Empty masks and empty building sets produce
// zero-valued results; evaluation failures abort the run.
func (p *Pipeline) Run(ctx context.Context, roi *aoi.ROI) (*Result, *Layers, error) {
	if roi == nil {
		return nil, nil, eris.New("flood: nil region")
	}
	res := &Result{
		RunID:      uuid.NewString(),
		StartedAt:  p.now().UTC(),
		AOIMode:    string(roi.Mode()),
		AOISource:  roi.Source(),
		AOIBounds:  roi.Bounds(),
		AOIAreaKm2: roi.AreaKm2(),

		Window:             p.params.Window,
		LowLyingThresholdM: p.params.LowLyingThresholdM,
	}
	log := zap.L().With(zap.String("run_id", res.RunID))
	log.Info("flood: run started",
		zap.String("aoi_mode", res.AOIMode),
		zap.Time("start", p.params.Window.Start),
		zap.Time("end", p.params.Window.End),
	)

	region := roi.Expr()
	ds, params := p.datasets, p.params

	freq := Frequency(ds, region, params.Window, params.PermanentWaterPct)
	mask := BuildMask(freq, ds, region, params)
	footprint := VectorLayer(mask, region, params)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stats, err := SummarizeFrequency(gctx, p.ev, ds, region, params)
		res.Frequency = stats
		return err
	})
	g.Go(func() error {
		area, err := MaskAreaKm2(gctx, p.ev, mask, region, params)
		res.FloodProneAreaKm2 = area
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, eris.Wrap(err, "flood: frequency and mask")
	}
	res.EmptyMask = res.FloodProneAreaKm2 == 0

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := AnalyzeBuildings(gctx, p.ev, ds, region, mask, footprint, res.EmptyMask, params)
		res.Buildings = b
		return err
	})
	g.Go(func() error {
		classes, err := TabulateLandCover(gctx, p.ev, ds, region, mask, res.EmptyMask, params)
		res.LandCover = classes
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, eris.Wrap(err, "flood: exposure")
	}

	res.FinishedAt = p.now().UTC()
	log.Info("flood: run finished",
		zap.Bool("empty_mask", res.EmptyMask),
		zap.Float64("flood_prone_km2", res.FloodProneAreaKm2),
		zap.Int64("buildings_flooded", res.Buildings.Flooded),
		zap.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)),
	)

	return res, &Layers{
		Footprint:        footprint,
		BuildingsInROI:   res.Buildings.InROI,
		FloodedBuildings: res.Buildings.FloodedSet,
		Region:           region,
		FloodProneRaster: RasterLayer{
			Image: mask.FloodProne.MultiplyBy(100).ToInt(),
			Scale: params.Scale,
		},
		FloodedBuildingsRaster: RasterLayer{
			Image: res.Buildings.FloodedRaster,
			Scale: params.BuildingScale,
		},
	}, nil
}
