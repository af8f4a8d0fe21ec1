package flood

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/flood-exposure/internal/algebra"
	"github.com/sells-group/flood-exposure/internal/engine"
)

func TestParseBuildingMode(t *testing.T) {
	m, err := ParseBuildingMode("polygon")
	require.NoError(t, err)
	assert.Equal(t, BuildingPolygon, m)

	m, err = ParseBuildingMode("centroid")
	require.NoError(t, err)
	assert.Equal(t, BuildingCentroid, m)

	m, err = ParseBuildingMode("raster")
	require.NoError(t, err)
	assert.Equal(t, BuildingRaster, m)

	_, err = ParseBuildingMode("footprint")
	assert.Error(t, err)
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())

	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"start after end", func(p *Params) { p.Window.Start, p.Window.End = p.Window.End, p.Window.Start }},
		{"missing start", func(p *Params) { p.Window.Start = time.Time{} }},
		{"nan threshold", func(p *Params) { p.LowLyingThresholdM = math.NaN() }},
		{"zero slope", func(p *Params) { p.SlopeThresholdDeg = 0 }},
		{"vertical slope", func(p *Params) { p.SlopeThresholdDeg = 90 }},
		{"permanent water above 100", func(p *Params) { p.PermanentWaterPct = 101 }},
		{"unknown building mode", func(p *Params) { p.BuildingMode = "roof" }},
		{"zero scale", func(p *Params) { p.Scale = 0 }},
		{"zero max pixels", func(p *Params) { p.MaxPixels = 0 }},
		{"zero concurrency", func(p *Params) { p.Concurrency = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestParamsValidate_EqualWindowBounds(t *testing.T) {
	p := DefaultParams()
	p.Window.End = p.Window.Start
	assert.NoError(t, p.Validate())
}

func TestDatasetsValidate(t *testing.T) {
	require.NoError(t, DefaultDatasets().Validate())

	ds := DefaultDatasets()
	ds.Buildings = ""
	err := ds.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buildings")
}

func TestNewPipeline_Rejects(t *testing.T) {
	e := newFixture(t, fixtureOpts{lowland: 2})

	_, err := NewPipeline(nil, fixtureDatasets, fixtureParams())
	assert.Error(t, err)

	_, err = NewPipeline(e, Datasets{}, fixtureParams())
	assert.Error(t, err)

	bad := fixtureParams()
	bad.Scale = -1
	_, err = NewPipeline(e, fixtureDatasets, bad)
	assert.Error(t, err)
}

func reduceSum(img algebra.Image, roi algebra.Geometry) algebra.Dictionary {
	return img.ReduceRegion(algebra.RegionParams{
		Reducer: algebra.ReducerSum, Geometry: roi, Scale: 30, MaxPixels: 1e13,
	})
}

func TestFrequency_Range(t *testing.T) {
	ctx := context.Background()
	e := newFixture(t, fixtureOpts{lowland: 2})
	roi := fixtureROI(t).Expr()
	p := fixtureParams()

	freq := Frequency(fixtureDatasets, roi, p.Window, p.PermanentWaterPct)
	for _, r := range []algebra.Reducer{algebra.ReducerMin, algebra.ReducerMax, algebra.ReducerCount} {
		v, err := e.Compute(ctx, freq.ReduceRegion(algebra.RegionParams{Reducer: r, Geometry: roi, Scale: 30, MaxPixels: 1e13}))
		require.NoError(t, err)
		got, err := v.Get(BandFrequency)
		require.NoError(t, err)
		switch r {
		case algebra.ReducerMin:
			assert.Equal(t, 50.0, got, "smallest frequency is the half-wet column")
		case algebra.ReducerMax:
			assert.Equal(t, 100.0, got)
		case algebra.ReducerCount:
			// never wet (col 2), never observed (col 3) and the permanent
			// water pixel are all masked
			assert.Equal(t, 15.0, got)
		}
	}
}

func TestObservationCount_GrowsWithWindow(t *testing.T) {
	ctx := context.Background()
	e := newFixture(t, fixtureOpts{lowland: 2})
	roi := fixtureROI(t).Expr()
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	prev := -1.0
	for months := 0; months <= 4; months++ {
		w := Window{Start: start, End: start.AddDate(0, months, 0)}
		stack := Observations(fixtureDatasets, roi, w, 90)
		v, err := e.Compute(ctx, reduceSum(ObservationCount(stack), roi))
		require.NoError(t, err)
		n, err := v.Get(BandWater)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, prev, "window of %d months", months)
		prev = n
	}
	// 5 observed columns x 4 rows, less the permanent water pixel, x 4 months
	assert.Equal(t, (5.0*4-1)*4, prev)
}

func TestObservations_WindowIsHalfOpen(t *testing.T) {
	ctx := context.Background()
	e := newFixture(t, fixtureOpts{lowland: 2})
	roi := fixtureROI(t).Expr()
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	v, err := e.Compute(ctx, Observations(fixtureDatasets, roi, Window{Start: start, End: start.AddDate(0, 1, 0)}, 90).Size())
	require.NoError(t, err)
	n, err := v.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPipeline_Run(t *testing.T) {
	ctx := context.Background()
	e := newFixture(t, fixtureOpts{lowland: 2})
	roi := fixtureROI(t)

	pl, err := NewPipeline(e, fixtureDatasets, fixtureParams())
	require.NoError(t, err)
	res, layers, err := pl.Run(ctx, roi)
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "bbox", res.AOIMode)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	assert.Equal(t, 4, res.Frequency.Scenes)
	assert.InDelta(t, 1300.0/15, res.Frequency.Mean, 1e-9)
	assert.Equal(t, 100.0, res.Frequency.Max)

	wantArea := 2*pixelAreaKm2(0) + 2*pixelAreaKm2(1) + 2*pixelAreaKm2(2) + pixelAreaKm2(3)
	assert.InEpsilon(t, wantArea, res.FloodProneAreaKm2, 1e-9)
	assert.False(t, res.EmptyMask)

	assert.Equal(t, BuildingPolygon, res.Buildings.Mode)
	assert.Equal(t, int64(3), res.Buildings.Total)
	assert.Equal(t, int64(2), res.Buildings.Flooded)
	assert.False(t, res.Buildings.Empty)

	require.Len(t, res.LandCover, len(Classes))
	byCode := map[int]float64{}
	for i, c := range res.LandCover {
		assert.Equal(t, Classes[i].Code, c.Code, "enumeration order")
		byCode[c.Code] = c.AreaKm2
	}
	assert.InEpsilon(t, pixelAreaKm2(0)+pixelAreaKm2(1)+pixelAreaKm2(2), byCode[40], 1e-9)
	assert.InEpsilon(t, pixelAreaKm2(1)+pixelAreaKm2(2)+pixelAreaKm2(3), byCode[50], 1e-9)
	assert.Zero(t, byCode[30], "grassland lies outside the mask")
	assert.Less(t, res.LandCoverTotalKm2(), res.FloodProneAreaKm2, "one flooded pixel has no class")

	require.NotNil(t, layers)
	v, err := e.Compute(ctx, layers.Footprint.Size())
	require.NoError(t, err)
	n, err := v.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "footprint is dissolved")

	v, err = e.Compute(ctx, layers.FloodedBuildings.Size())
	require.NoError(t, err)
	n, err = v.Int()
	require.NoError(t, err)
	assert.Equal(t, res.Buildings.Flooded, n)
}

func TestPipeline_SteepAndHighPixelsExcluded(t *testing.T) {
	ctx := context.Background()
	e := newFixture(t, fixtureOpts{lowland: 2})
	roi := fixtureROI(t).Expr()
	p := fixtureParams()

	freq := Frequency(fixtureDatasets, roi, p.Window, p.PermanentWaterPct)
	mask := BuildMask(freq, fixtureDatasets, roi, p)

	// cols 4 and 5 flood every month but sit on or beside the ridge
	ridge := fixtureGridBox(4, 0, 6, 4)
	v, err := e.Compute(ctx, mask.FloodProne.ReduceRegion(algebra.RegionParams{
		Reducer: algebra.ReducerCount, Geometry: ridge, Scale: 30, MaxPixels: 1e13,
	}))
	require.NoError(t, err)
	n, err := v.Get(BandFloodProne)
	require.NoError(t, err)
	assert.Zero(t, n)

	v, err = e.Compute(ctx, freq.ReduceRegion(algebra.RegionParams{
		Reducer: algebra.ReducerCount, Geometry: ridge, Scale: 30, MaxPixels: 1e13,
	}))
	require.NoError(t, err)
	n, err = v.Get(BandFrequency)
	require.NoError(t, err)
	assert.Equal(t, 8.0, n)
}

func TestPipeline_Idempotent(t *testing.T) {
	ctx := context.Background()
	e := newFixture(t, fixtureOpts{lowland: 2})
	roi := fixtureROI(t)
	pl, err := NewPipeline(e, fixtureDatasets, fixtureParams())
	require.NoError(t, err)

	a, _, err := pl.Run(ctx, roi)
	require.NoError(t, err)
	b, _, err := pl.Run(ctx, roi)
	require.NoError(t, err)

	assert.NotEqual(t, a.RunID, b.RunID)
	assert.Equal(t, a.Frequency, b.Frequency)
	assert.Equal(t, a.FloodProneAreaKm2, b.FloodProneAreaKm2)
	assert.Equal(t, a.Buildings.Total, b.Buildings.Total)
	assert.Equal(t, a.Buildings.Flooded, b.Buildings.Flooded)
	assert.Equal(t, a.LandCover, b.LandCover)
}

func TestPipeline_CentroidMode(t *testing.T) {
	e := newFixture(t, fixtureOpts{lowland: 2})
	p := fixtureParams()
	p.BuildingMode = BuildingCentroid
	pl, err := NewPipeline(e, fixtureDatasets, p)
	require.NoError(t, err)

	res, _, err := pl.Run(context.Background(), fixtureROI(t))
	require.NoError(t, err)
	assert.Equal(t, BuildingCentroid, res.Buildings.Mode)
	assert.Equal(t, int64(3), res.Buildings.Total)
	// the straddling building has its centroid outside the footprint
	assert.Equal(t, int64(1), res.Buildings.Flooded)
}

func TestPipeline_RasterMode(t *testing.T) {
	ctx := context.Background()
	e := newFixture(t, fixtureOpts{lowland: 2})
	p := fixtureParams()
	p.BuildingMode = BuildingRaster
	pl, err := NewPipeline(e, fixtureDatasets, p)
	require.NoError(t, err)

	res, layers, err := pl.Run(ctx, fixtureROI(t))
	require.NoError(t, err)
	assert.Equal(t, BuildingRaster, res.Buildings.Mode)
	// one painted pixel per building, b4 lies outside the region
	assert.Equal(t, int64(3), res.Buildings.Total)
	// only b1's pixel is under the mask; b2's centroid pixel is never wet
	assert.Equal(t, int64(1), res.Buildings.Flooded)
	assert.False(t, res.Buildings.Empty)

	assert.Nil(t, layers.FloodedBuildings.Node(), "raster mode has no flooded building collection")
	require.NotNil(t, layers.FloodedBuildingsRaster.Image.Node())
	assert.Equal(t, p.BuildingScale, layers.FloodedBuildingsRaster.Scale)
	assert.Equal(t, p.Scale, layers.FloodProneRaster.Scale)

	v, err := e.Compute(ctx, layers.FloodedBuildingsRaster.Image.ReduceRegion(algebra.RegionParams{
		Reducer: algebra.ReducerSum, Geometry: layers.Region, MaxPixels: 1e13,
	}))
	require.NoError(t, err)
	n, err := v.Get(BandBuildings)
	require.NoError(t, err)
	assert.Equal(t, 1.0, n)
}

func TestPipeline_RasterModeSharedPixel(t *testing.T) {
	e := newFixture(t, fixtureOpts{lowland: 2})
	e.AddFeatures("crowded",
		building("a", pxBox(0.1, 0.1, 0.4, 0.4)),
		building("b", pxBox(0.6, 0.6, 0.9, 0.9)),
		building("c", pxBox(1.2, 0.2, 1.8, 0.8)),
	)
	ds := fixtureDatasets
	ds.Buildings = "crowded"
	p := fixtureParams()
	p.BuildingMode = BuildingRaster
	pl, err := NewPipeline(e, ds, p)
	require.NoError(t, err)

	res, _, err := pl.Run(context.Background(), fixtureROI(t))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Buildings.Total, "a and b share a pixel")
	assert.Equal(t, int64(2), res.Buildings.Flooded)
	assert.LessOrEqual(t, res.Buildings.Flooded, res.Buildings.Total)
}

func TestPipeline_RasterModeEmptyMask(t *testing.T) {
	e := newFixture(t, fixtureOpts{lowland: 50})
	ev := &countingEvaluator{Evaluator: e}
	p := fixtureParams()
	p.BuildingMode = BuildingRaster
	pl, err := NewPipeline(ev, fixtureDatasets, p)
	require.NoError(t, err)

	res, _, err := pl.Run(context.Background(), fixtureROI(t))
	require.NoError(t, err)
	assert.True(t, res.EmptyMask)
	assert.Equal(t, int64(3), res.Buildings.Total)
	assert.Zero(t, res.Buildings.Flooded)
	// scenes, mean, max, mask area, building pixels
	assert.Equal(t, int64(5), ev.calls.Load())
}

// countingEvaluator records how many expressions were evaluated.
type countingEvaluator struct {
	engine.Evaluator
	calls atomic.Int64
}

func (c *countingEvaluator) Compute(ctx context.Context, expr algebra.Expr) (engine.Value, error) {
	c.calls.Add(1)
	return c.Evaluator.Compute(ctx, expr)
}

func TestPipeline_EmptyMask(t *testing.T) {
	e := newFixture(t, fixtureOpts{lowland: 50})
	ev := &countingEvaluator{Evaluator: e}
	pl, err := NewPipeline(ev, fixtureDatasets, fixtureParams())
	require.NoError(t, err)

	res, _, err := pl.Run(context.Background(), fixtureROI(t))
	require.NoError(t, err)

	assert.True(t, res.EmptyMask)
	assert.Zero(t, res.FloodProneAreaKm2)
	assert.Equal(t, int64(3), res.Buildings.Total)
	assert.Zero(t, res.Buildings.Flooded)
	assert.Equal(t, ZeroClassAreas(), res.LandCover)
	assert.Zero(t, res.LandCoverTotalKm2())
	// scenes, mean, max, mask area, buildings in region
	assert.Equal(t, int64(5), ev.calls.Load())
}

func TestPipeline_NoBuildings(t *testing.T) {
	e := newFixture(t, fixtureOpts{lowland: 2})
	ds := fixtureDatasets
	ds.Buildings = "no-buildings"
	e.AddFeatures("no-buildings")

	pl, err := NewPipeline(e, ds, fixtureParams())
	require.NoError(t, err)
	res, _, err := pl.Run(context.Background(), fixtureROI(t))
	require.NoError(t, err)

	assert.True(t, res.Buildings.Empty)
	assert.Zero(t, res.Buildings.Total)
	assert.Zero(t, res.Buildings.Flooded)
	assert.False(t, res.EmptyMask)
}

type failingEvaluator struct{ err error }

func (f failingEvaluator) Compute(context.Context, algebra.Expr) (engine.Value, error) {
	return engine.Value{}, f.err
}

func TestPipeline_EvaluationFailureAborts(t *testing.T) {
	cause := &engine.RemoteEvaluationError{Operation: "compute", Attempts: 3, Err: errors.New("User memory limit exceeded.")}
	pl, err := NewPipeline(failingEvaluator{err: cause}, fixtureDatasets, fixtureParams())
	require.NoError(t, err)

	res, layers, err := pl.Run(context.Background(), fixtureROI(t))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Nil(t, layers)

	var rerr *engine.RemoteEvaluationError
	assert.True(t, errors.As(err, &rerr))
}

func TestPipeline_Cancelled(t *testing.T) {
	e := newFixture(t, fixtureOpts{lowland: 2})
	pl, err := NewPipeline(e, fixtureDatasets, fixtureParams())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = pl.Run(ctx, fixtureROI(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPipeline_NilRegion(t *testing.T) {
	pl, err := NewPipeline(newFixture(t, fixtureOpts{lowland: 2}), fixtureDatasets, fixtureParams())
	require.NoError(t, err)
	_, _, err = pl.Run(context.Background(), nil)
	assert.Error(t, err)
}

// fixtureGridBox is a region covering whole pixels [c0, c1) x [r0, r1).
func fixtureGridBox(c0, r0, c1, r1 int) algebra.Geometry {
	return algebra.GeometryOf(pxBox(float64(c0), float64(r0), float64(c1), float64(r1)))
}
