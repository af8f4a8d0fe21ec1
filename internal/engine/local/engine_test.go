package local

import (
	"context"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"golang.org/x/image/tiff"

	"github.com/sells-group/flood-exposure/internal/algebra"
	"github.com/sells-group/flood-exposure/internal/engine"
	"github.com/sells-group/flood-exposure/internal/geometry"
	"github.com/sells-group/flood-exposure/internal/vector"
)

func testGrid(w, h int) Grid {
	return Grid{OriginLon: -58.0, OriginLat: 6.76, PixelDeg: 0.001, Width: w, Height: h}
}

func f(v float64) *float64 { return &v }

func mustRows(t *testing.T, g Grid, band string, rows [][]*float64) *Raster {
	t.Helper()
	r, ok := FromRows(g, band, rows)
	require.True(t, ok)
	return r
}

func evalRaster(t *testing.T, e *Engine, img algebra.Image) *Raster {
	t.Helper()
	v, err := e.eval(context.Background(), img.Node(), nil)
	require.NoError(t, err)
	r, ok := v.(*Raster)
	require.True(t, ok, "got %T", v)
	return r
}

func extentOf(g Grid) algebra.Geometry {
	return algebra.GeometryOf(g.Extent())
}

func TestBinary_DivideByZeroMasks(t *testing.T) {
	g := testGrid(3, 1)
	e := New(g)
	require.NoError(t, e.AddImage("num", mustRows(t, g, "n", [][]*float64{{f(4), f(5), nil}})))
	require.NoError(t, e.AddImage("den", mustRows(t, g, "d", [][]*float64{{f(2), f(0), f(1)}})))

	r := evalRaster(t, e, algebra.LoadImage("num").Divide(algebra.LoadImage("den")))

	assert.Equal(t, []bool{true, false, false}, r.Valid)
	assert.InDelta(t, 2.0, r.Values[0], 1e-12)
	assert.Equal(t, "n", r.Band)
}

func TestBinary_ConstantLeftTakesRightBand(t *testing.T) {
	g := testGrid(2, 1)
	e := New(g)
	require.NoError(t, e.AddImage("w", Filled(g, "water", 3)))

	r := evalRaster(t, e, algebra.Constant(100).Multiply(algebra.LoadImage("w")))
	assert.Equal(t, "water", r.Band)
	assert.Equal(t, []float64{300, 300}, r.Values)
}

func TestCompareAndLogic(t *testing.T) {
	g := testGrid(4, 1)
	e := New(g)
	require.NoError(t, e.AddImage("x", mustRows(t, g, "x", [][]*float64{{f(1), f(5), f(10), nil}})))
	x := algebra.LoadImage("x")

	r := evalRaster(t, e, x.Gt(2).And(x.Lt(10)))
	assert.Equal(t, []float64{0, 1, 0, 0}, r.Values)
	assert.Equal(t, []bool{true, true, true, false}, r.Valid)

	r = evalRaster(t, e, x.Eq(5).Not())
	assert.Equal(t, []float64{1, 0, 1, 0}, r.Values)

	r = evalRaster(t, e, x.Lte(1).Or(x.Gte(10)))
	assert.Equal(t, []float64{1, 0, 1, 0}, r.Values)
}

func TestUpdateMask(t *testing.T) {
	g := testGrid(3, 1)
	e := New(g)
	require.NoError(t, e.AddImage("v", Filled(g, "v", 7)))
	require.NoError(t, e.AddImage("m", mustRows(t, g, "m", [][]*float64{{f(1), f(0), nil}})))

	r := evalRaster(t, e, algebra.LoadImage("v").UpdateMask(algebra.LoadImage("m")))
	assert.Equal(t, []bool{true, false, false}, r.Valid)
}

func TestClip(t *testing.T) {
	g := testGrid(4, 4)
	e := New(g)
	require.NoError(t, e.AddImage("v", Filled(g, "v", 1)))

	// Covers the centres of the two western columns.
	box := geometry.NewBBox(g.OriginLon, g.OriginLat-4*g.PixelDeg, g.OriginLon+2*g.PixelDeg, g.OriginLat)
	r := evalRaster(t, e, algebra.LoadImage("v").Clip(algebra.GeometryOf(box)))

	valid := 0
	for i, ok := range r.Valid {
		if ok {
			valid++
			assert.Less(t, i%g.Width, 2)
		}
	}
	assert.Equal(t, 8, valid)
}

func TestToInt(t *testing.T) {
	g := testGrid(3, 1)
	e := New(g)
	require.NoError(t, e.AddImage("v", mustRows(t, g, "v", [][]*float64{{f(1.9), f(-1.9), f(0.2)}})))
	r := evalRaster(t, e, algebra.LoadImage("v").ToInt())
	assert.Equal(t, []float64{1, -1, 0}, r.Values)
}

func TestCollectionSum_IgnoresMaskedPixels(t *testing.T) {
	g := testGrid(3, 1)
	e := New(g)
	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, e.AddScene("c", t0, mustRows(t, g, "b", [][]*float64{{f(1), nil, nil}})))
	require.NoError(t, e.AddScene("c", t0.AddDate(0, 1, 0), mustRows(t, g, "b", [][]*float64{{f(2), f(3), nil}})))

	r := evalRaster(t, e, algebra.LoadImageCollection("c").Sum())
	assert.Equal(t, []bool{true, true, false}, r.Valid)
	assert.Equal(t, 3.0, r.Values[0])
	assert.Equal(t, 3.0, r.Values[1])
	assert.Equal(t, "b", r.Band)
}

func TestFilterDate_HalfOpen(t *testing.T) {
	g := testGrid(1, 1)
	e := New(g)
	for m := 1; m <= 4; m++ {
		require.NoError(t, e.AddScene("c", time.Date(2020, time.Month(m), 1, 0, 0, 0, 0, time.UTC), Filled(g, "b", 1)))
	}
	col := algebra.LoadImageCollection("c").FilterDate(
		time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 4, 1, 0, 0, 0, 0, time.UTC),
	)

	v, err := e.Compute(context.Background(), col.Size())
	require.NoError(t, err)
	n, err := v.Float()
	require.NoError(t, err)
	assert.Equal(t, 2.0, n)
}

func TestCollectionMap(t *testing.T) {
	g := testGrid(2, 1)
	e := New(g)
	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, e.AddScene("c", t0, mustRows(t, g, "water", [][]*float64{{f(2), f(1)}})))
	require.NoError(t, e.AddScene("c", t0.AddDate(0, 1, 0), mustRows(t, g, "water", [][]*float64{{f(2), f(0)}})))

	wet := algebra.LoadImageCollection("c").Map(func(img algebra.Image) algebra.Image {
		return img.Eq(2)
	}).Sum()
	r := evalRaster(t, e, wet)
	assert.Equal(t, []float64{2, 0}, r.Values)
}

func TestSlope(t *testing.T) {
	g := testGrid(3, 3)
	e := New(g)

	require.NoError(t, e.AddImage("flat", Filled(g, "elevation", 5)))
	r := evalRaster(t, e, algebra.Slope(algebra.LoadImage("flat")))
	for _, v := range r.Values {
		assert.InDelta(t, 0.0, v, 1e-12)
	}

	// One metre per pixel eastward.
	rows := make([][]*float64, g.Height)
	for row := range rows {
		rows[row] = []*float64{f(0), f(1), f(2)}
	}
	require.NoError(t, e.AddImage("ramp", mustRows(t, g, "elevation", rows)))
	r = evalRaster(t, e, algebra.Slope(algebra.LoadImage("ramp")))

	dx, _ := g.pixelMeters(1)
	want := math.Atan(1/dx) * 180 / math.Pi
	assert.InDelta(t, want, r.Values[1*g.Width+1], 1e-9)
	assert.InDelta(t, want, r.Values[1*g.Width], 1e-9, "edges fall back to one-sided differences")
	assert.Equal(t, "slope", r.Band)
}

func TestPixelArea(t *testing.T) {
	g := testGrid(1, 1)
	e := New(g)
	r := evalRaster(t, e, algebra.PixelArea())
	// 0.001 degrees is roughly 111 m near the equator.
	assert.InDelta(t, 111.2*111.2, r.Values[0], 300)
}

func TestReduceRegion(t *testing.T) {
	g := testGrid(10, 10)
	e := New(g)
	require.NoError(t, e.AddImage("one", Filled(g, "v", 1)))
	region := extentOf(g)
	ctx := context.Background()

	v, err := e.Compute(ctx, algebra.LoadImage("one").ReduceRegion(algebra.RegionParams{
		Reducer: algebra.ReducerSum, Geometry: region, MaxPixels: 1e6,
	}))
	require.NoError(t, err)
	sum, err := v.Get("v")
	require.NoError(t, err)
	assert.Equal(t, 100.0, sum)

	_, err = e.Compute(ctx, algebra.LoadImage("one").ReduceRegion(algebra.RegionParams{
		Reducer: algebra.ReducerCount, Geometry: region, MaxPixels: 10,
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many pixels")

	v, err = e.Compute(ctx, algebra.LoadImage("one").ReduceRegion(algebra.RegionParams{
		Reducer: algebra.ReducerCount, Geometry: region, MaxPixels: 25, BestEffort: true,
	}))
	require.NoError(t, err)
	count, err := v.Get("v")
	require.NoError(t, err)
	assert.Equal(t, 100.0, count, "sampled counts are scaled back up")
}

func TestReduceRegion_EmptyMeanIsNull(t *testing.T) {
	g := testGrid(2, 2)
	e := New(g)
	require.NoError(t, e.AddImage("none", NewRaster(g, "v")))

	v, err := e.Compute(context.Background(), algebra.LoadImage("none").ReduceRegion(algebra.RegionParams{
		Reducer: algebra.ReducerMean, Geometry: extentOf(g),
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":null}`, string(v.Raw()))
	mean, err := v.Get("v")
	require.NoError(t, err)
	assert.Equal(t, 0.0, mean)
}

func TestVectorize_Hole(t *testing.T) {
	g := testGrid(3, 3)
	r := mustRows(t, g, "m", [][]*float64{
		{f(1), f(1), f(1)},
		{f(1), nil, f(1)},
		{f(1), f(1), f(1)},
	})

	fs := vectorize(g, r)
	require.Len(t, fs, 1)
	poly, ok := fs[0].Geometry.(*geom.Polygon)
	require.True(t, ok, "got %T", fs[0].Geometry)
	assert.Equal(t, 2, poly.NumLinearRings())
	assert.Equal(t, 5, poly.LinearRing(0).NumCoords(), "collinear vertices are dropped")
	assert.Equal(t, 8.0, fs[0].Properties["count"])
	assert.Equal(t, 1.0, fs[0].Properties["label"])

	px := g.PixelDeg * g.PixelDeg
	assert.InEpsilon(t, 8*px, poly.Area(), 1e-6)
}

func TestVectorize_DiagonalPixelsStaySeparate(t *testing.T) {
	g := testGrid(2, 2)
	r := mustRows(t, g, "m", [][]*float64{
		{f(1), nil},
		{nil, f(1)},
	})
	fs := vectorize(g, r)
	assert.Len(t, fs, 2)
}

func TestReduceToVectors_BestEffortCoarsens(t *testing.T) {
	g := testGrid(8, 8)
	e := New(g)
	require.NoError(t, e.AddImage("m", Filled(g, "m", 1)))
	ctx := context.Background()

	params := algebra.VectorParams{Geometry: extentOf(g), MaxPixels: 16}
	_, err := e.Compute(ctx, algebra.LoadImage("m").ReduceToVectors(params))
	require.Error(t, err)

	params.BestEffort = true
	v, err := e.Compute(ctx, algebra.LoadImage("m").ReduceToVectors(params))
	require.NoError(t, err)
	fc, err := v.Features()
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, 16.0, fc.Features[0].Properties["count"])
}

func TestFeatures_FilterBoundsUnionBuffer(t *testing.T) {
	g := testGrid(10, 10)
	e := New(g)
	in1 := g.Center(2, 2)
	in2 := g.Center(3, 2)
	out := geom.Coord{g.OriginLon - 1, g.OriginLat + 1}
	e.AddFeatures("pts",
		Feature{Geometry: geom.NewPointFlat(geom.XY, []float64{in1.X(), in1.Y()}), Properties: map[string]any{"id": "a"}},
		Feature{Geometry: geom.NewPointFlat(geom.XY, []float64{in2.X(), in2.Y()}), Properties: map[string]any{"id": "b"}},
		Feature{Geometry: geom.NewPointFlat(geom.XY, []float64{out.X(), out.Y()}), Properties: map[string]any{"id": "c"}},
	)
	ctx := context.Background()
	pts := algebra.LoadFeatureCollection("pts").FilterBounds(extentOf(g))

	v, err := e.Compute(ctx, pts.Size())
	require.NoError(t, err)
	n, _ := v.Float()
	assert.Equal(t, 2.0, n)

	v, err = e.Compute(ctx, pts.Union().Size())
	require.NoError(t, err)
	n, _ = v.Float()
	assert.Equal(t, 1.0, n, "adjacent pixels dissolve into one feature")

	buffered := pts.Map(func(ft algebra.Feature) algebra.Feature { return ft.Buffer(150) })
	res, err := e.eval(ctx, buffered.Node(), nil)
	require.NoError(t, err)
	fs := res.([]Feature)
	require.Len(t, fs, 2)
	assert.Greater(t, geometry.Area(fs[0].Geometry), 3*111.0*111.0)
	assert.Equal(t, "a", fs[0].Properties["id"])

	_, err = e.Compute(ctx, algebra.LoadFeatureCollection("none").Size())
	require.Error(t, err)
}

func TestUnion_EmptyStaysEmpty(t *testing.T) {
	e := New(testGrid(2, 2))
	assert.Empty(t, e.union(nil))
}

func TestCompute_ImageIsNotMaterializable(t *testing.T) {
	g := testGrid(1, 1)
	e := New(g)
	_, err := e.Compute(context.Background(), algebra.Constant(1))
	require.Error(t, err)
}

func TestCompute_Cancelled(t *testing.T) {
	e := New(testGrid(1, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Compute(ctx, algebra.Constant(1).ReduceRegion(algebra.RegionParams{
		Reducer: algebra.ReducerSum, Geometry: extentOf(e.Grid()),
	}))
	require.ErrorIs(t, err, context.Canceled)
}

func TestStartExport(t *testing.T) {
	g := testGrid(4, 4)
	e := New(g)
	require.NoError(t, e.AddImage("m", mustRows(t, g, "m", [][]*float64{
		{f(1), f(1), nil, nil},
		{f(1), f(1), nil, nil},
		{nil, nil, nil, f(1)},
		{nil, nil, nil, f(1)},
	})))
	col := algebra.LoadImage("m").ReduceToVectors(algebra.VectorParams{Geometry: extentOf(g), MaxPixels: 1e6})
	dir := t.TempDir()
	ctx := context.Background()

	for _, format := range []engine.ExportFormat{engine.FormatGeoJSON, engine.FormatShapefile} {
		t.Run(string(format), func(t *testing.T) {
			task, err := e.StartExport(ctx, engine.ExportRequest{
				Collection:  col,
				Description: "footprint",
				Folder:      dir,
				FileName:    "footprint",
				Format:      format,
			})
			require.NoError(t, err)
			assert.Equal(t, engine.TaskSucceeded, task.State)

			got, err := e.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, task.Destination, got.Destination)

			fs, err := vector.ReadFile(task.Destination)
			require.NoError(t, err)
			assert.Len(t, fs, 2)
		})
	}

	_, err := e.StartExport(ctx, engine.ExportRequest{Collection: col, Folder: dir, FileName: "x", Format: "kmz"})
	require.Error(t, err)

	task, err := e.StartExport(ctx, engine.ExportRequest{
		Collection: algebra.LoadFeatureCollection("missing"), Folder: dir, FileName: "missing",
	})
	require.NoError(t, err)
	assert.Equal(t, engine.TaskFailed, task.State)
	assert.NotEmpty(t, task.Error)

	_, err = e.GetTask(ctx, "nope")
	require.Error(t, err)
}

func TestStartExport_Image(t *testing.T) {
	g := testGrid(3, 2)
	e := New(g)
	require.NoError(t, e.AddImage("m", mustRows(t, g, "m", [][]*float64{
		{f(12.4), nil, f(3)},
		{f(0.2), f(70000), f(5)},
	})))
	dir := t.TempDir()
	ctx := context.Background()

	task, err := e.StartExport(ctx, engine.ExportRequest{
		Image:       algebra.LoadImage("m"),
		Description: "flood_prone_raster",
		Folder:      dir,
		FileName:    "flood_prone_raster",
		Region:      algebra.GeometryOf(geometry.NewBBox(-58.0, 6.758, -57.998, 6.76)),
	})
	require.NoError(t, err)
	require.Equal(t, engine.TaskSucceeded, task.State, task.Error)
	assert.Equal(t, filepath.Join(dir, "flood_prone_raster.tif"), task.Destination)

	fh, err := os.Open(task.Destination)
	require.NoError(t, err)
	defer fh.Close() //nolint:errcheck
	img, err := tiff.Decode(fh)
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())

	at := func(x, y int) uint16 { return color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y }
	assert.Equal(t, uint16(12), at(0, 0))
	assert.Equal(t, uint16(noData), at(1, 0), "masked")
	assert.Equal(t, uint16(noData), at(2, 0), "outside the region")
	assert.Equal(t, uint16(1), at(0, 1), "small values stay distinct from no-data")
	assert.Equal(t, uint16(math.MaxUint16), at(1, 1))
	assert.Equal(t, uint16(noData), at(2, 1))

	world, err := os.ReadFile(filepath.Join(dir, "flood_prone_raster.tfw"))
	require.NoError(t, err)
	lines := strings.Fields(string(world))
	require.Len(t, lines, 6)
	want := []float64{0.001, 0, 0, -0.001, -57.9995, 6.7595}
	for i, line := range lines {
		v, err := strconv.ParseFloat(line, 64)
		require.NoError(t, err)
		assert.InDelta(t, want[i], v, 1e-9, "world file line %d", i+1)
	}
}

func TestStartExport_RejectsMismatchedPayload(t *testing.T) {
	e := New(testGrid(1, 1))
	dir := t.TempDir()
	ctx := context.Background()

	_, err := e.StartExport(ctx, engine.ExportRequest{Folder: dir, FileName: "x"})
	require.Error(t, err)

	_, err = e.StartExport(ctx, engine.ExportRequest{
		Image: algebra.Constant(1), Folder: dir, FileName: "x", Format: engine.FormatShapefile,
	})
	require.Error(t, err)
}

func TestPaint(t *testing.T) {
	g := testGrid(3, 1)
	e := New(g)
	e.AddFeatures("b",
		Feature{Geometry: geom.NewPointFlat(geom.XY, []float64{-57.9996, 6.7594})},
		Feature{Geometry: geometry.NewBBox(-57.9979, 6.7591, -57.9971, 6.7599)},
		Feature{Geometry: geom.NewPointFlat(geom.XY, []float64{10, 10})},
	)

	r := evalRaster(t, e, algebra.LoadFeatureCollection("b").Paint(1))
	assert.Equal(t, "paint", r.Band)
	assert.Equal(t, []bool{true, false, true}, r.Valid)
	assert.Equal(t, []float64{1, 0, 1}, r.Values)
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	write(CatalogFile, `
grid:
  origin_lon: -58.0
  origin_lat: 6.76
  pixel_deg: 0.001
  width: 2
  height: 2
images:
  - id: dem
    band: elevation
    file: dem.json
  - id: occurrence
    band: occurrence
    fill: 0
collections:
  - id: monthly
    band: water
    scenes:
      - time: "2020-01-01"
        file: m1.json
      - time: "2020-02-01T00:00:00Z"
        fill: 2
features:
  - id: buildings
    file: buildings.geojson
`)
	write("dem.json", `[[1, 2], [null, 4]]`)
	write("m1.json", `[[2, 1], [0, 2]]`)
	write("buildings.geojson", `{"type":"FeatureCollection","features":[
		{"type":"Feature","geometry":{"type":"Point","coordinates":[-57.9995,6.7595]},"properties":{}}]}`)

	e, err := LoadCatalog(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Grid().Width)
	assert.Equal(t, []bool{true, true, false, true}, e.images["dem"].Valid)
	assert.Len(t, e.collections["monthly"], 2)
	assert.Len(t, e.features["buildings"], 1)

	write("dem.json", `[[1, 2, 3]]`)
	_, err = LoadCatalog(dir)
	require.Error(t, err)

	_, err = LoadCatalog(t.TempDir())
	require.Error(t, err)
}

func TestUnmask(t *testing.T) {
	g := testGrid(2, 1)
	e := New(g)
	require.NoError(t, e.AddImage("occ", mustRows(t, g, "occurrence", [][]*float64{{nil, f(95)}})))

	r := evalRaster(t, e, algebra.LoadImage("occ").Unmask(0).Gte(90).Not())
	assert.Equal(t, []bool{true, true}, r.Valid)
	assert.Equal(t, []float64{1, 0}, r.Values)
}
