package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/flood-exposure/internal/algebra"
	"github.com/sells-group/flood-exposure/internal/engine"
	"github.com/sells-group/flood-exposure/internal/flood"
	"github.com/sells-group/flood-exposure/internal/geometry"
)

func sampleClasses() []flood.ClassArea {
	out := flood.ZeroClassAreas()
	out[3].AreaKm2 = 1.25   // Cropland
	out[4].AreaKm2 = 0.0625 // Built-up
	return out
}

func sampleResult() *flood.Result {
	return &flood.Result{
		RunID:      "run-1",
		AOIMode:    "bbox",
		AOISource:  "bbox",
		AOIAreaKm2: 97.456,
		Window: flood.Window{
			Start: time.Date(1984, 3, 16, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		},
		LowLyingThresholdM: 10,
		Frequency:          flood.FrequencyStats{Scenes: 480, Mean: 12.346, Max: 100},
		FloodProneAreaKm2:  1.5,
		Buildings:          flood.BuildingExposure{Mode: flood.BuildingPolygon, Total: 12345, Flooded: 678},
		LandCover:          sampleClasses(),
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleClasses()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 11)
	assert.Equal(t, "class_code,class_name,area_km2", lines[0])
	assert.Equal(t, "10,Tree cover,0.000000", lines[1])
	assert.Equal(t, "40,Cropland,1.250000", lines[4])
	assert.Equal(t, "60,Bare / sparse vegetation,0.000000", lines[6])
	assert.Equal(t, "95,Mangroves,0.000000", lines[10])
}

func TestWriteCSVFile_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", LandCoverCSV)
	require.NoError(t, WriteCSVFile(path, sampleClasses()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "class_code,class_name,area_km2\n"))
}

func TestWriteXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), LandCoverXLSX)
	require.NoError(t, WriteXLSX(path, sampleClasses()))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	sheet, ok := f.Sheet[xlsxSheet]
	require.True(t, ok)
	require.Len(t, sheet.Rows, 11)

	assert.Equal(t, "class_name", sheet.Rows[0].Cells[1].String())

	code, err := sheet.Rows[4].Cells[0].Int()
	require.NoError(t, err)
	assert.Equal(t, 40, code)
	assert.Equal(t, "Cropland", sheet.Rows[4].Cells[1].String())
	area, err := sheet.Rows[4].Cells[2].Float()
	require.NoError(t, err)
	assert.Equal(t, 1.25, area)
}

func TestWriteReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, sampleResult()))
	out := buf.String()

	assert.Contains(t, out, "1984-03-16 to 2024-12-31")
	assert.Contains(t, out, "Total in region:     12,345")
	assert.Contains(t, out, "In flood-prone area: 678")
	assert.Contains(t, out, "Flood-prone area:    1.50 km²")
	assert.Contains(t, out, "Mean:                12.35%")
	assert.Contains(t, out, "Buildings (polygon mode)")
	assert.Regexp(t, `Cropland\s+1\.25`, out)
	assert.Regexp(t, `Built-up\s+0\.06`, out)
	assert.Regexp(t, `Total\s+1\.31`, out)
	assert.NotContains(t, out, "exposure is zero")
}

func TestWriteReport_Empty(t *testing.T) {
	res := sampleResult()
	res.EmptyMask = true
	res.FloodProneAreaKm2 = 0
	res.Buildings = flood.BuildingExposure{Mode: flood.BuildingCentroid, Empty: true}
	res.LandCover = flood.ZeroClassAreas()

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, res))
	out := buf.String()
	assert.Contains(t, out, "exposure is zero")
	assert.Contains(t, out, "No buildings in the region.")
	assert.Regexp(t, `Total\s+0\.00`, out)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteReport_WriteError(t *testing.T) {
	err := WriteReport(failingWriter{}, sampleResult())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.Error(t, WriteReport(io.Discard, nil))
}

// fakeExporter hands out tasks named after the requested file and replays
// a scripted sequence of states for each.
type fakeExporter struct {
	mu      sync.Mutex
	reject  map[string]error
	states  map[string][]engine.TaskState
	started []engine.ExportRequest
}

func (f *fakeExporter) StartExport(_ context.Context, req engine.ExportRequest) (*engine.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	for layer, err := range f.reject {
		if strings.HasSuffix(req.FileName, layer) {
			return nil, err
		}
	}
	return &engine.Task{ID: req.FileName, Description: req.Description, State: engine.TaskPending}, nil
}

func (f *fakeExporter) GetTask(_ context.Context, id string) (*engine.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq, ok := f.states[id]
	if !ok || len(seq) == 0 {
		return nil, errors.New("unknown task")
	}
	state := seq[0]
	if len(seq) > 1 {
		f.states[id] = seq[1:]
	}
	task := &engine.Task{ID: id, State: state}
	if state == engine.TaskFailed {
		task.Error = "quota exceeded"
	}
	return task, nil
}

func testLayers() *flood.Layers {
	return &flood.Layers{
		Footprint:        algebra.LoadFeatureCollection("footprint"),
		BuildingsInROI:   algebra.LoadFeatureCollection("in_roi"),
		FloodedBuildings: algebra.LoadFeatureCollection("flooded"),
		Region:           algebra.GeometryOf(geometry.NewBBox(0, 0, 1, 1)),
		FloodProneRaster: flood.RasterLayer{Image: algebra.LoadImage("flood_prone"), Scale: 30},
	}
}

func TestSubmit(t *testing.T) {
	ex := &fakeExporter{}
	subs, err := Submit(context.Background(), ex, testLayers(), SubmitOptions{Vectors: true, Folder: "bucket", Prefix: "run-1"})
	require.NoError(t, err)
	require.Len(t, subs, 3)

	assert.Equal(t, LayerFootprint, subs[0].Layer)
	assert.Equal(t, "run-1_"+LayerFootprint, subs[0].Task.ID)
	for _, req := range ex.started {
		assert.Equal(t, "bucket", req.Folder)
		assert.Equal(t, engine.FormatGeoJSON, req.Format)
	}
}

func TestSubmit_Rasters(t *testing.T) {
	ex := &fakeExporter{}
	layers := testLayers()
	layers.FloodedBuildings = algebra.FeatureCollection{}
	layers.FloodedBuildingsRaster = flood.RasterLayer{Image: algebra.LoadImage("flooded_px"), Scale: 10}

	subs, err := Submit(context.Background(), ex, layers, SubmitOptions{
		Vectors:   true,
		Rasters:   true,
		Folder:    "bucket",
		Format:    engine.FormatShapefile,
		MaxPixels: 1e9,
	})
	require.NoError(t, err)

	var names []string
	for _, s := range subs {
		names = append(names, s.Layer)
	}
	assert.Equal(t, []string{
		LayerFootprint, LayerBuildingsInROI, LayerFloodProneRaster, LayerFloodedBuildingsRaster,
	}, names, "layers absent in this building mode are skipped")

	require.Len(t, ex.started, 4)
	for _, req := range ex.started[:2] {
		assert.Equal(t, engine.FormatShapefile, req.Format)
		assert.False(t, req.IsImage())
	}
	for _, req := range ex.started[2:] {
		assert.True(t, req.IsImage())
		assert.Equal(t, engine.FormatGeoTIFF, req.Format)
		assert.NotNil(t, req.Region.Node())
		assert.InDelta(t, 1e9, req.MaxPixels, 1)
	}
	assert.InDelta(t, 30.0, ex.started[2].Scale, 1e-9)
	assert.InDelta(t, 10.0, ex.started[3].Scale, 1e-9)
}

func TestSubmit_NothingSelected(t *testing.T) {
	ex := &fakeExporter{}
	subs, err := Submit(context.Background(), ex, testLayers(), SubmitOptions{Folder: "bucket"})
	require.NoError(t, err)
	assert.Empty(t, subs)
	assert.Empty(t, ex.started)
}

func TestSubmit_FailureDoesNotAbort(t *testing.T) {
	ex := &fakeExporter{reject: map[string]error{LayerBuildingsInROI: errors.New("quota")}}
	subs, err := Submit(context.Background(), ex, testLayers(), SubmitOptions{Vectors: true, Folder: "bucket"})
	require.Error(t, err)

	var serr *SubmissionError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, LayerBuildingsInROI, serr.Layer)

	require.Len(t, subs, 3)
	assert.Len(t, ex.started, 3)
	assert.Nil(t, subs[1].Task)
	assert.Contains(t, subs[1].Error, "quota")
	assert.NotNil(t, subs[2].Task)
}

func TestAwait(t *testing.T) {
	ex := &fakeExporter{states: map[string][]engine.TaskState{
		LayerFootprint:        {engine.TaskRunning, engine.TaskSucceeded},
		LayerBuildingsInROI:   {engine.TaskSucceeded},
		LayerFloodedBuildings: {engine.TaskRunning, engine.TaskFailed},
	}}
	subs, err := Submit(context.Background(), ex, testLayers(), SubmitOptions{Vectors: true, Folder: "bucket"})
	require.NoError(t, err)

	err = Await(context.Background(), ex, subs, engine.WithPollInterval(time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")

	assert.Equal(t, engine.TaskSucceeded, subs[0].Task.State)
	assert.Equal(t, engine.TaskSucceeded, subs[1].Task.State)
	assert.Equal(t, engine.TaskFailed, subs[2].Task.State)
	assert.NotEmpty(t, subs[2].Error)
}

func TestFiles(t *testing.T) {
	subs := []Submission{
		{Layer: "a", Task: &engine.Task{State: engine.TaskSucceeded, Destination: "/tmp/a.geojson"}},
		{Layer: "b", Task: &engine.Task{State: engine.TaskFailed, Destination: "/tmp/b.geojson"}},
		{Layer: "c", Error: "rejected"},
	}
	assert.Equal(t, []string{"/tmp/a.geojson"}, Files(subs))
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := Manifest{
		RunID:     "run-1",
		CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Result:    sampleResult(),
		Files:     []string{"land_cover.csv"},
		Exports:   []Submission{{Layer: LayerFootprint, Task: &engine.Task{ID: "t1", State: engine.TaskSucceeded}}},
	}
	path, err := WriteManifest(dir, m)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ManifestFile), path)

	got, err := ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, int64(678), got.Result.Buildings.Flooded)
	assert.Equal(t, 1.25, got.Result.LandCover[3].AreaKm2)
	assert.Equal(t, engine.TaskSucceeded, got.Exports[0].Task.State)
}

func TestParseFTPTarget(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantDir  string
		wantErr  bool
	}{
		{name: "default port", url: "ftp://ftp.example.com/outgoing", wantHost: "ftp.example.com:21", wantDir: "/outgoing"},
		{name: "explicit port", url: "ftp://ftp.example.com:2121/a/b", wantHost: "ftp.example.com:2121", wantDir: "/a/b"},
		{name: "root", url: "ftp://ftp.example.com", wantHost: "ftp.example.com:21", wantDir: "/"},
		{name: "http rejected", url: "http://example.com/x", wantErr: true},
		{name: "no host", url: "ftp:///x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, dir, err := parseFTPTarget(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantDir, dir)
		})
	}
}

type fakeFTP struct {
	user   string
	dirs   map[string]bool
	cwd    string
	stored map[string]string
	quit   bool
}

func (f *fakeFTP) Login(user, _ string) error {
	f.user = user
	return nil
}

func (f *fakeFTP) ChangeDir(p string) error {
	next := p
	if !strings.HasPrefix(p, "/") {
		next = strings.TrimSuffix(f.cwd, "/") + "/" + p
	}
	if next != "/" && !f.dirs[next] {
		return errors.New("550 no such directory")
	}
	f.cwd = next
	return nil
}

func (f *fakeFTP) MakeDir(p string) error {
	f.dirs[strings.TrimSuffix(f.cwd, "/")+"/"+p] = true
	return nil
}

func (f *fakeFTP) Stor(p string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.stored[strings.TrimSuffix(f.cwd, "/")+"/"+p] = string(data)
	return nil
}

func (f *fakeFTP) Quit() error {
	f.quit = true
	return nil
}

func TestDeliver(t *testing.T) {
	conn := &fakeFTP{dirs: map[string]bool{"/outgoing": true}, cwd: "/", stored: map[string]string{}}
	orig := dialFTP
	dialFTP = func(context.Context, string, time.Duration) (ftpConn, error) { return conn, nil }
	t.Cleanup(func() { dialFTP = orig })

	local := filepath.Join(t.TempDir(), LandCoverCSV)
	require.NoError(t, os.WriteFile(local, []byte("class_code\n"), 0o644))

	err := Deliver(context.Background(), FTPConfig{URL: "ftp://ftp.example.com/outgoing"}, "run-1", []string{local})
	require.NoError(t, err)

	assert.Equal(t, "anonymous", conn.user)
	assert.True(t, conn.dirs["/outgoing/run-1"])
	assert.Equal(t, "class_code\n", conn.stored["/outgoing/run-1/"+LandCoverCSV])
	assert.True(t, conn.quit)
}

func TestDeliver_MissingFile(t *testing.T) {
	conn := &fakeFTP{dirs: map[string]bool{}, cwd: "/", stored: map[string]string{}}
	orig := dialFTP
	dialFTP = func(context.Context, string, time.Duration) (ftpConn, error) { return conn, nil }
	t.Cleanup(func() { dialFTP = orig })

	err := Deliver(context.Background(), FTPConfig{URL: "ftp://h/", User: "u", Password: "p"}, "run-1", []string{"/nope.csv"})
	require.Error(t, err)
	assert.Equal(t, "u", conn.user)
}

func TestFTPConfig_Enabled(t *testing.T) {
	assert.False(t, FTPConfig{}.Enabled())
	assert.True(t, FTPConfig{URL: "ftp://h/x"}.Enabled())
}
