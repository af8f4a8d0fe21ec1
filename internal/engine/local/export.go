package local

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/flood-exposure/internal/engine"
	"github.com/sells-group/flood-exposure/internal/vector"
)

// StartExport evaluates the collection or image and writes it under
// req.Folder before returning. Images are written at grid resolution as
// GeoTIFF. Evaluation and write failures are reported through a FAILED
// task; only malformed requests return an error.
func (e *Engine) StartExport(ctx context.Context, req engine.ExportRequest) (*engine.Task, error) {
	if req.Folder == "" || req.FileName == "" {
		return nil, eris.New("local: export needs a folder and a file name")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	format := req.Format
	if req.IsImage() {
		format = engine.FormatGeoTIFF
	}
	ext, err := extension(format)
	if err != nil {
		return nil, err
	}

	dest := filepath.Join(req.Folder, req.FileName+ext)
	task := &engine.Task{
		ID:          uuid.NewString(),
		Description: req.Description,
		State:       engine.TaskSucceeded,
		Destination: dest,
	}
	if err := e.writeExport(ctx, req, dest); err != nil {
		task.State = engine.TaskFailed
		task.Error = err.Error()
		zap.L().Warn("local: export failed",
			zap.String("task_id", task.ID),
			zap.String("description", req.Description),
			zap.Error(err),
		)
	}
	task.UpdatedAt = time.Now().UTC()

	e.mu.Lock()
	e.tasks[task.ID] = task
	e.mu.Unlock()

	out := *task
	return &out, nil
}

func (e *Engine) writeExport(ctx context.Context, req engine.ExportRequest, dest string) error {
	if req.IsImage() {
		return e.writeImageExport(ctx, req, dest)
	}
	v, err := e.eval(ctx, req.Collection.Node(), nil)
	if err != nil {
		return err
	}
	fs, ok := v.([]Feature)
	if !ok {
		return eris.Errorf("local: export expects a feature collection, got %T", v)
	}
	if err := os.MkdirAll(req.Folder, 0o755); err != nil {
		return eris.Wrapf(err, "local: create %s", req.Folder)
	}
	if req.Format == engine.FormatShapefile {
		return vector.WriteShapefile(dest, fs)
	}
	return vector.WriteGeoJSONFile(dest, fs)
}

func (e *Engine) writeImageExport(ctx context.Context, req engine.ExportRequest, dest string) error {
	v, err := e.eval(ctx, req.Image.Node(), nil)
	if err != nil {
		return err
	}
	r, ok := v.(*Raster)
	if !ok {
		return eris.Errorf("local: image export expects an image, got %T", v)
	}
	var keep []bool
	if req.Region.Node() != nil {
		rv, err := e.eval(ctx, req.Region.Node(), nil)
		if err != nil {
			return err
		}
		region, ok := rv.(geom.T)
		if !ok {
			return eris.Errorf("local: export region must be a geometry, got %T", rv)
		}
		keep = e.coverage(region)
	}
	if err := os.MkdirAll(req.Folder, 0o755); err != nil {
		return eris.Wrapf(err, "local: create %s", req.Folder)
	}
	return writeGeoTIFF(dest, e.grid, r, keep)
}

// GetTask returns a snapshot of a task started by StartExport.
func (e *Engine) GetTask(_ context.Context, id string) (*engine.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return nil, eris.Errorf("local: task %s not found", id)
	}
	out := *t
	return &out, nil
}

func extension(f engine.ExportFormat) (string, error) {
	switch f {
	case engine.FormatGeoJSON, "":
		return ".geojson", nil
	case engine.FormatShapefile:
		return ".shp", nil
	case engine.FormatGeoTIFF:
		return ".tif", nil
	}
	return "", eris.Errorf("local: unsupported export format %q", f)
}
