package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/flood-exposure/internal/algebra"
	"github.com/sells-group/flood-exposure/internal/engine"
	"github.com/sells-group/flood-exposure/internal/flood"
)

// Layer names.
const (
	LayerFootprint              = "flood_prone_footprint"
	LayerBuildingsInROI         = "buildings_in_roi"
	LayerFloodedBuildings       = "flooded_buildings"
	LayerFloodProneRaster       = "flood_prone_raster"
	LayerFloodedBuildingsRaster = "flooded_buildings_raster"
)

// SubmissionError records an export that could not be started. It
// never aborts the run.
type SubmissionError struct {
	Layer string
	Err   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("export: submit %s: %v", e.Layer, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Submission is the outcome of one export request.
type Submission struct {
	Layer string       `json:"layer" yaml:"layer"`
	Task  *engine.Task `json:"task,omitempty" yaml:"task,omitempty"`
	Error string       `json:"error,omitempty" yaml:"error,omitempty"`
}

// SubmitOptions select the layers and name the export destination.
type SubmitOptions struct {
	// Vectors exports the footprint and building collections.
	Vectors bool
	// Rasters exports the flood-prone surface and, in raster building
	// mode, the flooded building pixels as GeoTIFF.
	Rasters bool
	// Folder is a local directory or a remote bucket.
	Folder string
	// Prefix is prepended to every file name and description.
	Prefix string
	// Format applies to vector layers.
	Format engine.ExportFormat
	// MaxPixels caps raster exports.
	MaxPixels float64
}

// requests lists the export requests of the selected layers, without
// destination. Layers absent from this run's building mode are skipped.
func requests(l *flood.Layers, opts SubmitOptions) []layerRequest {
	format := opts.Format
	if format == "" {
		format = engine.FormatGeoJSON
	}
	var out []layerRequest
	if opts.Vectors {
		for _, v := range []struct {
			name string
			fc   algebra.FeatureCollection
		}{
			{LayerFootprint, l.Footprint},
			{LayerBuildingsInROI, l.BuildingsInROI},
			{LayerFloodedBuildings, l.FloodedBuildings},
		} {
			if v.fc.Node() == nil {
				continue
			}
			out = append(out, layerRequest{v.name, engine.ExportRequest{Collection: v.fc, Format: format}})
		}
	}
	if opts.Rasters {
		for _, r := range []struct {
			name  string
			layer flood.RasterLayer
		}{
			{LayerFloodProneRaster, l.FloodProneRaster},
			{LayerFloodedBuildingsRaster, l.FloodedBuildingsRaster},
		} {
			if r.layer.Image.Node() == nil {
				continue
			}
			out = append(out, layerRequest{r.name, engine.ExportRequest{
				Image:     r.layer.Image,
				Format:    engine.FormatGeoTIFF,
				Region:    l.Region,
				Scale:     r.layer.Scale,
				MaxPixels: opts.MaxPixels,
			}})
		}
	}
	return out
}

type layerRequest struct {
	name string
	req  engine.ExportRequest
}

// Submit starts one export per selected layer and does not wait for any
// of them. A layer that cannot be submitted is recorded in its Submission
// and reported in the joined error of SubmissionErrors; the other layers
// are still submitted.
func Submit(ctx context.Context, ex engine.Exporter, layers *flood.Layers, opts SubmitOptions) ([]Submission, error) {
	if layers == nil {
		return nil, eris.New("export: nil layers")
	}

	var (
		subs []Submission
		errs []error
	)
	for _, l := range requests(layers, opts) {
		name := l.name
		if opts.Prefix != "" {
			name = opts.Prefix + "_" + l.name
		}
		req := l.req
		req.Description, req.Folder, req.FileName = name, opts.Folder, name
		task, err := ex.StartExport(ctx, req)
		if err != nil {
			serr := &SubmissionError{Layer: l.name, Err: err}
			zap.L().Warn("export: submission failed", zap.String("layer", l.name), zap.Error(err))
			subs = append(subs, Submission{Layer: l.name, Error: serr.Error()})
			errs = append(errs, serr)
			continue
		}
		zap.L().Info("export: task submitted",
			zap.String("layer", l.name),
			zap.String("task_id", task.ID),
			zap.String("state", string(task.State)),
		)
		subs = append(subs, Submission{Layer: l.name, Task: task})
	}
	return subs, errors.Join(errs...)
}

// Await polls every submitted task until it is terminal and updates the
// submissions in place. Task failures are recorded on the submission and
// joined into the returned error.
func Await(ctx context.Context, ex engine.Exporter, subs []Submission, opts ...engine.PollOption) error {
	errs := make([]error, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	for i := range subs {
		if subs[i].Task == nil || subs[i].Task.State.Terminal() {
			continue
		}
		i := i
		g.Go(func() error {
			task, err := engine.AwaitTask(gctx, ex, subs[i].Task.ID, opts...)
			if task != nil {
				subs[i].Task = task
			}
			if err != nil {
				subs[i].Error = err.Error()
				errs[i] = eris.Wrapf(err, "export: await %s", subs[i].Layer)
			}
			return nil
		})
	}
	_ = g.Wait()
	for i, s := range subs {
		if errs[i] == nil && s.Task != nil && s.Task.State == engine.TaskFailed {
			errs[i] = eris.Errorf("export: %s failed: %s", s.Layer, s.Task.Error)
		}
	}
	return errors.Join(errs...)
}

// Files returns the destinations of succeeded local exports.
func Files(subs []Submission) []string {
	var out []string
	for _, s := range subs {
		if s.Task != nil && s.Task.State == engine.TaskSucceeded && s.Task.Destination != "" {
			out = append(out, s.Task.Destination)
		}
	}
	return out
}
