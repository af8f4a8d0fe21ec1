// Package engine evaluates algebra expressions and runs export tasks against
// a geospatial compute backend.
package engine

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/flood-exposure/internal/algebra"
)

// Evaluator materializes an expression.
type Evaluator interface {
	Compute(ctx context.Context, e algebra.Expr) (Value, error)
}

// Exporter starts asynchronous export tasks and reports their status.
type Exporter interface {
	StartExport(ctx context.Context, req ExportRequest) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
}

// Engine is a backend that can both evaluate and export.
type Engine interface {
	Evaluator
	Exporter
}

// TaskState is the lifecycle state of an export task.
type TaskState string

// Task states.
const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskSucceeded TaskState = "SUCCEEDED"
	TaskFailed    TaskState = "FAILED"
	TaskCancelled TaskState = "CANCELLED"
)

// Terminal reports whether the task will not change state again.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Task is the status of an export.
type Task struct {
	ID          string    `json:"id" yaml:"id"`
	Description string    `json:"description" yaml:"description"`
	State       TaskState `json:"state" yaml:"state"`
	Error       string    `json:"error,omitempty" yaml:"error,omitempty"`
	Destination string    `json:"destination,omitempty" yaml:"destination,omitempty"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

// ExportFormat is the file format of an export.
type ExportFormat string

// Export formats. GeoTIFF applies to images, the others to collections.
const (
	FormatGeoJSON   ExportFormat = "geojson"
	FormatShapefile ExportFormat = "shp"
	FormatGeoTIFF   ExportFormat = "tif"
)

// ExportRequest describes one export. Exactly one of Collection and Image
// is set.
type ExportRequest struct {
	Collection  algebra.FeatureCollection
	Image       algebra.Image
	Description string
	// Folder is a directory for local exports or a bucket for remote ones.
	Folder   string
	FileName string
	Format   ExportFormat

	// Region, Scale and MaxPixels bound image exports.
	Region    algebra.Geometry
	Scale     float64
	MaxPixels float64
}

// IsImage reports whether the request exports an image.
func (r ExportRequest) IsImage() bool { return r.Image.Node() != nil }

// Validate checks that the request names exactly one payload in a format
// that suits it.
func (r ExportRequest) Validate() error {
	hasCollection, hasImage := r.Collection.Node() != nil, r.IsImage()
	switch {
	case hasCollection == hasImage:
		return eris.Errorf("engine: export %s needs exactly one of a collection or an image", r.Description)
	case hasImage && r.Format != FormatGeoTIFF && r.Format != "":
		return eris.Errorf("engine: export %s: images export as GeoTIFF, not %q", r.Description, r.Format)
	case hasCollection && r.Format == FormatGeoTIFF:
		return eris.Errorf("engine: export %s: collections cannot export as GeoTIFF", r.Description)
	}
	return nil
}
