// Package flood derives flood-prone zones from water-observation history and
// terrain, and measures building and land-cover exposure inside them. Every
// function here only builds algebra expressions or evaluates them through an
// engine.Evaluator; no pixel data is handled locally.
package flood

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// Catalog band names.
const (
	BandWater      = "water"
	BandOccurrence = "occurrence"
	BandElevation  = "elevation"
	BandLandCover  = "Map"
	BandFrequency  = "frequency"
	BandFloodProne = "flood_prone"
	BandBuildings  = "buildings"
)

// Monthly water classification values.
const (
	WaterNoData   = 0
	WaterNotWater = 1
	WaterWater    = 2
)

// Datasets are the catalog identifiers the pipeline reads.
type Datasets struct {
	WaterHistory    string `mapstructure:"water_history" yaml:"water_history" json:"water_history"`
	WaterOccurrence string `mapstructure:"water_occurrence" yaml:"water_occurrence" json:"water_occurrence"`
	Elevation       string `mapstructure:"elevation" yaml:"elevation" json:"elevation"`
	LandCover       string `mapstructure:"land_cover" yaml:"land_cover" json:"land_cover"`
	Buildings       string `mapstructure:"buildings" yaml:"buildings" json:"buildings"`
}

// DefaultDatasets are the public catalog entries the analysis was designed
// around.
func DefaultDatasets() Datasets {
	return Datasets{
		WaterHistory:    "JRC/GSW1_4/MonthlyHistory",
		WaterOccurrence: "JRC/GSW1_4/GlobalSurfaceWater",
		Elevation:       "USGS/SRTMGL1_003",
		LandCover:       "ESA/WorldCover/v200",
		Buildings:       "GOOGLE/Research/open-buildings/v3/polygons",
	}
}

// Validate checks that every dataset is named.
func (d Datasets) Validate() error {
	for name, id := range map[string]string{
		"water_history":    d.WaterHistory,
		"water_occurrence": d.WaterOccurrence,
		"elevation":        d.Elevation,
		"land_cover":       d.LandCover,
		"buildings":        d.Buildings,
	} {
		if id == "" {
			return eris.Errorf("flood: dataset %s is not set", name)
		}
	}
	return nil
}

// Window is the analysis period [Start, End).
type Window struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// Validate checks Start <= End.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return eris.New("flood: analysis window needs a start and an end")
	}
	if w.End.Before(w.Start) {
		return eris.Errorf("flood: analysis start %s is after end %s",
			w.Start.Format(time.DateOnly), w.End.Format(time.DateOnly))
	}
	return nil
}

// BuildingMode selects the geometry tested against the flood footprint.
type BuildingMode string

// Building modes.
const (
	// BuildingPolygon counts a building when its footprint overlaps the
	// flood-prone layer.
	BuildingPolygon BuildingMode = "polygon"
	// BuildingCentroid counts a building when its centroid falls inside.
	BuildingCentroid BuildingMode = "centroid"
	// BuildingRaster paints building centroids onto a grid at
	// BuildingScale and counts the painted pixels under the unbuffered
	// flood-prone mask. Buildings sharing a pixel count once.
	BuildingRaster BuildingMode = "raster"
)

// ParseBuildingMode validates a mode name.
func ParseBuildingMode(s string) (BuildingMode, error) {
	switch m := BuildingMode(s); m {
	case BuildingPolygon, BuildingCentroid, BuildingRaster:
		return m, nil
	}
	return "", eris.Errorf("flood: unknown building mode %q (want polygon, centroid or raster)", s)
}

// Params are the scalar settings of a run.
type Params struct {
	Window Window
	// LowLyingThresholdM is the elevation below which terrain is low-lying.
	LowLyingThresholdM float64
	// SlopeThresholdDeg is the slope below which terrain is flat.
	SlopeThresholdDeg float64
	// PermanentWaterPct is the occurrence at or above which a pixel is
	// permanent water.
	PermanentWaterPct float64
	BuildingMode      BuildingMode

	// Scale is the nominal ground resolution of reductions and vectors.
	Scale float64
	// BuildingScale is the grid resolution of raster building counts.
	BuildingScale float64
	// MaxPixels caps area reductions.
	MaxPixels float64
	// VectorMaxPixels caps vectorization.
	VectorMaxPixels float64
	BestEffort      bool
	TileScale       float64
	// Concurrency bounds parallel remote reductions.
	Concurrency int
}

// DefaultParams returns the reference settings.
func DefaultParams() Params {
	return Params{
		Window: Window{
			Start: time.Date(1984, 3, 16, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		},
		LowLyingThresholdM: 10,
		SlopeThresholdDeg:  5,
		PermanentWaterPct:  90,
		BuildingMode:       BuildingPolygon,
		Scale:              30,
		BuildingScale:      10,
		MaxPixels:          1e13,
		VectorMaxPixels:    1e8,
		BestEffort:         true,
		TileScale:          2,
		Concurrency:        4,
	}
}

// Validate checks the settings once before a run.
func (p Params) Validate() error {
	if err := p.Window.Validate(); err != nil {
		return err
	}
	for name, v := range map[string]float64{
		"low-lying threshold": p.LowLyingThresholdM,
		"slope threshold":     p.SlopeThresholdDeg,
		"permanent water":     p.PermanentWaterPct,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return eris.Errorf("flood: %s must be finite", name)
		}
	}
	if p.SlopeThresholdDeg <= 0 || p.SlopeThresholdDeg >= 90 {
		return eris.Errorf("flood: slope threshold %g is outside (0, 90)", p.SlopeThresholdDeg)
	}
	if p.PermanentWaterPct <= 0 || p.PermanentWaterPct > 100 {
		return eris.Errorf("flood: permanent water threshold %g is outside (0, 100]", p.PermanentWaterPct)
	}
	if _, err := ParseBuildingMode(string(p.BuildingMode)); err != nil {
		return err
	}
	if p.Scale <= 0 {
		return eris.Errorf("flood: scale must be positive, got %g", p.Scale)
	}
	if p.BuildingScale <= 0 {
		return eris.Errorf("flood: building scale must be positive, got %g", p.BuildingScale)
	}
	if p.MaxPixels <= 0 || p.VectorMaxPixels <= 0 {
		return eris.New("flood: pixel caps must be positive")
	}
	if p.Concurrency < 1 {
		return eris.Errorf("flood: concurrency must be at least 1, got %d", p.Concurrency)
	}
	return nil
}
