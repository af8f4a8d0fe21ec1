// Package aoi resolves the region of interest that bounds every analysis
// query, from either a bounding box or the first feature of a boundary
// file.
package aoi

import (
	"context"
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/flood-exposure/internal/algebra"
	"github.com/sells-group/flood-exposure/internal/geometry"
	"github.com/sells-group/flood-exposure/internal/vector"
)

// Sentinel errors. All of them are fatal and raised before any engine call.
var (
	// ErrSelection means neither or both AOI sources were configured.
	ErrSelection = eris.New("aoi: exactly one of bbox or file must be selected")
	// ErrLoad means the boundary file could not produce a usable geometry.
	ErrLoad = eris.New("aoi: cannot load boundary")
	// ErrInvalidBounds means a bounding box is malformed.
	ErrInvalidBounds = eris.New("aoi: invalid bounds")
)

// Mode is how the AOI is given.
type Mode string

// AOI modes.
const (
	ModeBBox Mode = "bbox"
	ModeFile Mode = "file"
)

// Selection is the configured AOI source. Mode may be left empty, in which
// case it is inferred from whichever source is set.
type Selection struct {
	Mode Mode
	// BBox is min-lon, min-lat, max-lon, max-lat.
	BBox []float64
	// File is a local path or an http(s) URL to a GeoJSON, KML or
	// Shapefile boundary. Shapefiles must be local.
	File string
}

// ROI is the resolved region. It is immutable once returned.
type ROI struct {
	geometry geom.T
	mode     Mode
	source   string
}

// Geometry returns the region polygon or multipolygon.
func (r *ROI) Geometry() geom.T { return r.geometry }

// Mode reports how the region was given.
func (r *ROI) Mode() Mode { return r.mode }

// Source is a human-readable description of the input.
func (r *ROI) Source() string { return r.source }

// Expr returns the region as an algebra constant.
func (r *ROI) Expr() algebra.Geometry { return algebra.GeometryOf(r.geometry) }

// AreaKm2 is the approximate geodesic area of the region.
func (r *ROI) AreaKm2() float64 { return geometry.Area(r.geometry) / 1e6 }

// Bounds returns min-lon, min-lat, max-lon, max-lat.
func (r *ROI) Bounds() [4]float64 {
	b := r.geometry.Bounds()
	return [4]float64{b.Min(0), b.Min(1), b.Max(0), b.Max(1)}
}

// Resolver turns a Selection into an ROI.
type Resolver struct {
	fetch Fetcher
}

// NewResolver returns a Resolver. A nil fetcher disables URL sources.
func NewResolver(fetch Fetcher) *Resolver {
	return &Resolver{fetch: fetch}
}

// Resolve validates the selection and builds the region.
func (r *Resolver) Resolve(ctx context.Context, sel Selection) (*ROI, error) {
	mode, err := sel.mode()
	if err != nil {
		return nil, err
	}

	var roi *ROI
	switch mode {
	case ModeBBox:
		roi, err = FromBBox(sel.BBox)
	default:
		roi, err = r.fromFile(ctx, sel.File)
	}
	if err != nil {
		return nil, err
	}

	b := roi.Bounds()
	zap.L().Info("aoi: resolved",
		zap.String("aoi_mode", string(roi.mode)),
		zap.String("source", roi.source),
		zap.Float64s("bounds", b[:]),
		zap.Float64("area_km2", roi.AreaKm2()),
	)
	return roi, nil
}

func (s Selection) mode() (Mode, error) {
	hasBox := len(s.BBox) > 0
	hasFile := strings.TrimSpace(s.File) != ""
	switch s.Mode {
	case "":
		switch {
		case hasBox && hasFile:
			return "", eris.Wrap(ErrSelection, "both bbox and file are set")
		case hasBox:
			return ModeBBox, nil
		case hasFile:
			return ModeFile, nil
		}
		return "", eris.Wrap(ErrSelection, "no AOI source is set")
	case ModeBBox:
		if !hasBox {
			return "", eris.Wrap(ErrSelection, "mode bbox without bounds")
		}
		if hasFile {
			return "", eris.Wrap(ErrSelection, "mode bbox with a boundary file")
		}
	case ModeFile:
		if !hasFile {
			return "", eris.Wrap(ErrSelection, "mode file without a path")
		}
		if hasBox {
			return "", eris.Wrap(ErrSelection, "mode file with bounds")
		}
	default:
		return "", eris.Wrapf(ErrSelection, "unknown mode %q", s.Mode)
	}
	return s.Mode, nil
}

// FromBBox builds a rectangular region.
func FromBBox(b []float64) (*ROI, error) {
	if len(b) != 4 {
		return nil, eris.Wrapf(ErrInvalidBounds, "want 4 values, got %d", len(b))
	}
	for _, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, eris.Wrapf(ErrInvalidBounds, "non-finite value in %v", b)
		}
	}
	minLon, minLat, maxLon, maxLat := b[0], b[1], b[2], b[3]
	if minLon >= maxLon {
		return nil, eris.Wrapf(ErrInvalidBounds, "min longitude %g >= max longitude %g", minLon, maxLon)
	}
	if minLat >= maxLat {
		return nil, eris.Wrapf(ErrInvalidBounds, "min latitude %g >= max latitude %g", minLat, maxLat)
	}
	if minLon < -180 || maxLon > 180 || minLat < -90 || maxLat > 90 {
		return nil, eris.Wrapf(ErrInvalidBounds, "%v is outside geographic coordinates", b)
	}
	return &ROI{
		geometry: geometry.NewBBox(minLon, minLat, maxLon, maxLat),
		mode:     ModeBBox,
		source:   "bbox",
	}, nil
}

func (r *Resolver) fromFile(ctx context.Context, src string) (*ROI, error) {
	path := src
	if isURL(src) {
		if r.fetch == nil {
			return nil, eris.Wrapf(ErrLoad, "remote boundary %s: downloads are disabled", src)
		}
		local, cleanup, err := r.fetch.Fetch(ctx, src)
		if err != nil {
			return nil, eris.Wrapf(ErrLoad, "download %s: %v", src, err)
		}
		defer cleanup()
		path = local
	}
	return FromFile(path, src)
}

// FromFile builds the region from the first feature of a boundary file.
// Later features are ignored. source names the input in logs and results.
func FromFile(path, source string) (*ROI, error) {
	f, err := vector.ReadFirst(path)
	if err != nil {
		return nil, eris.Wrapf(ErrLoad, "%s: %v", source, err)
	}
	g, err := polygonal(f.Geometry)
	if err != nil {
		return nil, eris.Wrapf(ErrLoad, "%s: %v", source, err)
	}
	if err := geometry.Validate(g); err != nil {
		return nil, eris.Wrapf(ErrLoad, "%s: %v", source, err)
	}
	return &ROI{geometry: g, mode: ModeFile, source: source}, nil
}

func polygonal(g geom.T) (geom.T, error) {
	switch t := g.(type) {
	case *geom.Polygon:
		if t.Empty() {
			return nil, eris.New("empty polygon")
		}
		return geometry.MultiPolygonOf([]*geom.Polygon{t}).Polygon(0).SetSRID(geometry.SRID), nil
	case *geom.MultiPolygon:
		if t.Empty() {
			return nil, eris.New("empty multipolygon")
		}
		return geometry.MultiPolygonOf(geometry.Polygons(t)), nil
	}
	return nil, eris.Errorf("first feature is a %T, want a polygon", g)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
