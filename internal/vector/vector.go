// Package vector reads and writes feature files: GeoJSON, KML and ESRI
// Shapefile.
package vector

import (
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// Feature is a geometry with attributes.
type Feature struct {
	Geometry   geom.T
	Properties map[string]any
}

// ErrNoFeatures is returned when a file holds no features.
var ErrNoFeatures = eris.New("vector: no features")

// Format identifies a feature file format.
type Format string

// Supported formats.
const (
	FormatGeoJSON   Format = "geojson"
	FormatKML       Format = "kml"
	FormatShapefile Format = "shp"
)

// DetectFormat infers the format from a file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		return FormatGeoJSON, nil
	case ".kml":
		return FormatKML, nil
	case ".shp":
		return FormatShapefile, nil
	}
	return "", eris.Errorf("vector: unsupported file type %q", filepath.Ext(path))
}

// ReadFile reads every feature from path.
func ReadFile(path string) ([]Feature, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatKML:
		return ReadKMLFile(path)
	case FormatShapefile:
		return ReadShapefile(path)
	default:
		return ReadGeoJSONFile(path)
	}
}

// ReadFirst returns the first feature in path. Later features are ignored.
func ReadFirst(path string) (Feature, error) {
	fs, err := ReadFile(path)
	if err != nil {
		return Feature{}, err
	}
	for _, f := range fs {
		if f.Geometry != nil {
			return f, nil
		}
	}
	return Feature{}, eris.Wrapf(ErrNoFeatures, "vector: read %s", path)
}

// flatXY copies the XY ordinates of coords.
func flatXY(coords []geom.Coord) []float64 {
	flat := make([]float64, 0, len(coords)*2)
	for _, c := range coords {
		flat = append(flat, c[0], c[1])
	}
	return flat
}

// closeRing appends the first coordinate when the ring is open.
func closeRing(coords []geom.Coord) []geom.Coord {
	if len(coords) == 0 {
		return coords
	}
	first, last := coords[0], coords[len(coords)-1]
	if first[0] != last[0] || first[1] != last[1] {
		coords = append(coords, geom.Coord{first[0], first[1]})
	}
	return coords
}
