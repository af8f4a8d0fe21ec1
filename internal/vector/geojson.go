package vector

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/flood-exposure/internal/geometry"
)

// ReadGeoJSONFile reads a GeoJSON file.
func ReadGeoJSONFile(path string) ([]Feature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "vector: read %s", path)
	}
	return DecodeGeoJSON(data)
}

// DecodeGeoJSON accepts a FeatureCollection, a single Feature or a bare
// geometry.
func DecodeGeoJSON(data []byte) ([]Feature, error) {
	if !gjson.ValidBytes(data) {
		return nil, eris.New("vector: invalid JSON")
	}
	switch typ := gjson.GetBytes(data, "type").String(); typ {
	case "FeatureCollection":
		var fc geojson.FeatureCollection
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, eris.Wrap(err, "vector: decode feature collection")
		}
		out := make([]Feature, 0, len(fc.Features))
		for _, f := range fc.Features {
			out = append(out, fromGeoJSON(f))
		}
		return out, nil
	case "Feature":
		var f geojson.Feature
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, eris.Wrap(err, "vector: decode feature")
		}
		return []Feature{fromGeoJSON(&f)}, nil
	case "":
		return nil, eris.New("vector: GeoJSON object has no type")
	default:
		var g geom.T
		if err := geojson.Unmarshal(data, &g); err != nil {
			return nil, eris.Wrapf(err, "vector: decode %s", typ)
		}
		return []Feature{{Geometry: withSRID(g), Properties: map[string]any{}}}, nil
	}
}

func fromGeoJSON(f *geojson.Feature) Feature {
	props := f.Properties
	if props == nil {
		props = map[string]any{}
	}
	return Feature{Geometry: withSRID(f.Geometry), Properties: props}
}

func withSRID(g geom.T) geom.T {
	switch t := g.(type) {
	case *geom.Point:
		return t.SetSRID(geometry.SRID)
	case *geom.MultiPoint:
		return t.SetSRID(geometry.SRID)
	case *geom.Polygon:
		return t.SetSRID(geometry.SRID)
	case *geom.MultiPolygon:
		return t.SetSRID(geometry.SRID)
	}
	return g
}

// EncodeGeoJSON renders features as a FeatureCollection.
func EncodeGeoJSON(fs []Feature) ([]byte, error) {
	fc := geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(fs))}
	for _, f := range fs {
		props := f.Properties
		if props == nil {
			props = map[string]any{}
		}
		fc.Features = append(fc.Features, &geojson.Feature{Geometry: f.Geometry, Properties: props})
	}
	data, err := json.Marshal(&fc)
	if err != nil {
		return nil, eris.Wrap(err, "vector: encode feature collection")
	}
	return data, nil
}

// WriteGeoJSON writes features as a FeatureCollection to w.
func WriteGeoJSON(w io.Writer, fs []Feature) error {
	data, err := EncodeGeoJSON(fs)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return eris.Wrap(err, "vector: write GeoJSON")
	}
	return nil
}

// WriteGeoJSONFile writes features to path.
func WriteGeoJSONFile(path string, fs []Feature) error {
	data, err := EncodeGeoJSON(fs)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "vector: write %s", path)
	}
	return nil
}
