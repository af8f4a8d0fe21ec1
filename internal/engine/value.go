package engine

import (
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// Value is a materialized expression result in its JSON form.
type Value struct {
	raw []byte
}

// NewValue wraps a JSON result.
func NewValue(raw []byte) Value {
	return Value{raw: raw}
}

// Raw returns the JSON bytes.
func (v Value) Raw() []byte { return v.raw }

// Float decodes a scalar. A null result, as produced by reducing an
// entirely masked region, decodes as zero.
func (v Value) Float() (float64, error) {
	r := gjson.ParseBytes(v.raw)
	switch r.Type {
	case gjson.Null:
		return 0, nil
	case gjson.Number:
		return r.Float(), nil
	}
	return 0, eris.Errorf("engine: value %q is not a number", truncate(r.Raw))
}

// Int decodes a count.
func (v Value) Int() (int64, error) {
	f, err := v.Float()
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// Get returns a numeric dictionary entry. Missing or null entries decode as
// zero.
func (v Value) Get(key string) (float64, error) {
	r := gjson.ParseBytes(v.raw)
	if !r.IsObject() {
		return 0, eris.Errorf("engine: value %q is not a dictionary", truncate(r.Raw))
	}
	entry := r.Get(gjson.Escape(key))
	switch entry.Type {
	case gjson.Null:
		return 0, nil
	case gjson.Number:
		return entry.Float(), nil
	}
	return 0, eris.Errorf("engine: dictionary entry %q is not a number", key)
}

// Dictionary decodes every numeric entry. Null entries decode as zero.
func (v Value) Dictionary() (map[string]float64, error) {
	r := gjson.ParseBytes(v.raw)
	if !r.IsObject() {
		return nil, eris.Errorf("engine: value %q is not a dictionary", truncate(r.Raw))
	}
	out := make(map[string]float64)
	var err error
	r.ForEach(func(k, val gjson.Result) bool {
		switch val.Type {
		case gjson.Null:
			out[k.String()] = 0
		case gjson.Number:
			out[k.String()] = val.Float()
		default:
			err = eris.Errorf("engine: dictionary entry %q is not a number", k.String())
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Features decodes a GeoJSON FeatureCollection.
func (v Value) Features() (*geojson.FeatureCollection, error) {
	var fc geojson.FeatureCollection
	if err := fc.UnmarshalJSON(v.raw); err != nil {
		return nil, eris.Wrap(err, "engine: decode feature collection")
	}
	return &fc, nil
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
