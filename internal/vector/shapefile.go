package vector

import (
	"sort"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"

	"github.com/sells-group/flood-exposure/internal/geometry"
)

// ReadShapefile reads every record of a shapefile with its DBF attributes.
// Attributes are returned as trimmed strings.
func ReadShapefile(path string) ([]Feature, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "vector: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	var out []Feature
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()
		g := shapeToGeom(shape)
		if g == nil {
			skipped++
			continue
		}
		props := make(map[string]any, len(fields))
		for i, f := range fields {
			name := strings.Trim(f.String(), "\x00 ")
			props[name] = strings.Trim(reader.Attribute(i), "\x00 ")
		}
		out = append(out, Feature{Geometry: g, Properties: props})
	}
	if err := reader.Err(); err != nil {
		return nil, eris.Wrapf(err, "vector: read shapefile %s", path)
	}
	if skipped > 0 {
		zap.L().Debug("vector: skipped shapefile records", zap.String("path", path), zap.Int("skipped", skipped))
	}
	return out, nil
}

func shapeToGeom(shape shp.Shape) geom.T {
	switch s := shape.(type) {
	case *shp.Point:
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y}).SetSRID(geometry.SRID)
	case *shp.Polygon:
		return partsToPolygons(s.Parts, s.Points)
	case *shp.PolygonZ:
		return partsToPolygons(s.Parts, s.Points)
	}
	return nil
}

// partsToPolygons groups shapefile rings into polygons. Clockwise rings
// start a new polygon; counter-clockwise rings are holes of the polygon
// before them.
func partsToPolygons(parts []int32, points []shp.Point) geom.T {
	var polys []*geom.Polygon
	for i := range parts {
		start := parts[i]
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if end-start < 4 {
			continue
		}
		flat := make([]float64, 0, 2*(end-start))
		for _, p := range points[start:end] {
			flat = append(flat, p.X, p.Y)
		}

		ccw := xy.IsRingCounterClockwise(geom.XY, flat)
		if !ccw || len(polys) == 0 {
			// Shells are kept counter-clockwise in memory.
			if !ccw {
				reverseRing(flat)
			}
			polys = append(polys, geom.NewPolygonFlat(geom.XY, flat, []int{len(flat)}))
			continue
		}
		reverseRing(flat)
		last := polys[len(polys)-1]
		_ = last.Push(geom.NewLinearRingFlat(geom.XY, flat))
	}

	switch len(polys) {
	case 0:
		return nil
	case 1:
		return polys[0].SetSRID(geometry.SRID)
	}
	return geometry.MultiPolygonOf(polys)
}

func reverseRing(flat []float64) {
	n := len(flat) / 2
	for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
		flat[2*i], flat[2*j] = flat[2*j], flat[2*i]
		flat[2*i+1], flat[2*j+1] = flat[2*j+1], flat[2*i+1]
	}
}

// WriteShapefile writes point or polygon features with their attributes.
// Numeric properties become 18.6 float fields, everything else a 254-byte
// string field. Field names are truncated to the DBF limit of 10 bytes.
func WriteShapefile(path string, fs []Feature) error {
	shapeType, err := layerType(fs)
	if err != nil {
		return eris.Wrapf(err, "vector: write %s", path)
	}

	w, err := shp.Create(path, shapeType)
	if err != nil {
		return eris.Wrapf(err, "vector: create shapefile %s", path)
	}
	defer w.Close()

	keys, numeric := attributeSchema(fs)
	fields := make([]shp.Field, len(keys))
	for i, k := range keys {
		name := k
		if len(name) > 10 {
			name = name[:10]
		}
		if numeric[k] {
			fields[i] = shp.FloatField(name, 18, 6)
		} else {
			fields[i] = shp.StringField(name, 254)
		}
	}
	// a DBF needs at least one column
	if len(fields) == 0 {
		fields = append(fields, shp.NumberField("FID", 10))
	}
	if err := w.SetFields(fields); err != nil {
		return eris.Wrapf(err, "vector: set fields %s", path)
	}

	for _, f := range fs {
		row := int(w.Write(toShape(f.Geometry, shapeType)))
		if len(keys) == 0 {
			if err := w.WriteAttribute(row, 0, row); err != nil {
				return eris.Wrap(err, "vector: write FID")
			}
			continue
		}
		for i, k := range keys {
			v, ok := f.Properties[k]
			if !ok {
				continue
			}
			if err := w.WriteAttribute(row, i, attributeValue(v, numeric[k])); err != nil {
				return eris.Wrapf(err, "vector: write attribute %s", k)
			}
		}
	}
	return nil
}

func layerType(fs []Feature) (shp.ShapeType, error) {
	var polys, points int
	for _, f := range fs {
		switch f.Geometry.(type) {
		case *geom.Polygon, *geom.MultiPolygon:
			polys++
		case *geom.Point:
			points++
		case nil:
		default:
			return shp.NULL, eris.Errorf("unsupported geometry %T", f.Geometry)
		}
	}
	switch {
	case polys > 0 && points > 0:
		return shp.NULL, eris.New("mixed point and polygon features")
	case points > 0:
		return shp.POINT, nil
	}
	return shp.POLYGON, nil
}

func attributeSchema(fs []Feature) ([]string, map[string]bool) {
	numeric := make(map[string]bool)
	seen := make(map[string]bool)
	for _, f := range fs {
		for k, v := range f.Properties {
			_, isNum := v.(float64)
			if !seen[k] {
				seen[k] = true
				numeric[k] = isNum
			} else if !isNum {
				numeric[k] = false
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, numeric
}

func attributeValue(v any, numeric bool) any {
	if f, ok := v.(float64); ok && numeric {
		return f
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(t)
	case nil:
		s = ""
	default:
		s = "?"
	}
	if len(s) > 254 {
		s = s[:254]
	}
	return s
}

// toShape converts to ESRI ring order: clockwise shells, counter-clockwise
// holes.
func toShape(g geom.T, shapeType shp.ShapeType) shp.Shape {
	if shapeType == shp.POINT {
		if p, ok := g.(*geom.Point); ok && !p.Empty() {
			return &shp.Point{X: p.X(), Y: p.Y()}
		}
		return &shp.Null{}
	}

	var parts [][]shp.Point
	for _, p := range geometry.Polygons(g) {
		for i := 0; i < p.NumLinearRings(); i++ {
			ring := p.LinearRing(i)
			flat := make([]float64, 0, ring.NumCoords()*2)
			for _, c := range ring.Coords() {
				flat = append(flat, c[0], c[1])
			}
			shell := i == 0
			if xy.IsRingCounterClockwise(geom.XY, flat) == shell {
				reverseRing(flat)
			}
			pts := make([]shp.Point, 0, len(flat)/2)
			for k := 0; k+1 < len(flat); k += 2 {
				pts = append(pts, shp.Point{X: flat[k], Y: flat[k+1]})
			}
			parts = append(parts, pts)
		}
	}
	if len(parts) == 0 {
		return &shp.Null{}
	}
	return (*shp.Polygon)(shp.NewPolyLine(parts))
}
