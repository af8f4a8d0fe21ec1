package vector

import (
	"encoding/xml"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/flood-exposure/internal/geometry"
)

type kmlDocument struct {
	Placemarks []kmlPlacemark `xml:"Document>Placemark"`
	Folders    []kmlFolder    `xml:"Document>Folder"`
	Top        []kmlPlacemark `xml:"Placemark"`
}

type kmlFolder struct {
	Placemarks []kmlPlacemark `xml:"Placemark"`
	Folders    []kmlFolder    `xml:"Folder"`
}

type kmlPlacemark struct {
	Name     string       `xml:"name"`
	Data     []kmlData    `xml:"ExtendedData>Data"`
	Simple   []kmlData    `xml:"ExtendedData>SchemaData>SimpleData"`
	Polygons []kmlPolygon `xml:"Polygon"`
	Multi    []kmlPolygon `xml:"MultiGeometry>Polygon"`
	Points   []kmlPoint   `xml:"Point"`
}

type kmlData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
	Text  string `xml:",chardata"`
}

type kmlPolygon struct {
	Outer string   `xml:"outerBoundaryIs>LinearRing>coordinates"`
	Inner []string `xml:"innerBoundaryIs>LinearRing>coordinates"`
}

type kmlPoint struct {
	Coordinates string `xml:"coordinates"`
}

// ReadKMLFile reads Placemarks with Polygon, MultiGeometry or Point
// geometries from a KML file, in document order.
func ReadKMLFile(path string) ([]Feature, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "vector: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return DecodeKML(f)
}

// DecodeKML parses a KML document.
func DecodeKML(r io.Reader) ([]Feature, error) {
	var doc kmlDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "vector: decode KML")
	}

	placemarks := append([]kmlPlacemark{}, doc.Top...)
	placemarks = append(placemarks, doc.Placemarks...)
	var walk func([]kmlFolder)
	walk = func(folders []kmlFolder) {
		for _, f := range folders {
			placemarks = append(placemarks, f.Placemarks...)
			walk(f.Folders)
		}
	}
	walk(doc.Folders)

	out := make([]Feature, 0, len(placemarks))
	for i, pm := range placemarks {
		g, err := pm.geometry()
		if err != nil {
			return nil, eris.Wrapf(err, "vector: placemark %d", i)
		}
		if g == nil {
			continue
		}
		out = append(out, Feature{Geometry: g, Properties: pm.properties()})
	}
	return out, nil
}

func (pm kmlPlacemark) properties() map[string]any {
	props := map[string]any{}
	if pm.Name != "" {
		props["name"] = strings.TrimSpace(pm.Name)
	}
	for _, d := range pm.Data {
		props[d.Name] = strings.TrimSpace(d.Value)
	}
	for _, d := range pm.Simple {
		props[d.Name] = strings.TrimSpace(d.Text)
	}
	return props
}

func (pm kmlPlacemark) geometry() (geom.T, error) {
	polys := append(append([]kmlPolygon{}, pm.Polygons...), pm.Multi...)
	if len(polys) > 0 {
		out := make([]*geom.Polygon, 0, len(polys))
		for _, kp := range polys {
			p, err := kp.polygon()
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		if len(out) == 1 {
			return out[0], nil
		}
		return geometry.MultiPolygonOf(out), nil
	}
	if len(pm.Points) > 0 {
		coords, err := parseKMLCoordinates(pm.Points[0].Coordinates)
		if err != nil {
			return nil, err
		}
		if len(coords) != 1 {
			return nil, eris.Errorf("point has %d coordinates", len(coords))
		}
		return geom.NewPointFlat(geom.XY, flatXY(coords)).SetSRID(geometry.SRID), nil
	}
	return nil, nil //nolint:nilnil
}

func (kp kmlPolygon) polygon() (*geom.Polygon, error) {
	rings := append([]string{kp.Outer}, kp.Inner...)
	var flat []float64
	var ends []int
	for _, text := range rings {
		coords, err := parseKMLCoordinates(text)
		if err != nil {
			return nil, err
		}
		flat = append(flat, flatXY(closeRing(coords))...)
		ends = append(ends, len(flat))
	}
	return geom.NewPolygonFlat(geom.XY, flat, ends).SetSRID(geometry.SRID), nil
}

// parseKMLCoordinates parses whitespace-separated "lon,lat[,alt]" tuples.
func parseKMLCoordinates(text string) ([]geom.Coord, error) {
	fields := strings.Fields(text)
	out := make([]geom.Coord, 0, len(fields))
	for _, tuple := range fields {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 {
			return nil, eris.Errorf("invalid coordinate %q", tuple)
		}
		lon, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid longitude %q", parts[0])
		}
		lat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid latitude %q", parts[1])
		}
		out = append(out, geom.Coord{lon, lat})
	}
	return out, nil
}
