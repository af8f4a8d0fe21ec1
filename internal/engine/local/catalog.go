package local

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/flood-exposure/internal/vector"
)

// CatalogFile is the name of the catalog manifest inside a catalog directory.
const CatalogFile = "catalog.yaml"

// Catalog describes the fixtures an Engine serves. Raster files hold a
// JSON array of rows, north first, with null for masked pixels. Feature
// files may be GeoJSON, KML or Shapefile.
type Catalog struct {
	Grid        Grid                `yaml:"grid"`
	Images      []CatalogImage      `yaml:"images"`
	Collections []CatalogCollection `yaml:"collections"`
	Features    []CatalogFeatures   `yaml:"features"`
}

// CatalogImage is a single image. Fill, when set, replaces File with a
// constant raster.
type CatalogImage struct {
	ID   string   `yaml:"id"`
	Band string   `yaml:"band"`
	File string   `yaml:"file"`
	Fill *float64 `yaml:"fill,omitempty"`
}

// CatalogCollection is a time series of images sharing a band.
type CatalogCollection struct {
	ID     string         `yaml:"id"`
	Band   string         `yaml:"band"`
	Scenes []CatalogScene `yaml:"scenes"`
}

// CatalogScene is one time step. Time is a date or an RFC3339 timestamp.
type CatalogScene struct {
	Time string   `yaml:"time"`
	File string   `yaml:"file"`
	Fill *float64 `yaml:"fill,omitempty"`
}

// CatalogFeatures is a feature table.
type CatalogFeatures struct {
	ID   string `yaml:"id"`
	File string `yaml:"file"`
}

// LoadCatalog builds an Engine from dir/catalog.yaml.
func LoadCatalog(dir string) (*Engine, error) {
	data, err := os.ReadFile(filepath.Join(dir, CatalogFile))
	if err != nil {
		return nil, eris.Wrapf(err, "local: read catalog in %s", dir)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, eris.Wrap(err, "local: parse catalog")
	}
	if cat.Grid.Width <= 0 || cat.Grid.Height <= 0 || cat.Grid.PixelDeg <= 0 {
		return nil, eris.Errorf("local: invalid grid %+v", cat.Grid)
	}

	e := New(cat.Grid)
	for _, img := range cat.Images {
		r, err := loadRaster(dir, cat.Grid, img.Band, img.File, img.Fill)
		if err != nil {
			return nil, eris.Wrapf(err, "local: image %s", img.ID)
		}
		if err := e.AddImage(img.ID, r); err != nil {
			return nil, err
		}
	}
	for _, col := range cat.Collections {
		for i, sc := range col.Scenes {
			t, err := parseSceneTime(sc.Time)
			if err != nil {
				return nil, eris.Wrapf(err, "local: collection %s scene %d", col.ID, i)
			}
			r, err := loadRaster(dir, cat.Grid, col.Band, sc.File, sc.Fill)
			if err != nil {
				return nil, eris.Wrapf(err, "local: collection %s scene %d", col.ID, i)
			}
			if err := e.AddScene(col.ID, t, r); err != nil {
				return nil, err
			}
		}
	}
	for _, fc := range cat.Features {
		fs, err := vector.ReadFile(filepath.Join(dir, fc.File))
		if err != nil {
			return nil, eris.Wrapf(err, "local: features %s", fc.ID)
		}
		e.AddFeatures(fc.ID, fs...)
	}

	zap.L().Debug("local: catalog loaded",
		zap.String("dir", dir),
		zap.Int("images", len(cat.Images)),
		zap.Int("collections", len(cat.Collections)),
		zap.Int("feature_tables", len(cat.Features)),
	)
	return e, nil
}

func loadRaster(dir string, g Grid, band, file string, fill *float64) (*Raster, error) {
	if fill != nil {
		return Filled(g, band, *fill), nil
	}
	if file == "" {
		return nil, eris.New("raster needs a file or a fill value")
	}
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", file)
	}
	var rows [][]*float64
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, eris.Wrapf(err, "parse %s", file)
	}
	r, ok := FromRows(g, band, rows)
	if !ok {
		return nil, eris.Errorf("%s does not match the %dx%d grid", file, g.Width, g.Height)
	}
	return r, nil
}

func parseSceneTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "invalid scene time %q", s)
	}
	return t, nil
}
