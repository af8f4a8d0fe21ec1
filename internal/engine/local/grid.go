package local

import (
	"math"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/flood-exposure/internal/geometry"
)

// Grid is the pixel grid every raster in an Engine is aligned to. Pixels
// are square in degrees; row 0 is the northernmost.
type Grid struct {
	OriginLon float64 `yaml:"origin_lon"` // west edge
	OriginLat float64 `yaml:"origin_lat"` // north edge
	PixelDeg  float64 `yaml:"pixel_deg"`
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
}

// Len is the number of pixels.
func (g Grid) Len() int { return g.Width * g.Height }

// Center returns the centre of pixel (col, row).
func (g Grid) Center(col, row int) geom.Coord {
	return geom.Coord{
		g.OriginLon + (float64(col)+0.5)*g.PixelDeg,
		g.OriginLat - (float64(row)+0.5)*g.PixelDeg,
	}
}

// Cell returns the pixel containing c.
func (g Grid) Cell(c geom.Coord) (col, row int, ok bool) {
	col = int(math.Floor((c.X() - g.OriginLon) / g.PixelDeg))
	row = int(math.Floor((g.OriginLat - c.Y()) / g.PixelDeg))
	ok = col >= 0 && row >= 0 && col < g.Width && row < g.Height
	return col, row, ok
}

// Extent is the grid outline.
func (g Grid) Extent() *geom.Polygon {
	return geometry.NewBBox(
		g.OriginLon,
		g.OriginLat-float64(g.Height)*g.PixelDeg,
		g.OriginLon+float64(g.Width)*g.PixelDeg,
		g.OriginLat,
	)
}

// rowLat is the latitude of pixel centres in row.
func (g Grid) rowLat(row int) float64 {
	return g.OriginLat - (float64(row)+0.5)*g.PixelDeg
}

// pixelMeters returns the ground size of a pixel in row.
func (g Grid) pixelMeters(row int) (dx, dy float64) {
	lat := g.rowLat(row)
	return geometry.DegreesLonToMeters(g.PixelDeg, lat), geometry.DegreesLatToMeters(g.PixelDeg)
}

// coarsen returns a grid whose pixels are k×k blocks of g.
func (g Grid) coarsen(k int) Grid {
	return Grid{
		OriginLon: g.OriginLon,
		OriginLat: g.OriginLat,
		PixelDeg:  g.PixelDeg * float64(k),
		Width:     (g.Width + k - 1) / k,
		Height:    (g.Height + k - 1) / k,
	}
}

// Raster is a single-band masked image on a Grid. A pixel whose Valid flag
// is false is masked and carries no value.
type Raster struct {
	Band   string
	Values []float64
	Valid  []bool
}

// NewRaster returns a fully masked raster.
func NewRaster(g Grid, band string) *Raster {
	return &Raster{
		Band:   band,
		Values: make([]float64, g.Len()),
		Valid:  make([]bool, g.Len()),
	}
}

// Filled returns an unmasked raster holding v everywhere.
func Filled(g Grid, band string, v float64) *Raster {
	r := NewRaster(g, band)
	for i := range r.Values {
		r.Values[i] = v
		r.Valid[i] = true
	}
	return r
}

// FromRows builds a raster from row-major values; nil entries are masked.
func FromRows(g Grid, band string, rows [][]*float64) (*Raster, bool) {
	if len(rows) != g.Height {
		return nil, false
	}
	r := NewRaster(g, band)
	for row, vals := range rows {
		if len(vals) != g.Width {
			return nil, false
		}
		for col, v := range vals {
			if v == nil {
				continue
			}
			i := row*g.Width + col
			r.Values[i] = *v
			r.Valid[i] = true
		}
	}
	return r, true
}

func (r *Raster) derive(band string) *Raster {
	return &Raster{
		Band:   band,
		Values: make([]float64, len(r.Values)),
		Valid:  make([]bool, len(r.Valid)),
	}
}
