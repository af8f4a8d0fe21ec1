package flood

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/flood-exposure/internal/aoi"
	"github.com/sells-group/flood-exposure/internal/engine/local"
	"github.com/sells-group/flood-exposure/internal/geometry"
)

// The fixture is a 6x4 grid of 0.001 degree pixels near Georgetown.
//
//	col 0  always wet, except row 3 which is permanent water
//	col 1  wet in 2 of 4 months
//	col 2  observed, never wet
//	col 3  never observed
//	col 4  always wet, steep (next to the ridge)
//	col 5  always wet, 50 m ridge
//
// Land cover: col 0 cropland, col 1 built-up except row 0 which has no
// class. Buildings: b1 inside (0,0); b2 straddles cols 1 and 2 with its
// centroid in col 2; b3 in col 4; b4 outside the grid.
var fixtureGrid = local.Grid{OriginLon: -58.0, OriginLat: 6.76, PixelDeg: 0.001, Width: 6, Height: 4}

var fixtureDatasets = Datasets{
	WaterHistory:    "water",
	WaterOccurrence: "occurrence",
	Elevation:       "dem",
	LandCover:       "landcover",
	Buildings:       "buildings",
}

func fp(v float64) *float64 { return &v }

func grid(t *testing.T, band string, at func(col, row int) *float64) *local.Raster {
	t.Helper()
	rows := make([][]*float64, fixtureGrid.Height)
	for r := range rows {
		rows[r] = make([]*float64, fixtureGrid.Width)
		for c := range rows[r] {
			rows[r][c] = at(c, r)
		}
	}
	ras, ok := local.FromRows(fixtureGrid, band, rows)
	require.True(t, ok)
	return ras
}

// pxBox is a rectangle in fractional pixel coordinates.
func pxBox(c0, r0, c1, r1 float64) *geom.Polygon {
	g := fixtureGrid
	return geometry.NewBBox(
		g.OriginLon+c0*g.PixelDeg, g.OriginLat-r1*g.PixelDeg,
		g.OriginLon+c1*g.PixelDeg, g.OriginLat-r0*g.PixelDeg,
	)
}

func building(id string, p *geom.Polygon) local.Feature {
	return local.Feature{Geometry: p, Properties: map[string]any{"id": id}}
}

type fixtureOpts struct {
	lowland float64 // elevation everywhere except the ridge
	months  int
}

func newFixture(t *testing.T, opts fixtureOpts) *local.Engine {
	t.Helper()
	if opts.months == 0 {
		opts.months = 4
	}
	e := local.New(fixtureGrid)

	require.NoError(t, e.AddImage("dem", grid(t, BandElevation, func(col, _ int) *float64 {
		if col == 5 {
			return fp(50)
		}
		return fp(opts.lowland)
	})))
	require.NoError(t, e.AddImage("occurrence", grid(t, BandOccurrence, func(col, row int) *float64 {
		switch {
		case col == 0 && row == 3:
			return fp(95)
		case col == 1 && row == 0:
			return fp(40)
		}
		return nil
	})))

	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for m := 0; m < opts.months; m++ {
		scene := grid(t, BandWater, func(col, _ int) *float64 {
			switch col {
			case 0, 4, 5:
				return fp(WaterWater)
			case 1:
				if m%4 < 2 {
					return fp(WaterWater)
				}
				return fp(WaterNotWater)
			case 2:
				return fp(WaterNotWater)
			}
			return fp(WaterNoData)
		})
		require.NoError(t, e.AddScene("water", t0.AddDate(0, m, 0), scene))
	}

	require.NoError(t, e.AddScene("landcover", time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		grid(t, BandLandCover, func(col, row int) *float64 {
			switch {
			case col == 0:
				return fp(40)
			case col == 1 && row == 0:
				return nil
			case col == 1:
				return fp(50)
			}
			return fp(30)
		})))

	e.AddFeatures("buildings",
		building("b1", pxBox(0.2, 0.2, 0.8, 0.8)),
		building("b2", pxBox(1.6, 1.2, 2.6, 1.8)),
		building("b3", pxBox(4.2, 2.2, 4.8, 2.8)),
		building("b4", geometry.NewBBox(-57.5, 6.5, -57.49, 6.51)),
	)
	return e
}

func fixtureROI(t *testing.T) *aoi.ROI {
	t.Helper()
	g := fixtureGrid
	roi, err := aoi.FromBBox([]float64{
		g.OriginLon,
		g.OriginLat - float64(g.Height)*g.PixelDeg,
		g.OriginLon + float64(g.Width)*g.PixelDeg,
		g.OriginLat,
	})
	require.NoError(t, err)
	return roi
}

func fixtureParams() Params {
	p := DefaultParams()
	p.Window = Window{
		Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	return p
}

// pixelAreaKm2 is the area of one fixture pixel in row.
func pixelAreaKm2(row int) float64 {
	g := fixtureGrid
	top := g.OriginLat - float64(row)*g.PixelDeg
	return geometry.CellArea(g.PixelDeg, top, top-g.PixelDeg) / 1e6
}
