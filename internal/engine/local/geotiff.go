package local

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/image/tiff"
)

// noData is the pixel value written for masked pixels.
const noData = 0

// writeGeoTIFF writes r as a 16-bit grayscale TIFF with an ESRI world file
// next to it. Values are rounded and clamped to [1, 65535] so that 0
// remains the no-data value. Pixels outside keep are written as no-data.
func writeGeoTIFF(path string, g Grid, r *Raster, keep []bool) error {
	img := image.NewGray16(image.Rect(0, 0, g.Width, g.Height))
	for row := 0; row < g.Height; row++ {
		for col := 0; col < g.Width; col++ {
			i := row*g.Width + col
			if !r.Valid[i] || (keep != nil && !keep[i]) {
				continue
			}
			v := math.Min(math.Max(math.Round(r.Values[i]), 1), math.MaxUint16)
			img.SetGray16(col, row, color.Gray16{Y: uint16(v)})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "local: create %s", path)
	}
	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		_ = f.Close()
		return eris.Wrapf(err, "local: encode %s", path)
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "local: close %s", path)
	}
	return writeWorldFile(worldFilePath(path), g)
}

// worldFilePath returns the ".tfw" sibling of a TIFF path.
func worldFilePath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".tfw"
}

// writeWorldFile georeferences the grid in EPSG:4326: pixel sizes, the two
// rotation terms, then the centre of the upper-left pixel.
func writeWorldFile(path string, g Grid) error {
	ul := g.Center(0, 0)
	content := fmt.Sprintf("%.12f\n0.0\n0.0\n%.12f\n%.12f\n%.12f\n",
		g.PixelDeg, -g.PixelDeg, ul.X(), ul.Y())
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return eris.Wrapf(err, "local: write %s", path)
	}
	return nil
}
