// Package export writes the outputs of a run: the land-cover table, the
// summary report, vector layer exports, the run manifest, and optional FTP
// delivery of the written files.
package export

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/flood-exposure/internal/flood"
)

// Output file names inside a run directory.
const (
	LandCoverCSV  = "land_cover.csv"
	LandCoverXLSX = "land_cover.xlsx"
	ManifestFile  = "manifest.yaml"
)

var tableHeader = []string{"class_code", "class_name", "area_km2"}

const xlsxSheet = "land_cover"

func formatArea(km2 float64) string {
	return strconv.FormatFloat(km2, 'f', 6, 64)
}

// WriteCSV writes the land-cover table with a header row. Rows follow the
// class enumeration order.
func WriteCSV(w io.Writer, classes []flood.ClassArea) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tableHeader); err != nil {
		return eris.Wrap(err, "csv: write header")
	}
	for _, c := range classes {
		if err := cw.Write([]string{strconv.Itoa(c.Code), c.Name, formatArea(c.AreaKm2)}); err != nil {
			return eris.Wrapf(err, "csv: write class %d", c.Code)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "csv: flush")
}

// WriteCSVFile writes the land-cover table to path.
func WriteCSVFile(path string, classes []flood.ClassArea) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "csv: create directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "csv: create file")
	}
	if err := WriteCSV(f, classes); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return eris.Wrap(f.Close(), "csv: close file")
}

// WriteXLSX writes the land-cover table as a single-sheet workbook with
// numeric code and area cells.
func WriteXLSX(path string, classes []flood.ClassArea) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(xlsxSheet)
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range tableHeader {
		header.AddCell().SetString(h)
	}
	for _, c := range classes {
		row := sheet.AddRow()
		row.AddCell().SetInt(c.Code)
		row.AddCell().SetString(c.Name)
		row.AddCell().SetFloat(c.AreaKm2)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "xlsx: create directory")
	}
	return eris.Wrap(f.Save(path), "xlsx: save")
}
