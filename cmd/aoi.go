package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/flood-exposure/internal/aoi"
)

var aoiCmd = &cobra.Command{
	Use:   "aoi",
	Short: "Resolve the area of interest and print it as GeoJSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := applyAOIFlags(cmd, cfg); err != nil {
			return err
		}
		roi, err := newResolver(cfg).Resolve(cmd.Context(), cfg.Selection())
		if err != nil {
			return err
		}
		return writeROI(os.Stdout, roi)
	},
}

func init() {
	aoiCmd.Flags().String("bbox", "", "bounding box as min_lon,min_lat,max_lon,max_lat")
	aoiCmd.Flags().String("aoi-file", "", "boundary file (GeoJSON, KML or Shapefile) or http(s) URL")
	rootCmd.AddCommand(aoiCmd)
}

// writeROI prints the region as an indented GeoJSON Feature.
func writeROI(w io.Writer, roi *aoi.ROI) error {
	b := roi.Bounds()
	f := &geojson.Feature{
		Geometry: roi.Geometry(),
		Properties: map[string]any{
			"mode":     string(roi.Mode()),
			"source":   roi.Source(),
			"area_km2": roi.AreaKm2(),
			"bounds":   b[:],
		},
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return eris.Wrap(err, "encode aoi")
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
