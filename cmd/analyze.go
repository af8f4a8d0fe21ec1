package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/sells-group/flood-exposure/internal/aoi"
	"github.com/sells-group/flood-exposure/internal/config"
	"github.com/sells-group/flood-exposure/internal/engine"
	"github.com/sells-group/flood-exposure/internal/export"
	"github.com/sells-group/flood-exposure/internal/flood"
	"github.com/sells-group/flood-exposure/internal/store"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the flood exposure analysis for an area of interest",
	Long: "Resolves the area of interest, derives the flood-prone mask, counts exposed buildings, " +
		"tabulates flooded land cover, prints a summary and writes the result files.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := applyAnalyzeFlags(cmd, cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ce, err := initEngine(cfg)
		if err != nil {
			return err
		}

		var st store.Store
		if noStore, _ := cmd.Flags().GetBool("no-store"); !noStore {
			st, err = initStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
		}

		_, err = runAnalysis(ctx, analysisEnv{
			cfg:      cfg,
			engine:   ce,
			resolver: newResolver(cfg),
			store:    st,
			out:      os.Stdout,
		})
		return err
	},
}

func init() {
	addAnalyzeFlags(analyzeCmd)
	rootCmd.AddCommand(analyzeCmd)
}

func addAnalyzeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("bbox", "", "bounding box as min_lon,min_lat,max_lon,max_lat")
	f.String("aoi-file", "", "boundary file (GeoJSON, KML or Shapefile) or http(s) URL")
	f.String("start", "", "analysis start date (YYYY-MM-DD)")
	f.String("end", "", "analysis end date (YYYY-MM-DD), exclusive")
	f.Float64("threshold", 0, "low-lying elevation threshold in metres")
	f.String("building-mode", "", "building representation: polygon, centroid or raster")
	f.String("engine", "", "compute engine: remote or local")
	f.String("out", "", "output directory")
	f.Bool("export-vectors", false, "export the footprint and building layers")
	f.Bool("export-rasters", false, "export the flood-prone mask and flooded building counts as GeoTIFF")
	f.Bool("await", false, "wait for vector exports to finish")
	f.Bool("no-store", false, "do not record the run in the run store")
}

// applyAnalyzeFlags copies explicitly set flags over the loaded
// configuration. It runs before validation.
func applyAnalyzeFlags(cmd *cobra.Command, c *config.Config) error {
	if err := applyAOIFlags(cmd, c); err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("start") {
		c.Analysis.StartDate, _ = flags.GetString("start")
	}
	if flags.Changed("end") {
		c.Analysis.EndDate, _ = flags.GetString("end")
	}
	if flags.Changed("threshold") {
		c.Analysis.LowLyingThresholdM, _ = flags.GetFloat64("threshold")
	}
	if flags.Changed("building-mode") {
		c.Analysis.BuildingMode, _ = flags.GetString("building-mode")
	}
	if flags.Changed("engine") {
		c.Engine.Driver, _ = flags.GetString("engine")
	}
	if flags.Changed("out") {
		c.Export.Dir, _ = flags.GetString("out")
	}
	if flags.Changed("export-vectors") {
		c.Export.Vectors, _ = flags.GetBool("export-vectors")
	}
	if flags.Changed("export-rasters") {
		c.Export.Rasters, _ = flags.GetBool("export-rasters")
	}
	if flags.Changed("await") {
		c.Export.Await, _ = flags.GetBool("await")
	}
	return nil
}

// applyAOIFlags replaces the configured AOI source with --bbox or
// --aoi-file. Setting both is left for the resolver to reject.
func applyAOIFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	bboxSet, fileSet := flags.Changed("bbox"), flags.Changed("aoi-file")
	if bboxSet {
		s, _ := flags.GetString("bbox")
		b, err := parseBBox(s)
		if err != nil {
			return err
		}
		c.AOI.BBox = b
		c.AOI.Mode = ""
		if !fileSet {
			c.AOI.File = ""
		}
	}
	if fileSet {
		c.AOI.File, _ = flags.GetString("aoi-file")
		c.AOI.Mode = ""
		if !bboxSet {
			c.AOI.BBox = nil
		}
	}
	return nil
}

// parseBBox parses "min_lon,min_lat,max_lon,max_lat".
func parseBBox(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, eris.Errorf("bbox %q: want 4 comma-separated numbers", s)
	}
	out := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "bbox %q", s)
		}
		out[i] = v
	}
	return out, nil
}

// analysisEnv holds what one analysis needs. A nil store skips run history.
type analysisEnv struct {
	cfg      *config.Config
	engine   computeEngine
	resolver *aoi.Resolver
	store    store.Store
	out      io.Writer
}

// analysisOutcome is everything a finished analysis produced.
type analysisOutcome struct {
	Result      *flood.Result
	Dir         string
	Files       []string
	Submissions []export.Submission
	Manifest    string
}

// runAnalysis resolves the region, runs the pipeline and writes its
// outputs. File, export and delivery problems are logged; only region and
// evaluation failures fail the run. A run that printed its report is
// recorded even when its files could not be written.
func runAnalysis(ctx context.Context, env analysisEnv) (*analysisOutcome, error) {
	c := env.cfg
	params, err := c.Params()
	if err != nil {
		return nil, err
	}

	roi, err := env.resolver.Resolve(ctx, c.Selection())
	if err != nil {
		return nil, err
	}

	p, err := flood.NewPipeline(env.engine, c.Datasets, params)
	if err != nil {
		return nil, err
	}
	res, layers, err := p.Run(ctx, roi)
	if err != nil {
		recordFailedRun(ctx, env, roi, err)
		return nil, err
	}

	if err := export.WriteReport(env.out, res); err != nil {
		return nil, eris.Wrap(err, "write report")
	}

	out := &analysisOutcome{Result: res, Dir: filepath.Join(c.Export.Dir, res.RunID)}
	files, err := writeTables(out.Dir, c.Export.Formats, res.LandCover)
	if err != nil {
		zap.L().Warn("analyze: could not write tables", zap.String("run_id", res.RunID), zap.Error(err))
	}
	out.Files = files

	if c.Export.Vectors || c.Export.Rasters {
		out.Submissions = submitExports(ctx, env, layers, out.Dir, res.RunID)
		out.Files = append(out.Files, export.Files(out.Submissions)...)
	}

	manifest, err := export.WriteManifest(out.Dir, export.Manifest{
		RunID:     res.RunID,
		CreatedAt: res.FinishedAt,
		Settings:  redacted(c),
		Result:    res,
		Files:     out.Files,
		Exports:   out.Submissions,
	})
	if err != nil {
		zap.L().Warn("analyze: could not write manifest", zap.String("run_id", res.RunID), zap.Error(err))
	} else {
		out.Manifest = manifest
		out.Files = append(out.Files, manifest)
	}

	if c.Export.FTP.Enabled() {
		if err := export.Deliver(ctx, c.Export.FTP, res.RunID, out.Files); err != nil {
			zap.L().Warn("analyze: ftp delivery failed", zap.String("run_id", res.RunID), zap.Error(err))
		}
	}

	if env.store != nil {
		if err := recordRun(ctx, env, roi, out); err != nil {
			return nil, err
		}
	}

	zap.L().Info("analyze: run complete",
		zap.String("run_id", res.RunID),
		zap.String("dir", out.Dir),
		zap.Int("files", len(out.Files)),
	)
	return out, nil
}

// writeTables writes the land-cover table in each format. It returns the
// files written before the first failure.
func writeTables(dir string, formats []string, classes []flood.ClassArea) ([]string, error) {
	var files []string
	for _, f := range formats {
		switch f {
		case config.FormatCSV:
			path := filepath.Join(dir, export.LandCoverCSV)
			if err := export.WriteCSVFile(path, classes); err != nil {
				return files, err
			}
			files = append(files, path)
		case config.FormatXLSX:
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return files, eris.Wrap(err, "create output directory")
			}
			path := filepath.Join(dir, export.LandCoverXLSX)
			if err := export.WriteXLSX(path, classes); err != nil {
				return files, err
			}
			files = append(files, path)
		}
	}
	return files, nil
}

// submitExports starts the layer exports and, when configured, waits for
// them. Local exports land in the run directory unless a folder is set.
func submitExports(ctx context.Context, env analysisEnv, layers *flood.Layers, dir, runID string) []export.Submission {
	c := env.cfg
	folder := c.Export.Folder
	if folder == "" && c.Engine.Driver == config.DriverLocal {
		folder = dir
	}
	subs, err := export.Submit(ctx, env.engine, layers, export.SubmitOptions{
		Vectors:   c.Export.Vectors,
		Rasters:   c.Export.Rasters,
		Folder:    folder,
		Prefix:    "flood",
		Format:    engine.ExportFormat(c.Export.VectorFormat),
		MaxPixels: c.Analysis.MaxPixels,
	})
	if err != nil {
		zap.L().Warn("analyze: some exports were not submitted", zap.String("run_id", runID), zap.Error(err))
	}
	if !c.Export.Await {
		return subs
	}

	actx, cancel := context.WithTimeout(ctx, time.Duration(c.Export.AwaitTimeoutSecs)*time.Second)
	defer cancel()
	if err := export.Await(actx, env.engine, subs); err != nil {
		zap.L().Warn("analyze: exports did not all succeed", zap.String("run_id", runID), zap.Error(err))
	}
	return subs
}

// redacted returns a copy of c without credentials.
func redacted(c *config.Config) config.Config {
	out := *c
	out.Engine.Token = ""
	out.Store.DatabaseURL = ""
	out.Export.FTP.Password = ""
	return out
}

func aoiJSON(roi *aoi.ROI) json.RawMessage {
	if roi == nil {
		return nil
	}
	data, err := geojson.Marshal(roi.Geometry())
	if err != nil {
		return nil
	}
	return data
}

func recordRun(ctx context.Context, env analysisEnv, roi *aoi.ROI, out *analysisOutcome) error {
	cfgJSON, err := json.Marshal(env.cfg)
	if err != nil {
		return eris.Wrap(err, "marshal config")
	}
	resJSON, err := json.Marshal(out.Result)
	if err != nil {
		return eris.Wrap(err, "marshal result")
	}
	run := &store.Run{
		ID:        out.Result.RunID,
		Status:    store.RunSucceeded,
		AOI:       aoiJSON(roi),
		Config:    cfgJSON,
		Result:    resJSON,
		CreatedAt: out.Result.StartedAt,
	}
	if err := env.store.SaveRun(ctx, run); err != nil {
		return eris.Wrap(err, "save run")
	}
	for _, s := range out.Submissions {
		if s.Task == nil {
			continue
		}
		if err := env.store.SaveTask(ctx, &store.Task{
			ID:          s.Task.ID,
			RunID:       run.ID,
			Layer:       s.Layer,
			State:       s.Task.State,
			Destination: s.Task.Destination,
			Error:       s.Task.Error,
		}); err != nil {
			return eris.Wrapf(err, "save task %s", s.Task.ID)
		}
	}
	return nil
}

// recordFailedRun keeps a trace of a run that did not finish. Store errors
// are only logged so the evaluation failure stays the reported error.
func recordFailedRun(ctx context.Context, env analysisEnv, roi *aoi.ROI, runErr error) {
	if env.store == nil {
		return
	}
	cfgJSON, _ := json.Marshal(env.cfg)
	// the run context may already be cancelled
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := env.store.SaveRun(sctx, &store.Run{
		Status: store.RunFailed,
		AOI:    aoiJSON(roi),
		Config: cfgJSON,
		Error:  runErr.Error(),
	}); err != nil {
		zap.L().Warn("analyze: could not record failed run", zap.Error(err))
	}
}
