package config

import (
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/flood-exposure/internal/aoi"
	"github.com/sells-group/flood-exposure/internal/engine"
	"github.com/sells-group/flood-exposure/internal/export"
	"github.com/sells-group/flood-exposure/internal/flood"
	"github.com/sells-group/flood-exposure/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Analysis AnalysisConfig `yaml:"analysis" mapstructure:"analysis" json:"analysis"`
	AOI      AOIConfig      `yaml:"aoi" mapstructure:"aoi" json:"aoi"`
	Datasets flood.Datasets `yaml:"datasets" mapstructure:"datasets" json:"datasets"`
	Engine   EngineConfig   `yaml:"engine" mapstructure:"engine" json:"engine"`
	Export   ExportConfig   `yaml:"export" mapstructure:"export" json:"export"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store" json:"store"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server" json:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log" json:"log"`
}

// AnalysisConfig holds the scalar settings of a run.
type AnalysisConfig struct {
	StartDate          string  `yaml:"start_date" mapstructure:"start_date" json:"start_date"`
	EndDate            string  `yaml:"end_date" mapstructure:"end_date" json:"end_date"`
	LowLyingThresholdM float64 `yaml:"low_lying_threshold_m" mapstructure:"low_lying_threshold_m" json:"low_lying_threshold_m"`
	SlopeThresholdDeg  float64 `yaml:"slope_threshold_deg" mapstructure:"slope_threshold_deg" json:"slope_threshold_deg"`
	PermanentWaterPct  float64 `yaml:"permanent_water_pct" mapstructure:"permanent_water_pct" json:"permanent_water_pct"`
	BuildingMode       string  `yaml:"building_mode" mapstructure:"building_mode" json:"building_mode"`
	ScaleM             float64 `yaml:"scale_m" mapstructure:"scale_m" json:"scale_m"`
	BuildingScaleM     float64 `yaml:"building_scale_m" mapstructure:"building_scale_m" json:"building_scale_m"`
	MaxPixels          float64 `yaml:"max_pixels" mapstructure:"max_pixels" json:"max_pixels"`
	VectorMaxPixels    float64 `yaml:"vector_max_pixels" mapstructure:"vector_max_pixels" json:"vector_max_pixels"`
	BestEffort         bool    `yaml:"best_effort" mapstructure:"best_effort" json:"best_effort"`
	TileScale          float64 `yaml:"tile_scale" mapstructure:"tile_scale" json:"tile_scale"`
	Concurrency        int     `yaml:"concurrency" mapstructure:"concurrency" json:"concurrency"`
}

// AOIConfig selects the region of interest.
type AOIConfig struct {
	Mode string    `yaml:"mode" mapstructure:"mode" json:"mode,omitempty"`
	BBox []float64 `yaml:"bbox" mapstructure:"bbox" json:"bbox,omitempty"`
	File string    `yaml:"file" mapstructure:"file" json:"file,omitempty"`
	// FetchRetries bounds retries when File is a URL.
	FetchRetries     int `yaml:"fetch_retries" mapstructure:"fetch_retries" json:"fetch_retries"`
	FetchTimeoutSecs int `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs" json:"fetch_timeout_secs"`
}

// EngineConfig selects and tunes the compute engine.
type EngineConfig struct {
	Driver            string  `yaml:"driver" mapstructure:"driver" json:"driver"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url" json:"base_url,omitempty"`
	Project           string  `yaml:"project" mapstructure:"project" json:"project,omitempty"`
	Token             string  `yaml:"token" mapstructure:"token" json:"-"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs" json:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second"`
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts" json:"max_attempts"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms" json:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms" json:"max_backoff_ms"`
	CircuitThreshold  int     `yaml:"circuit_threshold" mapstructure:"circuit_threshold" json:"circuit_threshold"`
	CircuitCooldownS  int     `yaml:"circuit_cooldown_secs" mapstructure:"circuit_cooldown_secs" json:"circuit_cooldown_secs"`
	// CatalogDir is the fixture directory of the local engine.
	CatalogDir string `yaml:"catalog_dir" mapstructure:"catalog_dir" json:"catalog_dir,omitempty"`
}

// ExportConfig configures result files and vector exports.
type ExportConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir" json:"dir"`
	// Formats lists the land-cover table formats: csv, xlsx.
	Formats []string `yaml:"formats" mapstructure:"formats" json:"formats"`
	// Vectors enables footprint and building layer exports.
	Vectors bool `yaml:"vectors" mapstructure:"vectors" json:"vectors"`
	// Rasters enables GeoTIFF exports of the flood-prone mask and, in
	// raster building mode, the flooded building counts.
	Rasters          bool             `yaml:"rasters" mapstructure:"rasters" json:"rasters"`
	VectorFormat     string           `yaml:"vector_format" mapstructure:"vector_format" json:"vector_format"`
	Folder           string           `yaml:"folder" mapstructure:"folder" json:"folder,omitempty"`
	Await            bool             `yaml:"await" mapstructure:"await" json:"await"`
	AwaitTimeoutSecs int              `yaml:"await_timeout_secs" mapstructure:"await_timeout_secs" json:"await_timeout_secs"`
	FTP              export.FTPConfig `yaml:"ftp" mapstructure:"ftp" json:"-"`
}

// StoreConfig configures the run history backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" json:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url" json:"-"`
}

// ServerConfig configures the results API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port" json:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins" json:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level" json:"level"`
	Format string `yaml:"format" mapstructure:"format" json:"format"`
}

// Engine drivers.
const (
	DriverRemote = "remote"
	DriverLocal  = "local"
)

// Table formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// Load reads configuration from file and environment. An empty path looks
// for config.yaml in the working directory and tolerates its absence.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("FLOOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	params := flood.DefaultParams()
	ds := flood.DefaultDatasets()
	v.SetDefault("analysis.start_date", params.Window.Start.Format(time.DateOnly))
	v.SetDefault("analysis.end_date", params.Window.End.Format(time.DateOnly))
	v.SetDefault("analysis.low_lying_threshold_m", params.LowLyingThresholdM)
	v.SetDefault("analysis.slope_threshold_deg", params.SlopeThresholdDeg)
	v.SetDefault("analysis.permanent_water_pct", params.PermanentWaterPct)
	v.SetDefault("analysis.building_mode", string(params.BuildingMode))
	v.SetDefault("analysis.scale_m", params.Scale)
	v.SetDefault("analysis.building_scale_m", params.BuildingScale)
	v.SetDefault("analysis.max_pixels", params.MaxPixels)
	v.SetDefault("analysis.vector_max_pixels", params.VectorMaxPixels)
	v.SetDefault("analysis.best_effort", params.BestEffort)
	v.SetDefault("analysis.tile_scale", params.TileScale)
	v.SetDefault("analysis.concurrency", params.Concurrency)
	v.SetDefault("aoi.mode", "")
	v.SetDefault("aoi.bbox", []float64{})
	v.SetDefault("aoi.file", "")
	v.SetDefault("aoi.fetch_retries", 3)
	v.SetDefault("aoi.fetch_timeout_secs", 60)
	v.SetDefault("datasets.water_history", ds.WaterHistory)
	v.SetDefault("datasets.water_occurrence", ds.WaterOccurrence)
	v.SetDefault("datasets.elevation", ds.Elevation)
	v.SetDefault("datasets.land_cover", ds.LandCover)
	v.SetDefault("datasets.buildings", ds.Buildings)
	v.SetDefault("engine.driver", DriverRemote)
	v.SetDefault("engine.base_url", "https://earthengine.googleapis.com")
	v.SetDefault("engine.project", "")
	v.SetDefault("engine.token", "")
	v.SetDefault("engine.timeout_secs", 300)
	v.SetDefault("engine.requests_per_second", 5)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.initial_backoff_ms", 500)
	v.SetDefault("engine.max_backoff_ms", 30000)
	v.SetDefault("engine.circuit_threshold", 5)
	v.SetDefault("engine.circuit_cooldown_secs", 30)
	v.SetDefault("engine.catalog_dir", "")
	v.SetDefault("export.dir", "out")
	v.SetDefault("export.formats", []string{FormatCSV})
	v.SetDefault("export.vectors", false)
	v.SetDefault("export.rasters", false)
	v.SetDefault("export.vector_format", string(engine.FormatGeoJSON))
	v.SetDefault("export.folder", "")
	v.SetDefault("export.await", false)
	v.SetDefault("export.await_timeout_secs", 1800)
	v.SetDefault("export.ftp.url", "")
	v.SetDefault("export.ftp.user", "")
	v.SetDefault("export.ftp.password", "")
	v.SetDefault("export.ftp.timeout", "30s")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "flood-runs.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional unless named)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings once, after command-line overrides.
func (c *Config) Validate() error {
	if _, err := c.Window(); err != nil {
		return err
	}
	th := c.Analysis.LowLyingThresholdM
	if math.IsNaN(th) || math.IsInf(th, 0) {
		return eris.New("config: analysis.low_lying_threshold_m must be finite")
	}
	if _, err := flood.ParseBuildingMode(c.Analysis.BuildingMode); err != nil {
		return eris.Wrap(err, "config: analysis.building_mode")
	}
	switch c.Engine.Driver {
	case DriverRemote:
		if c.Engine.Project == "" {
			return eris.New("config: engine.project is required for the remote engine")
		}
	case DriverLocal:
		if c.Engine.CatalogDir == "" {
			return eris.New("config: engine.catalog_dir is required for the local engine")
		}
	default:
		return eris.Errorf("config: unknown engine.driver %q (want remote or local)", c.Engine.Driver)
	}
	for _, f := range c.Export.Formats {
		if f != FormatCSV && f != FormatXLSX {
			return eris.Errorf("config: unknown export format %q (want csv or xlsx)", f)
		}
	}
	switch engine.ExportFormat(c.Export.VectorFormat) {
	case engine.FormatGeoJSON, engine.FormatShapefile:
	default:
		return eris.Errorf("config: unknown export.vector_format %q (want geojson or shp)", c.Export.VectorFormat)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store.driver %q (want sqlite or postgres)", c.Store.Driver)
	}
	if err := c.Datasets.Validate(); err != nil {
		return eris.Wrap(err, "config")
	}
	if _, err := c.Params(); err != nil {
		return eris.Wrap(err, "config")
	}
	return nil
}

// Window parses the analysis dates.
func (c *Config) Window() (flood.Window, error) {
	start, err := time.Parse(time.DateOnly, c.Analysis.StartDate)
	if err != nil {
		return flood.Window{}, eris.Wrapf(err, "config: analysis.start_date %q", c.Analysis.StartDate)
	}
	end, err := time.Parse(time.DateOnly, c.Analysis.EndDate)
	if err != nil {
		return flood.Window{}, eris.Wrapf(err, "config: analysis.end_date %q", c.Analysis.EndDate)
	}
	w := flood.Window{Start: start, End: end}
	if err := w.Validate(); err != nil {
		return flood.Window{}, eris.Wrap(err, "config")
	}
	return w, nil
}

// Params converts the analysis section to pipeline settings.
func (c *Config) Params() (flood.Params, error) {
	w, err := c.Window()
	if err != nil {
		return flood.Params{}, err
	}
	a := c.Analysis
	p := flood.Params{
		Window:             w,
		LowLyingThresholdM: a.LowLyingThresholdM,
		SlopeThresholdDeg:  a.SlopeThresholdDeg,
		PermanentWaterPct:  a.PermanentWaterPct,
		BuildingMode:       flood.BuildingMode(a.BuildingMode),
		Scale:              a.ScaleM,
		BuildingScale:      a.BuildingScaleM,
		MaxPixels:          a.MaxPixels,
		VectorMaxPixels:    a.VectorMaxPixels,
		BestEffort:         a.BestEffort,
		TileScale:          a.TileScale,
		Concurrency:        a.Concurrency,
	}
	return p, p.Validate()
}

// Selection returns the configured AOI source.
func (c *Config) Selection() aoi.Selection {
	return aoi.Selection{
		Mode: aoi.Mode(c.AOI.Mode),
		BBox: c.AOI.BBox,
		File: c.AOI.File,
	}
}

// RetryPolicy builds the remote engine retry policy.
func (c *Config) RetryPolicy() resilience.Policy {
	return resilience.FromSettings(
		c.Engine.MaxAttempts,
		time.Duration(c.Engine.InitialBackoffMs)*time.Millisecond,
		time.Duration(c.Engine.MaxBackoffMs)*time.Millisecond,
	)
}

// BreakerConfig builds the remote engine circuit breaker settings.
func (c *Config) BreakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		Name:             "engine",
		FailureThreshold: c.Engine.CircuitThreshold,
		Cooldown:         time.Duration(c.Engine.CircuitCooldownS) * time.Second,
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
