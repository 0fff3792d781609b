// Package config handles configuration loading for the tile server.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/gridtiles/server/internal/grid"
	"github.com/gridtiles/server/internal/logger"
	"github.com/gridtiles/server/internal/render"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig             `yaml:"server"`
	Log      logger.Config            `yaml:"log"`
	Cache    CacheConfig              `yaml:"cache"`
	Datasets map[string]DatasetConfig `yaml:"datasets"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Metrics     bool     `yaml:"metrics"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	PayloadSizeMB   int `yaml:"payload_size_mb"`
	MetadataEntries int `yaml:"metadata_entries"`
}

// DatasetConfig describes one published dataset.
type DatasetConfig struct {
	// Source selects the loader: "zarr" or "tiledb".
	Source string `yaml:"source"`
	Path   string `yaml:"path"`

	// CRS selects the tiling scheme tiles are addressed in.
	CRS int `yaml:"crs"`

	// XAxis and YAxis name the spatial dimensions. Defaults: x, y.
	XAxis string `yaml:"x_axis"`
	YAxis string `yaml:"y_axis"`

	Render RenderSettings `yaml:"render"`
}

// RenderSettings selects and tunes the render backend of a dataset.
type RenderSettings struct {
	Backend       string    `yaml:"backend"`
	TileSize      int       `yaml:"tile_size"`
	Colormap      string    `yaml:"colormap"`
	Colors        []string  `yaml:"colors"`
	Interpolation string    `yaml:"interpolation"`
	Aggregation   string    `yaml:"aggregation"`
	How           string    `yaml:"how"`
	Span          []float64 `yaml:"span"`
	Normalization string    `yaml:"normalization"`
	VMin          *float64  `yaml:"vmin"`
	VMax          *float64  `yaml:"vmax"`
	Gamma         *float64  `yaml:"gamma"`
	Overlay       bool      `yaml:"overlay"`
}

// RendererConfig maps the settings onto a render configuration.
func (rs RenderSettings) RendererConfig() render.Config {
	cfg := render.Config{
		Backend:       rs.Backend,
		CanvasWidth:   rs.TileSize,
		CanvasHeight:  rs.TileSize,
		Colormap:      rs.Colormap,
		Colors:        rs.Colors,
		Interpolation: rs.Interpolation,
		Aggregation:   rs.Aggregation,
		How:           rs.How,
		Span:          rs.Span,
		Normalization: rs.Normalization,
		Overlay:       rs.Overlay,
	}
	params := map[string]render.Param{}
	if rs.VMin != nil {
		params["vmin"] = render.Param{Value: *rs.VMin}
	}
	if rs.VMax != nil {
		params["vmax"] = render.Param{Value: *rs.VMax}
	}
	if rs.Gamma != nil {
		params["gamma"] = render.Param{Value: *rs.Gamma}
	}
	if len(params) > 0 {
		cfg.NormParams = params
	}
	return cfg
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults; a present but invalid file is an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration. No datasets are
// published by default.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"*"},
			Metrics:     true,
		},
		Log: logger.Config{
			Level: "info",
		},
		Cache: CacheConfig{
			PayloadSizeMB:   256,
			MetadataEntries: 256,
		},
		Datasets: map[string]DatasetConfig{},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Cache.PayloadSizeMB == 0 {
		cfg.Cache.PayloadSizeMB = defaults.Cache.PayloadSizeMB
	}
	if cfg.Cache.MetadataEntries == 0 {
		cfg.Cache.MetadataEntries = defaults.Cache.MetadataEntries
	}
	if cfg.Datasets == nil {
		cfg.Datasets = map[string]DatasetConfig{}
	}
	for id, ds := range cfg.Datasets {
		if ds.Source == "" {
			ds.Source = "zarr"
		}
		if ds.CRS == 0 {
			ds.CRS = 3857
		}
		if ds.XAxis == "" {
			ds.XAxis = "x"
		}
		if ds.YAxis == "" {
			ds.YAxis = "y"
		}
		if ds.Render.TileSize == 0 {
			ds.Render.TileSize = render.DefaultCanvasSize
		}
		cfg.Datasets[id] = ds
	}
}

// Validate rejects configurations the server could not start with. Wrong
// values fail here, at load, rather than on the first request.
func (cfg *Config) Validate() error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", cfg.Server.Port)
	}
	for _, id := range cfg.DatasetIDs() {
		ds := cfg.Datasets[id]
		if id == "" {
			return fmt.Errorf("dataset with empty identifier")
		}
		switch ds.Source {
		case "zarr", "tiledb":
		default:
			return fmt.Errorf("dataset %q: unknown source %q (supported: zarr, tiledb)", id, ds.Source)
		}
		if ds.Path == "" {
			return fmt.Errorf("dataset %q: path is required", id)
		}
		if _, ok := grid.SchemeFor(ds.CRS); !ok {
			return fmt.Errorf("dataset %q: unsupported CRS %d (supported: %v)", id, ds.CRS, grid.SupportedCRS())
		}
		if _, err := render.New(ds.Render.RendererConfig()); err != nil {
			return fmt.Errorf("dataset %q: %w", id, err)
		}
	}
	return nil
}

// DatasetIDs lists the configured dataset identifiers, sorted.
func (cfg *Config) DatasetIDs() []string {
	ids := make([]string, 0, len(cfg.Datasets))
	for id := range cfg.Datasets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
