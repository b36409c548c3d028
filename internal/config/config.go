package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/menta2k/image-search/pkg/types"
)

const (
	AppName        = "image-search"
	EnvPrefix      = "IMAGE_SEARCH"
	EnvFileName    = ".env"
	configFileName = "image-search"
	configFileType = "yaml"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Index    IndexConfig    `mapstructure:"index"`
	Features FeatureConfig  `mapstructure:"features"`
	Search   SearchConfig   `mapstructure:"search"`
	Vision   VisionConfig   `mapstructure:"vision"`
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
}

// ServerConfig holds configuration for the web server
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Title           string        `mapstructure:"title"`
	UploadDir       string        `mapstructure:"upload_dir"`
	StaticDir       string        `mapstructure:"static_dir"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	UploadTTL       time.Duration `mapstructure:"upload_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// IndexConfig holds configuration for the image index
type IndexConfig struct {
	DBPath       string   `mapstructure:"db_path"`
	Dirs         []string `mapstructure:"dirs"`
	ThumbDir     string   `mapstructure:"thumb_dir"`
	ThumbSize    int      `mapstructure:"thumb_size"`
	ThumbFormat  string   `mapstructure:"thumb_format"`
	ThumbQuality int      `mapstructure:"thumb_quality"`
	Workers      int      `mapstructure:"workers"`

	// ReloadInterval is how often serve picks up index changes made by
	// other processes; 0 disables it
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

// FeatureConfig holds configuration for feature extraction
type FeatureConfig struct {
	MaxSide  int     `mapstructure:"max_side"`
	CellSize int     `mapstructure:"cell_size"`
	Exponent float64 `mapstructure:"exponent"`
}

// SearchConfig holds the search defaults and tuning
type SearchConfig struct {
	NumResults        int     `mapstructure:"num_results"`
	Localization      bool    `mapstructure:"localization"`
	Rerank            bool    `mapstructure:"rerank"`
	AvgQE             bool    `mapstructure:"avg_qe"`
	RerankDepth       int     `mapstructure:"rerank_depth"`
	QEDepth           int     `mapstructure:"qe_depth"`
	Workers           int     `mapstructure:"workers"`
	StepSize          int     `mapstructure:"step_size"`
	AspectRatioFactor float64 `mapstructure:"aspect_ratio_factor"`
	Iterations        int     `mapstructure:"iterations"`
	MaxStep           int     `mapstructure:"max_step"`
}

// VisionConfig holds configuration for the optional annotation model
type VisionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Provider string        `mapstructure:"provider"`
	URL      string        `mapstructure:"url"`
	Model    string        `mapstructure:"model"`
	APIKey   string        `mapstructure:"api_key"`
	MaxDim   int           `mapstructure:"max_dim"`
	Quality  int           `mapstructure:"quality"`
	Timeout  time.Duration `mapstructure:"timeout"`

	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

// AnalyzerConfig holds configuration for input validation
type AnalyzerConfig struct {
	SupportedFormats []string `mapstructure:"supported_formats"`
	MinImageSize     int      `mapstructure:"min_image_size"`
	MaxPixels        int      `mapstructure:"max_pixels"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			Title:           "Image search",
			UploadDir:       "./data/uploads",
			MaxUploadBytes:  20 << 20,
			UploadTTL:       time.Hour,
			CleanupInterval: 10 * time.Minute,
			FetchTimeout:    30 * time.Second,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    2 * time.Minute,
		},
		Index: IndexConfig{
			DBPath:       "./data/index.db",
			Dirs:         []string{},
			ThumbDir:     "./data/thumbs",
			ThumbSize:    256,
			ThumbFormat:  "jpg",
			ThumbQuality: 85,
			Workers:      4,

			ReloadInterval: time.Minute,
		},
		Features: FeatureConfig{
			MaxSide:  256,
			CellSize: 16,
			Exponent: 10,
		},
		Search: SearchConfig{
			NumResults:        10,
			RerankDepth:       50,
			QEDepth:           5,
			Workers:           4,
			StepSize:          3,
			AspectRatioFactor: 1.1,
			Iterations:        10,
			MaxStep:           3,
		},
		Vision: VisionConfig{
			Provider: "ollama",
			URL:      "http://localhost:11434",
			Model:    "llava",
			MaxDim:   768,
			Quality:  85,
			Timeout:  5 * time.Minute,
		},
		Analyzer: AnalyzerConfig{
			SupportedFormats: []string{"jpeg", "png", "gif", "webp", "bmp", "tiff"},
			MinImageSize:     32,
			MaxPixels:        50_000_000,
		},
	}
}

// LoadEnvFile loads environment variables from a .env file in the working
// directory. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	_ = godotenv.Load(EnvFileName)
}

// Load reads the configuration. An explicit path must exist; without one
// image-search.yaml is looked up in the working directory and the user config
// directory, and a missing file is not an error. Environment variables
// prefixed with IMAGE_SEARCH_ override file values, e.g.
// IMAGE_SEARCH_SERVER_ADDR for server.addr.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range flatten("", Default().toMap()) {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, AppName))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType(configFileType)
	if err := v.MergeConfigMap(c.toMap()); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := v.WriteConfigAs(filename); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Server.UploadDir == "" {
		return fmt.Errorf("server.upload_dir cannot be empty")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}
	if c.Server.UploadTTL <= 0 || c.Server.CleanupInterval <= 0 {
		return fmt.Errorf("server.upload_ttl and server.cleanup_interval must be positive")
	}

	if c.Index.DBPath == "" {
		return fmt.Errorf("index.db_path cannot be empty")
	}
	if c.Index.ThumbSize < 16 {
		return fmt.Errorf("index.thumb_size must be at least 16")
	}
	switch strings.ToLower(c.Index.ThumbFormat) {
	case "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("index.thumb_format must be jpg, png or webp")
	}
	if c.Index.ThumbQuality < 1 || c.Index.ThumbQuality > 100 {
		return fmt.Errorf("index.thumb_quality must be between 1 and 100")
	}
	if c.Index.Workers < 1 {
		return fmt.Errorf("index.workers must be positive")
	}
	if c.Index.ReloadInterval < 0 {
		return fmt.Errorf("index.reload_interval cannot be negative")
	}

	if c.Features.CellSize < 1 || c.Features.MaxSide < c.Features.CellSize {
		return fmt.Errorf("features.max_side must be at least features.cell_size")
	}
	if c.Features.Exponent < 1 {
		return fmt.Errorf("features.exponent must be at least 1")
	}

	if !types.ValidNumResults(c.Search.NumResults) {
		return fmt.Errorf("search.num_results must be one of %v", types.AllowedNumResults)
	}
	if c.Search.RerankDepth < 1 || c.Search.QEDepth < 1 || c.Search.Workers < 1 {
		return fmt.Errorf("search.rerank_depth, search.qe_depth and search.workers must be positive")
	}
	if c.Search.StepSize < 1 || c.Search.MaxStep < 1 || c.Search.Iterations < 1 {
		return fmt.Errorf("search.step_size, search.max_step and search.iterations must be positive")
	}
	if c.Search.AspectRatioFactor < 1 {
		return fmt.Errorf("search.aspect_ratio_factor must be at least 1")
	}

	if c.Vision.Enabled {
		switch c.Vision.Provider {
		case "ollama", "llamacpp", "openai":
		default:
			return fmt.Errorf("vision.provider must be ollama, llamacpp or openai")
		}
		if c.Vision.Model == "" && c.Vision.Provider != "llamacpp" {
			return fmt.Errorf("vision.model cannot be empty")
		}
		if c.Vision.RequestsPerMinute < 0 {
			return fmt.Errorf("vision.requests_per_minute cannot be negative")
		}
	}

	if c.Analyzer.MinImageSize < 1 {
		return fmt.Errorf("analyzer.min_image_size must be positive")
	}
	if len(c.Analyzer.SupportedFormats) == 0 {
		return fmt.Errorf("analyzer.supported_formats cannot be empty")
	}

	return nil
}

// SearchDefaults returns the search options preselected on the search page
func (c *Config) SearchDefaults() types.SearchOptions {
	return types.SearchOptions{
		NumResults:   c.Search.NumResults,
		Localization: c.Search.Localization,
		Rerank:       c.Search.Rerank,
		AvgQE:        c.Search.AvgQE,
	}
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./" + configFileName + "." + configFileType
	}
	return filepath.Join(dir, AppName, configFileName+"."+configFileType)
}

func (c *Config) toMap() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"addr":             c.Server.Addr,
			"title":            c.Server.Title,
			"upload_dir":       c.Server.UploadDir,
			"static_dir":       c.Server.StaticDir,
			"max_upload_bytes": c.Server.MaxUploadBytes,
			"upload_ttl":       c.Server.UploadTTL.String(),
			"cleanup_interval": c.Server.CleanupInterval.String(),
			"fetch_timeout":    c.Server.FetchTimeout.String(),
			"read_timeout":     c.Server.ReadTimeout.String(),
			"write_timeout":    c.Server.WriteTimeout.String(),
		},
		"index": map[string]any{
			"db_path":       c.Index.DBPath,
			"dirs":          c.Index.Dirs,
			"thumb_dir":     c.Index.ThumbDir,
			"thumb_size":    c.Index.ThumbSize,
			"thumb_format":  c.Index.ThumbFormat,
			"thumb_quality": c.Index.ThumbQuality,
			"workers":       c.Index.Workers,

			"reload_interval": c.Index.ReloadInterval.String(),
		},
		"features": map[string]any{
			"max_side":  c.Features.MaxSide,
			"cell_size": c.Features.CellSize,
			"exponent":  c.Features.Exponent,
		},
		"search": map[string]any{
			"num_results":         c.Search.NumResults,
			"localization":        c.Search.Localization,
			"rerank":              c.Search.Rerank,
			"avg_qe":              c.Search.AvgQE,
			"rerank_depth":        c.Search.RerankDepth,
			"qe_depth":            c.Search.QEDepth,
			"workers":             c.Search.Workers,
			"step_size":           c.Search.StepSize,
			"aspect_ratio_factor": c.Search.AspectRatioFactor,
			"iterations":          c.Search.Iterations,
			"max_step":            c.Search.MaxStep,
		},
		"vision": map[string]any{
			"enabled":  c.Vision.Enabled,
			"provider": c.Vision.Provider,
			"url":      c.Vision.URL,
			"model":    c.Vision.Model,
			"api_key":  c.Vision.APIKey,
			"max_dim":  c.Vision.MaxDim,
			"quality":  c.Vision.Quality,
			"timeout":  c.Vision.Timeout.String(),

			"requests_per_minute": c.Vision.RequestsPerMinute,
		},
		"analyzer": map[string]any{
			"supported_formats": c.Analyzer.SupportedFormats,
			"min_image_size":    c.Analyzer.MinImageSize,
			"max_pixels":        c.Analyzer.MaxPixels,
		},
	}
}

// flatten turns nested maps into dotted viper keys
func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = v
	}
	return out
}
