package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps Load away from the user's real configuration
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	t.Chdir(dir)
	return dir
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadWithoutFile(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	def := Default()
	assert.Equal(t, def.Server, cfg.Server)
	assert.Equal(t, def.Features, cfg.Features)
	assert.Equal(t, def.Search, cfg.Search)
	assert.Equal(t, def.Vision, cfg.Vision)
	assert.Equal(t, def.Index.DBPath, cfg.Index.DBPath)
	assert.Empty(t, cfg.Index.Dirs)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
  upload_ttl: 15m
index:
  dirs: [/photos, /more]
search:
  num_results: 25
  rerank: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 15*time.Minute, cfg.Server.UploadTTL)
	assert.Equal(t, []string{"/photos", "/more"}, cfg.Index.Dirs)
	assert.Equal(t, 25, cfg.Search.NumResults)
	assert.True(t, cfg.Search.Rerank)
	// untouched keys keep their defaults
	assert.Equal(t, 10*time.Minute, cfg.Server.CleanupInterval)
	assert.Equal(t, 16, cfg.Features.CellSize)
}

func TestLoadFindsFileInWorkingDir(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image-search.yaml"), []byte("server:\n  title: Photos\n"), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "Photos", cfg.Server.Title)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("IMAGE_SEARCH_SERVER_ADDR", "127.0.0.1:7000")
	t.Setenv("IMAGE_SEARCH_SEARCH_AVG_QE", "true")
	t.Setenv("IMAGE_SEARCH_VISION_TIMEOUT", "90s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
	assert.True(t, cfg.Search.AvgQE)
	assert.Equal(t, 90*time.Second, cfg.Vision.Timeout)
}

func TestLoadEnvFile(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("IMAGE_SEARCH_INDEX_WORKERS=7\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("IMAGE_SEARCH_INDEX_WORKERS") })

	LoadEnvFile()
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Index.Workers)
}

func TestSaveToFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "nested", "image-search.yaml")

	cfg := Default()
	cfg.Server.Addr = ":1234"
	cfg.Index.Dirs = []string{"/a"}
	cfg.Vision.Timeout = 42 * time.Second
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"bad num results", func(c *Config) { c.Search.NumResults = 7 }},
		{"bad thumb format", func(c *Config) { c.Index.ThumbFormat = "bmp" }},
		{"bad quality", func(c *Config) { c.Index.ThumbQuality = 0 }},
		{"cell larger than side", func(c *Config) { c.Features.CellSize = 512 }},
		{"aspect factor below one", func(c *Config) { c.Search.AspectRatioFactor = 0.5 }},
		{"unknown provider", func(c *Config) { c.Vision.Enabled = true; c.Vision.Provider = "gpt" }},
		{"negative vision rate", func(c *Config) { c.Vision.Enabled = true; c.Vision.RequestsPerMinute = -1 }},
		{"negative reload interval", func(c *Config) { c.Index.ReloadInterval = -time.Second }},
		{"no formats", func(c *Config) { c.Analyzer.SupportedFormats = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSearchDefaults(t *testing.T) {
	cfg := Default()
	cfg.Search.Localization = true
	opts := cfg.SearchDefaults()
	assert.Equal(t, 10, opts.NumResults)
	assert.True(t, opts.Localization)
	assert.False(t, opts.Rerank)
}
