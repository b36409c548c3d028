package main

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/image-search/internal/config"
	"github.com/menta2k/image-search/pkg/processing"
)

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b c"}, splitList(" a, ,b c ,"))
	assert.Nil(t, splitList(""))
}

func TestValidateDirs(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, validateDirs(dir+", "+dir))
	assert.NoError(t, validateDirs(""))
	assert.Error(t, validateDirs(filepath.Join(dir, "missing")))
}

func TestSetupLogging(t *testing.T) {
	assert.Error(t, setupLogging("loud", ""))

	file := filepath.Join(t.TempDir(), "logs", "image-search.log")
	require.NoError(t, setupLogging("info", file))
	log.Info().Str("k", "v").Msg("hello")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")

	require.NoError(t, setupLogging("info", ""))
}

func TestCheckTemplate(t *testing.T) {
	cfg = config.Default()
	assert.NoError(t, checkTemplate())
}

func checker(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/8+y/8)%2 == 0 {
				img.Set(x, y, c)
			} else {
				img.Set(x, y, color.White)
			}
		}
	}
	return img
}

func TestIndexAndQueryCommands(t *testing.T) {
	dir := t.TempDir()
	photos := filepath.Join(dir, "photos")
	require.NoError(t, os.MkdirAll(photos, 0o755))
	p := processing.NewProcessor()
	red := checker(96, 96, color.RGBA{220, 20, 20, 255})
	require.NoError(t, p.SaveImage(red, filepath.Join(photos, "red.png"), "png", 90, false))
	require.NoError(t, p.SaveImage(checker(96, 96, color.RGBA{20, 20, 220, 255}), filepath.Join(photos, "blue.png"), "png", 90, false))

	c := config.Default()
	c.Index.DBPath = filepath.Join(dir, "index.db")
	c.Index.ThumbDir = filepath.Join(dir, "thumbs")
	c.Server.UploadDir = filepath.Join(dir, "uploads")
	cfgPath := filepath.Join(dir, "image-search.yaml")
	require.NoError(t, c.SaveToFile(cfgPath))

	rootCmd.SetArgs([]string{"--config", cfgPath, "--log-level", "warn", "index", photos})
	require.NoError(t, rootCmd.Execute())

	overlays := filepath.Join(dir, "overlays")
	query := filepath.Join(dir, "query.png")
	require.NoError(t, p.SaveImage(red, query, "png", 90, false))
	rootCmd.SetArgs([]string{"--config", cfgPath, "--log-level", "warn", "query", query,
		"-n", "5", "--rerank", "--overlay-dir", overlays})
	require.NoError(t, rootCmd.Execute())

	entries, err := os.ReadDir(overlays)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	rootCmd.SetArgs([]string{"--config", cfgPath, "query", query, "--box", "1,2,3"})
	assert.Error(t, rootCmd.Execute())
}
