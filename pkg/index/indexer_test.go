package index

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/image-search/pkg/processing"
	"github.com/menta2k/image-search/pkg/types"
	"github.com/menta2k/image-search/pkg/vision"
)

type fakeAnnotator struct {
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeAnnotator) Annotate(ctx context.Context, img image.Image) (*types.Annotation, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &types.Annotation{Description: "a test pattern", Tags: []string{"pattern"}}, nil
}

func writeTestImage(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 96, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 96; x++ {
			if (x/8+y/8)%2 == 0 {
				img.Set(x, y, c)
			} else {
				img.Set(x, y, color.White)
			}
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, processing.NewProcessor().SaveImage(img, path, "png", 90, false))
}

func newTestIndexer(t *testing.T) (*Indexer, *SQLiteStore, string) {
	t.Helper()
	store := newTestStore(t)
	thumbs := filepath.Join(t.TempDir(), "thumbs")
	ix := NewIndexer(store, vision.New(), IndexerConfig{Workers: 2, ThumbDir: thumbs, ThumbSize: 32, Exponent: 10})
	return ix, store, thumbs
}

func TestIndexDir(t *testing.T) {
	ctx := context.Background()
	ix, store, _ := newTestIndexer(t)

	dir := t.TempDir()
	writeTestImage(t, filepath.Join(dir, "red.png"), color.RGBA{255, 0, 0, 255})
	writeTestImage(t, filepath.Join(dir, "nested", "blue.png"), color.RGBA{0, 0, 255, 255})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.jpg"), []byte("not an image"), 0o644))

	var mu sync.Mutex
	var events []Event
	ix.OnEvent = func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	stats, err := ix.IndexDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, Stats{Found: 3, Indexed: 2, Failed: 1}, stats)
	assert.Len(t, events, 3)

	recs, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, 96, rec.Width)
		assert.Equal(t, 64, rec.Height)
		assert.InDelta(t, 1.0, vision.Cosine(rec.Descriptor, rec.Descriptor), 1e-5)
		assert.FileExists(t, rec.Thumbnail)
	}

	// second run skips unchanged files
	stats, err = ix.IndexDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Skipped)
	assert.Equal(t, 0, stats.Indexed)
}

func TestIndexDirReindexesModifiedFile(t *testing.T) {
	ctx := context.Background()
	ix, store, _ := newTestIndexer(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "img.png")
	writeTestImage(t, path, color.RGBA{0, 255, 0, 255})

	_, err := ix.IndexDir(ctx, dir)
	require.NoError(t, err)
	before, err := store.GetByPath(ctx, path)
	require.NoError(t, err)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))

	stats, err := ix.IndexDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)

	after, err := store.GetByPath(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.True(t, after.ModTime.After(before.ModTime))
}

func TestReindexKeepsThumbnailWithoutThumbDir(t *testing.T) {
	ctx := context.Background()
	ix, store, _ := newTestIndexer(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "img.png")
	writeTestImage(t, path, color.RGBA{0, 255, 0, 255})

	_, err := ix.IndexDir(ctx, dir)
	require.NoError(t, err)
	before, err := store.GetByPath(ctx, path)
	require.NoError(t, err)
	require.NotEmpty(t, before.Thumbnail)

	ix.config.ThumbDir = ""
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	stats, err := ix.IndexDir(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Indexed)

	after, err := store.GetByPath(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, before.Thumbnail, after.Thumbnail)
	assert.FileExists(t, after.Thumbnail)
}

func TestReindexReplacesThumbnailOfOtherFormat(t *testing.T) {
	ctx := context.Background()
	ix, store, _ := newTestIndexer(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "img.png")
	writeTestImage(t, path, color.RGBA{0, 255, 0, 255})

	_, err := ix.IndexDir(ctx, dir)
	require.NoError(t, err)
	before, err := store.GetByPath(ctx, path)
	require.NoError(t, err)

	ix.config.ThumbFormat = "png"
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	_, err = ix.IndexDir(ctx, dir)
	require.NoError(t, err)

	after, err := store.GetByPath(ctx, path)
	require.NoError(t, err)
	assert.NotEqual(t, before.Thumbnail, after.Thumbnail)
	assert.FileExists(t, after.Thumbnail)
	assert.NoFileExists(t, before.Thumbnail)
}

func TestIndexWithAnnotator(t *testing.T) {
	ctx := context.Background()
	ix, store, _ := newTestIndexer(t)
	ann := &fakeAnnotator{}
	ix.SetAnnotator(ann)

	dir := t.TempDir()
	path := filepath.Join(dir, "a.png")
	writeTestImage(t, path, color.RGBA{200, 100, 0, 255})

	rec, err := ix.IndexFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "a test pattern", rec.Description)
	assert.Equal(t, []string{"pattern"}, rec.Tags)
	assert.Equal(t, 1, ann.calls)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIndexAnnotatorFailureStillIndexes(t *testing.T) {
	ctx := context.Background()
	ix, _, _ := newTestIndexer(t)
	ix.SetAnnotator(&fakeAnnotator{err: errors.New("model offline")})

	dir := t.TempDir()
	writeTestImage(t, filepath.Join(dir, "a.png"), color.Black)

	var kinds []EventKind
	ix.OnEvent = func(ev Event) { kinds = append(kinds, ev.Kind) }
	ix.config.Workers = 1

	stats, err := ix.IndexDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)
	assert.Equal(t, []EventKind{EventAnnotationFailed}, kinds)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	ix, store, _ := newTestIndexer(t)

	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.png")
	gone := filepath.Join(dir, "gone.png")
	writeTestImage(t, keep, color.Black)
	writeTestImage(t, gone, color.RGBA{0, 0, 255, 255})

	_, err := ix.IndexDir(ctx, dir)
	require.NoError(t, err)
	goneRec, err := store.GetByPath(ctx, gone)
	require.NoError(t, err)
	require.NoError(t, os.Remove(gone))

	pruned, err := ix.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
	assert.NoFileExists(t, goneRec.Thumbnail)

	_, err = store.GetByPath(ctx, keep)
	assert.NoError(t, err)
	_, err = store.GetByPath(ctx, gone)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIndexDirMissing(t *testing.T) {
	ix, _, _ := newTestIndexer(t)
	_, err := ix.IndexDir(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestIndexDirCancelled(t *testing.T) {
	ix, _, _ := newTestIndexer(t)
	dir := t.TempDir()
	writeTestImage(t, filepath.Join(dir, "a.png"), color.Black)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ix.IndexDir(ctx, dir)
	assert.ErrorIs(t, err, context.Canceled)
}
