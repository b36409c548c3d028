package index

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/menta2k/image-search/internal/utils"
	"github.com/menta2k/image-search/pkg/analyzer"
	"github.com/menta2k/image-search/pkg/processing"
	"github.com/menta2k/image-search/pkg/types"
	"github.com/menta2k/image-search/pkg/vision"
)

// Annotator describes images for the index
type Annotator interface {
	Annotate(ctx context.Context, img image.Image) (*types.Annotation, error)
}

// IndexerConfig holds configuration for indexing
type IndexerConfig struct {
	Workers      int
	ThumbDir     string
	ThumbSize    int
	ThumbFormat  string
	ThumbQuality int
	Exponent     float64
}

// EventKind tells what happened to a file during indexing
type EventKind int

const (
	EventIndexed EventKind = iota
	EventSkipped
	EventFailed
	EventAnnotationFailed
)

func (k EventKind) String() string {
	switch k {
	case EventIndexed:
		return "indexed"
	case EventSkipped:
		return "skipped"
	case EventFailed:
		return "failed"
	case EventAnnotationFailed:
		return "annotation_failed"
	}
	return "unknown"
}

// Event reports the outcome for a single file
type Event struct {
	Kind     EventKind
	Path     string
	ID       string
	Err      error
	Duration time.Duration
}

// Stats summarizes an indexing run
type Stats struct {
	Found   int `json:"found"`
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Pruned  int `json:"pruned"`
}

// Indexer extracts features from image files and stores them
type Indexer struct {
	store     Store
	extractor *vision.Extractor
	processor *processing.Processor
	analyzer  *analyzer.ImageAnalyzer
	annotator Annotator
	config    IndexerConfig

	// OnEvent is called for every processed file; it may be called
	// concurrently from worker goroutines
	OnEvent func(Event)
}

// NewIndexer creates an indexer writing to store
func NewIndexer(store Store, extractor *vision.Extractor, config IndexerConfig) *Indexer {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.ThumbSize <= 0 {
		config.ThumbSize = 256
	}
	if config.ThumbFormat == "" {
		config.ThumbFormat = "jpg"
	}
	if config.ThumbQuality <= 0 {
		config.ThumbQuality = 85
	}
	return &Indexer{
		store:     store,
		extractor: extractor,
		processor: processing.NewProcessor(),
		analyzer:  analyzer.New(),
		config:    config,
	}
}

// SetAnalyzer replaces the validator applied to every image before indexing
func (ix *Indexer) SetAnalyzer(a *analyzer.ImageAnalyzer) {
	ix.analyzer = a
}

// SetAnnotator enables vision annotation of newly indexed images
func (ix *Indexer) SetAnnotator(a Annotator) {
	ix.annotator = a
}

// IndexDir indexes every image file below the given directories. Files whose
// size and modification time match the stored record are skipped. Per-file
// failures are reported through OnEvent and counted, they do not abort the run.
func (ix *Indexer) IndexDir(ctx context.Context, dirs ...string) (Stats, error) {
	var files []string
	for _, dir := range dirs {
		found, err := utils.ListImageFiles(dir)
		if err != nil {
			return Stats{}, fmt.Errorf("failed to list %s: %w", dir, err)
		}
		files = append(files, found...)
	}

	stats := Stats{Found: len(files)}
	var mu sync.Mutex
	count := func(ev Event) {
		mu.Lock()
		switch ev.Kind {
		case EventIndexed, EventAnnotationFailed:
			stats.Indexed++
		case EventSkipped:
			stats.Skipped++
		case EventFailed:
			stats.Failed++
		}
		mu.Unlock()
		if ix.OnEvent != nil {
			ix.OnEvent(ev)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.config.Workers)
	for _, path := range files {
		path := path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			count(ix.indexFile(gctx, path))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}

// IndexFile indexes a single image file
func (ix *Indexer) IndexFile(ctx context.Context, path string) (*Record, error) {
	ev := ix.indexFile(ctx, path)
	if ev.Kind == EventFailed {
		return nil, ev.Err
	}
	return ix.store.Get(ctx, ev.ID)
}

func (ix *Indexer) indexFile(ctx context.Context, path string) Event {
	start := time.Now()
	ev := Event{Path: path}
	done := func(kind EventKind, err error) Event {
		ev.Kind, ev.Err, ev.Duration = kind, err, time.Since(start)
		return ev
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return done(EventFailed, err)
	}
	ev.Path = abs

	fi, err := os.Stat(abs)
	if err != nil {
		return done(EventFailed, err)
	}

	existing, err := ix.store.GetByPath(ctx, abs)
	switch {
	case err == nil:
		ev.ID = existing.ID
		if existing.Size == fi.Size() && existing.ModTime.Equal(fi.ModTime()) {
			return done(EventSkipped, nil)
		}
	case !errors.Is(err, ErrNotFound):
		return done(EventFailed, err)
	}

	img, err := ix.processor.LoadImage(abs)
	if err != nil {
		return done(EventFailed, fmt.Errorf("failed to load image: %w", err))
	}
	if err := ix.analyzer.ValidateImage(img); err != nil {
		return done(EventFailed, err)
	}

	fm, err := ix.extractor.FeatureMap(img)
	if err != nil {
		return done(EventFailed, fmt.Errorf("feature extraction failed: %w", err))
	}

	rec := &Record{
		ID:         ev.ID,
		Path:       abs,
		Size:       fi.Size(),
		ModTime:    fi.ModTime(),
		Width:      img.Bounds().Dx(),
		Height:     img.Bounds().Dy(),
		FeatureMap: fm,
		Descriptor: vision.Descriptor(fm, ix.config.Exponent),
	}

	kind := EventIndexed
	var annErr error
	if ix.annotator != nil {
		ann, err := ix.annotator.Annotate(ctx, img)
		if err != nil {
			kind, annErr = EventAnnotationFailed, err
		} else {
			rec.Description, rec.Tags = ann.Description, ann.Tags
		}
	} else if existing != nil {
		rec.Description, rec.Tags = existing.Description, existing.Tags
	}

	if existing != nil {
		rec.Thumbnail = existing.Thumbnail
	}

	if err := ix.store.Put(ctx, rec); err != nil {
		return done(EventFailed, err)
	}
	ev.ID = rec.ID

	if ix.config.ThumbDir != "" {
		if err := utils.EnsureDir(ix.config.ThumbDir); err != nil {
			return done(EventFailed, fmt.Errorf("failed to create thumbnail directory: %w", err))
		}
		thumb := filepath.Join(ix.config.ThumbDir, rec.ID+"."+ix.config.ThumbFormat)
		if err := ix.processor.SaveImage(ix.processor.Thumbnail(img, ix.config.ThumbSize), thumb,
			ix.config.ThumbFormat, ix.config.ThumbQuality, false); err != nil {
			return done(EventFailed, fmt.Errorf("failed to save thumbnail: %w", err))
		}
		if rec.Thumbnail != "" && rec.Thumbnail != thumb {
			_ = os.Remove(rec.Thumbnail)
		}
		rec.Thumbnail = thumb
		if err := ix.store.Put(ctx, rec); err != nil {
			return done(EventFailed, err)
		}
	}

	return done(kind, annErr)
}

// Prune removes records whose files no longer exist
func (ix *Indexer) Prune(ctx context.Context) (int, error) {
	records, err := ix.store.All(ctx)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, rec := range records {
		if utils.FileExists(rec.Path) {
			continue
		}
		if err := ix.store.Delete(ctx, rec.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return pruned, err
		}
		if rec.Thumbnail != "" {
			_ = os.Remove(rec.Thumbnail)
		}
		pruned++
	}
	return pruned, nil
}
