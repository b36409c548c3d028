// Package imagesearch finds images similar to a query image, or to a region
// of it, in a local image collection.
//
// Images are described by dense feature maps: a grid of cells, each holding a
// gradient orientation histogram and a coarse colour histogram. A global
// descriptor pooled from the map ranks the collection; the map itself is used
// to localize the query inside candidate images for reranking and for
// drawing where the query was found.
//
// Basic usage:
//
//	cfg := config.Default()
//	engine, err := imagesearch.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	if _, err := engine.Index(ctx, "/photos"); err != nil {
//		log.Fatal(err)
//	}
//
//	img, err := engine.Processor().LoadImage("query.jpg")
//	if err != nil {
//		log.Fatal(err)
//	}
//	results, err := engine.Search(ctx, img, types.Full, types.SearchOptions{
//		NumResults: 10,
//		Rerank:     true,
//	})
//
// The package consists of these components:
//
//  1. Vision (pkg/vision): feature maps and global descriptors
//  2. Localization (pkg/localization): approximate max-pooling localization
//  3. Index (pkg/index): SQLite storage and the directory indexer
//  4. Search (pkg/search): ranking, reranking and query expansion
//  5. Cropper (pkg/cropper): query selections and crop suggestions
//  6. Annotation (pkg/annotation): optional descriptions from a vision model
package imagesearch

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/menta2k/image-search/internal/config"
	"github.com/menta2k/image-search/pkg/analyzer"
	"github.com/menta2k/image-search/pkg/annotation"
	"github.com/menta2k/image-search/pkg/client"
	"github.com/menta2k/image-search/pkg/cropper"
	"github.com/menta2k/image-search/pkg/index"
	"github.com/menta2k/image-search/pkg/llamacpp"
	"github.com/menta2k/image-search/pkg/localization"
	"github.com/menta2k/image-search/pkg/ollama"
	"github.com/menta2k/image-search/pkg/openai"
	"github.com/menta2k/image-search/pkg/processing"
	"github.com/menta2k/image-search/pkg/search"
	"github.com/menta2k/image-search/pkg/types"
	"github.com/menta2k/image-search/pkg/vision"
)

// Version of the image search library
var Version = "1.0.0"

// Engine ties the index, the indexer and the searcher together
type Engine struct {
	config    *config.Config
	store     *index.SQLiteStore
	extractor *vision.Extractor
	analyzer  *analyzer.ImageAnalyzer
	processor *processing.Processor
	cropper   *cropper.SmartCropper
	indexer   *index.Indexer
	searcher  *search.Searcher
	annotator *annotation.Annotator
}

// New opens the index and prepares an engine for cfg
func New(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := index.NewSQLiteStore(cfg.Index.DBPath)
	if err != nil {
		return nil, err
	}

	extractor := vision.NewWithConfig(vision.ExtractorConfig{
		MaxSide:  cfg.Features.MaxSide,
		CellSize: cfg.Features.CellSize,
	})
	imgAnalyzer := analyzer.NewWithConfig(analyzer.Config{
		SupportedFormats: cfg.Analyzer.SupportedFormats,
		MinImageSize:     cfg.Analyzer.MinImageSize,
		MaxPixels:        cfg.Analyzer.MaxPixels,
	})

	indexer := index.NewIndexer(store, extractor, index.IndexerConfig{
		Workers:      cfg.Index.Workers,
		ThumbDir:     cfg.Index.ThumbDir,
		ThumbSize:    cfg.Index.ThumbSize,
		ThumbFormat:  cfg.Index.ThumbFormat,
		ThumbQuality: cfg.Index.ThumbQuality,
		Exponent:     cfg.Features.Exponent,
	})
	indexer.SetAnalyzer(imgAnalyzer)

	searcher := search.New(store, extractor, search.Config{
		RerankDepth: cfg.Search.RerankDepth,
		QEDepth:     cfg.Search.QEDepth,
		Workers:     cfg.Search.Workers,
		Exponent:    cfg.Features.Exponent,
		Localization: localization.Config{
			StepSize:          cfg.Search.StepSize,
			AspectRatioFactor: cfg.Search.AspectRatioFactor,
			Iterations:        cfg.Search.Iterations,
			MaxStep:           cfg.Search.MaxStep,
			Exponent:          cfg.Features.Exponent,
		},
	})

	e := &Engine{
		config:    cfg,
		store:     store,
		extractor: extractor,
		analyzer:  imgAnalyzer,
		processor: processing.NewProcessor(),
		cropper:   cropper.New(),
		indexer:   indexer,
		searcher:  searcher,
	}

	if cfg.Vision.Enabled {
		vc, err := NewVisionClient(cfg.Vision)
		if err != nil {
			store.Close()
			return nil, err
		}
		e.SetVisionClient(vc)
	}

	if _, err := searcher.Reload(context.Background()); err != nil {
		store.Close()
		return nil, err
	}
	return e, nil
}

// NewVisionClient creates the vision client selected by cfg.Provider
func NewVisionClient(cfg config.VisionConfig) (client.VisionClient, error) {
	switch cfg.Provider {
	case "ollama":
		c, err := ollama.NewClient(cfg.URL)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "llamacpp":
		c, err := llamacpp.NewClient(cfg.URL)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "openai":
		c, err := openai.NewClient(cfg.URL, cfg.APIKey)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown vision provider %q", cfg.Provider)
	}
}

// SetVisionClient enables annotation of indexed images with vc
func (e *Engine) SetVisionClient(vc client.VisionClient) {
	e.annotator = annotation.NewAnnotator(vc, annotation.Config{
		Model:   e.config.Vision.Model,
		MaxDim:  e.config.Vision.MaxDim,
		Quality: e.config.Vision.Quality,

		RequestsPerMinute: e.config.Vision.RequestsPerMinute,
	})
	e.indexer.SetAnnotator(timeoutAnnotator{e.annotator, e.config})
}

// Index indexes the given directories, or the configured ones when none are
// given, and reloads the search snapshot
func (e *Engine) Index(ctx context.Context, dirs ...string) (index.Stats, error) {
	if len(dirs) == 0 {
		dirs = e.config.Index.Dirs
	}
	if len(dirs) == 0 {
		return index.Stats{}, fmt.Errorf("no directories to index")
	}

	stats, err := e.indexer.IndexDir(ctx, dirs...)
	if err != nil {
		return stats, err
	}
	if _, err := e.searcher.Reload(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}

// Prune drops records of deleted files and reloads the search snapshot
func (e *Engine) Prune(ctx context.Context) (int, error) {
	n, err := e.indexer.Prune(ctx)
	if err != nil {
		return n, err
	}
	if _, err := e.searcher.Reload(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// Reload refreshes the search snapshot from the index
func (e *Engine) Reload(ctx context.Context) (int, error) {
	return e.searcher.Reload(ctx)
}

// WatchIndex reloads the search snapshot every interval until ctx is done
func (e *Engine) WatchIndex(ctx context.Context, interval time.Duration, onReload func(int, error)) error {
	return e.searcher.Run(ctx, interval, onReload)
}

// OnIndexEvent registers a callback for per-file indexing events
func (e *Engine) OnIndexEvent(fn func(index.Event)) {
	e.indexer.OnEvent = fn
}

// Search finds indexed images similar to the box region of img
func (e *Engine) Search(ctx context.Context, img image.Image, box types.Box, opts types.SearchOptions) ([]types.Result, error) {
	return e.searcher.Search(ctx, img, box, opts)
}

// SearchFile loads the image at path and searches for it
func (e *Engine) SearchFile(ctx context.Context, path string, box types.Box, opts types.SearchOptions) ([]types.Result, error) {
	img, err := e.processor.LoadImage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load query image: %w", err)
	}
	if err := e.analyzer.ValidateImage(img); err != nil {
		return nil, err
	}
	return e.Search(ctx, img, box, opts)
}

// SuggestCrop proposes an initial query selection for img
func (e *Engine) SuggestCrop(ctx context.Context, img image.Image) (cropper.Selection, error) {
	b := img.Bounds()
	ratio := cropper.Landscape
	if b.Dy() > b.Dx() {
		ratio = cropper.Portrait
	}
	return e.cropper.SuggestCrop(ctx, img, ratio)
}

// Record returns the indexed record with the given id
func (e *Engine) Record(ctx context.Context, id string) (*index.Record, error) {
	return e.store.Get(ctx, id)
}

// Len returns the number of searchable images
func (e *Engine) Len() int {
	return e.searcher.Len()
}

// Config returns the engine configuration
func (e *Engine) Config() *config.Config {
	return e.config
}

// Store returns the underlying index store
func (e *Engine) Store() index.Store {
	return e.store
}

// Processor returns the image processor
func (e *Engine) Processor() *processing.Processor {
	return e.processor
}

// Analyzer returns the image validator
func (e *Engine) Analyzer() *analyzer.ImageAnalyzer {
	return e.analyzer
}

// Annotator returns the vision annotator, nil when vision is disabled
func (e *Engine) Annotator() *annotation.Annotator {
	return e.annotator
}

// Close closes the index
func (e *Engine) Close() error {
	return e.store.Close()
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}

// timeoutAnnotator bounds every annotation call by the configured timeout
type timeoutAnnotator struct {
	a   *annotation.Annotator
	cfg *config.Config
}

func (t timeoutAnnotator) Annotate(ctx context.Context, img image.Image) (*types.Annotation, error) {
	if t.cfg.Vision.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Vision.Timeout)
		defer cancel()
	}
	return t.a.Annotate(ctx, img)
}
