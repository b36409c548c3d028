package search

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/menta2k/image-search/pkg/index"
	"github.com/menta2k/image-search/pkg/localization"
	"github.com/menta2k/image-search/pkg/processing"
	"github.com/menta2k/image-search/pkg/types"
	"github.com/menta2k/image-search/pkg/vision"
)

var (
	// ErrEmptyIndex is returned when searching an index without images
	ErrEmptyIndex = errors.New("index is empty")
	// ErrInvalidNumResults is returned for a result count outside types.AllowedNumResults
	ErrInvalidNumResults = errors.New("invalid number of results")
)

// Config holds configuration for searching
type Config struct {
	RerankDepth  int
	QEDepth      int
	Workers      int
	Exponent     float64
	Localization localization.Config
}

// DefaultConfig returns the default search configuration
func DefaultConfig() Config {
	return Config{
		RerankDepth:  50,
		QEDepth:      5,
		Workers:      4,
		Exponent:     localization.AMLExponent,
		Localization: localization.DefaultConfig(),
	}
}

type entry struct {
	id          string
	path        string
	width       int
	height      int
	descriptor  []float32
	description string
	tags        []string
}

type hit struct {
	entry *entry
	score float64
	area  *types.Area
	fm    *vision.FeatureMap
	stale bool
}

// Searcher answers queries against an in-memory snapshot of the index
type Searcher struct {
	store     index.Store
	extractor *vision.Extractor
	processor *processing.Processor
	config    Config
	sem       *semaphore.Weighted

	mu      sync.RWMutex
	entries []*entry
}

// New creates a searcher over store. Call Reload to load the index.
func New(store index.Store, extractor *vision.Extractor, config Config) *Searcher {
	def := DefaultConfig()
	if config.RerankDepth <= 0 {
		config.RerankDepth = def.RerankDepth
	}
	if config.QEDepth <= 0 {
		config.QEDepth = def.QEDepth
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.Exponent <= 0 {
		config.Exponent = def.Exponent
	}
	if config.Localization.Iterations <= 0 {
		config.Localization = def.Localization
	}
	return &Searcher{
		store:     store,
		extractor: extractor,
		processor: processing.NewProcessor(),
		config:    config,
		sem:       semaphore.NewWeighted(int64(config.Workers)),
	}
}

// Reload replaces the snapshot with the current store contents
func (s *Searcher) Reload(ctx context.Context) (int, error) {
	recs, err := s.store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load index: %w", err)
	}

	entries := make([]*entry, 0, len(recs))
	for _, r := range recs {
		if len(r.Descriptor) == 0 {
			continue
		}
		entries = append(entries, &entry{
			id:          r.ID,
			path:        r.Path,
			width:       r.Width,
			height:      r.Height,
			descriptor:  r.Descriptor,
			description: r.Description,
			tags:        r.Tags,
		})
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return len(entries), nil
}

func (s *Searcher) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries
}

// dropStale removes hits whose record is gone from the store, and forgets
// them in the snapshot so later searches skip them until the next reload
func (s *Searcher) dropStale(hits []*hit) []*hit {
	gone := map[*entry]bool{}
	live := make([]*hit, 0, len(hits))
	for _, h := range hits {
		if h.stale {
			gone[h.entry] = true
			continue
		}
		live = append(live, h)
	}
	if len(gone) == 0 {
		return hits
	}

	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !gone[e] {
			entries = append(entries, e)
		}
	}
	s.entries = entries
	s.mu.Unlock()
	return live
}

// Run reloads the snapshot every interval until ctx is done, picking up
// images indexed or pruned by other processes. onReload, when set, receives
// the result of every pass.
func (s *Searcher) Run(ctx context.Context, interval time.Duration, onReload func(int, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Reload(ctx)
			if onReload != nil {
				onReload(n, err)
			}
		}
	}
}

// Len returns the number of searchable images
func (s *Searcher) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Search finds the indexed images most similar to the box region of img.
//
// Candidates are ranked by descriptor similarity. With Rerank the top
// RerankDepth candidates are reordered by the score of the query localized
// in their feature maps. With AvgQE the query descriptor is averaged with the
// top QEDepth descriptors and the ranking is repeated. With Localization every
// result carries the box where the query was found.
func (s *Searcher) Search(ctx context.Context, img image.Image, box types.Box, opts types.SearchOptions) ([]types.Result, error) {
	if !types.ValidNumResults(opts.NumResults) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidNumResults, opts.NumResults)
	}

	s.mu.RLock()
	entries := s.entries
	s.mu.RUnlock()
	if len(entries) == 0 {
		return nil, ErrEmptyIndex
	}

	query := img
	if !box.Empty() && box != types.Full {
		cropped, err := s.processor.CropImageToBox(img, box)
		if err != nil {
			return nil, fmt.Errorf("failed to crop query: %w", err)
		}
		query = cropped
	}

	qfm, err := s.extractor.FeatureMap(query)
	if err != nil {
		return nil, fmt.Errorf("failed to extract query features: %w", err)
	}
	qdesc := vision.Descriptor(qfm, s.config.Exponent)

	hits := rank(entries, qdesc)
	if opts.Rerank {
		if err := s.rerank(ctx, hits, qdesc, qfm); err != nil {
			return nil, err
		}
		hits = s.dropStale(hits)
	}

	if opts.AvgQE {
		qdesc = averageQuery(qdesc, hits, s.config.QEDepth)
		hits = rank(s.snapshot(), qdesc)
		if opts.Rerank {
			if err := s.rerank(ctx, hits, qdesc, qfm); err != nil {
				return nil, err
			}
			hits = s.dropStale(hits)
		}
	}

	if len(hits) > opts.NumResults {
		hits = hits[:opts.NumResults]
	}

	if opts.Localization {
		if err := s.localize(ctx, hits, qdesc, qfm, false); err != nil {
			return nil, err
		}
		hits = s.dropStale(hits)
	}

	results := make([]types.Result, len(hits))
	for i, h := range hits {
		results[i] = types.Result{
			ID:          h.entry.id,
			Path:        h.entry.path,
			Score:       h.score,
			Width:       h.entry.width,
			Height:      h.entry.height,
			Description: h.entry.description,
			Tags:        h.entry.tags,
		}
		if opts.Localization && h.area != nil {
			b := h.area.ToBox(h.fm.Width, h.fm.Height)
			results[i].Box = &b
		}
	}
	return results, nil
}

// rank scores every entry against q, best first
func rank(entries []*entry, q []float32) []*hit {
	hits := make([]*hit, len(entries))
	for i, e := range entries {
		hits[i] = &hit{entry: e, score: vision.Cosine(q, e.descriptor)}
	}
	sortHits(hits)
	return hits
}

func sortHits(hits []*hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].score > hits[j].score
	})
}

// rerank localizes the query in the top candidates and reorders them by the
// localized score; candidates below the depth keep their order
func (s *Searcher) rerank(ctx context.Context, hits []*hit, q []float32, qfm vision.FeatureMap) error {
	top := hits
	if len(top) > s.config.RerankDepth {
		top = top[:s.config.RerankDepth]
	}
	if err := s.localize(ctx, top, q, qfm, true); err != nil {
		return err
	}
	sortHits(top)
	return nil
}

// localize finds the query in each hit's feature map. When rescore is set the
// hit score becomes the localized score, otherwise hits already localized are
// left alone.
func (s *Searcher) localize(ctx context.Context, hits []*hit, q []float32, qfm vision.FeatureMap, rescore bool) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range hits {
		h := h
		if !rescore && h.area != nil {
			continue
		}
		g.Go(func() error {
			if err := s.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer s.sem.Release(1)

			if h.fm == nil {
				fm, err := s.store.FeatureMap(gctx, h.entry.id)
				if errors.Is(err, index.ErrNotFound) {
					// deleted from the store since the last reload
					h.stale, h.score = true, math.Inf(-1)
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to load features of %s: %w", h.entry.id, err)
				}
				h.fm = &fm
			}
			area, score, err := localization.Localize(q, *h.fm, qfm.Width, qfm.Height, s.config.Localization)
			if err != nil {
				return fmt.Errorf("failed to localize in %s: %w", h.entry.id, err)
			}
			h.area = &area
			if rescore {
				h.score = score
			}
			return nil
		})
	}
	return g.Wait()
}

// averageQuery averages q with the descriptors of the top depth hits
func averageQuery(q []float32, hits []*hit, depth int) []float32 {
	sum := make([]float64, len(q))
	for i, v := range q {
		sum[i] = float64(v)
	}
	for i := 0; i < depth && i < len(hits); i++ {
		for d, v := range hits[i].entry.descriptor {
			if d < len(sum) {
				sum[d] += float64(v)
			}
		}
	}
	return vision.Normalize64(sum)
}
