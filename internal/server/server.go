// Package server serves the search page and its JSON endpoints.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	imagesearch "github.com/menta2k/image-search"
	"github.com/menta2k/image-search/internal/config"
	"github.com/menta2k/image-search/pkg/analyzer"
	"github.com/menta2k/image-search/pkg/cropper"
	"github.com/menta2k/image-search/pkg/index"
	"github.com/menta2k/image-search/pkg/processing"
	"github.com/menta2k/image-search/pkg/search"
	"github.com/menta2k/image-search/pkg/types"
	"github.com/menta2k/image-search/pkg/uploads"
	"github.com/menta2k/image-search/web"
)

const (
	uploadsPrefix = "uploads/"
	imageQuality  = 90
)

// Server is the HTTP front end of an engine
type Server struct {
	engine   *imagesearch.Engine
	uploads  *uploads.Store
	fetcher  *processing.Fetcher
	renderer *web.Renderer
	config   config.ServerConfig
	defaults types.SearchOptions

	mu         sync.Mutex
	httpServer *http.Server
}

// New creates a server for engine that keeps query images in store
func New(engine *imagesearch.Engine, store *uploads.Store) (*Server, error) {
	renderer, err := web.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	cfg := engine.Config()
	return &Server{
		engine:   engine,
		uploads:  store,
		renderer: renderer,
		config:   cfg.Server,
		defaults: cfg.SearchDefaults(),
		fetcher: processing.NewFetcher(processing.FetcherOpts{
			Timeout:  cfg.Server.FetchTimeout,
			MaxBytes: cfg.Server.MaxUploadBytes,
		}),
	}, nil
}

// Handler returns the routes of the server wrapped in request logging
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"time":    time.Now().UTC().Format(time.RFC3339Nano),
			"images":  s.engine.Len(),
			"version": imagesearch.Version,
		})
	})

	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /fetch", s.handleFetch)
	mux.HandleFunc("POST /search", s.handleSearch)

	mux.HandleFunc("GET /uploads/{id}", s.handleUploadFile)
	mux.HandleFunc("GET /thumbs/{id}", s.handleThumb)
	mux.HandleFunc("GET /images/{id}", s.handleImage)

	mux.Handle("GET /static/", http.StripPrefix("/static/", web.Static(s.config.StaticDir)))

	return logRequests(mux)
}

// Start serves on the configured address until ctx is done, then shuts
// down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Str("addr", s.config.Addr).Msg("server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops a running server, waiting for active requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	log.Info().Msg("shutting down server")
	return srv.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	data := web.NewPageData(s.config.Title, imagesearch.Version, s.defaults)
	if err := s.renderer.Render(&buf, web.PageSearch, data); err != nil {
		log.Error().Err(err).Msg("failed to render page")
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes+1<<20)
	file, _, err := r.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("upload too large"))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing image: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.config.MaxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read upload: %w", err))
		return
	}
	if int64(len(data)) > s.config.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("upload too large"))
		return
	}
	s.acceptQuery(w, r, data)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	rawURL := strings.TrimSpace(r.FormValue("url"))
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing url"))
		return
	}
	data, _, err := s.fetcher.Fetch(r.Context(), rawURL)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		writeError(w, status, err)
		return
	}
	s.acceptQuery(w, r, data)
}

// acceptQuery validates an uploaded or fetched image, stores it and answers
// with its id, size and a suggested selection
func (s *Server) acceptQuery(w http.ResponseWriter, r *http.Request, data []byte) {
	info, err := s.engine.Analyzer().Inspect(data)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	ext := info.Format
	if ext == "jpeg" {
		ext = "jpg"
	}

	id, err := s.uploads.Save(bytes.NewReader(data), ext)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := map[string]any{
		"ok":     true,
		"id":     id,
		"url":    uploadsPrefix + id,
		"width":  info.Width,
		"height": info.Height,
	}

	img, err := s.engine.Processor().DecodeImage(data)
	if err == nil {
		sel, err := s.engine.SuggestCrop(r.Context(), img)
		if err == nil {
			resp["suggested"] = sel
		} else {
			log.Warn().Err(err).Str("id", id).Msg("failed to suggest crop")
		}
	} else {
		log.Warn().Err(err).Str("id", id).Msg("failed to decode query image")
	}

	log.Info().Str("id", id).Str("format", info.Format).
		Int("width", info.Width).Int("height", info.Height).Msg("query image stored")
	writeJSON(w, http.StatusOK, resp)
}

type resultJSON struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Score       float64    `json:"score"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	Thumb       string     `json:"thumb"`
	Image       string     `json:"image"`
	Box         *types.Box `json:"box,omitempty"`
	Description string     `json:"description,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	numResults, err := intFromForm(r, "num_results", s.defaults.NumResults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts := types.SearchOptions{
		NumResults:   numResults,
		Localization: boolFromForm(r, "localization", false),
		Rerank:       boolFromForm(r, "rerank", false),
		AvgQE:        boolFromForm(r, "avg_qe", false),
	}

	id := path.Base(strings.TrimPrefix(strings.TrimSpace(r.FormValue("url")), "/"))
	queryPath, err := s.uploads.Path(id)
	if err != nil {
		writeError(w, http.StatusNotFound, errors.New("query image not found, upload it again"))
		return
	}

	var sel cropper.Selection
	for _, f := range []struct {
		key string
		dst *int
	}{
		{"x1", &sel.X1}, {"y1", &sel.Y1}, {"x2", &sel.X2}, {"y2", &sel.Y2},
		{"width", &sel.Width}, {"height", &sel.Height},
	} {
		if *f.dst, err = intFromForm(r, f.key, 0); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	// without the displayed size the selection cannot be mapped, search the whole image
	box := types.Full
	if sel.Width != 0 && sel.Height != 0 {
		box, err = sel.Normalize()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	start := time.Now()
	results, err := s.engine.SearchFile(r.Context(), queryPath, box, opts)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	took := time.Since(start)

	out := make([]resultJSON, len(results))
	for i, res := range results {
		out[i] = resultJSON{
			ID:          res.ID,
			Name:        path.Base(strings.ReplaceAll(res.Path, "\\", "/")),
			Score:       res.Score,
			Width:       res.Width,
			Height:      res.Height,
			Thumb:       "thumbs/" + res.ID,
			Image:       "images/" + res.ID,
			Box:         res.Box,
			Description: res.Description,
			Tags:        res.Tags,
		}
	}

	log.Info().Str("query", id).Str("box", box.String()).Int("results", len(out)).
		Bool("localization", opts.Localization).Bool("rerank", opts.Rerank).Bool("avg_qe", opts.AvgQE).
		Dur("took", took).Msg("search")
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"took_ms": took.Milliseconds(),
		"results": out,
	})
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	p, err := s.uploads.Path(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, p)
}

// handleThumb serves the stored thumbnail, or renders one when the index was
// built without thumbnails
func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Record(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if rec.Thumbnail != "" {
		http.ServeFile(w, r, rec.Thumbnail)
		return
	}

	img, err := s.engine.Processor().LoadImage(rec.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	cfg := s.engine.Config().Index
	s.writeImage(w, s.engine.Processor().Thumbnail(img, cfg.ThumbSize), cfg.ThumbFormat, cfg.ThumbQuality)
}

// handleImage serves an indexed image, with the localized region drawn on
// top when ?overlay=x,y,w,h is given
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Record(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	overlay := strings.TrimSpace(r.URL.Query().Get("overlay"))
	if overlay == "" {
		http.ServeFile(w, r, rec.Path)
		return
	}
	box, err := types.ParseBox(overlay)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	img, err := s.engine.Processor().LoadImage(rec.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeImage(w, s.engine.Processor().CreateLocalizationOverlay(img, box), "jpg", imageQuality)
}

func (s *Server) writeImage(w http.ResponseWriter, img image.Image, format string, quality int) {
	var buf bytes.Buffer
	if err := s.engine.Processor().EncodeImage(&buf, img, format, quality, false); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", processing.ContentType(format))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = w.Write(buf.Bytes())
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, index.ErrNotFound), errors.Is(err, uploads.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, search.ErrInvalidNumResults),
		errors.Is(err, cropper.ErrInvalidSelection),
		errors.Is(err, processing.ErrUnsupportedScheme),
		errors.Is(err, processing.ErrUnknownFormat),
		errors.Is(err, image.ErrFormat),
		errors.Is(err, analyzer.ErrUnsupportedFormat),
		errors.Is(err, analyzer.ErrTooSmall):
		return http.StatusBadRequest
	case errors.Is(err, analyzer.ErrTooLarge), errors.Is(err, processing.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, search.ErrEmptyIndex):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	if w == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	b, err := json.Marshal(v)
	if err != nil {
		_, _ = w.Write([]byte(`{"ok":false,"error":"failed to marshal json"}`))
		return
	}
	_, _ = w.Write(append(b, '\n'))
}

func intFromForm(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.FormValue(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, raw)
	}
	return n, nil
}

func boolFromForm(r *http.Request, key string, def bool) bool {
	raw := strings.TrimSpace(strings.ToLower(r.FormValue(key)))
	if raw == "" {
		return def
	}
	switch raw {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// logRequests logs every request once it has been served
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		ev := log.Debug()
		if rec.status >= 500 {
			ev = log.Error()
		} else if !strings.HasPrefix(r.URL.Path, "/static/") {
			ev = log.Info()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int("bytes", rec.bytes).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
