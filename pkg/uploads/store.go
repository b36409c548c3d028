package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/image-search/internal/utils"
)

// ErrNotFound is returned for unknown or malformed upload ids
var ErrNotFound = errors.New("upload not found")

// Store keeps query images on disk under generated ids
type Store struct {
	dir      string
	maxBytes int64
}

// New creates an upload store in dir
func New(dir string, maxBytes int64) (*Store, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 20 << 20
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

// Dir returns the upload directory
func (s *Store) Dir() string {
	return s.dir
}

// Save writes r to a new file with the given extension and returns its id.
// Data beyond the store's size limit is rejected.
func (s *Store) Save(r io.Reader, ext string) (string, error) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if !utils.IsImageFile("x." + ext) {
		return "", fmt.Errorf("unsupported image extension %q", ext)
	}

	id := uuid.NewString() + "." + ext
	path := filepath.Join(s.dir, id)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create upload: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	if err == nil && n > s.maxBytes {
		err = fmt.Errorf("upload exceeds %s", utils.FormatFileSize(s.maxBytes))
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return id, nil
}

// Path returns the file path for id
func (s *Store) Path(id string) (string, error) {
	if !validID(id) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	path := filepath.Join(s.dir, id)
	if !utils.FileExists(path) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return path, nil
}

// Open opens the upload with the given id
func (s *Store) Open(id string) (*os.File, error) {
	path, err := s.Path(id)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Cleanup removes uploads last modified before olderThan
func (s *Store) Cleanup(olderThan time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read upload directory: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !validID(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(olderThan) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Run removes uploads older than ttl every interval until ctx is done.
// onCleanup, when set, receives the result of every pass.
func (s *Store) Run(ctx context.Context, interval, ttl time.Duration, onCleanup func(int, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := s.Cleanup(now.Add(-ttl))
			if onCleanup != nil {
				onCleanup(n, err)
			}
		}
	}
}

// validID accepts "<uuid>.<image extension>" only
func validID(id string) bool {
	base, ext, ok := strings.Cut(id, ".")
	if !ok || !utils.IsImageFile(id) || strings.Contains(ext, ".") {
		return false
	}
	_, err := uuid.Parse(base)
	return err == nil && len(base) == 36
}
