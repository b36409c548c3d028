package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/menta2k/image-search/pkg/vision"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Store defines the interface for index persistence.
// Records returned by All and List carry no feature map; use FeatureMap to
// load it for a single record.
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	GetByPath(ctx context.Context, path string) (*Record, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, offset, limit int) ([]Record, error)
	All(ctx context.Context) ([]Record, error)
	FeatureMap(ctx context.Context, id string) (vision.FeatureMap, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens (and creates if needed) the index database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Configure SQLite with WAL mode and busy timeout for better concurrency
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS images (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		size INTEGER NOT NULL,
		mod_time INTEGER NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		descriptor BLOB NOT NULL,
		map_height INTEGER NOT NULL,
		map_width INTEGER NOT NULL,
		map_dim INTEGER NOT NULL,
		feature_map BLOB NOT NULL,
		thumbnail TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		indexed_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create images table: %w", err)
	}
	return nil
}

// Put inserts or replaces a record. Records are keyed by path: re-indexing a
// path keeps its existing ID. A missing ID is generated.
func (s *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	if err := rec.FeatureMap.Validate(); err != nil {
		return fmt.Errorf("invalid record %s: %w", rec.Path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing string
	err := s.db.QueryRowContext(ctx, "SELECT id FROM images WHERE path = ?", rec.Path).Scan(&existing)
	switch {
	case err == nil:
		rec.ID = existing
	case errors.Is(err, sql.ErrNoRows):
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
	default:
		return fmt.Errorf("failed to look up %s: %w", rec.Path, err)
	}

	if rec.IndexedAt.IsZero() {
		rec.IndexedAt = time.Now()
	}
	tags, err := json.Marshal(nonNil(rec.Tags))
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO images (
			id, path, size, mod_time, width, height, descriptor,
			map_height, map_width, map_dim, feature_map,
			thumbnail, description, tags, indexed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Path, rec.Size, rec.ModTime.UnixNano(), rec.Width, rec.Height,
		encodeFloats(rec.Descriptor),
		rec.FeatureMap.Height, rec.FeatureMap.Width, rec.FeatureMap.Dim, encodeFloats(rec.FeatureMap.Data),
		rec.Thumbnail, rec.Description, string(tags), rec.IndexedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.Path, err)
	}
	return nil
}

const summaryColumns = "id, path, size, mod_time, width, height, descriptor, thumbnail, description, tags, indexed_at"

// Get retrieves a record, including its feature map
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	return s.getOne(ctx, "id", id)
}

// GetByPath retrieves a record by the indexed file path
func (s *SQLiteStore) GetByPath(ctx context.Context, path string) (*Record, error) {
	return s.getOne(ctx, "path", path)
}

func (s *SQLiteStore) getOne(ctx context.Context, column, value string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+summaryColumns+", map_height, map_width, map_dim, feature_map FROM images WHERE "+column+" = ?",
		value)

	var fm vision.FeatureMap
	var mapBlob []byte
	rec, err := scanSummary(row, &fm.Height, &fm.Width, &fm.Dim, &mapBlob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, value)
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if fm.Data, err = decodeFloats(mapBlob); err != nil {
		return nil, fmt.Errorf("corrupt feature map for %s: %w", rec.ID, err)
	}
	rec.FeatureMap = fm
	return rec, nil
}

// Delete removes a record
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM images WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// List returns records ordered by path, without feature maps
func (s *SQLiteStore) List(ctx context.Context, offset, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, "SELECT "+summaryColumns+" FROM images ORDER BY path LIMIT ? OFFSET ?", limit, offset)
}

// All returns every record without feature maps
func (s *SQLiteStore) All(ctx context.Context) ([]Record, error) {
	return s.query(ctx, "SELECT "+summaryColumns+" FROM images ORDER BY path")
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

// FeatureMap loads the feature map of a single record
func (s *SQLiteStore) FeatureMap(ctx context.Context, id string) (vision.FeatureMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fm vision.FeatureMap
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT map_height, map_width, map_dim, feature_map FROM images WHERE id = ?", id,
	).Scan(&fm.Height, &fm.Width, &fm.Dim, &blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return vision.FeatureMap{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return vision.FeatureMap{}, fmt.Errorf("failed to load feature map: %w", err)
	}
	if fm.Data, err = decodeFloats(blob); err != nil {
		return vision.FeatureMap{}, fmt.Errorf("corrupt feature map for %s: %w", id, err)
	}
	return fm, nil
}

// Count returns the number of indexed images
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM images").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

// scanSummary scans the summaryColumns followed by any extra destinations
func scanSummary(sc scanner, extra ...any) (*Record, error) {
	var rec Record
	var descriptor []byte
	var tags string
	var modTime, indexedAt int64

	dest := []any{
		&rec.ID, &rec.Path, &rec.Size, &modTime, &rec.Width, &rec.Height,
		&descriptor, &rec.Thumbnail, &rec.Description, &tags, &indexedAt,
	}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	d, err := decodeFloats(descriptor)
	if err != nil {
		return nil, fmt.Errorf("corrupt descriptor for %s: %w", rec.ID, err)
	}
	rec.Descriptor = d
	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return nil, fmt.Errorf("corrupt tags for %s: %w", rec.ID, err)
	}
	rec.ModTime = time.Unix(0, modTime)
	rec.IndexedAt = time.Unix(0, indexedAt)
	return &rec, nil
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
