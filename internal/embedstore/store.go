// Package embedstore persists scene embeddings in SQLite and ranks them by
// cosine similarity.
package embedstore

import (
	"cmp"
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"scriptrag/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

var (
	// ErrNotFound is returned by Get when no vector is stored for key and model.
	ErrNotFound = errors.New("embedding not found")
	// ErrSchemaMismatch indicates a database written by an incompatible version.
	ErrSchemaMismatch = errors.New("schema version mismatch")
	// ErrDimensionMismatch means a query vector does not match the stored size.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Record is one stored embedding.
type Record struct {
	Key       string
	Model     string
	Provider  models.ProviderType
	Vector    []float32
	UpdatedAt time.Time
}

// Match is one search hit.
type Match struct {
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// Store wraps the SQLite database.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open creates or connects to the store at path. ":memory:" opens a private
// in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, now: time.Now}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to rebuild)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Put inserts or replaces the vector stored for (Key, Model).
func (s *Store) Put(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.Key) == "" {
		return errors.New("embedding key is required")
	}
	if strings.TrimSpace(rec.Model) == "" {
		return errors.New("embedding model is required")
	}
	if len(rec.Vector) == 0 {
		return errors.New("embedding vector is empty")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (key, model, provider, dimensions, vector, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (key, model) DO UPDATE SET
            provider = excluded.provider,
            dimensions = excluded.dimensions,
            vector = excluded.vector,
            updated_at = excluded.updated_at`,
		rec.Key,
		rec.Model,
		string(rec.Provider),
		len(rec.Vector),
		encodeVector(rec.Vector),
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store embedding %s: %w", rec.Key, err)
	}
	return nil
}

// Get loads the vector stored for key and model.
func (s *Store) Get(ctx context.Context, key, model string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, model, provider, vector, updated_at FROM embeddings WHERE key = ? AND model = ?`,
		key, model)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s (%s)", ErrNotFound, key, model)
	}
	return rec, err
}

// Count returns the number of vectors stored for model, or for all models
// when model is empty.
func (s *Store) Count(ctx context.Context, model string) (int, error) {
	query := "SELECT COUNT(1) FROM embeddings"
	var args []any
	if model != "" {
		query += " WHERE model = ?"
		args = append(args, model)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}

// Search ranks the vectors stored for model by cosine similarity to query and
// returns at most k matches, best first.
func (s *Store) Search(ctx context.Context, model string, query []float32, k int) ([]Match, error) {
	if len(query) == 0 {
		return nil, errors.New("query vector is empty")
	}
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, model, provider, vector, updated_at FROM embeddings WHERE model = ?`, model)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if len(rec.Vector) != len(query) {
			return nil, fmt.Errorf("%w: %s has %d dimensions, query has %d",
				ErrDimensionMismatch, rec.Key, len(rec.Vector), len(query))
		}
		matches = append(matches, Match{Key: rec.Key, Score: Cosine(query, rec.Vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}

	slices.SortFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec      Record
		provider string
		blob     []byte
		updated  string
	)
	if err := row.Scan(&rec.Key, &rec.Model, &provider, &blob, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan embedding: %w", err)
	}

	vec, err := decodeVector(blob)
	if err != nil {
		return Record{}, fmt.Errorf("decode embedding %s: %w", rec.Key, err)
	}
	rec.Vector = vec
	rec.Provider = models.ProviderType(provider)
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 4", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
