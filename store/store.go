// Package store provides the SQLite-backed record store for image metadata.
//
// The store is the source of truth for cross-store consistency: every row
// carries a redundant serialized copy of its embedding, which is what makes
// the vector index reconstructible without re-running the feature extractor.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/photodex/photodex/index"
)

// ErrConflict is returned when an insert violates the owner+ordinal
// uniqueness constraint. It is an expected failure mode, usable as an
// optimistic claim primitive, and must not be logged as an internal error.
var ErrConflict = errors.New("store: owner/ordinal already claimed")

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("store: record not found")

// ImageRecord is one stored catalog image.
type ImageRecord struct {
	ID        int64
	OwnerID   int64
	Ordinal   int
	Path      string
	Embedding []float32
	CreatedAt time.Time
}

// Store wraps the SQLite database holding image records.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Options configures a Store.
type Options struct {
	// BusyTimeout bounds how long a statement waits on a locked database.
	BusyTimeout time.Duration
	Logger      *zap.Logger
}

// Open opens or creates the SQLite database at dbPath and initializes the
// schema. Parent directories are created if they do not exist. The database
// runs in WAL mode so readers proceed concurrently with a writer.
func Open(dbPath string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{BusyTimeout: 5 * time.Second}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", opts.BusyTimeout.Milliseconds())); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy timeout: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}

	return &Store{db: db, logger: opts.Logger}, nil
}

func initSchema(db *sql.DB) error {
	// AUTOINCREMENT keeps deleted ids from ever being reassigned.
	schema := `
	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL,
		ordinal INTEGER NOT NULL,
		path TEXT NOT NULL,
		embedding BLOB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(owner_id, ordinal)
	);

	CREATE INDEX IF NOT EXISTS idx_images_owner_id ON images(owner_id);
	`
	_, err := db.Exec(schema)
	return err
}

// Insert stores a record and returns the assigned id. A duplicate
// owner+ordinal pair yields ErrConflict.
func (s *Store) Insert(ctx context.Context, rec *ImageRecord) (int64, error) {
	blob := encodeEmbedding(rec.Embedding)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO images (owner_id, ordinal, path, embedding) VALUES (?, ?, ?, ?)`,
		rec.OwnerID, rec.Ordinal, rec.Path, blob,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: owner %d ordinal %d", ErrConflict, rec.OwnerID, rec.Ordinal)
		}
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	rec.ID = id
	return id, nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*ImageRecord, error) {
	var rec ImageRecord
	var blob []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, ordinal, path, embedding, created_at FROM images WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.OwnerID, &rec.Ordinal, &rec.Path, &blob, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rec.Embedding, err = decodeEmbedding(blob)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// maxSQLParams bounds how many host parameters one statement carries. The
// SQLite limit is build-dependent, so id sets are chunked instead of inlined
// whole. A variable so tests can exercise the chunking with small sets.
var maxSQLParams = 999

func chunkIDs(ids []int64) [][]int64 {
	var chunks [][]int64
	for len(ids) > maxSQLParams {
		chunks = append(chunks, ids[:maxSQLParams])
		ids = ids[maxSQLParams:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}

// Delete removes the given records and returns how many rows were deleted.
// An empty id set is a no-op.
func (s *Store) Delete(ctx context.Context, ids []int64) (int64, error) {
	var total int64
	for _, chunk := range chunkIDs(ids) {
		query := `DELETE FROM images WHERE id IN (` + placeholders(len(chunk)) + `)`
		res, err := s.db.ExecContext(ctx, query, asArgs(chunk)...)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// PathsByID resolves the file path of each existing id in the set.
func (s *Store) PathsByID(ctx context.Context, ids []int64) (map[int64]string, error) {
	paths := make(map[int64]string, len(ids))
	for _, chunk := range chunkIDs(ids) {
		if err := s.pathsInto(ctx, paths, chunk); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func (s *Store) pathsInto(ctx context.Context, paths map[int64]string, ids []int64) error {
	query := `SELECT id, path FROM images WHERE id IN (` + placeholders(len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, query, asArgs(ids)...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			return err
		}
		paths[id] = path
	}
	return rows.Err()
}

// IDsByOwner returns the ids of every record belonging to ownerID,
// ordered by ordinal.
func (s *Store) IDsByOwner(ctx context.Context, ownerID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM images WHERE owner_id = ? ORDER BY ordinal`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LiveVectors returns the stored embedding for each existing id in the set,
// ordered by id. It implements index.RebuildSource, feeding compaction
// rebuilds.
func (s *Store) LiveVectors(ctx context.Context, ids []int64) ([]index.Entry, error) {
	var entries []index.Entry
	for _, chunk := range chunkIDs(ids) {
		query := `SELECT id, embedding FROM images WHERE id IN (` + placeholders(len(chunk)) + `) ORDER BY id`
		part, err := s.queryEntries(ctx, query, asArgs(chunk)...)
		if err != nil {
			return nil, err
		}
		entries = append(entries, part...)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// AllVectors returns every (id, embedding) pair in the store, ordered by id.
// This is the authoritative input for a full index rebuild.
func (s *Store) AllVectors(ctx context.Context) ([]index.Entry, error) {
	return s.queryEntries(ctx, `SELECT id, embedding FROM images ORDER BY id`)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]index.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []index.Entry
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		vec, err := decodeEmbedding(blob)
		if err != nil {
			return nil, fmt.Errorf("store: record %d: %w", id, err)
		}
		entries = append(entries, index.Entry{ID: id, Vector: vec})
	}
	return entries, rows.Err()
}

// UpdateEmbedding replaces the stored embedding of a record. Only used by
// recovery rebuilds; records are otherwise immutable.
func (s *Store) UpdateEmbedding(ctx context.Context, id int64, embedding []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE images SET embedding = ? WHERE id = ?`, encodeEmbedding(embedding), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

// Count returns the total number of image rows.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func asArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
