// Package docstore is a multi-area document store on SQLite. Every write
// appends a row to its area's change log under the next generation, which
// is what the sync core consumes through changelog.Log.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/Aman-CERP/indexsync/internal/changelog"
	idxerrors "github.com/Aman-CERP/indexsync/internal/errors"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// DefaultBatchSize is the number of rows a reader fetches per query.
const DefaultBatchSize = 256

// initializingBatchFactor scales the batch size for catch-up passes.
const initializingBatchFactor = 4

// Config configures the store.
type Config struct {
	// Path is the database file.
	Path string
	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout time.Duration
	// BatchSize is the default reader page size.
	BatchSize int
	// Retry controls how opening a busy database is retried.
	Retry idxerrors.RetryConfig
}

// Document is a stored document.
type Document struct {
	Area        string
	ID          string
	ContentType string
	Payload     []byte
	Generation  int64
}

// Store is a SQLite backed document store.
type Store struct {
	db        *sql.DB
	path      string
	batchSize int

	mu     sync.Mutex // serializes writers
	closed bool
}

// Open opens or creates the store at cfg.Path. A busy or locked database
// is retried with backoff before giving up with ERR_201_STORE_UNAVAILABLE.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = idxerrors.DefaultRetryConfig()
	}

	db, err := idxerrors.RetryWithResult(ctx, cfg.Retry, func() (*sql.DB, error) {
		db, err := openDB(cfg)
		if err != nil && isBusy(err) {
			slog.Debug("store_busy_retrying", slog.String("path", cfg.Path))
		}
		return db, err
	})
	if err != nil {
		return nil, idxerrors.New(idxerrors.ErrCodeStoreUnavailable,
			fmt.Sprintf("open store %s", cfg.Path), err)
	}

	return &Store{db: db, path: cfg.Path, batchSize: cfg.BatchSize}, nil
}

func openDB(cfg Config) (*sql.DB, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to prevent lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// DSN params may be ignored by modernc.org/sqlite, so pragmas are set explicitly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16384",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS areas (
	name            TEXT PRIMARY KEY,
	next_generation INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS documents (
	area         TEXT NOT NULL,
	id           TEXT NOT NULL,
	content_type TEXT NOT NULL,
	payload      BLOB NOT NULL,
	generation   INTEGER NOT NULL,
	PRIMARY KEY(area, id)
);

-- Append-only; rows are never updated or deleted.
CREATE TABLE IF NOT EXISTS change_log (
	area         TEXT NOT NULL,
	generation   INTEGER NOT NULL,
	op           TEXT NOT NULL,
	document_id  TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	payload      BLOB,
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY(area, generation)
);

INSERT OR IGNORE INTO schema_version (version) VALUES (1);
`

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Put creates or replaces a document. The payload must be a JSON object.
// It returns the generation of the change log row it appended.
func (s *Store) Put(ctx context.Context, area, id, contentType string, payload []byte) (int64, error) {
	if area == "" || id == "" {
		return 0, fmt.Errorf("area and id are required")
	}
	if !json.Valid(payload) {
		return 0, fmt.Errorf("payload for %s/%s is not valid JSON", area, id)
	}

	return s.write(ctx, area, func(tx *sql.Tx, gen int64) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM documents WHERE area = ? AND id = ?`, area, id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check document: %w", err)
		}
		op := changelog.KindCreate
		if exists > 0 {
			op = changelog.KindUpdate
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents(area, id, content_type, payload, generation) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(area, id) DO UPDATE SET content_type = excluded.content_type,
			 payload = excluded.payload, generation = excluded.generation`,
			area, id, contentType, payload, gen); err != nil {
			return fmt.Errorf("failed to write document: %w", err)
		}
		return appendLog(ctx, tx, area, gen, op, id, contentType, payload)
	})
}

// Delete removes a document and logs the deletion.
func (s *Store) Delete(ctx context.Context, area, id string) (int64, error) {
	return s.write(ctx, area, func(tx *sql.Tx, gen int64) error {
		var contentType string
		err := tx.QueryRowContext(ctx,
			`SELECT content_type FROM documents WHERE area = ? AND id = ?`, area, id).Scan(&contentType)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read document: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM documents WHERE area = ? AND id = ?`, area, id); err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		return appendLog(ctx, tx, area, gen, changelog.KindDelete, id, contentType, nil)
	})
}

// MarkFaulty appends a faulty row for a document the caller found to be
// unreadable. The document itself is left untouched.
func (s *Store) MarkFaulty(ctx context.Context, area, id, reason string) (int64, error) {
	return s.write(ctx, area, func(tx *sql.Tx, gen int64) error {
		return appendLog(ctx, tx, area, gen, changelog.KindFaulty, id, "", []byte(reason))
	})
}

// write allocates the area's next generation and runs fn in one transaction.
func (s *Store) write(ctx context.Context, area string, fn func(tx *sql.Tx, gen int64) error) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO areas(name, next_generation) VALUES (?, 1)`, area); err != nil {
		return 0, fmt.Errorf("failed to register area: %w", err)
	}
	var gen int64
	if err := tx.QueryRowContext(ctx,
		`SELECT next_generation FROM areas WHERE name = ?`, area).Scan(&gen); err != nil {
		return 0, fmt.Errorf("failed to allocate generation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE areas SET next_generation = ? WHERE name = ?`, gen+1, area); err != nil {
		return 0, fmt.Errorf("failed to allocate generation: %w", err)
	}

	if err := fn(tx, gen); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return gen, nil
}

func appendLog(ctx context.Context, tx *sql.Tx, area string, gen int64, op changelog.Kind, id, contentType string, payload []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO change_log(area, generation, op, document_id, content_type, payload, size_bytes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		area, gen, op.String(), id, contentType, payload, len(payload))
	if err != nil {
		return fmt.Errorf("failed to append change log: %w", err)
	}
	return nil
}

// Get returns a document.
func (s *Store) Get(ctx context.Context, area, id string) (*Document, error) {
	doc := &Document{Area: area, ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT content_type, payload, generation FROM documents WHERE area = ? AND id = ?`,
		area, id).Scan(&doc.ContentType, &doc.Payload, &doc.Generation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return doc, nil
}

// Areas implements changelog.Source.
func (s *Store) Areas(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM areas ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list areas: %w", err)
	}
	defer rows.Close()

	var areas []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan area: %w", err)
		}
		areas = append(areas, name)
	}
	return areas, rows.Err()
}

// Log implements changelog.Source using the store's default batch size.
func (s *Store) Log(area string) changelog.Log {
	return s.LogWithBatchSize(area, s.batchSize)
}

// LogWithBatchSize returns the change log of area with a custom page size.
func (s *Store) LogWithBatchSize(area string, batchSize int) changelog.Log {
	if batchSize <= 0 {
		batchSize = s.batchSize
	}
	return &areaLog{store: s, area: area, batchSize: batchSize}
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}
