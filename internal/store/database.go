package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")
	// ErrFolderExists is returned when a folder with the same path is already registered.
	ErrFolderExists = errors.New("folder path is already watched")
	// ErrOpenSuggestionExists is returned when the path already has an unresolved suggestion.
	ErrOpenSuggestionExists = errors.New("an open suggestion already exists for this path")
	// ErrStaleStatus is returned when a conditional status update finds the row in another state.
	ErrStaleStatus = errors.New("suggestion status changed")
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// New opens a SQLite database at the given path.
// Foreign keys are enabled on every connection and writes are serialised
// through a single connection.
func New(path string) (*sql.DB, error) {
	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate creates the schema. It is idempotent.
func Migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS watched_folders (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			file_count INTEGER NOT NULL DEFAULT 0,
			analyzed_count INTEGER NOT NULL DEFAULT 0,
			suggestion_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS suggestions (
			id TEXT PRIMARY KEY,
			folder_id TEXT REFERENCES watched_folders(id) ON DELETE SET NULL,
			original_path TEXT NOT NULL,
			suggested_name TEXT NOT NULL,
			confidence REAL NOT NULL,
			needs_review INTEGER NOT NULL DEFAULT 0,
			ai_metadata TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			error_message TEXT,
			executed_path TEXT,
			backup_path TEXT,
			content_hash TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			decided_at TEXT,
			executed_at TEXT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_suggestions_open_path
			ON suggestions(original_path) WHERE status IN ('pending', 'approved', 'failed');`,
		`CREATE INDEX IF NOT EXISTS idx_suggestions_folder_status ON suggestions(folder_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_suggestions_executed_path ON suggestions(executed_path);`,
		`CREATE TABLE IF NOT EXISTS activity_log (
			id TEXT PRIMARY KEY,
			folder_id TEXT REFERENCES watched_folders(id) ON DELETE SET NULL,
			suggestion_id TEXT REFERENCES suggestions(id) ON DELETE SET NULL,
			asset_path TEXT,
			action_type TEXT NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT,
			details TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_activity_created_at ON activity_log(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_activity_folder ON activity_log(folder_id);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

// FolderStore defines watched folder persistence.
type FolderStore interface {
	CreateFolder(ctx context.Context, f *WatchedFolder) error
	GetFolder(ctx context.Context, id string) (*WatchedFolder, error)
	GetFolderByPath(ctx context.Context, path string) (*WatchedFolder, error)
	ListFolders(ctx context.Context) ([]WatchedFolder, error)
	SetFolderStatus(ctx context.Context, id string, status FolderStatus, lastError string) error
	SetFileCount(ctx context.Context, id string, n int) error
	AddFolderCounters(ctx context.Context, id string, d CounterDelta) error
	DeleteFolder(ctx context.Context, id string) error
}

// SuggestionStore defines suggestion persistence.
type SuggestionStore interface {
	// CreateSuggestion inserts s unless its path already has an open suggestion,
	// in which case ErrOpenSuggestionExists is returned.
	CreateSuggestion(ctx context.Context, s *Suggestion) error
	GetSuggestion(ctx context.Context, id string) (*Suggestion, error)
	FindOpenSuggestion(ctx context.Context, path string) (*Suggestion, error)
	// PathKnown reports whether any suggestion was ever made for path, or
	// whether path is the result of an executed rename.
	PathKnown(ctx context.Context, path string) (bool, error)
	ListSuggestions(ctx context.Context, f SuggestionFilter) ([]Suggestion, error)
	CountSuggestionsByStatus(ctx context.Context, folderID string) (map[SuggestionStatus]int, error)
	// UpdateSuggestionStatus applies upd only if the row is currently in one of from.
	UpdateSuggestionStatus(ctx context.Context, id string, from []SuggestionStatus, upd SuggestionUpdate) (*Suggestion, error)
}

// ActivityStore defines append-only activity persistence.
type ActivityStore interface {
	AppendActivity(ctx context.Context, e *ActivityEntry) error
	GetActivity(ctx context.Context, id string) (*ActivityEntry, error)
	ListActivity(ctx context.Context, f ActivityFilter) ([]ActivityEntry, error)
	DeleteActivityBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Repository is the full store. WithTx runs fn against a transaction-bound
// repository; fn must not use the outer repository.
type Repository interface {
	FolderStore
	SuggestionStore
	ActivityStore
	WithTx(ctx context.Context, fn func(tx Repository) error) error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Repository on database/sql.
type SQLStore struct {
	db   *sql.DB
	q    querier
	inTx bool
}

// NewSQLStore creates a store over an opened and migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, q: db}
}

// Open opens and migrates the database at path and returns a store over it.
func Open(path string) (*SQLStore, error) {
	db, err := New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return NewSQLStore(db), nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn inside a transaction. Nested calls reuse the outer transaction.
func (s *SQLStore) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&SQLStore{db: s.db, q: tx, inTx: true}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand or older tooling
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
		}
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
