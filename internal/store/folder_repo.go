package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const folderColumns = `id, path, name, status, file_count, analyzed_count, suggestion_count, last_error, created_at, updated_at`

// CreateFolder inserts a folder. ID and timestamps are assigned when empty.
func (s *SQLStore) CreateFolder(ctx context.Context, f *WatchedFolder) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	if f.Status == "" {
		f.Status = FolderPending
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO watched_folders (`+folderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.Path, f.Name, string(f.Status), f.FileCount, f.AnalyzedCount, f.SuggestionCount,
		nullString(f.LastError), formatTime(f.CreatedAt), formatTime(f.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrFolderExists
		}
		return fmt.Errorf("failed to insert folder: %w", err)
	}
	return nil
}

// GetFolder retrieves a folder by id.
func (s *SQLStore) GetFolder(ctx context.Context, id string) (*WatchedFolder, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM watched_folders WHERE id = ?`, id)
	return scanFolder(row)
}

// GetFolderByPath retrieves a folder by its root path.
func (s *SQLStore) GetFolderByPath(ctx context.Context, path string) (*WatchedFolder, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM watched_folders WHERE path = ?`, path)
	return scanFolder(row)
}

// ListFolders returns all folders ordered by creation time.
func (s *SQLStore) ListFolders(ctx context.Context) ([]WatchedFolder, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+folderColumns+` FROM watched_folders ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var folders []WatchedFolder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, *f)
	}
	return folders, rows.Err()
}

// SetFolderStatus updates status and last_error. An empty lastError clears it.
func (s *SQLStore) SetFolderStatus(ctx context.Context, id string, status FolderStatus, lastError string) error {
	return s.execFolder(ctx, `
		UPDATE watched_folders SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, string(status), nullString(lastError), formatTime(time.Now()), id)
}

// SetFileCount overwrites file_count, used after a backlog enumeration.
func (s *SQLStore) SetFileCount(ctx context.Context, id string, n int) error {
	return s.execFolder(ctx, `
		UPDATE watched_folders SET file_count = ?, updated_at = ? WHERE id = ?
	`, n, formatTime(time.Now()), id)
}

// AddFolderCounters adds d to the folder counters.
func (s *SQLStore) AddFolderCounters(ctx context.Context, id string, d CounterDelta) error {
	return s.execFolder(ctx, `
		UPDATE watched_folders
		SET file_count = file_count + ?,
			analyzed_count = analyzed_count + ?,
			suggestion_count = suggestion_count + ?,
			updated_at = ?
		WHERE id = ?
	`, d.Files, d.Analyzed, d.Suggestions, formatTime(time.Now()), id)
}

// DeleteFolder removes the folder record. Suggestions and activity keep
// their rows with folder_id set to NULL.
func (s *SQLStore) DeleteFolder(ctx context.Context, id string) error {
	return s.execFolder(ctx, `DELETE FROM watched_folders WHERE id = ?`, id)
}

func (s *SQLStore) execFolder(ctx context.Context, query string, args ...any) error {
	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update folder: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFolder(row rowScanner) (*WatchedFolder, error) {
	var (
		f                    WatchedFolder
		status               string
		lastError            sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&f.ID, &f.Path, &f.Name, &status, &f.FileCount, &f.AnalyzedCount,
		&f.SuggestionCount, &lastError, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan folder: %w", err)
	}

	f.Status = FolderStatus(status)
	f.LastError = lastError.String
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}
