package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const suggestionColumns = `id, folder_id, original_path, suggested_name, confidence, needs_review, ai_metadata,
	status, error_message, executed_path, backup_path, content_hash, created_at, updated_at, decided_at, executed_at`

// CreateSuggestion inserts a suggestion. The partial unique index on
// original_path rejects a second open suggestion for the same file.
func (s *SQLStore) CreateSuggestion(ctx context.Context, sg *Suggestion) error {
	if sg.ID == "" {
		sg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = now
	}
	sg.UpdatedAt = now
	if sg.Status == "" {
		sg.Status = SuggestionPending
	}

	meta, err := json.Marshal(sg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO suggestions (`+suggestionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sg.ID, nullString(sg.FolderID), sg.OriginalPath, sg.SuggestedName, sg.Confidence, sg.NeedsReview,
		string(meta), string(sg.Status), nullString(sg.ErrorMessage), nullString(sg.ExecutedPath),
		nullString(sg.BackupPath), nullString(sg.ContentHash), formatTime(sg.CreatedAt), formatTime(sg.UpdatedAt),
		nullTime(sg.DecidedAt), nullTime(sg.ExecutedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOpenSuggestionExists
		}
		return fmt.Errorf("failed to insert suggestion: %w", err)
	}
	return nil
}

// GetSuggestion retrieves a suggestion by id.
func (s *SQLStore) GetSuggestion(ctx context.Context, id string) (*Suggestion, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE id = ?`, id)
	return scanSuggestion(row)
}

// FindOpenSuggestion returns the unresolved suggestion for path, or ErrNotFound.
func (s *SQLStore) FindOpenSuggestion(ctx context.Context, path string) (*Suggestion, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+suggestionColumns+` FROM suggestions
		WHERE original_path = ? AND status IN (`+placeholders(len(OpenStatuses))+`)
	`, append([]any{path}, statusArgs(OpenStatuses)...)...)
	return scanSuggestion(row)
}

// PathKnown reports whether path was ever suggested or produced by a rename.
func (s *SQLStore) PathKnown(ctx context.Context, path string) (bool, error) {
	var known bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM suggestions WHERE original_path = ? OR executed_path = ?)
	`, path, path).Scan(&known)
	if err != nil {
		return false, fmt.Errorf("failed to check path: %w", err)
	}
	return known, nil
}

// ListSuggestions returns suggestions matching f, newest first.
func (s *SQLStore) ListSuggestions(ctx context.Context, f SuggestionFilter) ([]Suggestion, error) {
	var (
		where []string
		args  []any
	)
	if f.FolderID != "" {
		where = append(where, "folder_id = ?")
		args = append(args, f.FolderID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		args = append(args, statusArgs(f.Statuses)...)
	}
	if f.MinConfidence != nil {
		where = append(where, "confidence >= ?")
		args = append(args, *f.MinConfidence)
	}
	if f.MaxConfidence != nil {
		where = append(where, "confidence <= ?")
		args = append(args, *f.MaxConfidence)
	}
	if f.NeedsReview != nil {
		where = append(where, "needs_review = ?")
		args = append(args, *f.NeedsReview)
	}

	query := `SELECT ` + suggestionColumns + ` FROM suggestions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	query, args = appendPaging(query, args, f.Limit, f.Offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list suggestions: %w", err)
	}
	defer rows.Close()

	var out []Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sg)
	}
	return out, rows.Err()
}

// CountSuggestionsByStatus groups suggestion counts by status. An empty
// folderID counts across all folders.
func (s *SQLStore) CountSuggestionsByStatus(ctx context.Context, folderID string) (map[SuggestionStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM suggestions`
	var args []any
	if folderID != "" {
		query += ` WHERE folder_id = ?`
		args = append(args, folderID)
	}
	query += ` GROUP BY status`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count suggestions: %w", err)
	}
	defer rows.Close()

	counts := make(map[SuggestionStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[SuggestionStatus(status)] = n
	}
	return counts, rows.Err()
}

// UpdateSuggestionStatus performs a compare-and-set on status. If the row
// exists but is not in one of from, ErrStaleStatus is returned and nothing changes.
func (s *SQLStore) UpdateSuggestionStatus(ctx context.Context, id string, from []SuggestionStatus, upd SuggestionUpdate) (*Suggestion, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("no source status given for suggestion %s", id)
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(upd.Status), formatTime(time.Now())}
	addString := func(col string, v *string) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, nullString(*v))
		}
	}
	addString("suggested_name", upd.SuggestedName)
	addString("error_message", upd.ErrorMessage)
	addString("executed_path", upd.ExecutedPath)
	addString("backup_path", upd.BackupPath)
	addString("content_hash", upd.ContentHash)
	if upd.DecidedAt != nil {
		sets = append(sets, "decided_at = ?")
		args = append(args, nullTime(upd.DecidedAt))
	}
	if upd.ExecutedAt != nil {
		sets = append(sets, "executed_at = ?")
		args = append(args, nullTime(upd.ExecutedAt))
	}

	query := `UPDATE suggestions SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	args = append(args, statusArgs(from)...)

	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrOpenSuggestionExists
		}
		return nil, fmt.Errorf("failed to update suggestion: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	current, err := s.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return current, ErrStaleStatus
	}
	return current, nil
}

func scanSuggestion(row rowScanner) (*Suggestion, error) {
	var (
		sg                                       Suggestion
		folderID, errMsg, executed, backup, hash sql.NullString
		meta, status, createdAt, updatedAt       string
		decidedAt, executedAt                    sql.NullString
	)
	err := row.Scan(&sg.ID, &folderID, &sg.OriginalPath, &sg.SuggestedName, &sg.Confidence, &sg.NeedsReview,
		&meta, &status, &errMsg, &executed, &backup, &hash, &createdAt, &updatedAt, &decidedAt, &executedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan suggestion: %w", err)
	}

	sg.FolderID = folderID.String
	sg.Status = SuggestionStatus(status)
	sg.ErrorMessage = errMsg.String
	sg.ExecutedPath = executed.String
	sg.BackupPath = backup.String
	sg.ContentHash = hash.String

	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &sg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for suggestion %s: %w", sg.ID, err)
		}
	}
	if sg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if sg.DecidedAt, err = parseNullTime(decidedAt); err != nil {
		return nil, err
	}
	if sg.ExecutedAt, err = parseNullTime(executedAt); err != nil {
		return nil, err
	}
	return &sg, nil
}

func statusArgs(statuses []SuggestionStatus) []any {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return args
}

func appendPaging(query string, args []any, limit, offset int) (string, []any) {
	if limit <= 0 && offset <= 0 {
		return query, args
	}
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	return query, append(args, limit, max(offset, 0))
}
