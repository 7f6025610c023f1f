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

const activityColumns = `id, folder_id, suggestion_id, asset_path, action_type, status, error_message, details, created_at`

// AppendActivity inserts an activity entry. Entries are never updated.
func (s *SQLStore) AppendActivity(ctx context.Context, e *ActivityEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = EntrySuccess
	}

	details := []byte("{}")
	if len(e.Details) > 0 {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			return fmt.Errorf("failed to encode activity details: %w", err)
		}
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO activity_log (`+activityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, nullString(e.FolderID), nullString(e.SuggestionID), nullString(e.AssetPath),
		string(e.Action), string(e.Status), nullString(e.ErrorMessage), string(details), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}

// GetActivity retrieves one entry by id.
func (s *SQLStore) GetActivity(ctx context.Context, id string) (*ActivityEntry, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activity_log WHERE id = ?`, id)
	return scanActivity(row)
}

// ListActivity returns entries matching f, newest first.
func (s *SQLStore) ListActivity(ctx context.Context, f ActivityFilter) ([]ActivityEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.FolderID != "" {
		where = append(where, "folder_id = ?")
		args = append(args, f.FolderID)
	}
	if f.SuggestionID != "" {
		where = append(where, "suggestion_id = ?")
		args = append(args, f.SuggestionID)
	}
	if len(f.Actions) > 0 {
		where = append(where, "action_type IN ("+placeholders(len(f.Actions))+")")
		for _, a := range f.Actions {
			args = append(args, string(a))
		}
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(f.Until))
	}

	query := `SELECT ` + activityColumns + ` FROM activity_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	query, args = appendPaging(query, args, f.Limit, f.Offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		e, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// DeleteActivityBefore removes entries created strictly before cutoff.
func (s *SQLStore) DeleteActivityBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.q.ExecContext(ctx, `DELETE FROM activity_log WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete activity: %w", err)
	}
	return result.RowsAffected()
}

func scanActivity(row rowScanner) (*ActivityEntry, error) {
	var (
		e                                           ActivityEntry
		folderID, suggestionID, assetPath, errorMsg sql.NullString
		action, status, details, createdAt          string
	)
	err := row.Scan(&e.ID, &folderID, &suggestionID, &assetPath, &action, &status, &errorMsg, &details, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan activity: %w", err)
	}

	e.FolderID = folderID.String
	e.SuggestionID = suggestionID.String
	e.AssetPath = assetPath.String
	e.Action = ActionType(action)
	e.Status = EntryStatus(status)
	e.ErrorMessage = errorMsg.String

	if details != "" && details != "{}" {
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("failed to decode activity details: %w", err)
		}
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &e, nil
}
