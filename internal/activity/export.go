package activity

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"snapname/internal/store"
)

var csvHeader = []string{
	"id", "created_at", "action", "status", "folder_id", "suggestion_id", "path", "error", "details",
}

// ExportCSV writes entries as CSV with a header row.
func ExportCSV(w io.Writer, entries []store.ActivityEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, e := range entries {
		record := []string{
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339),
			string(e.Action),
			string(e.Status),
			e.FolderID,
			e.SuggestionID,
			e.AssetPath,
			e.ErrorMessage,
			flattenDetails(e.Details),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write entry %s: %w", e.ID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// flattenDetails renders details as sorted key=value pairs.
func flattenDetails(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + details[k]
	}
	return strings.Join(parts, ";")
}
