package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"snapname/internal/activity"
	"snapname/internal/output"
	"snapname/internal/store"
)

func newActivityCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Inspect and export the activity log",
	}

	var listFilter, exportFilter activityFilter

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show recent activity, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			entries, err := app.Recorder.List(cmd.Context(), listFilter.build())
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []store.ActivityEntry{}
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				detail := e.AssetPath
				if e.ErrorMessage != "" {
					detail = e.ErrorMessage
				}
				rows = append(rows, []string{
					e.CreatedAt.Local().Format(time.DateTime), string(e.Action), string(e.Status),
					output.Truncate(e.SuggestionID, 8), detail,
				})
			}
			return c.out.Emit(entries, []string{"TIME", "ACTION", "STATUS", "SUGGESTION", "DETAIL"}, rows)
		},
	}
	listFilter.register(listCmd, 50)

	var format, outPath string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export activity as CSV or JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "csv" && format != "json" {
				return fmt.Errorf("unknown format %q: use csv or json", format)
			}

			app, err := c.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			entries, err := app.Recorder.List(cmd.Context(), exportFilter.build())
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			if format == "json" {
				if entries == nil {
					entries = []store.ActivityEntry{}
				}
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				err = enc.Encode(entries)
			} else {
				err = activity.ExportCSV(w, entries)
			}
			if err != nil {
				return err
			}
			if outPath != "" {
				c.out.Verbose("Wrote %d entries to %s", len(entries), outPath)
			}
			return nil
		},
	}
	exportFilter.register(exportCmd, 0)
	exportCmd.Flags().StringVarP(&format, "format", "f", "csv", "Export format: csv or json")
	exportCmd.Flags().StringVarP(&outPath, "output", "o", "", "Write to this file instead of stdout")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete entries older than activity.retention_days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			if c.out.IsJSON() {
				return c.out.JSON(res)
			}
			if res.EffectiveDays == 0 {
				c.out.Info("Retention is disabled; nothing deleted")
				return nil
			}
			c.out.Info("Deleted %d entries older than %d days", res.Deleted, res.EffectiveDays)
			return nil
		},
	}

	cmd.AddCommand(listCmd, exportCmd, cleanupCmd)
	return cmd
}

// activityFilter binds the shared filter flags of one command.
type activityFilter struct {
	folderID     string
	suggestionID string
	actions      []string
	status       string
	since        time.Duration
	limit        int
}

func (a *activityFilter) register(cmd *cobra.Command, defaultLimit int) {
	cmd.Flags().StringVar(&a.folderID, "folder", "", "Only entries for this folder id")
	cmd.Flags().StringVar(&a.suggestionID, "suggestion", "", "Only entries for this suggestion id")
	cmd.Flags().StringSliceVar(&a.actions, "action", nil, "Only these action types")
	cmd.Flags().StringVar(&a.status, "status", "", "Only success or failure entries")
	cmd.Flags().DurationVar(&a.since, "since", 0, "Only entries newer than this, e.g. 24h")
	cmd.Flags().IntVar(&a.limit, "limit", defaultLimit, "Maximum entries; 0 for all")
}

func (a *activityFilter) build() store.ActivityFilter {
	f := store.ActivityFilter{
		FolderID:     a.folderID,
		SuggestionID: a.suggestionID,
		Status:       store.EntryStatus(a.status),
		Limit:        a.limit,
	}
	for _, action := range a.actions {
		f.Actions = append(f.Actions, store.ActionType(action))
	}
	if a.since > 0 {
		f.Since = time.Now().Add(-a.since)
	}
	return f
}
