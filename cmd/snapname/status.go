package main

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"snapname/internal/orchestrator"
)

// statusReport is the JSON form of the status command.
type statusReport struct {
	*orchestrator.Snapshot
	Summary string `json:"summary"`
}

func newStatusCommand(c *cli) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show folders, suggestion counts and recent activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			snap, err := app.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			summary, err := app.Summarize(cmd.Context(), from)
			if err != nil {
				return err
			}

			if c.out.IsJSON() {
				return c.out.JSON(statusReport{Snapshot: snap, Summary: summary.String()})
			}

			rows := make([][]string, 0, len(snap.Folders))
			for _, f := range snap.Folders {
				rows = append(rows, []string{
					f.ID, f.Name, string(f.Status),
					strconv.Itoa(f.FileCount), strconv.Itoa(f.SuggestionCount), f.Path,
				})
			}
			if err := c.out.Emit(snap, []string{"ID", "NAME", "STATUS", "FILES", "SUGGESTIONS", "PATH"}, rows); err != nil {
				return err
			}
			c.out.Info("")
			c.out.Info("%d open suggestions (%d pending, %d approved, %d failed), %d files tracked",
				snap.Open, snap.Suggestions["pending"], snap.Suggestions["approved"], snap.Suggestions["failed"], snap.TotalFiles())
			c.out.Info("Last %s: %s", since, summary)
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Activity window for the summary")
	return cmd
}
