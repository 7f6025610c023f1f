package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"snapname/internal/executor"
	"snapname/internal/output"
	"snapname/internal/store"
	"snapname/internal/suggestion"
)

func newSuggestionsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "suggestions",
		Aliases: []string{"suggestion", "sg"},
		Short:   "Review, execute and undo rename suggestions",
	}
	cmd.AddCommand(
		newSuggestionsListCommand(c),
		newEditCommand(c),
		newApproveCommand(c),
		newRejectCommand(c),
		newExecuteCommand(c),
		newUndoCommand(c),
	)
	return cmd
}

func newSuggestionsListCommand(c *cli) *cobra.Command {
	var (
		folderID    string
		statuses    []string
		needsReview bool
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List suggestions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.SuggestionFilter{FolderID: folderID, Limit: limit}
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, store.SuggestionStatus(s))
			}
			if cmd.Flags().Changed("needs-review") {
				f.NeedsReview = &needsReview
			}

			app, err := c.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			list, err := app.Suggestions.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if list == nil {
				list = []store.Suggestion{}
			}
			rows := make([][]string, 0, len(list))
			for _, sg := range list {
				review := ""
				if sg.NeedsReview {
					review = "review"
				}
				rows = append(rows, []string{
					sg.ID, string(sg.Status), strconv.FormatFloat(sg.Confidence, 'f', 2, 64), review,
					sg.SuggestedName, sg.OriginalPath,
				})
			}
			return c.out.Emit(list, []string{"ID", "STATUS", "CONF", "", "NAME", "PATH"}, rows)
		},
	}
	cmd.Flags().StringVar(&folderID, "folder", "", "Only suggestions for this folder id")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only these statuses (pending, approved, rejected, executed, failed)")
	cmd.Flags().BoolVar(&needsReview, "needs-review", false, "Only suggestions below (true) or above (false) the confidence threshold")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows; 0 for all")
	return cmd
}

func newEditCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <id> <name>",
		Short: "Change the suggested name of a pending suggestion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			sg, err := app.Suggestions.Edit(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if c.out.IsJSON() {
				return c.out.JSON(sg)
			}
			c.out.Info("Suggestion %s now proposes %s", sg.ID, sg.SuggestedName)
			return nil
		},
	}
}

func newApproveCommand(c *cli) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a suggestion, optionally with a different name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			sg, err := app.Suggestions.Approve(cmd.Context(), args[0], name)
			if err != nil {
				return err
			}
			if c.out.IsJSON() {
				return c.out.JSON(sg)
			}
			c.out.Info("Approved %s: %s", sg.ID, sg.SuggestedName)
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "Use this name instead of the suggested one")
	return cmd
}

func newRejectCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "reject <id>...",
		Short: "Reject one or more suggestions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			return c.reportBatch(app.Suggestions.BatchReject(cmd.Context(), args), "Rejected")
		},
	}
}

// reportBatch prints per-id outcomes and fails when any id failed.
func (c *cli) reportBatch(results []suggestion.BatchResult, verb string) error {
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	if c.out.IsJSON() {
		if err := c.out.JSON(results); err != nil {
			return err
		}
	} else {
		for _, res := range results {
			if res.Err != nil {
				c.out.Error("%s: %v", res.ID, res.Err)
				continue
			}
			c.out.Info("%s %s", verb, res.ID)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d suggestions failed", failed, len(results))
	}
	return nil
}

// executeOutcome is the JSON form of one execution.
type executeOutcome struct {
	ID         string `json:"id"`
	Source     string `json:"source,omitempty"`
	Target     string `json:"target,omitempty"`
	BackupPath string `json:"backup_path,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorType  string `json:"error_type,omitempty"`
}

func newExecuteCommand(c *cli) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "execute [id]...",
		Short: "Rename files for approved suggestions",
		Long: "Renames the files of the given approved (or previously failed) suggestions. " +
			"With --all every approved suggestion is executed. Do not run this while serve is " +
			"running; use the HTTP API instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("give suggestion ids or --all, not both")
			}

			app, err := c.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ids := args
			if all {
				approved, err := app.Suggestions.List(cmd.Context(), store.SuggestionFilter{
					Statuses: []store.SuggestionStatus{store.SuggestionApproved},
				})
				if err != nil {
					return err
				}
				for _, sg := range approved {
					ids = append(ids, sg.ID)
				}
			}

			outcomes := make([]executeOutcome, 0, len(ids))
			failed := 0
			c.out.StartProgress(len(ids))
			for i, id := range ids {
				c.out.UpdateProgress(i+1, "Renaming")
				outcome := executeOutcome{ID: id}
				res, err := app.Executor.Execute(cmd.Context(), id)
				if res != nil {
					outcome.Source, outcome.Target, outcome.BackupPath = res.Source, res.Target, res.BackupPath
				}
				if err != nil {
					failed++
					outcome.Error = err.Error()
					var renameErr *executor.RenameError
					if errors.As(err, &renameErr) {
						outcome.ErrorType = string(renameErr.Type)
					}
				}
				outcomes = append(outcomes, outcome)
			}
			c.out.EndProgress()

			if c.out.IsJSON() {
				if err := c.out.JSON(outcomes); err != nil {
					return err
				}
			} else {
				if len(outcomes) == 0 {
					c.out.Info("Nothing to execute")
				}
				for _, o := range outcomes {
					if o.Error != "" {
						c.out.Error("%s: %s", o.ID, o.Error)
						continue
					}
					c.out.Info("%s -> %s", o.Source, output.Truncate(o.Target, 120))
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d renames failed", failed, len(outcomes))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Execute every approved suggestion")
	return cmd
}

func newUndoCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "undo <id>",
		Short: "Move an executed rename back to its original path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			sg, err := app.Executor.Undo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.out.IsJSON() {
				return c.out.JSON(sg)
			}
			c.out.Info("Restored %s", sg.OriginalPath)
			return nil
		},
	}
}
