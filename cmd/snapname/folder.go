package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"snapname/internal/store"
)

func newFolderCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "folder",
		Aliases: []string{"folders"},
		Short:   "Manage watched folders",
	}

	var name string
	addCmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Register a folder; it is scanned when serve runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			f, err := app.Folders.Register(cmd.Context(), args[0], name)
			if err != nil {
				return err
			}
			if c.out.IsJSON() {
				return c.out.JSON(f)
			}
			c.out.Info("Registered %s as %s (%s)", f.Path, f.ID, f.Status)
			return nil
		},
	}
	addCmd.Flags().StringVarP(&name, "name", "n", "", "Display name (default: directory name)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List watched folders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			folders, err := app.Folders.List(cmd.Context())
			if err != nil {
				return err
			}
			if folders == nil {
				folders = []store.WatchedFolder{}
			}
			rows := make([][]string, 0, len(folders))
			for _, f := range folders {
				rows = append(rows, []string{
					f.ID, f.Name, string(f.Status),
					strconv.Itoa(f.FileCount), strconv.Itoa(f.AnalyzedCount), strconv.Itoa(f.SuggestionCount),
					f.Path,
				})
			}
			return c.out.Emit(folders, []string{"ID", "NAME", "STATUS", "FILES", "ANALYZED", "SUGGESTIONS", "PATH"}, rows)
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Stop watching a folder; its history is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Folders.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			c.out.Info("Removed folder %s", args[0])
			return nil
		},
	}

	cmd.AddCommand(addCmd, listCmd, removeCmd)
	return cmd
}
