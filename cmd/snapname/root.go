package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"snapname/internal/config"
	"snapname/internal/logging"
	"snapname/internal/orchestrator"
	"snapname/internal/output"
)

// cli carries state shared by every command after flags are parsed.
type cli struct {
	configPath string
	logLevel   string
	jsonOut    bool
	verbose    bool

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	out       *output.Output
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:           "snapname",
		Short:         "Watch folders and rename media from AI suggestions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to configuration file (default ./snapname.yaml)")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Override log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Print extra detail and disable progress lines")

	configCmd := newConfigCommand(c)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		outCfg := output.DefaultConfig()
		outCfg.Writer = cmd.OutOrStdout()
		outCfg.ErrWriter = cmd.ErrOrStderr()
		outCfg.JSON = c.jsonOut
		outCfg.Verbose = c.verbose
		c.out = output.New(outCfg)

		// config init must work without a valid configuration.
		if cmd.Parent() == configCmd {
			return nil
		}
		return c.initialize(cmd)
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if c.logCloser != nil {
			_ = c.logCloser.Close()
		}
	}

	rootCmd.AddCommand(
		newServeCommand(c),
		newFolderCommand(c),
		newSuggestionsCommand(c),
		newActivityCommand(c),
		newStatusCommand(c),
		configCmd,
	)

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w\nRun '%s --help' for usage", err, cmd.CommandPath())
	})
	return rootCmd
}

func (c *cli) initialize(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = strings.ToLower(c.logLevel)
	}

	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	slog.SetDefault(logger)

	c.cfg = cfg
	c.logger = logger
	c.logCloser = closer
	return nil
}

// openApp builds the pipeline without starting it. Callers Close it.
func (c *cli) openApp(opts ...orchestrator.Option) (*orchestrator.App, error) {
	return orchestrator.New(c.cfg, c.logger, opts...)
}
