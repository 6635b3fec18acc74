package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/harrisonrobin/tasksync/pkg/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagCalendar   string
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg and cfgPath are filled by PersistentPreRunE before any
// subcommand runs.
var (
	resolvedCfg config.Config
	cfgPath     string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tasksync",
		Short:   "Mirror a task list into a Google Calendar",
		Long:    "tasksync reconciles tasks from JSON, Taskwarrior or Org-mode files with the events of one Google Calendar.",
		Version: version,
		// Errors are printed once by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path (default $TASKSYNC_CONFIG or ~/.config/tasksync/config.toml)")
	cmd.PersistentFlags().StringVar(&flagCalendar, "calendar", "", "calendar name, overrides the config")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "only log errors")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newPlanCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newAuthCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newSetCalendarCmd())

	return cmd
}

// loadConfig resolves the config path, loads it (defaults when the file is
// missing) and applies the --calendar override.
func loadConfig(cmd *cobra.Command) error {
	path := flagConfigPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return fmt.Errorf("locating config: %w", err)
		}
		path = p
	}

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cmd.Flags().Changed("calendar") {
		cfg.Calendar = flagCalendar
	}

	resolvedCfg, cfgPath = cfg, path
	return nil
}

// buildLogger creates the logger for one command. The config level is the
// baseline; --verbose and --quiet override it. With [log] file set, output
// goes to a rotating file instead of stderr.
func buildLogger(cfg config.LogConfig, stderr io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelDebug
	}
	if flagQuiet {
		level = slog.LevelError
	}

	out := stderr
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func commandLogger(cmd *cobra.Command) *slog.Logger {
	var stderr io.Writer = os.Stderr
	if cmd != nil {
		stderr = cmd.ErrOrStderr()
	}
	return buildLogger(resolvedCfg.Log, stderr)
}
