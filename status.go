package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrisonrobin/tasksync/pkg/config"
	"github.com/harrisonrobin/tasksync/pkg/state"
)

// statusErrorLimit is how many of the most recent errors status prints.
const statusErrorLimit = 10

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last run, the mapping size and recent errors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.OutOrStdout(), cmd, resolvedCfg)
		},
	}
}

func runStatus(out io.Writer, cmd *cobra.Command, cfg config.Config) error {
	path, err := cfg.StatePath()
	if err != nil {
		return err
	}
	store, err := state.Open(cfg.State.Backend, path, commandLogger(cmd))
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	lastRun := "never"
	if !st.LastRun.IsZero() {
		lastRun = st.LastRun.Local().Format(time.RFC1123)
	}
	token := "none"
	if st.SyncToken != "" {
		token = "stored"
	}

	fmt.Fprintf(out, "Calendar:        %s\n", cfg.Calendar)
	fmt.Fprintf(out, "State:           %s (%s)\n", path, cfg.State.Backend)
	fmt.Fprintf(out, "Last run:        %s\n", lastRun)
	fmt.Fprintf(out, "Mapped tasks:    %d\n", len(st.TaskMap))
	fmt.Fprintf(out, "Managed events:  %d\n", len(st.Remote))
	fmt.Fprintf(out, "Sync token:      %s\n", token)

	if len(st.Errors) == 0 {
		fmt.Fprintln(out, "Errors:          none")
		return nil
	}
	fmt.Fprintf(out, "Errors:          %d recorded, latest first\n", len(st.Errors))
	for i := len(st.Errors) - 1; i >= 0 && i >= len(st.Errors)-statusErrorLimit; i-- {
		e := st.Errors[i]
		fmt.Fprintf(out, "  %s  %-6s task=%s event=%s status=%d retries=%d  %s\n",
			e.At.Local().Format(time.DateTime), e.Op, e.TaskID, e.PriorID, e.Status, e.Retries, e.Message)
	}
	return nil
}
