package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harrisonrobin/tasksync/pkg/auth"
	"github.com/harrisonrobin/tasksync/pkg/config"
	"github.com/harrisonrobin/tasksync/pkg/engine"
	"github.com/harrisonrobin/tasksync/pkg/google"
	"github.com/harrisonrobin/tasksync/pkg/notify"
	"github.com/harrisonrobin/tasksync/pkg/state"
	"github.com/harrisonrobin/tasksync/pkg/tasksource"
)

func newSyncCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the calendar with the task list once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, engine.RunOptions{Force: force})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "delete every managed event and recreate all tasks")
	return cmd
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the operations a sync would submit, without writing anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, engine.RunOptions{DryRun: true})
		},
	}
}

func runSync(cmd *cobra.Command, opts engine.RunOptions) error {
	logger := commandLogger(cmd)

	app, err := newApp(cmd.Context(), resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	rep, err := app.engine.Run(cmd.Context(), resolvedCfg, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.DryRun {
		printPlan(out, rep)
		return nil
	}
	fmt.Fprintln(out, rep.Summary())
	for _, e := range rep.Errors {
		fmt.Fprintf(out, "  %v\n", e)
	}
	return nil
}

func printPlan(out io.Writer, rep *engine.Report) {
	fmt.Fprintln(out, rep.Summary())
	if len(rep.Ops) == 0 {
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OP\tKEY\tEVENT\tSUMMARY")
	for _, op := range rep.Ops {
		key, target := op.Key, op.PriorID
		if key == "" {
			key = "-"
		}
		if target == "" {
			target = "(new)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", op.Kind, key, target, op.Summary)
	}
	tw.Flush()
}

// app bundles the collaborators one engine needs.
type app struct {
	engine *engine.Engine
	source tasksource.Source
	store  state.Store
}

func (a *app) Close() error {
	return a.store.Close()
}

// newApp wires credentials, the calendar client, the state store and the
// task source into an engine.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	authn := auth.New(dir, logger)

	httpClient, err := authn.HTTPClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrNoCredential, err)
	}

	client, err := google.NewClient(ctx, cfg.Calendar, google.Options{
		HTTPClient:  httpClient,
		Credentials: authn,
		Retry: google.RetryPolicy{
			MaxAttempts: cfg.Sync.MaxRetries + 1,
			Base:        cfg.Sync.RetryBase.Duration,
			Max:         cfg.Sync.RetryMax.Duration,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	statePath, err := cfg.StatePath()
	if err != nil {
		return nil, err
	}
	store, err := state.Open(cfg.State.Backend, statePath, logger)
	if err != nil {
		return nil, err
	}

	paths, err := cfg.SourcePaths()
	if err != nil {
		store.Close()
		return nil, err
	}
	source, err := tasksource.New(cfg.Source.Kind, paths, cfg.Source.Filter, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	eng := engine.New(engine.Deps{
		Transport:   client,
		Tasks:       source,
		Credentials: authn,
		Store:       store,
		Notifier:    notify.NewTerminal(os.Stderr),
		Logger:      logger,
	})

	return &app{engine: eng, source: source, store: store}, nil
}
