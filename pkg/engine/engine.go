// Package engine reconciles the task list with the managed events of one
// calendar. A run lists the managed events, plans the writes that bring the
// calendar in line with the tasks, submits them in batches with round-based
// retries and persists the resulting mapping.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"google.golang.org/api/calendar/v3"

	"github.com/harrisonrobin/tasksync/pkg/config"
	"github.com/harrisonrobin/tasksync/pkg/google"
	"github.com/harrisonrobin/tasksync/pkg/identity"
	"github.com/harrisonrobin/tasksync/pkg/mapper"
	"github.com/harrisonrobin/tasksync/pkg/model"
	"github.com/harrisonrobin/tasksync/pkg/notify"
	"github.com/harrisonrobin/tasksync/pkg/state"
)

var (
	// ErrRunInProgress is returned when a run is requested while another one
	// holds the engine.
	ErrRunInProgress = errors.New("engine: a sync run is already in progress")
	ErrNoCredential  = errors.New("engine: no valid credential")
	ErrNoTransport   = errors.New("engine: calendar transport not initialized")
)

// Transport is the remote calendar as the engine sees it.
type Transport interface {
	CalendarID() string
	ListManaged(ctx context.Context, opts google.ListOptions) (*google.Listing, error)
	ExecuteBatch(ctx context.Context, reqs []google.Request) ([]google.Response, error)
}

// TaskLister supplies the current task list.
type TaskLister interface {
	Tasks(ctx context.Context) ([]model.Task, error)
}

// Deps are the engine's collaborators. Credentials and Notifier are optional.
type Deps struct {
	Transport   Transport
	Tasks       TaskLister
	Credentials google.Credentials
	Store       state.Store
	Notifier    notify.Notifier
	Logger      *slog.Logger
}

// Engine runs reconciliations. At most one run executes at a time.
type Engine struct {
	transport Transport
	tasks     TaskLister
	creds     google.Credentials
	store     state.Store
	notifier  notify.Notifier
	logger    *slog.Logger

	running *semaphore.Weighted
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

func New(d Deps) *Engine {
	e := &Engine{
		transport: d.Transport,
		tasks:     d.Tasks,
		creds:     d.Credentials,
		store:     d.Store,
		notifier:  d.Notifier,
		logger:    d.Logger,
		running:   semaphore.NewWeighted(1),
		sleep:     sleepContext,
		now:       time.Now,
	}
	if e.notifier == nil {
		e.notifier = notify.Discard{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// RunOptions alter a single run.
type RunOptions struct {
	// Force deletes every managed event and recreates the tasks from scratch.
	Force bool
	// DryRun plans without writing anything remotely or to the state.
	DryRun bool
}

// Report summarises a run.
type Report struct {
	RunID  string
	Force  bool
	DryRun bool

	Stats
	// Ops are the planned operations, in submission order within a phase.
	Ops []*Operation

	Inserted  int
	Updated   int
	Cancelled int
	Deleted   int
	// Skipped counts operations the calendar answered as already done.
	Skipped int
	Rounds  int
	Errors  []OpError
}

// Summary is a one-line human description of the run.
func (r *Report) Summary() string {
	if r.DryRun {
		return fmt.Sprintf("plan: %d operations for %d tasks (%d unchanged, %d without dates)",
			len(r.Ops), r.Tasks, r.Unchanged, r.NoDates)
	}
	return fmt.Sprintf("sync: %d inserted, %d updated, %d cancelled, %d deleted, %d skipped, %d unchanged, %d errors",
		r.Inserted, r.Updated, r.Cancelled, r.Deleted, r.Skipped, r.Unchanged, len(r.Errors))
}

// Run executes one reconciliation with cfg. A non-nil error means the run
// aborted; per-operation failures are reported in Report.Errors instead.
func (e *Engine) Run(ctx context.Context, cfg config.Config, opts RunOptions) (rep *Report, err error) {
	if !e.running.TryAcquire(1) {
		return nil, ErrRunInProgress
	}
	defer e.running.Release(1)

	rep = &Report{RunID: uuid.NewString(), Force: opts.Force, DryRun: opts.DryRun}
	logger := e.logger.With(slog.String("run_id", rep.RunID))
	start := e.now()

	defer func() {
		if err != nil {
			logger.Error("sync aborted", slog.String("error", err.Error()))
			e.notifier.Notify("tasksync: sync aborted: "+err.Error(), notify.Error)
		}
	}()

	if e.transport == nil || e.store == nil || e.tasks == nil {
		return rep, ErrNoTransport
	}
	if e.creds != nil && !e.creds.EnsureCredential(ctx) {
		return rep, ErrNoCredential
	}

	loc, err := cfg.Location()
	if err != nil {
		return rep, err
	}

	st, err := e.store.Load(ctx)
	if err != nil {
		return rep, fmt.Errorf("engine: loading state: %w", err)
	}
	if st.TaskMap == nil {
		st.TaskMap = make(map[string]string)
	}
	if st.Remote == nil {
		st.Remote = make(map[string]*calendar.Event)
	}

	if !opts.DryRun {
		// Whatever was applied before an abort is still persisted.
		defer func() {
			if saveErr := e.store.Save(context.WithoutCancel(ctx), st); saveErr != nil {
				logger.Error("saving state failed", slog.String("error", saveErr.Error()))
				if err == nil {
					err = fmt.Errorf("engine: saving state: %w", saveErr)
				}
			}
		}()
	}

	tasks, err := e.tasks.Tasks(ctx)
	if err != nil {
		return rep, fmt.Errorf("engine: reading tasks: %w", err)
	}

	listOpts := google.ListOptions{
		PropertyKey:   mapper.SyncMarkerKey,
		PropertyValue: mapper.SyncMarkerValue,
		SingleEvents:  cfg.Sync.SingleEvents,
		QuotaUser:     cfg.Sync.QuotaUser,
	}
	if cfg.Sync.Incremental && !opts.Force {
		listOpts.SyncToken, listOpts.Signature = st.SyncToken, st.FilterSignature
	}
	listing, err := e.transport.ListManaged(ctx, listOpts)
	if err != nil {
		return rep, fmt.Errorf("engine: listing managed events: %w", err)
	}
	remote := mergeListing(st.Remote, listing)
	logger.Info("remote listing",
		slog.Int("events", len(listing.Events)),
		slog.Bool("incremental", listing.Incremental),
		slog.Int("managed", len(remote)),
	)

	m := mapper.New(mapper.Options{
		Location:        loc,
		DefaultDuration: cfg.Sync.DefaultDuration.Duration,
		Placeholder:     cfg.Sync.PlaceholderSummary,
		Now:             e.now,
		Logger:          logger,
	})
	plan := newPlanner(planConfig{
		calendarID:  e.transport.CalendarID(),
		materialize: cfg.Sync.MaterializeRecurrence,
		force:       opts.Force,
		identity: identity.Options{
			IncludeDescription: cfg.Identity.IncludeDescription,
			IncludeReminders:   cfg.Identity.IncludeReminders,
			DescriptionLimit:   cfg.Identity.DescriptionLimit,
		},
	}, m, tasks, st.TaskMap, remote, logger).run(tasks)

	rep.Stats = plan.Stats
	rep.Ops = plan.Ops
	logger.Info("plan ready",
		slog.Int("tasks", plan.Stats.Tasks),
		slog.Int("ops", len(plan.Ops)),
		slog.Int("unchanged", plan.Stats.Unchanged),
		slog.Int("no_dates", plan.Stats.NoDates),
		slog.Int("pruned", plan.Stats.Pruned),
	)

	if opts.DryRun {
		return rep, nil
	}

	st.Remote = remote
	st.SyncToken, st.FilterSignature = listing.NextSyncToken, listing.Signature
	st.TaskMap = plan.Mapping

	if len(plan.Ops) > 0 {
		err = e.submit(ctx, submitConfig{
			batchSize:  cfg.Sync.BatchSize,
			maxRetries: cfg.Sync.MaxRetries,
			batchDelay: cfg.Sync.BatchDelay.Duration,
			retryBase:  cfg.Sync.RetryBase.Duration,
			retryMax:   cfg.Sync.RetryMax.Duration,
		}, st, plan.Ops, rep, logger)
		if err != nil {
			return rep, err
		}
	}

	st.LastRun = e.now()
	logger.Info("sync finished",
		slog.Int("inserted", rep.Inserted),
		slog.Int("updated", rep.Updated),
		slog.Int("cancelled", rep.Cancelled),
		slog.Int("deleted", rep.Deleted),
		slog.Int("skipped", rep.Skipped),
		slog.Int("errors", len(rep.Errors)),
		slog.Int("rounds", rep.Rounds),
		slog.Duration("took", e.now().Sub(start)),
	)

	severity := notify.Info
	if len(rep.Errors) > 0 {
		severity = notify.Warning
	}
	e.notifier.Notify("tasksync: "+rep.Summary(), severity)
	return rep, nil
}

// mergeListing builds the remote view. A full listing replaces the cache;
// an incremental one is applied on top of it, cancelled entries removing
// the event.
func mergeListing(cache map[string]*calendar.Event, listing *google.Listing) map[string]*calendar.Event {
	var out map[string]*calendar.Event
	if listing.Incremental {
		out = maps.Clone(cache)
	}
	if out == nil {
		out = make(map[string]*calendar.Event, len(listing.Events))
	}
	for _, ev := range listing.Events {
		if ev == nil || ev.Id == "" {
			continue
		}
		if ev.Status == cancelledStatus {
			delete(out, ev.Id)
			continue
		}
		out[ev.Id] = ev
	}
	return out
}
