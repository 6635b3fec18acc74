package engine

import (
	"log/slog"
	"net/http"

	"github.com/harrisonrobin/tasksync/pkg/google"
	"github.com/harrisonrobin/tasksync/pkg/state"
)

func (e *Engine) applySuccess(st *state.State, rep *Report, op *Operation, resp *google.Response, logger *slog.Logger) {
	ev, err := resp.Event()
	if err != nil {
		logger.Warn("unreadable operation result", slog.String("key", op.Key), slog.String("error", err.Error()))
	}

	switch op.Kind {
	case OpInsert:
		if ev == nil || ev.Id == "" {
			e.fail(st, rep, op, resp.StatusCode, "insert result carries no event id", logger)
			return
		}
		st.TaskMap[op.Key] = ev.Id
		st.Remote[ev.Id] = ev
		rep.Inserted++
	case OpUpdate:
		st.TaskMap[op.Key] = op.PriorID
		if ev != nil && ev.Id != "" {
			st.Remote[ev.Id] = ev
		} else {
			// The cached copy is stale and an incremental listing would
			// not resend it, so the next run lists everything again.
			logger.Warn("update result carries no event, forcing a full listing next run",
				slog.String("key", op.Key),
				slog.String("event_id", op.PriorID),
			)
			st.ResetSync()
		}
		rep.Updated++
	case OpCancel:
		st.Unmap(op.PriorID)
		delete(st.Remote, op.PriorID)
		rep.Cancelled++
	case OpDelete:
		st.Unmap(op.PriorID)
		delete(st.Remote, op.PriorID)
		rep.Deleted++
	}

	logger.Debug("operation applied",
		slog.String("op", op.Kind.String()),
		slog.String("key", op.Key),
		slog.String("event_id", op.PriorID),
	)
}

// applySkip handles responses meaning the remote side needs nothing more.
// A gone event loses its mappings so the next run starts clean; a
// precondition failure leaves them for the next run to re-diff.
func (e *Engine) applySkip(st *state.State, rep *Report, op *Operation, status int, logger *slog.Logger) {
	rep.Skipped++
	if status == http.StatusNotFound || status == http.StatusGone {
		st.Unmap(op.PriorID)
		delete(st.Remote, op.PriorID)
	}
	logger.Info("operation skipped",
		slog.String("op", op.Kind.String()),
		slog.String("key", op.Key),
		slog.String("event_id", op.PriorID),
		slog.Int("status", status),
	)
}

func (e *Engine) fail(st *state.State, rep *Report, op *Operation, status int, msg string, logger *slog.Logger) {
	op.failed = true
	retries := max(op.attempts-1, 0)
	oe := OpError{
		Op:      op.Kind,
		Key:     op.Key,
		TaskID:  op.TaskID,
		PriorID: op.PriorID,
		Retries: retries,
		Status:  status,
		Message: msg,
	}
	rep.Errors = append(rep.Errors, oe)
	st.AddError(state.ErrorRecord{
		At:      e.now(),
		Op:      op.Kind.String(),
		TaskID:  op.TaskID,
		PriorID: op.PriorID,
		Retries: retries,
		Status:  status,
		Message: msg,
	})
	logger.Error("operation failed",
		slog.String("op", op.Kind.String()),
		slog.String("key", op.Key),
		slog.String("event_id", op.PriorID),
		slog.Int("status", status),
		slog.Int("retries", retries),
		slog.String("error", msg),
	)
}
