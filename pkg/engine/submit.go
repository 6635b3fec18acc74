package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/harrisonrobin/tasksync/pkg/google"
	"github.com/harrisonrobin/tasksync/pkg/state"
)

const defaultBatchSize = 50

type submitConfig struct {
	batchSize  int
	maxRetries int
	batchDelay time.Duration
	retryBase  time.Duration
	retryMax   time.Duration
}

// submit runs deletes to completion before any other write, so a replaced
// event is gone before its successors appear.
func (e *Engine) submit(ctx context.Context, cfg submitConfig, st *state.State, ops []*Operation, rep *Report, logger *slog.Logger) error {
	var deletes, writes []*Operation
	for _, op := range ops {
		if op.Kind == OpDelete {
			deletes = append(deletes, op)
		} else {
			writes = append(writes, op)
		}
	}

	if len(deletes) > 0 {
		if err := e.drive(ctx, cfg, st, deletes, rep, logger); err != nil {
			return err
		}
	}

	writes = slices.DeleteFunc(writes, func(op *Operation) bool {
		if op.after == nil || !op.after.failed {
			return false
		}
		e.fail(st, rep, op, 0, "event it replaces could not be deleted", logger)
		return true
	})
	if len(writes) > 0 {
		return e.drive(ctx, cfg, st, writes, rep, logger)
	}
	return nil
}

// drive submits ops in rounds. Every round sends what is still pending in
// sub-batches of batchSize; operations answered with a retryable status go
// into the next round after a backoff. After maxRetries+1 rounds whatever
// is left becomes a permanent error.
func (e *Engine) drive(ctx context.Context, cfg submitConfig, st *state.State, ops []*Operation, rep *Report, logger *slog.Logger) error {
	size := cfg.batchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	rounds := max(cfg.maxRetries, 0) + 1
	b := google.NewBackOff(cfg.retryBase, cfg.retryMax)

	pending := ops
	for round := 1; len(pending) > 0; round++ {
		if round > 1 {
			wait := b.NextBackOff()
			logger.Info("retrying pending operations",
				slog.Int("round", round),
				slog.Int("pending", len(pending)),
				slog.Duration("backoff", wait),
			)
			if err := e.sleep(ctx, wait); err != nil {
				return err
			}
		}
		rep.Rounds++

		var next []*Operation
		for start := 0; start < len(pending); start += size {
			if start > 0 && cfg.batchDelay > 0 {
				if err := e.sleep(ctx, cfg.batchDelay); err != nil {
					return err
				}
			}
			chunk := pending[start:min(start+size, len(pending))]
			retry, err := e.send(ctx, st, chunk, rep, logger)
			if err != nil {
				return err
			}
			next = append(next, retry...)
		}

		if round >= rounds {
			for _, op := range next {
				msg := op.lastErr
				if msg == "" {
					msg = "still failing after the last retry round"
				}
				e.fail(st, rep, op, op.lastStatus, msg, logger)
			}
			return nil
		}
		pending = next
	}
	return nil
}

// send executes one sub-batch and applies every result. It returns the
// operations to retry; the error is non-nil only for fatal failures.
func (e *Engine) send(ctx context.Context, st *state.State, chunk []*Operation, rep *Report, logger *slog.Logger) ([]*Operation, error) {
	reqs := make([]google.Request, len(chunk))
	for i, op := range chunk {
		reqs[i] = op.Request
	}

	resps, err := e.transport.ExecuteBatch(ctx, reqs)
	if err != nil {
		tagged := google.Classify(err)
		switch tagged.Kind {
		case google.KindFatal:
			return nil, fmt.Errorf("engine: batch: %w", err)
		case google.KindTransient:
			logger.Warn("batch failed, requeueing", slog.Int("ops", len(chunk)), slog.String("error", err.Error()))
			for _, op := range chunk {
				op.attempts++
				op.lastStatus, op.lastErr = tagged.StatusCode, tagged.Error()
			}
			return chunk, nil
		default:
			for _, op := range chunk {
				op.attempts++
				e.fail(st, rep, op, tagged.StatusCode, tagged.Error(), logger)
			}
			return nil, nil
		}
	}
	if len(resps) != len(chunk) {
		return nil, fmt.Errorf("engine: batch returned %d results for %d operations", len(resps), len(chunk))
	}

	var retry []*Operation
	for i, op := range chunk {
		resp := &resps[i]
		op.attempts++
		switch Classify(op.Kind, resp.StatusCode, resp.Reason()) {
		case Succeed:
			e.applySuccess(st, rep, op, resp, logger)
		case Skip:
			e.applySkip(st, rep, op, resp.StatusCode, logger)
		case Retry:
			op.lastStatus = resp.StatusCode
			op.lastErr = resp.Reason()
			retry = append(retry, op)
		default:
			msg := resp.Reason()
			if msg == "" {
				msg = string(resp.Body)
			}
			e.fail(st, rep, op, resp.StatusCode, msg, logger)
		}
	}
	return retry, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
