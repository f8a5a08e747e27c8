// Package queue layers lease management, retry policy, and debounce
// coalescing over the storage work queue. The atomic claim itself lives in
// the store; this package decides what happens around it: heartbeats while
// an agent runs, exponential backoff on transient failures, and the reaper
// that recovers work from dead workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loamlabs/loam/internal/config"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/telemetry"
	"github.com/loamlabs/loam/internal/types"
)

// ErrNoWork mirrors storage.ErrNoWork for callers that only import queue.
var ErrNoWork = storage.ErrNoWork

// Queue coordinates work item flow for a pool of workers.
type Queue struct {
	store storage.Store
	cfg   config.Queue
	log   *slog.Logger
}

// New creates a queue over the given store.
func New(store storage.Store, cfg config.Queue, log *slog.Logger) *Queue {
	return &Queue{store: store, cfg: cfg, log: log}
}

// Enqueue inserts a pending work item.
func (q *Queue) Enqueue(ctx context.Context, item *types.WorkItem) (*types.WorkItem, error) {
	item.SetDefaults()
	if item.MaxAttempts == 0 {
		item.MaxAttempts = q.cfg.MaxAttempts
	}
	stored, err := q.store.EnqueueWork(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", item.WorkType, err)
	}
	return stored, nil
}

// EnqueueDebounced inserts a work item that coalesces with any pending item
// for the same (basket, work type). Bursts of triggers inside the debounce
// window collapse into one run.
func (q *Queue) EnqueueDebounced(ctx context.Context, item *types.WorkItem) (*types.WorkItem, error) {
	if item.BasketID == "" {
		return nil, fmt.Errorf("%w: debounced work needs a basket", types.ErrValidation)
	}
	item.WorkKey = types.CoalesceKey(item.BasketID, item.WorkType)
	return q.Enqueue(ctx, item)
}

// Claim leases the next runnable item of the given types for workerID.
// Items that have exhausted their retry budget are failed in place and the
// claim moves on, so a poisoned item can never wedge the queue.
func (q *Queue) Claim(ctx context.Context, workerID string, workTypes ...types.WorkType) (*types.WorkItem, error) {
	for {
		item, err := q.store.ClaimWork(ctx, storage.ClaimRequest{
			WorkerID:     workerID,
			Types:        workTypes,
			Lease:        q.cfg.Lease,
			WorkspaceCap: q.cfg.WorkspaceCap,
		})
		if err != nil {
			return nil, err
		}
		max := item.MaxAttempts
		if max == 0 {
			max = q.cfg.MaxAttempts
		}
		if item.Attempts > max {
			reason := fmt.Sprintf("retry budget exhausted after %d attempts: %s", item.Attempts-1, item.LastError)
			if err := q.store.FailWork(ctx, item.ID, workerID, reason, false); err != nil {
				return nil, fmt.Errorf("fail exhausted work %s: %w", item.ID, err)
			}
			telemetry.CountWork(ctx, "failed", string(item.WorkType))
			q.log.Warn("work exhausted retry budget", "work_id", item.ID, "work_type", item.WorkType, "attempts", item.Attempts-1)
			continue
		}
		telemetry.CountWork(ctx, "claimed", string(item.WorkType))
		return item, nil
	}
}

// Start moves a claimed item to processing.
func (q *Queue) Start(ctx context.Context, id, workerID string) error {
	return q.store.StartWork(ctx, id, workerID)
}

// StartHeartbeat extends the item's lease on a timer until the returned
// stop function is called. A worker that dies stops heartbeating and the
// reaper recovers the item at lease expiry.
func (q *Queue) StartHeartbeat(ctx context.Context, id, workerID string) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(q.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := q.store.HeartbeatWork(hbCtx, id, workerID, q.cfg.Lease); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					q.log.Warn("heartbeat failed", "work_id", id, "error", err)
					if errors.Is(err, storage.ErrNotClaimHolder) {
						// The lease is gone; further beats are noise.
						return
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Complete finishes an item with its agent's result. Cascading parks the
// item until its children drain instead of completing it outright.
func (q *Queue) Complete(ctx context.Context, item *types.WorkItem, workerID string, result *types.WorkResult, cascading bool) error {
	if err := q.store.CompleteWork(ctx, item.ID, workerID, result, cascading); err != nil {
		return fmt.Errorf("complete work %s: %w", item.ID, err)
	}
	if !cascading {
		telemetry.CountWork(ctx, "completed", string(item.WorkType))
	}
	return nil
}

// Fail disposes of a failed item according to the error taxonomy: transient
// failures go back to pending after a backoff delay while the retry budget
// lasts; everything else lands in failed for inspection.
func (q *Queue) Fail(ctx context.Context, item *types.WorkItem, workerID string, cause error) error {
	class := types.Classify(cause)
	retry := types.Retryable(cause) && item.Attempts < q.maxAttempts(item)

	reason := fmt.Sprintf("[%s] %v", class, cause)
	if retry {
		delay := q.RetryDelay(item.Attempts)
		q.log.Info("work failed, will retry",
			"work_id", item.ID, "work_type", item.WorkType,
			"attempt", item.Attempts, "delay", delay, "error", cause)
		// Hold the lease through the backoff so no other worker claims the
		// item early; the heartbeat has stopped, so lease expiry caps the
		// wait if we die here.
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	} else {
		telemetry.CountWork(ctx, "failed", string(item.WorkType))
		q.log.Warn("work failed terminally",
			"work_id", item.ID, "work_type", item.WorkType,
			"class", class, "error", cause)
	}

	if err := q.store.FailWork(context.WithoutCancel(ctx), item.ID, workerID, reason, retry); err != nil {
		return fmt.Errorf("fail work %s: %w", item.ID, err)
	}
	return nil
}

func (q *Queue) maxAttempts(item *types.WorkItem) int {
	if item.MaxAttempts > 0 {
		return item.MaxAttempts
	}
	return q.cfg.MaxAttempts
}

// RetryDelay computes the backoff before attempt n+1.
func (q *Queue) RetryDelay(attempts int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.BackoffBase
	bo.MaxInterval = q.cfg.BackoffMax
	bo.RandomizationFactor = 0.2
	delay := bo.InitialInterval
	for i := 1; i < attempts; i++ {
		delay = bo.NextBackOff()
	}
	if delay > q.cfg.BackoffMax {
		delay = q.cfg.BackoffMax
	}
	return delay
}

// RunReaper periodically returns lease-expired items to pending. Claim
// enforces the attempt cap, so a repeatedly dying item eventually fails.
func (q *Queue) RunReaper(ctx context.Context) error {
	interval := q.cfg.ReapInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := q.store.ReapExpiredLeases(ctx, time.Now())
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				q.log.Warn("lease reap failed", "error", err)
				continue
			}
			if n > 0 {
				q.log.Info("reaped expired leases", "count", n)
			}
		}
	}
}

// Stats summarizes queue contents for status surfaces.
func (q *Queue) Stats(ctx context.Context, workspaceID string) (*storage.QueueStats, error) {
	return q.store.QueueStats(ctx, workspaceID)
}
