// Package dispatch connects the event bus to the work queue and drives
// the agent worker pool. The routing table is the pipeline: each topic
// maps to the stage that reacts to it, with bursty topics debounced so
// rapid commits collapse into one downstream run.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loamlabs/loam/internal/agents"
	"github.com/loamlabs/loam/internal/bus"
	"github.com/loamlabs/loam/internal/cascade"
	"github.com/loamlabs/loam/internal/config"
	"github.com/loamlabs/loam/internal/queue"
	"github.com/loamlabs/loam/internal/telemetry"
	"github.com/loamlabs/loam/internal/types"
)

// claimIdle is how long an idle worker waits before re-polling the queue.
const claimIdle = 500 * time.Millisecond

// Dispatcher routes events into work and runs the worker pool that
// executes it.
type Dispatcher struct {
	queue    *queue.Queue
	bus      *bus.Bus
	cascade  *cascade.Coordinator
	registry *agents.Registry
	cfg      config.Dispatch
	log      *slog.Logger

	gate     *workspaceGate
	debounce *debouncer
}

// New creates a dispatcher over an agent registry.
func New(q *queue.Queue, b *bus.Bus, casc *cascade.Coordinator, reg *agents.Registry, cfg config.Dispatch, log *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		queue:    q,
		bus:      b,
		cascade:  casc,
		registry: reg,
		cfg:      cfg,
		log:      log,
		gate:     newWorkspaceGate(int64((cfg.Workers + 1) / 2)),
	}
	d.debounce = newDebouncer(cfg.Debounce, d.enqueue, log)
	return d
}

// routedTopics is the subscription set for the routing loop.
func routedTopics() []types.Topic {
	return []types.Topic{
		types.TopicDumpCreated,
		types.TopicSubstrateCommitted,
		types.TopicReflectionComputed,
		types.TopicComposeRequested,
		types.TopicProposalReviewRequested,
	}
}

// Run drives the routing loop and the worker pool until ctx ends.
// fromID is the event cursor routing resumes from; duplicated deliveries
// are absorbed by work coalescing and idempotent proposal submission.
func (d *Dispatcher) Run(ctx context.Context, fromID int64) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.route(ctx, fromID) })
	for i := 0; i < d.cfg.Workers; i++ {
		workerID := fmt.Sprintf("dispatch-%d", i)
		g.Go(func() error { return d.worker(ctx, workerID) })
	}
	err := g.Wait()
	d.debounce.flush(context.WithoutCancel(ctx))
	return err
}

// route subscribes to the pipeline topics and turns each event into work.
func (d *Dispatcher) route(ctx context.Context, fromID int64) error {
	sub, err := d.bus.Subscribe(ctx, routedTopics(), fromID)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.C:
			if !ok {
				return ctx.Err()
			}
			if err := d.routeEvent(ctx, e); err != nil {
				d.log.Warn("event routing failed", "event", e.ID, "topic", e.Topic, "error", err)
			}
		}
	}
}

// routeEvent is the routing table.
func (d *Dispatcher) routeEvent(ctx context.Context, e *types.Event) error {
	if e.BasketID == "" {
		return nil
	}
	switch e.Topic {
	case types.TopicDumpCreated:
		var p types.DumpCreatedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		return d.enqueueFor(ctx, e, types.WorkSubstrate,
			types.SubstratePayload{DumpID: p.DumpID, RequestID: p.RequestID}, types.PriorityNormal, false)

	case types.TopicSubstrateCommitted:
		var p types.SubstrateCommittedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if types.IsAgentOrigin(p.Origin) {
			// Agent commits spawn their follow-up stages as cascade
			// children so lineage stays intact; routing them again here
			// would fork a second, parentless chain.
			return nil
		}
		if d.cfg.EnableGraphStage {
			if err := d.enqueueFor(ctx, e, types.WorkGraph, types.GraphPayload{DeltaID: p.DeltaID}, types.PriorityLow, false); err != nil {
				return err
			}
		}
		return d.enqueueFor(ctx, e, types.WorkReflection,
			types.ReflectionPayload{DeltaID: p.DeltaID, Reason: string(e.Topic)}, types.PriorityLow, true)

	case types.TopicReflectionComputed:
		if !d.cfg.ComposeOnReflection {
			return nil
		}
		return d.enqueueFor(ctx, e, types.WorkCompose, types.ComposePayload{}, types.PriorityLow, true)

	case types.TopicComposeRequested:
		var p types.ComposeRequestedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		return d.enqueueFor(ctx, e, types.WorkCompose, types.ComposePayload{
			DocumentIDs: p.DocumentIDs,
			Title:       p.Title,
			Intent:      p.Intent,
			RequestedBy: p.RequestedBy,
		}, types.PriorityHigh, false)

	case types.TopicProposalReviewRequested:
		var p types.ProposalEventPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		return d.enqueueFor(ctx, e, types.WorkProposalReview,
			types.ProposalReviewPayload{ProposalID: p.ProposalID}, types.PriorityHigh, false)
	}
	return nil
}

// enqueueFor builds the work item for an event and enqueues it, through
// the debouncer when the route coalesces.
func (d *Dispatcher) enqueueFor(ctx context.Context, e *types.Event, wt types.WorkType, payload any, priority int, debounced bool) error {
	raw, err := types.MarshalPayload(payload)
	if err != nil {
		return err
	}
	item := &types.WorkItem{
		WorkType:    wt,
		Payload:     raw,
		Priority:    priority,
		WorkspaceID: e.WorkspaceID,
		BasketID:    e.BasketID,
		Cascade:     &types.CascadeMeta{Trigger: e.Topic, EventID: e.ID},
	}
	if debounced {
		d.debounce.add(ctx, item)
		return nil
	}
	return d.enqueue(ctx, item)
}

func (d *Dispatcher) enqueue(ctx context.Context, item *types.WorkItem) error {
	var err error
	if item.WorkKey != "" {
		_, err = d.queue.EnqueueDebounced(ctx, item)
	} else {
		_, err = d.queue.Enqueue(ctx, item)
	}
	return err
}

// worker claims and executes work until ctx ends.
func (d *Dispatcher) worker(ctx context.Context, workerID string) error {
	workTypes := d.registry.Types()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item, err := d.queue.Claim(ctx, workerID, workTypes...)
		if err != nil {
			if errors.Is(err, queue.ErrNoWork) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(claimIdle):
				}
				continue
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			d.log.Warn("claim failed", "worker", workerID, "error", err)
			continue
		}
		d.process(ctx, workerID, item)
	}
}

// process runs one claimed item through its agent and disposes of the
// outcome. Agent failures never kill the worker.
func (d *Dispatcher) process(ctx context.Context, workerID string, item *types.WorkItem) {
	agent, ok := d.registry.For(item.WorkType)
	if !ok {
		// Claimed a type nobody handles; config changed under us.
		_ = d.queue.Fail(ctx, item, workerID,
			fmt.Errorf("%w: no agent for %s", types.ErrFatal, item.WorkType))
		return
	}
	if err := d.queue.Start(ctx, item.ID, workerID); err != nil {
		d.log.Warn("start failed", "work_id", item.ID, "error", err)
		return
	}
	stopHeartbeat := d.queue.StartHeartbeat(ctx, item.ID, workerID)
	defer stopHeartbeat()

	release, err := d.gate.acquire(ctx, item.WorkspaceID)
	if err != nil {
		return
	}
	started := time.Now()
	res, err := agent.Run(ctx, item)
	release()
	telemetry.RecordStageDuration(ctx, string(item.WorkType), time.Since(started))

	if err != nil {
		if failErr := d.queue.Fail(ctx, item, workerID, err); failErr != nil {
			d.log.Error("fail disposition failed", "work_id", item.ID, "error", failErr)
			return
		}
		d.signalParent(ctx, item)
		return
	}

	cascading := len(res.Children) > 0
	if err := d.queue.Complete(ctx, item, workerID, res.Work, cascading); err != nil {
		d.log.Error("complete failed", "work_id", item.ID, "error", err)
		return
	}
	for _, child := range res.Children {
		if _, err := d.cascade.Spawn(ctx, item, child); err != nil {
			// Depth guard or enqueue failure; the orphan scan settles
			// the parent if nothing spawned.
			d.log.Warn("child spawn failed",
				"work_id", item.ID, "child_type", child.WorkType, "error", err)
		}
	}
	if !cascading {
		d.signalParent(ctx, item)
	}
}

// signalParent nudges cascade settlement when a linked item reaches a
// terminal state. The coordinator re-checks actual states, so calling it
// for an item that went back to pending is harmless.
func (d *Dispatcher) signalParent(ctx context.Context, item *types.WorkItem) {
	if item.ParentWorkID == "" && (item.Cascade == nil || item.Cascade.RootID == "") {
		return
	}
	if err := d.cascade.OnChildTerminal(ctx, item); err != nil {
		d.log.Warn("cascade settle failed", "work_id", item.ID, "error", err)
	}
}
