// Package cascade tracks parent-child work lineage across a stage chain
// and signals when a chain has fully drained.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loamlabs/loam/internal/bus"
	"github.com/loamlabs/loam/internal/config"
	"github.com/loamlabs/loam/internal/queue"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// ErrDepthExceeded is returned when spawning a child would push the chain
// past the configured depth, which almost always means a routing loop.
var ErrDepthExceeded = errors.New("cascade depth exceeded")

// Coordinator records lineage when stages spawn follow-up work and
// derives cascade progress from the queue.
type Coordinator struct {
	store storage.Store
	queue *queue.Queue
	bus   *bus.Bus
	cfg   config.Dispatch
	log   *slog.Logger
}

// New creates a cascade coordinator.
func New(store storage.Store, q *queue.Queue, b *bus.Bus, cfg config.Dispatch, log *slog.Logger) *Coordinator {
	if cfg.CascadeMaxDepth <= 0 {
		cfg.CascadeMaxDepth = 8
	}
	if cfg.OrphanAfter <= 0 {
		cfg.OrphanAfter = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{store: store, queue: q, bus: b, cfg: cfg, log: log}
}

// Spawn enqueues a child work item linked to its parent. The child
// inherits the cascade root and increments the depth.
func (c *Coordinator) Spawn(ctx context.Context, parent *types.WorkItem, child *types.WorkItem) (*types.WorkItem, error) {
	if err := c.link(parent, child); err != nil {
		return nil, err
	}
	return c.queue.Enqueue(ctx, child)
}

// SpawnDebounced is Spawn through the coalescing path: at most one
// pending child per (basket, work type).
func (c *Coordinator) SpawnDebounced(ctx context.Context, parent *types.WorkItem, child *types.WorkItem) (*types.WorkItem, error) {
	if err := c.link(parent, child); err != nil {
		return nil, err
	}
	return c.queue.EnqueueDebounced(ctx, child)
}

func (c *Coordinator) link(parent, child *types.WorkItem) error {
	child.ParentWorkID = parent.ID
	meta := types.CascadeMeta{RootID: parent.ID, Depth: 1}
	if parent.Cascade != nil {
		if parent.Cascade.RootID != "" {
			meta.RootID = parent.Cascade.RootID
		}
		meta.Depth = parent.Cascade.Depth + 1
		meta.Trigger = parent.Cascade.Trigger
	}
	if child.Cascade != nil {
		if child.Cascade.Trigger != "" {
			meta.Trigger = child.Cascade.Trigger
		}
		if child.Cascade.EventID != 0 {
			meta.EventID = child.Cascade.EventID
		}
	}
	if meta.Depth > c.cfg.CascadeMaxDepth {
		return fmt.Errorf("%w: depth %d from root %s", ErrDepthExceeded, meta.Depth, meta.RootID)
	}
	child.Cascade = &meta
	return nil
}

// Status is the derived progress of one cascade chain.
type Status struct {
	RootID          string           `json:"root_id"`
	Active          bool             `json:"active"`
	Failed          bool             `json:"failed"`
	CompletedStages []types.WorkType `json:"completed_stages,omitempty"`
	Items           int              `json:"items"`
	FailedItems     int              `json:"failed_items"`
}

// Status walks the lineage tree under a root work item and reduces it to
// the cascade view: active while any descendant is non-terminal, failed
// when any link failed terminally.
func (c *Coordinator) Status(ctx context.Context, rootID string) (*Status, error) {
	root, err := c.store.GetWork(ctx, rootID)
	if err != nil {
		return nil, err
	}

	st := &Status{RootID: rootID}
	completed := make(map[types.WorkType]bool)

	items, err := c.descendants(ctx, root)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		st.Items++
		switch item.State {
		case types.WorkCompleted:
			completed[item.WorkType] = true
		case types.WorkFailed:
			st.FailedItems++
			st.Failed = true
		default:
			st.Active = true
		}
	}
	for wt := range completed {
		st.CompletedStages = append(st.CompletedStages, wt)
	}
	return st, nil
}

// descendants returns the root plus every item beneath it, breadth-first.
func (c *Coordinator) descendants(ctx context.Context, root *types.WorkItem) ([]*types.WorkItem, error) {
	all := []*types.WorkItem{root}
	frontier := []string{root.ID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		children, err := c.store.ListWork(ctx, types.WorkFilter{ParentWorkID: &id})
		if err != nil {
			return nil, fmt.Errorf("list children of %s: %w", id, err)
		}
		for _, child := range children {
			all = append(all, child)
			frontier = append(frontier, child.ID)
		}
	}
	return all, nil
}

// OnChildTerminal settles the cascade after a descendant finishes. When
// the root sits in cascading and nothing under it is still moving, the
// root completes and work.cascade_completed fires.
func (c *Coordinator) OnChildTerminal(ctx context.Context, item *types.WorkItem) error {
	rootID := item.ParentWorkID
	if item.Cascade != nil && item.Cascade.RootID != "" {
		rootID = item.Cascade.RootID
	}
	if rootID == "" {
		return nil
	}
	return c.settle(ctx, rootID)
}

// settle completes a cascading root whose descendants have all reached a
// terminal state.
func (c *Coordinator) settle(ctx context.Context, rootID string) error {
	root, err := c.store.GetWork(ctx, rootID)
	if err != nil {
		return err
	}
	if root.State != types.WorkCascading {
		return nil
	}

	items, err := c.descendants(ctx, root)
	if err != nil {
		return err
	}
	failed := 0
	for _, item := range items {
		if item.ID == root.ID {
			continue
		}
		if !item.State.Terminal() {
			return nil
		}
		if item.State == types.WorkFailed {
			failed++
		}
	}

	if err := c.store.FinishCascade(ctx, root.ID); err != nil {
		return fmt.Errorf("finish cascade %s: %w", root.ID, err)
	}
	_, err = c.bus.Emit(ctx, types.TopicCascadeCompleted, root.WorkspaceID, root.BasketID, "cascade",
		types.CascadeCompletedPayload{RootWorkID: root.ID, Items: len(items), Failed: failed})
	if err != nil {
		return err
	}
	c.log.Info("cascade completed", "root", root.ID, "items", len(items), "failed", failed)
	return nil
}

// RunOrphanScan periodically settles cascades that stopped making
// progress: roots stuck in cascading past the orphan horizon whose
// descendants are all terminal (a missed completion signal), or with
// descendants lost entirely. Blocks until ctx ends.
func (c *Coordinator) RunOrphanScan(ctx context.Context) error {
	interval := c.cfg.OrphanAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := c.ScanOrphans(ctx); err != nil {
				c.log.Warn("orphan scan failed", "error", err)
			} else if n > 0 {
				c.log.Info("orphan scan settled cascades", "count", n)
			}
		}
	}
}

// ScanOrphans runs one orphan pass and returns how many stuck roots it
// settled.
func (c *Coordinator) ScanOrphans(ctx context.Context) (int, error) {
	state := types.WorkCascading
	stuck, err := c.store.ListWork(ctx, types.WorkFilter{State: &state})
	if err != nil {
		return 0, err
	}
	horizon := time.Now().Add(-c.cfg.OrphanAfter)
	settled := 0
	for _, root := range stuck {
		if root.UpdatedAt.After(horizon) {
			continue
		}
		if err := c.settle(ctx, root.ID); err != nil {
			c.log.Warn("orphaned cascade not settled", "root", root.ID, "error", err)
			continue
		}
		fresh, err := c.store.GetWork(ctx, root.ID)
		if err == nil && fresh.State == types.WorkCompleted {
			settled++
		}
	}
	return settled, nil
}
