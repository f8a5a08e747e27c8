// Package orchestrator assembles the pipeline and exposes its external
// surface: capture, proposals and decisions, block lifecycle, basket
// management, and work status. The daemon and the RPC layer both sit on
// this package; nothing below it is reachable from outside.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loamlabs/loam/internal/agents"
	"github.com/loamlabs/loam/internal/basketctx"
	"github.com/loamlabs/loam/internal/bus"
	"github.com/loamlabs/loam/internal/cascade"
	"github.com/loamlabs/loam/internal/config"
	"github.com/loamlabs/loam/internal/dispatch"
	"github.com/loamlabs/loam/internal/embedding"
	"github.com/loamlabs/loam/internal/governance"
	"github.com/loamlabs/loam/internal/queue"
	"github.com/loamlabs/loam/internal/reasoner"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// Options overrides collaborators the orchestrator would otherwise build
// from configuration. Tests inject a memory store and a scripted
// reasoner here.
type Options struct {
	Store    storage.Store
	Reasoner reasoner.Reasoner
	Embedder embedding.Embedder
	Log      *slog.Logger
}

// Orchestrator owns the assembled pipeline and its background loops.
type Orchestrator struct {
	cfg        *config.Pipeline
	store      storage.Store
	bus        *bus.Bus
	queue      *queue.Queue
	engine     *governance.Engine
	ctxsvc     *basketctx.Service
	cascade    *cascade.Coordinator
	dispatcher *dispatch.Dispatcher
	log        *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New assembles the pipeline from configuration, applying any overrides.
func New(cfg *config.Pipeline, opts Options) (*Orchestrator, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	store := opts.Store
	if store == nil {
		return nil, fmt.Errorf("orchestrator needs a store")
	}

	embedder := opts.Embedder
	if embedder == nil {
		local, err := embedding.NewLocal(cfg.Embedding.Dimensions)
		if err != nil {
			return nil, err
		}
		embedder = local
		if cfg.Embedding.CacheURL != "" {
			cached, err := embedding.NewCache(local, cfg.Embedding.CacheURL,
				embedding.WithTTL(cfg.Embedding.CacheTTL))
			if err != nil {
				return nil, fmt.Errorf("embedding cache: %w", err)
			}
			embedder = cached
		}
	}

	rsn := opts.Reasoner
	if rsn == nil {
		built, err := reasoner.NewAnthropic(cfg.Reasoner, "")
		if err != nil {
			return nil, err
		}
		rsn = built
	}

	policy, err := cfg.LoadPolicy()
	if err != nil {
		return nil, err
	}

	b := bus.New(store, cfg.Bus, log)
	q := queue.New(store, cfg.Queue, log)
	ctxsvc := basketctx.New(store, embedder, cfg.Context, log)
	engine := governance.NewEngine(store, b, ctxsvc, policy, log)
	casc := cascade.New(store, q, b, cfg.Dispatch, log)

	registry := agents.DefaultRegistry(agents.Deps{
		Store:    store,
		Bus:      b,
		Engine:   engine,
		Context:  ctxsvc,
		Reasoner: rsn,
		Dispatch: cfg.Dispatch,
		Log:      log,
	})
	dispatcher := dispatch.New(q, b, casc, registry, cfg.Dispatch, log)

	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		bus:        b,
		queue:      q,
		engine:     engine,
		ctxsvc:     ctxsvc,
		cascade:    casc,
		dispatcher: dispatcher,
		log:        log,
	}, nil
}

// Start launches the background loops: dispatcher, bus sweeper, lease
// reaper, cascade orphan scan, and the policy file watcher when one is
// configured. Event routing resumes at the current log tail; everything
// already in the log was routed by the previous run.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return fmt.Errorf("orchestrator already started")
	}

	fromID, err := o.store.LatestEventID(ctx)
	if err != nil {
		return fmt.Errorf("resolve event cursor: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return o.dispatcher.Run(runCtx, fromID) })
	g.Go(func() error { return o.bus.RunSweeper(runCtx) })
	g.Go(func() error { return o.queue.RunReaper(runCtx) })
	g.Go(func() error { return o.cascade.RunOrphanScan(runCtx) })
	if path := o.cfg.Governance.PolicyFile; path != "" {
		g.Go(func() error {
			return config.WatchPolicyFile(runCtx, path, o.log, o.engine.SetDefaultPolicy)
		})
	}

	o.cancel = cancel
	o.group = g
	o.log.Info("pipeline started", "workers", o.cfg.Dispatch.Workers, "event_cursor", fromID)
	return nil
}

// Stop shuts the background loops down and waits for them to drain.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	cancel, group := o.cancel, o.group
	o.cancel, o.group = nil, nil
	o.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Subscribe opens a cursor-based event subscription.
func (o *Orchestrator) Subscribe(ctx context.Context, topics []types.Topic, fromID int64) (*bus.Subscription, error) {
	return o.bus.Subscribe(ctx, topics, fromID)
}

// Events reads the event log directly, for timelines and catch-up reads.
func (o *Orchestrator) Events(ctx context.Context, afterID int64, topics []types.Topic, limit int) ([]*types.Event, error) {
	return o.store.EventsAfter(ctx, afterID, topics, limit)
}

// QueueStats summarizes the work queue for a workspace.
func (o *Orchestrator) QueueStats(ctx context.Context, workspaceID string) (*storage.QueueStats, error) {
	return o.queue.Stats(ctx, workspaceID)
}
