package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loamlabs/loam/internal/agents"
	"github.com/loamlabs/loam/internal/basketctx"
	"github.com/loamlabs/loam/internal/bus"
	"github.com/loamlabs/loam/internal/cascade"
	"github.com/loamlabs/loam/internal/config"
	"github.com/loamlabs/loam/internal/embedding"
	"github.com/loamlabs/loam/internal/governance"
	"github.com/loamlabs/loam/internal/queue"
	"github.com/loamlabs/loam/internal/reasoner"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/storage/memory"
	"github.com/loamlabs/loam/internal/types"
)

type testEnv struct {
	store      *memory.Store
	bus        *bus.Bus
	queue      *queue.Queue
	script     *reasoner.Scripted
	dispatcher *Dispatcher
	basket     *types.Basket
}

func newTestEnv(t *testing.T, cfg config.Dispatch) *testEnv {
	t.Helper()
	ctx := context.Background()

	s := memory.New()
	t.Cleanup(func() { _ = s.Close() })
	if err := s.EnsureWorkspace(ctx, &types.Workspace{ID: "ws-1", Name: "test"}); err != nil {
		t.Fatalf("EnsureWorkspace() error = %v", err)
	}
	basket := &types.Basket{WorkspaceID: "ws-1", Name: "thread", Status: types.BasketActive}
	if err := s.CreateBasket(ctx, basket); err != nil {
		t.Fatalf("CreateBasket() error = %v", err)
	}

	embedder, err := embedding.NewLocal(128)
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	ctxsvc := basketctx.New(s, embedder, config.Context{StaleAfter: 14 * 24 * time.Hour, MaxBlocks: 200}, slog.Default())
	b := bus.New(s, config.Bus{}, slog.Default())
	engine := governance.NewEngine(s, b, ctxsvc, nil, slog.Default())
	q := queue.New(s, config.Queue{
		Lease: time.Minute, Heartbeat: 10 * time.Second,
		MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond,
	}, slog.Default())
	casc := cascade.New(s, q, b, cfg, slog.Default())

	script := reasoner.NewScripted()
	reg := agents.DefaultRegistry(agents.Deps{
		Store:    s,
		Bus:      b,
		Engine:   engine,
		Context:  ctxsvc,
		Reasoner: script,
		Dispatch: cfg,
		Log:      slog.Default(),
	})
	d := New(q, b, casc, reg, cfg, slog.Default())
	return &testEnv{store: s, bus: b, queue: q, script: script, dispatcher: d, basket: basket}
}

func (env *testEnv) emit(t *testing.T, topic types.Topic, payload any) *types.Event {
	t.Helper()
	e, err := env.bus.Emit(context.Background(), topic, env.basket.WorkspaceID, env.basket.ID, "tester", payload)
	if err != nil {
		t.Fatalf("Emit(%s) error = %v", topic, err)
	}
	return e
}

func (env *testEnv) pendingWork(t *testing.T, wt types.WorkType) []*types.WorkItem {
	t.Helper()
	state := types.WorkPending
	items, err := env.store.ListWork(context.Background(), types.WorkFilter{State: &state, WorkType: &wt})
	if err != nil {
		t.Fatalf("ListWork() error = %v", err)
	}
	return items
}

func TestRouteDumpCreated(t *testing.T) {
	env := newTestEnv(t, config.Dispatch{Workers: 1})
	e := env.emit(t, types.TopicDumpCreated, types.DumpCreatedPayload{DumpID: "d-1", RequestID: "req-1"})

	if err := env.dispatcher.routeEvent(context.Background(), e); err != nil {
		t.Fatalf("routeEvent() error = %v", err)
	}
	items := env.pendingWork(t, types.WorkSubstrate)
	if len(items) != 1 {
		t.Fatalf("substrate items = %d, want 1", len(items))
	}
	var payload types.SubstratePayload
	if err := types.UnmarshalPayload(items[0].Payload, &payload); err != nil {
		t.Fatalf("UnmarshalPayload() error = %v", err)
	}
	if payload.DumpID != "d-1" {
		t.Errorf("dump = %q, want d-1", payload.DumpID)
	}
	if payload.RequestID != "req-1" {
		t.Errorf("request = %q, want the capture request carried through", payload.RequestID)
	}
	if items[0].Cascade == nil || items[0].Cascade.Trigger != types.TopicDumpCreated || items[0].Cascade.EventID != e.ID {
		t.Errorf("cascade meta = %+v", items[0].Cascade)
	}
}

func TestRouteSubstrateCommittedCoalesces(t *testing.T) {
	env := newTestEnv(t, config.Dispatch{Workers: 1, EnableGraphStage: true})
	ctx := context.Background()

	for _, delta := range []string{"delta-1", "delta-2"} {
		e := env.emit(t, types.TopicSubstrateCommitted, types.SubstrateCommittedPayload{DeltaID: delta})
		if err := env.dispatcher.routeEvent(ctx, e); err != nil {
			t.Fatalf("routeEvent() error = %v", err)
		}
	}

	// Reflection coalesces per basket; graph runs once per delta.
	if got := env.pendingWork(t, types.WorkReflection); len(got) != 1 {
		t.Errorf("reflection items = %d, want 1", len(got))
	}
	if got := env.pendingWork(t, types.WorkGraph); len(got) != 2 {
		t.Errorf("graph items = %d, want 2", len(got))
	}
}

// Agent-origin commits spawn their follow-up stages as cascade children
// of the committing work item; the routing table must leave them alone.
func TestRouteSubstrateCommittedSkipsAgentOrigin(t *testing.T) {
	env := newTestEnv(t, config.Dispatch{Workers: 1, EnableGraphStage: true})
	e := env.emit(t, types.TopicSubstrateCommitted, types.SubstrateCommittedPayload{
		DeltaID: "delta-1",
		Origin:  types.AgentOrigin("p1_substrate"),
	})
	if err := env.dispatcher.routeEvent(context.Background(), e); err != nil {
		t.Fatalf("routeEvent() error = %v", err)
	}
	if got := env.pendingWork(t, types.WorkReflection); len(got) != 0 {
		t.Errorf("reflection items = %d, want 0", len(got))
	}
	if got := env.pendingWork(t, types.WorkGraph); len(got) != 0 {
		t.Errorf("graph items = %d, want 0", len(got))
	}
}

func TestRouteReflectionComputedHonorsToggle(t *testing.T) {
	env := newTestEnv(t, config.Dispatch{Workers: 1})
	e := env.emit(t, types.TopicReflectionComputed, types.ReflectionComputedPayload{ReflectionID: "r-1"})
	if err := env.dispatcher.routeEvent(context.Background(), e); err != nil {
		t.Fatalf("routeEvent() error = %v", err)
	}
	if got := env.pendingWork(t, types.WorkCompose); len(got) != 0 {
		t.Fatalf("compose items = %d, want 0 with the toggle off", len(got))
	}

	env = newTestEnv(t, config.Dispatch{Workers: 1, ComposeOnReflection: true})
	e = env.emit(t, types.TopicReflectionComputed, types.ReflectionComputedPayload{ReflectionID: "r-1"})
	if err := env.dispatcher.routeEvent(context.Background(), e); err != nil {
		t.Fatalf("routeEvent() error = %v", err)
	}
	if got := env.pendingWork(t, types.WorkCompose); len(got) != 1 {
		t.Fatalf("compose items = %d, want 1 with the toggle on", len(got))
	}
}

func TestRouteComposeRequestKeepsPayload(t *testing.T) {
	env := newTestEnv(t, config.Dispatch{Workers: 1})
	e := env.emit(t, types.TopicComposeRequested, types.ComposeRequestedPayload{Title: "Overview", Intent: "summarize", RequestedBy: "sam"})
	if err := env.dispatcher.routeEvent(context.Background(), e); err != nil {
		t.Fatalf("routeEvent() error = %v", err)
	}
	items := env.pendingWork(t, types.WorkCompose)
	if len(items) != 1 {
		t.Fatalf("compose items = %d, want 1", len(items))
	}
	if items[0].Priority != types.PriorityHigh {
		t.Errorf("priority = %d, want high", items[0].Priority)
	}
	var payload types.ComposePayload
	if err := types.UnmarshalPayload(items[0].Payload, &payload); err != nil {
		t.Fatalf("UnmarshalPayload() error = %v", err)
	}
	if payload.Title != "Overview" || payload.Intent != "summarize" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestRouteReviewRequestQueuesForHumans(t *testing.T) {
	env := newTestEnv(t, config.Dispatch{Workers: 1})
	e := env.emit(t, types.TopicProposalReviewRequested, types.ProposalEventPayload{ProposalID: "p-1", Decision: types.DecisionRequireReview})
	if err := env.dispatcher.routeEvent(context.Background(), e); err != nil {
		t.Fatalf("routeEvent() error = %v", err)
	}
	items := env.pendingWork(t, types.WorkProposalReview)
	if len(items) != 1 {
		t.Fatalf("review items = %d, want 1", len(items))
	}
	var payload types.ProposalReviewPayload
	if err := types.UnmarshalPayload(items[0].Payload, &payload); err != nil {
		t.Fatalf("UnmarshalPayload() error = %v", err)
	}
	if payload.ProposalID != "p-1" {
		t.Errorf("proposal = %q, want p-1", payload.ProposalID)
	}
}

func TestDebouncerCoalescesBursts(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []*types.WorkItem
	)
	enq := func(_ context.Context, item *types.WorkItem) error {
		mu.Lock()
		calls = append(calls, item)
		mu.Unlock()
		return nil
	}
	d := newDebouncer(20*time.Millisecond, enq, slog.Default())

	ctx := context.Background()
	for _, delta := range []string{"a", "b", "c"} {
		raw, _ := types.MarshalPayload(types.ReflectionPayload{DeltaID: delta})
		d.add(ctx, &types.WorkItem{
			WorkType: types.WorkReflection, WorkspaceID: "ws-1", BasketID: "basket-1", Payload: raw,
		})
	}
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("enqueues = %d, want 1", len(calls))
	}
	var payload types.ReflectionPayload
	if err := types.UnmarshalPayload(calls[0].Payload, &payload); err != nil {
		t.Fatalf("UnmarshalPayload() error = %v", err)
	}
	if payload.DeltaID != "c" {
		t.Errorf("delta = %q, want the latest trigger", payload.DeltaID)
	}
}

func TestDebouncerFlushDrainsHeldWork(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	enq := func(context.Context, *types.WorkItem) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}
	d := newDebouncer(time.Hour, enq, slog.Default())
	raw, _ := types.MarshalPayload(types.ReflectionPayload{})
	d.add(context.Background(), &types.WorkItem{
		WorkType: types.WorkReflection, WorkspaceID: "ws-1", BasketID: "basket-1", Payload: raw,
	})
	d.flush(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("enqueues after flush = %d, want 1", calls)
	}
}

func claimOne(t *testing.T, env *testEnv, wt types.WorkType) *types.WorkItem {
	t.Helper()
	item, err := env.queue.Claim(context.Background(), "w1", wt)
	if err != nil {
		t.Fatalf("Claim(%s) error = %v", wt, err)
	}
	return item
}

func TestProcessCompletesManualEdit(t *testing.T) {
	env := newTestEnv(t, config.Dispatch{Workers: 1})
	ctx := context.Background()

	raw, _ := types.MarshalPayload(types.ManualEditPayload{
		Actor: "sam",
		Ops: []types.Operation{{
			Kind:        types.OpCreateBlock,
			CreateBlock: &types.CreateBlockOp{Title: "Cadence", Content: "Standup on Tuesdays.", Confidence: 1},
		}},
	})
	if _, err := env.queue.Enqueue(ctx, &types.WorkItem{
		WorkType: types.WorkManualEdit, Payload: raw,
		WorkspaceID: env.basket.WorkspaceID, BasketID: env.basket.ID,
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	item := claimOne(t, env, types.WorkManualEdit)
	env.dispatcher.process(ctx, "w1", item)

	got, err := env.store.GetWork(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetWork() error = %v", err)
	}
	if got.State != types.WorkCompleted {
		t.Fatalf("state = %s, want completed (last error %q)", got.State, got.LastError)
	}
	if got.Result == nil || len(got.Result.ProposalIDs) != 1 {
		t.Fatalf("result = %+v", got.Result)
	}
	blocks, err := env.store.ListBlocks(ctx, env.basket.ID, types.BlockFilter{})
	if err != nil {
		t.Fatalf("ListBlocks() error = %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(blocks))
	}
}

func TestProcessSpawnsCascadeChildren(t *testing.T) {
	env := newTestEnv(t, config.Dispatch{Workers: 1, CascadeMaxDepth: 4})
	ctx := context.Background()

	res, err := env.store.CaptureDump(ctx, storage.CaptureRequest{
		Dump:      &types.RawDump{BasketID: env.basket.ID, WorkspaceID: env.basket.WorkspaceID, Body: "launch moves to March"},
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("CaptureDump() error = %v", err)
	}
	env.script.Push(`{
		"confidence": 0.9,
		"blocks": [{"title": "March launch", "semantic_type": "goal", "content": "Launch moves to March.", "confidence": 0.9}]
	}`)

	raw, _ := types.MarshalPayload(types.SubstratePayload{DumpID: res.Dump.ID, RequestID: "req-1"})
	if _, err := env.queue.Enqueue(ctx, &types.WorkItem{
		WorkType: types.WorkSubstrate, Payload: raw,
		WorkspaceID: env.basket.WorkspaceID, BasketID: env.basket.ID,
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	item := claimOne(t, env, types.WorkSubstrate)
	env.dispatcher.process(ctx, "w1", item)

	parent, err := env.store.GetWork(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetWork() error = %v", err)
	}
	if parent.State != types.WorkCascading {
		t.Fatalf("parent state = %s, want cascading", parent.State)
	}
	children := env.pendingWork(t, types.WorkReflection)
	if len(children) != 1 {
		t.Fatalf("children = %d, want 1", len(children))
	}
	if children[0].ParentWorkID != item.ID {
		t.Errorf("child parent = %q, want %q", children[0].ParentWorkID, item.ID)
	}
	if children[0].Cascade == nil || children[0].Cascade.RootID != item.ID {
		t.Errorf("child cascade = %+v, want root %q", children[0].Cascade, item.ID)
	}
}

func TestProcessFailureLeavesRetryableWork(t *testing.T) {
	env := newTestEnv(t, config.Dispatch{Workers: 1})
	ctx := context.Background()

	res, err := env.store.CaptureDump(ctx, storage.CaptureRequest{
		Dump:      &types.RawDump{BasketID: env.basket.ID, WorkspaceID: env.basket.WorkspaceID, Body: "note"},
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("CaptureDump() error = %v", err)
	}
	env.script.Push("not a plan")

	raw, _ := types.MarshalPayload(types.SubstratePayload{DumpID: res.Dump.ID})
	if _, err := env.queue.Enqueue(ctx, &types.WorkItem{
		WorkType: types.WorkSubstrate, Payload: raw,
		WorkspaceID: env.basket.WorkspaceID, BasketID: env.basket.ID,
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	item := claimOne(t, env, types.WorkSubstrate)
	env.dispatcher.process(ctx, "w1", item)

	got, err := env.store.GetWork(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetWork() error = %v", err)
	}
	if got.State != types.WorkPending {
		t.Fatalf("state = %s, want pending retry", got.State)
	}
	if !strings.Contains(got.LastError, "transient") {
		t.Errorf("last error = %q, want transient class", got.LastError)
	}
}

// TestPipelineEndToEnd runs the real loop: a captured dump flows through
// interpretation, commit, and reflection with a scripted reasoner.
func TestPipelineEndToEnd(t *testing.T) {
	env := newTestEnv(t, config.Dispatch{
		Workers: 2, Debounce: 10 * time.Millisecond, CascadeMaxDepth: 4,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env.script.Push(`{
		"confidence": 0.9,
		"blocks": [{"title": "March launch", "semantic_type": "goal", "content": "Launch moves to March.", "confidence": 0.9}]
	}`)
	env.script.Push("The basket is converging on a March launch.")

	done := make(chan error, 1)
	go func() { done <- env.dispatcher.Run(ctx, 0) }()

	if _, err := env.store.CaptureDump(ctx, storage.CaptureRequest{
		Dump:      &types.RawDump{BasketID: env.basket.ID, WorkspaceID: env.basket.WorkspaceID, Body: "launch moves to March"},
		RequestID: "req-e2e",
		Actor:     "tester",
	}); err != nil {
		t.Fatalf("CaptureDump() error = %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		refl, err := env.store.LatestReflection(ctx, env.basket.ID, agents.ReflectionKind)
		if err == nil {
			if !strings.Contains(refl.Body, "March") {
				t.Errorf("reflection body = %q", refl.Body)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the pipeline to reach reflection")
		case <-time.After(20 * time.Millisecond):
		}
	}

	blocks, err := env.store.ListBlocks(ctx, env.basket.ID, types.BlockFilter{})
	if err != nil {
		t.Fatalf("ListBlocks() error = %v", err)
	}
	if len(blocks) != 1 || blocks[0].Title != "March launch" {
		t.Fatalf("blocks = %+v", blocks)
	}

	cancel()
	if err := <-done; err != nil && !strings.Contains(err.Error(), "context canceled") {
		t.Fatalf("Run() error = %v", err)
	}
}
