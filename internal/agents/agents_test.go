package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/loamlabs/loam/internal/basketctx"
	"github.com/loamlabs/loam/internal/bus"
	"github.com/loamlabs/loam/internal/config"
	"github.com/loamlabs/loam/internal/embedding"
	"github.com/loamlabs/loam/internal/governance"
	"github.com/loamlabs/loam/internal/reasoner"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/storage/memory"
	"github.com/loamlabs/loam/internal/types"
)

type testEnv struct {
	store  *memory.Store
	bus    *bus.Bus
	engine *governance.Engine
	ctxsvc *basketctx.Service
	script *reasoner.Scripted
	basket *types.Basket
	deps   Deps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	s := memory.New()
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureWorkspace(ctx, &types.Workspace{ID: "ws-1", Name: "test"}))
	basket := &types.Basket{WorkspaceID: "ws-1", Name: "thread", Status: types.BasketActive}
	require.NoError(t, s.CreateBasket(ctx, basket))

	embedder, err := embedding.NewLocal(128)
	require.NoError(t, err)
	ctxsvc := basketctx.New(s, embedder, config.Context{
		StaleAfter: 14 * 24 * time.Hour,
		MaxBlocks:  200,
	}, slog.Default())
	b := bus.New(s, config.Bus{}, slog.Default())
	engine := governance.NewEngine(s, b, ctxsvc, nil, slog.Default())

	script := reasoner.NewScripted()
	env := &testEnv{store: s, bus: b, engine: engine, ctxsvc: ctxsvc, script: script, basket: basket}
	env.deps = Deps{
		Store:    s,
		Bus:      b,
		Engine:   engine,
		Context:  ctxsvc,
		Reasoner: script,
		Dispatch: config.Dispatch{},
		Log:      slog.Default(),
	}
	return env
}

func (env *testEnv) workItem(t *testing.T, wt types.WorkType, payload any) *types.WorkItem {
	t.Helper()
	raw, err := types.MarshalPayload(payload)
	require.NoError(t, err)
	return &types.WorkItem{
		ID:          uuid.NewString(),
		WorkType:    wt,
		Payload:     raw,
		State:       types.WorkProcessing,
		WorkspaceID: env.basket.WorkspaceID,
		BasketID:    env.basket.ID,
	}
}

func (env *testEnv) captureDump(t *testing.T, body string) *types.RawDump {
	t.Helper()
	res, err := env.store.CaptureDump(context.Background(), storage.CaptureRequest{
		Dump: &types.RawDump{
			BasketID:    env.basket.ID,
			WorkspaceID: env.basket.WorkspaceID,
			Body:        body,
		},
		RequestID: uuid.NewString(),
		Actor:     "tester",
	})
	require.NoError(t, err)
	return res.Dump
}

// seedBlock commits a block through governance as a human edit so tests
// start from real substrate.
func (env *testEnv) seedBlock(t *testing.T, title, semanticType, content string) *types.Block {
	t.Helper()
	out, err := env.engine.Submit(context.Background(), &types.Proposal{
		BasketID:    env.basket.ID,
		WorkspaceID: env.basket.WorkspaceID,
		Origin:      types.OriginHuman,
		Confidence:  1,
		Ops: []types.Operation{{
			Kind: types.OpCreateBlock,
			CreateBlock: &types.CreateBlockOp{
				Title:        title,
				SemanticType: semanticType,
				Content:      content,
				Confidence:   0.9,
			},
		}},
	}, "seed:"+title)
	require.NoError(t, err)
	require.Equal(t, types.ProposalCommitted, out.State)

	delta, err := env.store.GetDelta(context.Background(), out.DeltaID)
	require.NoError(t, err)
	require.Len(t, delta.BlockIDs(), 1)
	block, err := env.store.GetBlock(context.Background(), delta.BlockIDs()[0])
	require.NoError(t, err)
	return block
}

func (env *testEnv) eventsOn(t *testing.T, topic types.Topic) []*types.Event {
	t.Helper()
	events, err := env.store.EventsAfter(context.Background(), 0, []types.Topic{topic}, 100)
	require.NoError(t, err)
	return events
}

func TestSubstrateProposesAndCommits(t *testing.T) {
	env := newTestEnv(t)
	dump := env.captureDump(t, "Kai wants the launch moved to March; budget stays fixed")
	env.script.Push(`{
		"confidence": 0.9,
		"blocks": [
			{"title": "Launch moves to March", "semantic_type": "goal", "content": "Kai asked for a March launch.", "confidence": 0.9},
			{"title": "Budget is fixed", "semantic_type": "constraint", "content": "No additional budget.", "confidence": 0.85}
		],
		"context_items": [{"type": "person", "label": "Kai"}]
	}`)

	agent := NewSubstrate(env.deps)
	res, err := agent.Run(context.Background(), env.workItem(t, types.WorkSubstrate, types.SubstratePayload{DumpID: dump.ID}))
	require.NoError(t, err)
	require.False(t, res.Work.Skipped)
	require.Len(t, res.Work.ProposalIDs, 1)
	require.NotEmpty(t, res.Work.DeltaID)

	p, err := env.store.GetProposal(context.Background(), res.Work.ProposalIDs[0])
	require.NoError(t, err)
	require.Equal(t, types.ProposalCommitted, p.State)
	require.Equal(t, types.AgentOrigin("p1_substrate"), p.Origin)
	require.Contains(t, p.Provenance, "dump:"+dump.ID)

	blocks, err := env.store.ListBlocks(context.Background(), env.basket.ID, types.BlockFilter{})
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	items, err := env.store.ListContextItems(context.Background(), env.basket.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "Kai", items[0].Label)

	// A committed interpretation spawns the reflection stage as a cascade
	// child; graph stays out while the stage is disabled.
	require.Len(t, res.Children, 1)
	child := res.Children[0]
	require.Equal(t, types.WorkReflection, child.WorkType)
	require.Equal(t, types.CoalesceKey(env.basket.ID, types.WorkReflection), child.WorkKey)
	var refl types.ReflectionPayload
	require.NoError(t, types.UnmarshalPayload(child.Payload, &refl))
	require.Equal(t, res.Work.DeltaID, refl.DeltaID)
}

func TestSubstrateCommitBindsCaptureRequest(t *testing.T) {
	env := newTestEnv(t)
	dump := env.captureDump(t, "the trust signed the easement")
	env.script.Push(`{
		"confidence": 0.9,
		"blocks": [{"title": "Easement signed", "semantic_type": "fact", "content": "Signed Tuesday.", "confidence": 0.9}]
	}`)

	agent := NewSubstrate(env.deps)
	res, err := agent.Run(context.Background(), env.workItem(t, types.WorkSubstrate, types.SubstratePayload{
		DumpID:    dump.ID,
		RequestID: "req-capture-7",
	}))
	require.NoError(t, err)
	require.NotEmpty(t, res.Work.DeltaID)

	rec, err := env.store.GetIdempotencyRecord(context.Background(), "req-capture-7")
	require.NoError(t, err)
	require.Equal(t, res.Work.DeltaID, rec.DeltaID)
}

func TestSubstrateEmptyPlanSkips(t *testing.T) {
	env := newTestEnv(t)
	dump := env.captureDump(t, "ok")
	env.script.Push(`{}`)

	agent := NewSubstrate(env.deps)
	res, err := agent.Run(context.Background(), env.workItem(t, types.WorkSubstrate, types.SubstratePayload{DumpID: dump.ID}))
	require.NoError(t, err)
	require.True(t, res.Work.Skipped)

	proposals, err := env.store.ListProposals(context.Background(), env.basket.ID, types.ProposalFilter{})
	require.NoError(t, err)
	require.Empty(t, proposals)
}

func TestSubstrateMalformedReplyIsTransient(t *testing.T) {
	env := newTestEnv(t)
	dump := env.captureDump(t, "something")
	env.script.Push("I could not produce a plan for that.")

	agent := NewSubstrate(env.deps)
	_, err := agent.Run(context.Background(), env.workItem(t, types.WorkSubstrate, types.SubstratePayload{DumpID: dump.ID}))
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrTransient))
}

func TestSubstrateLowConfidenceHeldForReview(t *testing.T) {
	env := newTestEnv(t)
	dump := env.captureDump(t, "maybe the vendor mentioned a discount, unclear")
	env.script.Push(`{
		"confidence": 0.2,
		"blocks": [{"title": "Vendor discount", "semantic_type": "fact", "content": "Possibly 10%.", "confidence": 0.2}]
	}`)

	agent := NewSubstrate(env.deps)
	res, err := agent.Run(context.Background(), env.workItem(t, types.WorkSubstrate, types.SubstratePayload{DumpID: dump.ID}))
	require.NoError(t, err)

	p, err := env.store.GetProposal(context.Background(), res.Work.ProposalIDs[0])
	require.NoError(t, err)
	require.Equal(t, types.ProposalValidated, p.State)
	require.Equal(t, types.DecisionRequireReview, p.Report.Decision)
	require.Empty(t, res.Children, "held proposals must not spawn downstream stages")

	blocks, err := env.store.ListBlocks(context.Background(), env.basket.ID, types.BlockFilter{})
	require.NoError(t, err)
	require.Empty(t, blocks)
	require.Len(t, env.eventsOn(t, types.TopicProposalReviewRequested), 1)
}

func TestSubstrateRevisionTracksCurrentVersion(t *testing.T) {
	env := newTestEnv(t)
	block := env.seedBlock(t, "Launch window", "goal", "Launch in April.")
	dump := env.captureDump(t, "launch slipped to May")
	env.script.Push(fmt.Sprintf(`{
		"confidence": 0.9,
		"revisions": [{"block_id": %q, "content": "Launch in May.", "summary": "window slipped"}]
	}`, block.ID))

	agent := NewSubstrate(env.deps)
	res, err := agent.Run(context.Background(), env.workItem(t, types.WorkSubstrate, types.SubstratePayload{DumpID: dump.ID}))
	require.NoError(t, err)
	require.NotEmpty(t, res.Work.DeltaID)

	got, err := env.store.GetBlock(context.Background(), block.ID)
	require.NoError(t, err)
	require.Equal(t, "Launch in May.", got.Content)
	require.Equal(t, block.Version+1, got.Version)
}

func TestGraphProposesEdges(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Dispatch.EnableGraphStage = true
	first := env.seedBlock(t, "River easement", "fact", "Trust controls the east bank.")
	second := env.seedBlock(t, "Trail alignment", "goal", "Route the trail along the east bank.")

	reply := fmt.Sprintf(`{
		"confidence": 0.9,
		"relationships": [
			{"from": "block:%s", "to": "block:%s", "type": "supports", "strength": 0.8},
			{"from": "garbage", "to": "block:%s", "type": "mentions", "strength": 0.5}
		]
	}`, first.ID, second.ID, second.ID)
	env.script.Push(reply)

	agent := NewGraph(env.deps)
	res, err := agent.Run(context.Background(), env.workItem(t, types.WorkGraph, types.GraphPayload{}))
	require.NoError(t, err)
	require.Len(t, res.Work.ProposalIDs, 1)

	rels, err := env.store.ListRelationships(context.Background(), env.basket.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	require.Equal(t, "supports", rels[0].Type)

	// Same edges again: everything already exists, nothing to propose.
	env.script.Push(reply)
	res, err = agent.Run(context.Background(), env.workItem(t, types.WorkGraph, types.GraphPayload{}))
	require.NoError(t, err)
	require.True(t, res.Work.Skipped)
}

func TestReflectionComputesPatterns(t *testing.T) {
	env := newTestEnv(t)
	env.seedBlock(t, "Launch window", "goal", "Launch in April.")
	env.seedBlock(t, "Budget is fixed", "constraint", "No additional budget.")
	env.script.Push("The basket centers on a spring launch constrained by a flat budget.")

	agent := NewReflection(env.deps)
	res, err := agent.Run(context.Background(), env.workItem(t, types.WorkReflection, types.ReflectionPayload{Reason: "commit"}))
	require.NoError(t, err)
	require.NotEmpty(t, res.Work.ReflectionID)

	refl, err := env.store.LatestReflection(context.Background(), env.basket.ID, ReflectionKind)
	require.NoError(t, err)
	require.Equal(t, res.Work.ReflectionID, refl.ID)
	require.Contains(t, refl.Body, "spring launch")
	require.NotEmpty(t, refl.Inputs)
	require.Equal(t, "commit", refl.Meta["reason"])
	require.Len(t, env.eventsOn(t, types.TopicReflectionComputed), 1)
}

func TestReflectionEmptyBasketSkips(t *testing.T) {
	env := newTestEnv(t)
	agent := NewReflection(env.deps)
	res, err := agent.Run(context.Background(), env.workItem(t, types.WorkReflection, types.ReflectionPayload{}))
	require.NoError(t, err)
	require.True(t, res.Work.Skipped)
	require.Empty(t, env.script.Calls())
}

func TestComposeNewDocument(t *testing.T) {
	env := newTestEnv(t)
	env.seedBlock(t, "Launch window", "goal", "Launch in April.")
	env.script.Push("# Launch plan\n\nThe launch lands in April.")

	agent := NewCompose(env.deps)
	res, err := agent.Run(context.Background(), env.workItem(t, types.WorkCompose, types.ComposePayload{
		Title:  "Launch plan",
		Intent: "summarize the launch",
	}))
	require.NoError(t, err)
	require.Len(t, res.Work.DocumentIDs, 1)

	doc, err := env.store.GetDocument(context.Background(), res.Work.DocumentIDs[0])
	require.NoError(t, err)
	require.Equal(t, 1, doc.Version)
	require.Contains(t, doc.Body, "April")
	require.NotEmpty(t, doc.References)
	require.False(t, doc.Stale)
	require.Len(t, env.eventsOn(t, types.TopicDocumentComposed), 1)
}

func TestComposeRefreshesStaleDocuments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	block := env.seedBlock(t, "Launch window", "goal", "Launch in April.")
	env.script.Push("The launch lands in April.")

	agent := NewCompose(env.deps)
	res, err := agent.Run(ctx, env.workItem(t, types.WorkCompose, types.ComposePayload{Title: "Launch plan"}))
	require.NoError(t, err)
	docID := res.Work.DocumentIDs[0]

	// Touching a referenced block flags the document for recomposition.
	out, err := env.engine.Submit(ctx, &types.Proposal{
		BasketID:    env.basket.ID,
		WorkspaceID: env.basket.WorkspaceID,
		Origin:      types.OriginHuman,
		Confidence:  1,
		Ops: []types.Operation{{
			Kind: types.OpReviseBlock,
			ReviseBlock: &types.ReviseBlockOp{
				BlockID:     block.ID,
				FromVersion: block.Version,
				Content:     "Launch in May.",
				Summary:     "window slipped",
			},
		}},
	}, "revise:"+block.ID)
	require.NoError(t, err)
	require.Equal(t, types.ProposalCommitted, out.State)

	stale, err := env.store.ListDocuments(ctx, env.basket.ID, true)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	env.script.Push("The launch lands in May.")
	res, err = agent.Run(ctx, env.workItem(t, types.WorkCompose, types.ComposePayload{}))
	require.NoError(t, err)
	require.Equal(t, []string{docID}, res.Work.DocumentIDs)

	doc, err := env.store.GetDocument(ctx, docID)
	require.NoError(t, err)
	require.False(t, doc.Stale)
	require.Equal(t, 2, doc.Version)
	require.Contains(t, doc.Body, "May")
}

func TestComposeNothingToDoSkips(t *testing.T) {
	env := newTestEnv(t)
	env.seedBlock(t, "Launch window", "goal", "Launch in April.")

	agent := NewCompose(env.deps)
	res, err := agent.Run(context.Background(), env.workItem(t, types.WorkCompose, types.ComposePayload{}))
	require.NoError(t, err)
	require.True(t, res.Work.Skipped)
	require.Empty(t, env.script.Calls())
}

func TestManualEditGovernsOps(t *testing.T) {
	env := newTestEnv(t)
	agent := NewManualEdit(env.deps)
	res, err := agent.Run(context.Background(), env.workItem(t, types.WorkManualEdit, types.ManualEditPayload{
		Actor: "sam",
		Ops: []types.Operation{{
			Kind: types.OpCreateBlock,
			CreateBlock: &types.CreateBlockOp{
				Title:      "Meeting cadence",
				Content:    "Standup moves to Tuesdays.",
				Confidence: 1,
			},
		}},
	}))
	require.NoError(t, err)
	require.Len(t, res.Work.ProposalIDs, 1)

	p, err := env.store.GetProposal(context.Background(), res.Work.ProposalIDs[0])
	require.NoError(t, err)
	require.Equal(t, types.ProposalCommitted, p.State)
	require.Equal(t, types.OriginHuman, p.Origin)

	blocks, err := env.store.ListBlocks(context.Background(), env.basket.ID, types.BlockFilter{})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, types.BlockProposed, blocks[0].State)
}

func TestTimelineRestoreReplays(t *testing.T) {
	env := newTestEnv(t)
	env.seedBlock(t, "Launch window", "goal", "Launch in April.")

	agent := NewTimelineRestore(env.deps)
	res, err := agent.Run(context.Background(), env.workItem(t, types.WorkTimelineRestore, types.TimelineRestorePayload{SinceEventID: 0}))
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Work.EventsIn)
	require.Len(t, res.Children, 1)

	child := res.Children[0]
	require.Equal(t, types.WorkReflection, child.WorkType)
	require.Equal(t, types.CoalesceKey(env.basket.ID, types.WorkReflection), child.WorkKey)
}

func TestTimelineRestoreNothingPastCursor(t *testing.T) {
	env := newTestEnv(t)
	agent := NewTimelineRestore(env.deps)
	res, err := agent.Run(context.Background(), env.workItem(t, types.WorkTimelineRestore, types.TimelineRestorePayload{SinceEventID: 1 << 30}))
	require.NoError(t, err)
	require.True(t, res.Work.Skipped)
}

func TestDefaultRegistry(t *testing.T) {
	env := newTestEnv(t)

	reg := DefaultRegistry(env.deps)
	if _, ok := reg.For(types.WorkGraph); ok {
		t.Fatal("graph agent registered without the stage enabled")
	}
	if _, ok := reg.For(types.WorkProposalReview); ok {
		t.Fatal("proposal review should have no agent")
	}
	if _, ok := reg.For(types.WorkCapture); ok {
		t.Fatal("capture runs inline, it should have no agent")
	}
	for _, wt := range []types.WorkType{
		types.WorkSubstrate, types.WorkReflection,
		types.WorkCompose, types.WorkManualEdit, types.WorkTimelineRestore,
	} {
		if _, ok := reg.For(wt); !ok {
			t.Fatalf("no agent for %s", wt)
		}
	}

	env.deps.Dispatch.EnableGraphStage = true
	reg = DefaultRegistry(env.deps)
	if _, ok := reg.For(types.WorkGraph); !ok {
		t.Fatal("graph agent missing with the stage enabled")
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "abcde…", truncate("abcdefgh", 5))

	// Cutting inside a multi-byte rune backs up to the rune boundary.
	got := truncate("日本語のテキスト", 7)
	require.True(t, utf8.ValidString(got), "truncate produced invalid UTF-8: %q", got)
	require.Equal(t, "日本…", got)
}
