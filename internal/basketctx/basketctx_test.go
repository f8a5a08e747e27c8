package basketctx

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/loamlabs/loam/internal/config"
	"github.com/loamlabs/loam/internal/embedding"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/storage/memory"
	"github.com/loamlabs/loam/internal/types"
)

func newTestService(t *testing.T, cfg config.Context) (*Service, *memory.Store, *types.Basket) {
	t.Helper()
	s := memory.New()
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	if err := s.EnsureWorkspace(ctx, &types.Workspace{ID: "ws-1", Name: "test"}); err != nil {
		t.Fatalf("EnsureWorkspace() error = %v", err)
	}
	basket := &types.Basket{WorkspaceID: "ws-1", Name: "research", Status: types.BasketActive}
	if err := s.CreateBasket(ctx, basket); err != nil {
		t.Fatalf("CreateBasket() error = %v", err)
	}

	emb, err := embedding.NewLocal(64)
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	return New(s, emb, cfg, nil), s, basket
}

func commitOps(t *testing.T, s *memory.Store, basket *types.Basket, ops []types.Operation) {
	t.Helper()
	ctx := context.Background()
	p, err := s.CreateProposal(ctx, &types.Proposal{
		BasketID:    basket.ID,
		WorkspaceID: basket.WorkspaceID,
		Origin:      types.AgentOrigin("p1_substrate"),
		Confidence:  0.9,
		Ops:         ops,
	}, "")
	if err != nil {
		t.Fatalf("CreateProposal() error = %v", err)
	}
	p, err = s.TransitionProposal(ctx, storage.ProposalTransition{
		ProposalID: p.ID, From: types.ProposalDraft, To: types.ProposalValidated,
		Report: &types.ValidationReport{Decision: types.DecisionAutoApprove, Confidence: 0.9},
	})
	if err != nil {
		t.Fatalf("TransitionProposal(VALIDATED) error = %v", err)
	}
	if _, err = s.TransitionProposal(ctx, storage.ProposalTransition{
		ProposalID: p.ID, From: types.ProposalValidated, To: types.ProposalApproved, Actor: "policy",
	}); err != nil {
		t.Fatalf("TransitionProposal(APPROVED) error = %v", err)
	}
	if _, err = s.CommitProposal(ctx, storage.CommitRequest{ProposalID: p.ID, Actor: "governance"}); err != nil {
		t.Fatalf("CommitProposal() error = %v", err)
	}
}

func defaultCtxConfig() config.Context {
	return config.Context{StaleAfter: 14 * 24 * time.Hour, MaxBlocks: 200}
}

func TestSnapshotSeparatesGoalsAndConstraints(t *testing.T) {
	svc, s, basket := newTestService(t, defaultCtxConfig())
	ctx := context.Background()

	commitOps(t, s, basket, []types.Operation{
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{
			Title: "Ship v2 by Q4", SemanticType: "goal", Confidence: 0.9}},
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{
			Title: "No PII in exports", SemanticType: "constraint", Confidence: 0.9}},
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{
			Title: "Latency regressed after cache change", SemanticType: "finding", Confidence: 0.8}},
		{Kind: types.OpCreateContextItem, CreateContextItem: &types.CreateContextItemOp{
			Type: "entity", Label: "checkout-service"}},
	})

	snap, err := svc.Snapshot(ctx, basket.ID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap.Blocks) != 3 {
		t.Errorf("active blocks = %d, want 3", len(snap.Blocks))
	}
	if len(snap.Goals) != 1 || snap.Goals[0].Title != "Ship v2 by Q4" {
		t.Errorf("goals = %+v", snap.Goals)
	}
	if len(snap.Constraints) != 1 || snap.Constraints[0].Title != "No PII in exports" {
		t.Errorf("constraints = %+v", snap.Constraints)
	}
	if len(snap.ContextItems) != 1 {
		t.Errorf("context items = %d, want 1", len(snap.ContextItems))
	}
	if snap.Usage.Blocks != 3 || snap.Usage.ContextItems != 1 {
		t.Errorf("usage = %+v", snap.Usage)
	}
}

func TestSnapshotExcludesTerminalBlocks(t *testing.T) {
	svc, s, basket := newTestService(t, defaultCtxConfig())
	ctx := context.Background()

	commitOps(t, s, basket, []types.Operation{
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{Title: "Keep", Confidence: 0.9}},
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{Title: "Drop", Confidence: 0.9}},
	})
	blocks, _ := s.ListBlocks(ctx, basket.ID, types.BlockFilter{})
	var dropID string
	for _, b := range blocks {
		if b.Title == "Drop" {
			dropID = b.ID
		}
	}
	if _, err := s.ApplyBlockAction(ctx, storage.BlockAction{
		BlockID: dropID, To: types.BlockRejected, Actor: "user-7",
	}); err != nil {
		t.Fatalf("ApplyBlockAction() error = %v", err)
	}

	snap, err := svc.Snapshot(ctx, basket.ID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap.Blocks) != 1 || snap.Blocks[0].Title != "Keep" {
		t.Errorf("snapshot blocks = %+v, want only Keep", snap.Blocks)
	}
}

func TestSnapshotReportsStaleBlocks(t *testing.T) {
	cfg := defaultCtxConfig()
	cfg.StaleAfter = time.Millisecond
	svc, s, basket := newTestService(t, cfg)

	commitOps(t, s, basket, []types.Operation{
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{Title: "Aging fact", Confidence: 0.9}},
	})
	time.Sleep(10 * time.Millisecond)

	snap, err := svc.Snapshot(context.Background(), basket.ID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap.StaleBlocks) != 1 {
		t.Fatalf("stale blocks = %d, want 1", len(snap.StaleBlocks))
	}
	if snap.StaleBlocks[0].Title != "Aging fact" {
		t.Errorf("stale block = %q", snap.StaleBlocks[0].Title)
	}
}

func TestFindSimilarRanksNearDuplicates(t *testing.T) {
	svc, s, basket := newTestService(t, defaultCtxConfig())
	ctx := context.Background()

	commitOps(t, s, basket, []types.Operation{
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{
			Title: "Reduce mean time to recovery below 10 minutes", Confidence: 0.9}},
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{
			Title: "Cafeteria menu rotates on thursdays", Confidence: 0.9}},
	})
	blocks, _ := s.ListBlocks(ctx, basket.ID, types.BlockFilter{})
	if err := svc.IndexBlocks(ctx, blocks); err != nil {
		t.Fatalf("IndexBlocks() error = %v", err)
	}

	matches, err := svc.FindSimilar(ctx, basket.ID, "we must reduce mean time to recovery under 10 minutes", 0.5)
	if err != nil {
		t.Fatalf("FindSimilar() error = %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %+v, want exactly the MTTR block", matches)
	}
	var wantID string
	for _, b := range blocks {
		if strings.HasPrefix(b.Title, "Reduce mean time") {
			wantID = b.ID
		}
	}
	if matches[0].BlockID != wantID {
		t.Errorf("match = %s, want %s", matches[0].BlockID, wantID)
	}
}

func TestFindSimilarEmptyBasket(t *testing.T) {
	svc, _, basket := newTestService(t, defaultCtxConfig())

	matches, err := svc.FindSimilar(context.Background(), basket.ID, "anything at all", 0.5)
	if err != nil {
		t.Fatalf("FindSimilar() error = %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("matches = %+v, want none", matches)
	}

	matches, err = svc.FindSimilar(context.Background(), basket.ID, "   ", 0.5)
	if err != nil || matches != nil {
		t.Errorf("blank query: matches=%v err=%v", matches, err)
	}
}

func TestDigestRendersSections(t *testing.T) {
	svc, s, basket := newTestService(t, defaultCtxConfig())

	commitOps(t, s, basket, []types.Operation{
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{
			Title: "Ship v2 by Q4", SemanticType: "goal", Confidence: 0.9}},
		{Kind: types.OpCreateContextItem, CreateContextItem: &types.CreateContextItemOp{
			Type: "entity", Label: "checkout-service"}},
	})

	snap, err := svc.Snapshot(context.Background(), basket.ID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	digest := snap.Digest()
	for _, want := range []string{"Goals:", "Ship v2 by Q4", "Context items:", "checkout-service"} {
		if !strings.Contains(digest, want) {
			t.Errorf("digest missing %q:\n%s", want, digest)
		}
	}
	if strings.Contains(digest, "Constraints:") {
		t.Error("digest has empty Constraints section")
	}
}
