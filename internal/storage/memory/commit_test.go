package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// draftProposal creates a DRAFT proposal and walks it to APPROVED so
// commit tests start from the right state.
func approvedProposal(t *testing.T, s *Store, basket *types.Basket, ops []types.Operation) *types.Proposal {
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
	p, err = s.TransitionProposal(ctx, storage.ProposalTransition{
		ProposalID: p.ID, From: types.ProposalValidated, To: types.ProposalApproved, Actor: "policy",
	})
	if err != nil {
		t.Fatalf("TransitionProposal(APPROVED) error = %v", err)
	}
	return p
}

func TestCommitCreatesSubstrate(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	p := approvedProposal(t, s, basket, []types.Operation{
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{
			Title: "Vendor deadline", SemanticType: "constraint", Content: "Contract signed by March.", Confidence: 0.9,
		}},
		{Kind: types.OpCreateContextItem, CreateContextItem: &types.CreateContextItemOp{
			Type: "entity", Label: "Acme Corp",
		}},
	})

	res, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: p.ID, Actor: "governance"})
	if err != nil {
		t.Fatalf("CommitProposal() error = %v", err)
	}
	if res.Proposal.State != types.ProposalCommitted {
		t.Errorf("proposal state = %s, want COMMITTED", res.Proposal.State)
	}
	if len(res.Delta.Changes) != 2 {
		t.Fatalf("delta has %d changes, want 2", len(res.Delta.Changes))
	}

	blocks, err := s.ListBlocks(ctx, basket.ID, types.BlockFilter{})
	if err != nil {
		t.Fatalf("ListBlocks() error = %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("have %d blocks, want 1", len(blocks))
	}
	b := blocks[0]
	if b.State != types.BlockProposed {
		t.Errorf("agent-created block state = %s, want PROPOSED", b.State)
	}
	if b.Version != 1 {
		t.Errorf("new block version = %d, want 1", b.Version)
	}
	if b.ProposalID != p.ID {
		t.Errorf("block provenance = %s, want %s", b.ProposalID, p.ID)
	}

	items, err := s.ListContextItems(ctx, basket.ID)
	if err != nil {
		t.Fatalf("ListContextItems() error = %v", err)
	}
	if len(items) != 1 || items[0].State != types.ContextItemProvisional {
		t.Errorf("context items = %+v, want one PROVISIONAL item", items)
	}

	// Revision trail exists for the created block.
	revs, err := s.ListRevisions(ctx, b.ID, 0)
	if err != nil {
		t.Fatalf("ListRevisions() error = %v", err)
	}
	if len(revs) != 1 {
		t.Errorf("have %d revisions, want 1", len(revs))
	}

	// substrate.committed went out.
	events, err := s.EventsAfter(ctx, 0, []types.Topic{types.TopicSubstrateCommitted}, 0)
	if err != nil {
		t.Fatalf("EventsAfter() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("have %d substrate.committed events, want 1", len(events))
	}
	var payload types.SubstrateCommittedPayload
	if err := events[0].DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if payload.DeltaID != res.Delta.ID {
		t.Errorf("event delta = %s, want %s", payload.DeltaID, res.Delta.ID)
	}
}

func TestCommitVersionConflict(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	setup := approvedProposal(t, s, basket, []types.Operation{
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{Title: "Target", Content: "v1", Confidence: 0.9}},
	})
	if _, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: setup.ID, Actor: "governance"}); err != nil {
		t.Fatalf("setup commit error = %v", err)
	}
	blocks, _ := s.ListBlocks(ctx, basket.ID, types.BlockFilter{})
	target := blocks[0]

	// First editor bumps the block to version 2.
	content := "v2"
	first := approvedProposal(t, s, basket, []types.Operation{
		{Kind: types.OpUpdateBlock, UpdateBlock: &types.UpdateBlockOp{
			BlockID: target.ID, FromVersion: 1, Patch: types.BlockPatch{Content: &content},
		}},
	})
	if _, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: first.ID, Actor: "governance"}); err != nil {
		t.Fatalf("first update commit error = %v", err)
	}

	// Second editor still holds from_version 1 and must lose.
	stale := "v2-competing"
	second := approvedProposal(t, s, basket, []types.Operation{
		{Kind: types.OpUpdateBlock, UpdateBlock: &types.UpdateBlockOp{
			BlockID: target.ID, FromVersion: 1, Patch: types.BlockPatch{Content: &stale},
		}},
	})
	_, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: second.ID, Actor: "governance"})
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("CommitProposal() error = %v, want ErrConflict", err)
	}

	// The losing proposal is FAILED, the block kept the winner's content.
	lost, err := s.GetProposal(ctx, second.ID)
	if err != nil {
		t.Fatalf("GetProposal() error = %v", err)
	}
	if lost.State != types.ProposalFailed {
		t.Errorf("losing proposal state = %s, want FAILED", lost.State)
	}
	got, _ := s.GetBlock(ctx, target.ID)
	if got.Content != "v2" || got.Version != 2 {
		t.Errorf("block content=%q version=%d, want winner's v2 at version 2", got.Content, got.Version)
	}

	// substrate.commit_failed went out.
	events, _ := s.EventsAfter(ctx, 0, []types.Topic{types.TopicSubstrateCommitFailed}, 0)
	if len(events) != 1 {
		t.Errorf("have %d commit_failed events, want 1", len(events))
	}

	// FAILED is terminal; a retry is a fresh proposal, not a re-approval.
	if _, err := s.TransitionProposal(ctx, storage.ProposalTransition{
		ProposalID: second.ID, From: types.ProposalFailed, To: types.ProposalApproved, Actor: "user-7",
	}); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("FAILED->APPROVED error = %v, want ErrInvalidTransition", err)
	}
}

func TestCommitIsAtomicOnMidwayConflict(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	// Second op references a missing block, so the whole commit must
	// leave no substrate behind.
	p := approvedProposal(t, s, basket, []types.Operation{
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{Title: "Should not survive", Confidence: 0.9}},
		{Kind: types.OpUpdateBlock, UpdateBlock: &types.UpdateBlockOp{
			BlockID: "missing-block", FromVersion: 1,
			Patch: types.BlockPatch{Content: strPtr("x")},
		}},
	})

	_, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: p.ID, Actor: "governance"})
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("CommitProposal() error = %v, want ErrConflict", err)
	}

	blocks, _ := s.ListBlocks(ctx, basket.ID, types.BlockFilter{})
	if len(blocks) != 0 {
		t.Errorf("conflict commit leaked %d blocks into the substrate", len(blocks))
	}
	deltas, _ := s.ListDeltas(ctx, basket.ID, 0)
	if len(deltas) != 0 {
		t.Errorf("conflict commit wrote %d deltas, want 0", len(deltas))
	}
}

func TestCommitIdempotentReplay(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	p := approvedProposal(t, s, basket, []types.Operation{
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{Title: "Once", Confidence: 0.8}},
	})

	first, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: p.ID, Actor: "governance", RequestID: "req-9"})
	if err != nil {
		t.Fatalf("CommitProposal() error = %v", err)
	}
	second, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: p.ID, Actor: "governance"})
	if err != nil {
		t.Fatalf("replay CommitProposal() error = %v", err)
	}
	if second.Delta.ID != first.Delta.ID {
		t.Errorf("replay delta = %s, want original %s", second.Delta.ID, first.Delta.ID)
	}

	blocks, _ := s.ListBlocks(ctx, basket.ID, types.BlockFilter{})
	if len(blocks) != 1 {
		t.Errorf("replay duplicated substrate: %d blocks", len(blocks))
	}

	// The request ID now resolves to the delta.
	rec, err := s.GetIdempotencyRecord(ctx, "req-9")
	if err != nil {
		t.Fatalf("GetIdempotencyRecord() error = %v", err)
	}
	if rec.DeltaID != first.Delta.ID {
		t.Errorf("idempotency delta = %s, want %s", rec.DeltaID, first.Delta.ID)
	}
}

func TestCommitRevisionCarriesDiff(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	setup := approvedProposal(t, s, basket, []types.Operation{
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{Title: "Window", Content: "Launch in April.", Confidence: 0.9}},
	})
	if _, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: setup.ID, Actor: "governance"}); err != nil {
		t.Fatalf("setup commit error = %v", err)
	}
	blocks, _ := s.ListBlocks(ctx, basket.ID, types.BlockFilter{})
	target := blocks[0]

	edit := approvedProposal(t, s, basket, []types.Operation{
		{Kind: types.OpReviseBlock, ReviseBlock: &types.ReviseBlockOp{
			BlockID: target.ID, FromVersion: 1, Content: "Launch in May.", Summary: "window slipped",
		}},
	})
	if _, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: edit.ID, Actor: "governance"}); err != nil {
		t.Fatalf("revise commit error = %v", err)
	}

	revs, err := s.ListRevisions(ctx, target.ID, 0)
	if err != nil {
		t.Fatalf("ListRevisions() error = %v", err)
	}
	if len(revs) != 2 {
		t.Fatalf("have %d revisions, want 2", len(revs))
	}
	for _, rev := range revs {
		if rev.Version == 2 {
			if rev.Diff == "" {
				t.Error("content revision has no diff")
			}
			if rev.Diff == types.DiffContent("", "Launch in May.") {
				t.Error("diff was taken against empty content, not the prior version")
			}
		}
	}
}

func TestCommitMergeBlocks(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	setup := approvedProposal(t, s, basket, []types.Operation{
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{Title: "Primary", Content: "alpha", Confidence: 0.9}},
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{Title: "Dup A", Content: "beta", Confidence: 0.9}},
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{Title: "Dup B", Content: "gamma", Confidence: 0.9}},
	})
	if _, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: setup.ID, Actor: "governance"}); err != nil {
		t.Fatalf("setup commit error = %v", err)
	}
	blocks, _ := s.ListBlocks(ctx, basket.ID, types.BlockFilter{})
	primary, dupA, dupB := blocks[0], blocks[1], blocks[2]

	merge := approvedProposal(t, s, basket, []types.Operation{
		{Kind: types.OpMergeBlocks, MergeBlocks: &types.MergeBlocksOp{
			PrimaryID: primary.ID, MergedIDs: []string{dupA.ID, dupB.ID}, MergedTitle: "Unified",
		}},
	})
	res, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: merge.ID, Actor: "governance"})
	if err != nil {
		t.Fatalf("merge commit error = %v", err)
	}

	got, _ := s.GetBlock(ctx, primary.ID)
	if got.Title != "Unified" || got.Version != 2 {
		t.Errorf("primary after merge: title=%q version=%d", got.Title, got.Version)
	}
	if got.Content != "alpha\n\nbeta\n\ngamma" {
		t.Errorf("merged content = %q", got.Content)
	}
	for _, id := range []string{dupA.ID, dupB.ID} {
		loser, _ := s.GetBlock(ctx, id)
		if loser.State != types.BlockSuperseded {
			t.Errorf("loser %s state = %s, want SUPERSEDED", id, loser.State)
		}
	}
	if len(res.Delta.Changes) != 1 || len(res.Delta.Changes[0].Superseded) != 2 {
		t.Errorf("merge delta changes = %+v", res.Delta.Changes)
	}
}

func TestCommitRefusesLockedBlockEdit(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	setup := approvedProposal(t, s, basket, []types.Operation{
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{Title: "Decision", Content: "final", Confidence: 0.9}},
	})
	if _, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: setup.ID, Actor: "governance"}); err != nil {
		t.Fatalf("setup commit error = %v", err)
	}
	blocks, _ := s.ListBlocks(ctx, basket.ID, types.BlockFilter{})
	target := blocks[0]

	// Accept then lock the block through human actions.
	if _, err := s.ApplyBlockAction(ctx, storage.BlockAction{BlockID: target.ID, To: types.BlockAccepted, Actor: "user-7"}); err != nil {
		t.Fatalf("accept action error = %v", err)
	}
	if _, err := s.ApplyBlockAction(ctx, storage.BlockAction{BlockID: target.ID, To: types.BlockLocked, Actor: "user-7"}); err != nil {
		t.Fatalf("lock action error = %v", err)
	}

	edit := approvedProposal(t, s, basket, []types.Operation{
		{Kind: types.OpUpdateBlock, UpdateBlock: &types.UpdateBlockOp{
			BlockID: target.ID, FromVersion: 1, Patch: types.BlockPatch{Content: strPtr("sneaky")},
		}},
	})
	_, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: edit.ID, Actor: "governance"})
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("CommitProposal() on LOCKED block error = %v, want ErrConflict", err)
	}
	got, _ := s.GetBlock(ctx, target.ID)
	if got.Content != "final" {
		t.Errorf("locked block content changed to %q", got.Content)
	}
}

func TestCommitFlagsReferencingDocumentsStale(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	setup := approvedProposal(t, s, basket, []types.Operation{
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{Title: "Quoted", Content: "v1", Confidence: 0.9}},
	})
	if _, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: setup.ID, Actor: "governance"}); err != nil {
		t.Fatalf("setup commit error = %v", err)
	}
	blocks, _ := s.ListBlocks(ctx, basket.ID, types.BlockFilter{})
	target := blocks[0]

	doc := &types.Document{
		BasketID: basket.ID, WorkspaceID: "ws-1", Title: "Summary", Body: "quotes the block",
		References: []types.SubstrateRef{{Kind: types.RefBlock, ID: target.ID}},
	}
	if err := s.UpsertDocument(ctx, doc); err != nil {
		t.Fatalf("UpsertDocument() error = %v", err)
	}

	edit := approvedProposal(t, s, basket, []types.Operation{
		{Kind: types.OpUpdateBlock, UpdateBlock: &types.UpdateBlockOp{
			BlockID: target.ID, FromVersion: 1, Patch: types.BlockPatch{Content: strPtr("v2")},
		}},
	})
	res, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: edit.ID, Actor: "governance"})
	if err != nil {
		t.Fatalf("commit error = %v", err)
	}
	if len(res.StaleDocuments) != 1 || res.StaleDocuments[0] != doc.ID {
		t.Errorf("StaleDocuments = %v, want [%s]", res.StaleDocuments, doc.ID)
	}
	stale, err := s.ListDocuments(ctx, basket.ID, true)
	if err != nil {
		t.Fatalf("ListDocuments() error = %v", err)
	}
	if len(stale) != 1 {
		t.Errorf("stale documents = %d, want 1", len(stale))
	}
}

func TestBlockActionFSM(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	setup := approvedProposal(t, s, basket, []types.Operation{
		{Kind: types.OpCreateBlock, CreateBlock: &types.CreateBlockOp{Title: "Lifecycle", Confidence: 0.9}},
	})
	if _, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: setup.ID, Actor: "governance"}); err != nil {
		t.Fatalf("setup commit error = %v", err)
	}
	blocks, _ := s.ListBlocks(ctx, basket.ID, types.BlockFilter{})
	id := blocks[0].ID

	// PROPOSED cannot jump straight to LOCKED.
	if _, err := s.ApplyBlockAction(ctx, storage.BlockAction{BlockID: id, To: types.BlockLocked, Actor: "user-7"}); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("PROPOSED->LOCKED error = %v, want ErrInvalidTransition", err)
	}

	b, err := s.ApplyBlockAction(ctx, storage.BlockAction{BlockID: id, To: types.BlockAccepted, Actor: "user-7"})
	if err != nil || b.State != types.BlockAccepted {
		t.Fatalf("accept: %v state=%s", err, b.State)
	}
	// State moves never touch the content version.
	if b.Version != 1 {
		t.Errorf("version after state change = %d, want 1", b.Version)
	}
}

func strPtr(s string) *string { return &s }
