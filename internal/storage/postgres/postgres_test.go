package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loamlabs/loam/internal/config"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// newTestStore brings up a throwaway postgres container, migrates it, and
// seeds one workspace and basket. Skips when docker is unavailable.
func newTestStore(t *testing.T) (*Store, *types.Basket) {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("loam"),
		tcpostgres.WithUsername("loam"),
		tcpostgres.WithPassword("loam"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		t.Skipf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("ConnectionString() error = %v", err)
	}

	s, err := Open(ctx, config.Store{Backend: "postgres", DSN: dsn, Migrate: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.EnsureWorkspace(ctx, &types.Workspace{ID: "ws-1", Name: "test"}); err != nil {
		t.Fatalf("EnsureWorkspace() error = %v", err)
	}
	basket := &types.Basket{WorkspaceID: "ws-1", Name: "notes", Status: types.BasketActive}
	if err := s.CreateBasket(ctx, basket); err != nil {
		t.Fatalf("CreateBasket() error = %v", err)
	}
	return s, basket
}

func draftProposal(basket *types.Basket, title, content string) *types.Proposal {
	return &types.Proposal{
		BasketID:    basket.ID,
		WorkspaceID: basket.WorkspaceID,
		Origin:      types.OriginHuman,
		Confidence:  1,
		Ops: []types.Operation{{
			Kind: types.OpCreateBlock,
			CreateBlock: &types.CreateBlockOp{
				Title:      title,
				Content:    content,
				Confidence: 0.9,
			},
		}},
	}
}

// approve walks a draft to APPROVED through the normal transitions.
func approve(t *testing.T, s *Store, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.TransitionProposal(ctx, storage.ProposalTransition{
		ProposalID: id, From: types.ProposalDraft, To: types.ProposalValidated,
	}); err != nil {
		t.Fatalf("TransitionProposal(validate) error = %v", err)
	}
	if _, err := s.TransitionProposal(ctx, storage.ProposalTransition{
		ProposalID: id, From: types.ProposalValidated, To: types.ProposalApproved, Actor: "sam",
	}); err != nil {
		t.Fatalf("TransitionProposal(approve) error = %v", err)
	}
}

func TestCaptureDumpIdempotency(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	req := storage.CaptureRequest{
		Dump: &types.RawDump{
			BasketID:    basket.ID,
			WorkspaceID: "ws-1",
			Body:        "remember to call the vendor",
		},
		RequestID: "req-1",
		Actor:     "user-7",
	}
	first, err := s.CaptureDump(ctx, req)
	if err != nil {
		t.Fatalf("CaptureDump() error = %v", err)
	}
	if first.Replayed || first.Dump.ID == "" {
		t.Fatalf("first capture = %+v", first)
	}

	req.Dump = &types.RawDump{BasketID: basket.ID, WorkspaceID: "ws-1", Body: "different"}
	second, err := s.CaptureDump(ctx, req)
	if err != nil {
		t.Fatalf("CaptureDump() replay error = %v", err)
	}
	if !second.Replayed || second.Dump.ID != first.Dump.ID {
		t.Errorf("replay = %v dump %s, want replay of %s", second.Replayed, second.Dump.ID, first.Dump.ID)
	}

	dumps, err := s.ListDumps(ctx, basket.ID, 0)
	if err != nil || len(dumps) != 1 {
		t.Errorf("dumps = %d (err %v), want 1", len(dumps), err)
	}
	events, err := s.EventsAfter(ctx, 0, []types.Topic{types.TopicDumpCreated}, 0)
	if err != nil || len(events) != 1 {
		t.Errorf("dump.created events = %d (err %v), want 1", len(events), err)
	}
}

func TestProposalCommitFlow(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProposal(ctx, draftProposal(basket, "Launch window", "Launch in April."), "req-p1")
	if err != nil {
		t.Fatalf("CreateProposal() error = %v", err)
	}
	approve(t, s, p.ID)

	res, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: p.ID, Actor: "sam", RequestID: "req-p1"})
	if err != nil {
		t.Fatalf("CommitProposal() error = %v", err)
	}
	if res.Proposal.State != types.ProposalCommitted || res.Delta == nil {
		t.Fatalf("commit result = %+v", res)
	}

	blocks, err := s.ListBlocks(ctx, basket.ID, types.BlockFilter{})
	if err != nil || len(blocks) != 1 {
		t.Fatalf("blocks = %d (err %v), want 1", len(blocks), err)
	}
	b := blocks[0]
	if b.State != types.BlockProposed || b.Version != 1 {
		t.Errorf("block state = %s v%d, want PROPOSED v1", b.State, b.Version)
	}

	revs, err := s.ListRevisions(ctx, b.ID, 0)
	if err != nil || len(revs) != 1 {
		t.Fatalf("revisions = %d (err %v), want 1", len(revs), err)
	}
	if revs[0].Diff == "" {
		t.Error("creation revision has no diff")
	}

	rec, err := s.GetIdempotencyRecord(ctx, "req-p1")
	if err != nil {
		t.Fatalf("GetIdempotencyRecord() error = %v", err)
	}
	if rec.ProposalID != p.ID || rec.DeltaID != res.Delta.ID {
		t.Errorf("record = %+v", rec)
	}

	// Re-committing is idempotent and returns the original delta.
	again, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: p.ID, Actor: "sam"})
	if err != nil {
		t.Fatalf("recommit error = %v", err)
	}
	if again.Delta.ID != res.Delta.ID {
		t.Errorf("recommit delta = %s, want %s", again.Delta.ID, res.Delta.ID)
	}
}

func TestCommitConflictFailsProposal(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	seed, err := s.CreateProposal(ctx, draftProposal(basket, "Budget", "Budget is 10k."), "")
	if err != nil {
		t.Fatalf("CreateProposal() error = %v", err)
	}
	approve(t, s, seed.ID)
	if _, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: seed.ID, Actor: "sam"}); err != nil {
		t.Fatalf("seed commit error = %v", err)
	}
	blocks, _ := s.ListBlocks(ctx, basket.ID, types.BlockFilter{})
	block := blocks[0]

	stale := &types.Proposal{
		BasketID:    basket.ID,
		WorkspaceID: basket.WorkspaceID,
		Origin:      types.OriginHuman,
		Confidence:  1,
		Ops: []types.Operation{{
			Kind: types.OpUpdateBlock,
			UpdateBlock: &types.UpdateBlockOp{
				BlockID:     block.ID,
				FromVersion: block.Version + 5,
				Patch:       types.BlockPatch{Content: strPtr("Budget is 20k.")},
			},
		}},
	}
	p, err := s.CreateProposal(ctx, stale, "")
	if err != nil {
		t.Fatalf("CreateProposal(stale) error = %v", err)
	}
	approve(t, s, p.ID)

	if _, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: p.ID, Actor: "sam"}); !errors.Is(err, types.ErrConflict) {
		t.Fatalf("CommitProposal() error = %v, want ErrConflict", err)
	}

	failed, err := s.GetProposal(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProposal() error = %v", err)
	}
	if failed.State != types.ProposalFailed {
		t.Errorf("proposal state = %s, want FAILED", failed.State)
	}
	events, err := s.EventsAfter(ctx, 0, []types.Topic{types.TopicSubstrateCommitFailed}, 0)
	if err != nil || len(events) != 1 {
		t.Errorf("commit_failed events = %d (err %v), want 1", len(events), err)
	}

	// The failed commit left no partial writes behind.
	got, err := s.GetBlock(ctx, block.ID)
	if err != nil {
		t.Fatalf("GetBlock() error = %v", err)
	}
	if got.Content != "Budget is 10k." || got.Version != block.Version {
		t.Errorf("block mutated by failed commit: %q v%d", got.Content, got.Version)
	}
}

func TestClaimWorkOrderingAndLease(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	low, err := s.EnqueueWork(ctx, &types.WorkItem{
		WorkType: types.WorkSubstrate, WorkspaceID: "ws-1", BasketID: basket.ID,
		Priority: types.PriorityLow,
	})
	if err != nil {
		t.Fatalf("EnqueueWork(low) error = %v", err)
	}
	high, err := s.EnqueueWork(ctx, &types.WorkItem{
		WorkType: types.WorkSubstrate, WorkspaceID: "ws-1", BasketID: basket.ID,
		Priority: types.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("EnqueueWork(high) error = %v", err)
	}

	claim := storage.ClaimRequest{WorkerID: "w1", Types: []types.WorkType{types.WorkSubstrate}, Lease: time.Minute}
	first, err := s.ClaimWork(ctx, claim)
	if err != nil {
		t.Fatalf("ClaimWork() error = %v", err)
	}
	if first.ID != high.ID {
		t.Errorf("claimed %s first, want high-priority %s", first.ID, high.ID)
	}
	if first.Attempts != 1 || first.State != types.WorkClaimed {
		t.Errorf("claimed item = %s attempts %d", first.State, first.Attempts)
	}

	second, err := s.ClaimWork(ctx, claim)
	if err != nil {
		t.Fatalf("second ClaimWork() error = %v", err)
	}
	if second.ID != low.ID {
		t.Errorf("second claim = %s, want %s", second.ID, low.ID)
	}
	if _, err := s.ClaimWork(ctx, claim); !errors.Is(err, storage.ErrNoWork) {
		t.Errorf("third claim error = %v, want ErrNoWork", err)
	}

	if err := s.StartWork(ctx, first.ID, "w1"); err != nil {
		t.Fatalf("StartWork() error = %v", err)
	}
	if err := s.CompleteWork(ctx, first.ID, "w1", &types.WorkResult{Summary: "done"}, false); err != nil {
		t.Fatalf("CompleteWork() error = %v", err)
	}
	done, _ := s.GetWork(ctx, first.ID)
	if done.State != types.WorkCompleted || done.Result == nil || done.Result.Summary != "done" {
		t.Errorf("completed item = %+v", done)
	}

	// The untouched lease lapses and the reaper returns it to pending.
	reaped, err := s.ReapExpiredLeases(ctx, time.Now().Add(2*time.Minute))
	if err != nil || reaped != 1 {
		t.Errorf("reaped = %d (err %v), want 1", reaped, err)
	}
}

func TestClaimWorkByID(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	item, err := s.EnqueueWork(ctx, &types.WorkItem{
		WorkType: types.WorkProposalReview, WorkspaceID: "ws-1", BasketID: basket.ID,
	})
	if err != nil {
		t.Fatalf("EnqueueWork() error = %v", err)
	}
	got, err := s.ClaimWork(ctx, storage.ClaimRequest{WorkerID: "rev", WorkID: item.ID, Lease: time.Minute})
	if err != nil {
		t.Fatalf("ClaimWork(by ID) error = %v", err)
	}
	if got.ID != item.ID {
		t.Errorf("claimed %s, want %s", got.ID, item.ID)
	}
	if _, err := s.ClaimWork(ctx, storage.ClaimRequest{WorkerID: "rev", WorkID: item.ID, Lease: time.Minute}); !errors.Is(err, storage.ErrNoWork) {
		t.Errorf("re-claim error = %v, want ErrNoWork", err)
	}
}

func TestWorkKeyCoalesces(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	key := types.CoalesceKey(basket.ID, types.WorkReflection)
	first, err := s.EnqueueWork(ctx, &types.WorkItem{
		WorkType: types.WorkReflection, WorkspaceID: "ws-1", BasketID: basket.ID, WorkKey: key,
	})
	if err != nil {
		t.Fatalf("EnqueueWork() error = %v", err)
	}
	second, err := s.EnqueueWork(ctx, &types.WorkItem{
		WorkType: types.WorkReflection, WorkspaceID: "ws-1", BasketID: basket.ID, WorkKey: key,
	})
	if err != nil {
		t.Fatalf("EnqueueWork(dup) error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate key enqueued %s, want coalesced %s", second.ID, first.ID)
	}
}

func TestDocumentStaleFlagOnCommit(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	seed, err := s.CreateProposal(ctx, draftProposal(basket, "Scope", "Scope is fixed."), "")
	if err != nil {
		t.Fatalf("CreateProposal() error = %v", err)
	}
	approve(t, s, seed.ID)
	if _, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: seed.ID, Actor: "sam"}); err != nil {
		t.Fatalf("seed commit error = %v", err)
	}
	blocks, _ := s.ListBlocks(ctx, basket.ID, types.BlockFilter{})
	block := blocks[0]

	doc := &types.Document{
		BasketID:    basket.ID,
		WorkspaceID: "ws-1",
		Title:       "Plan",
		Body:        "The scope is fixed.",
		References:  []types.SubstrateRef{{Kind: types.RefBlock, ID: block.ID}},
	}
	if err := s.UpsertDocument(ctx, doc); err != nil {
		t.Fatalf("UpsertDocument() error = %v", err)
	}
	if doc.Version != 1 {
		t.Errorf("document version = %d, want 1", doc.Version)
	}

	edit := &types.Proposal{
		BasketID:    basket.ID,
		WorkspaceID: basket.WorkspaceID,
		Origin:      types.OriginHuman,
		Confidence:  1,
		Ops: []types.Operation{{
			Kind: types.OpUpdateBlock,
			UpdateBlock: &types.UpdateBlockOp{
				BlockID:     block.ID,
				FromVersion: block.Version,
				Patch:       types.BlockPatch{Content: strPtr("Scope grew.")},
			},
		}},
	}
	p, err := s.CreateProposal(ctx, edit, "")
	if err != nil {
		t.Fatalf("CreateProposal(edit) error = %v", err)
	}
	approve(t, s, p.ID)
	res, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: p.ID, Actor: "sam"})
	if err != nil {
		t.Fatalf("CommitProposal(edit) error = %v", err)
	}
	if len(res.StaleDocuments) != 1 || res.StaleDocuments[0] != doc.ID {
		t.Errorf("stale documents = %v, want [%s]", res.StaleDocuments, doc.ID)
	}

	stale, err := s.ListDocuments(ctx, basket.ID, true)
	if err != nil || len(stale) != 1 {
		t.Fatalf("stale list = %d (err %v), want 1", len(stale), err)
	}

	// Recomposing with a new body clears the flag and bumps the version.
	doc.Body = "The scope grew."
	if err := s.UpsertDocument(ctx, doc); err != nil {
		t.Fatalf("UpsertDocument(refresh) error = %v", err)
	}
	refreshed, err := s.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if refreshed.Stale || refreshed.Version != 2 {
		t.Errorf("refreshed document stale=%v v%d, want fresh v2", refreshed.Stale, refreshed.Version)
	}
}

func TestListenDeliversNotices(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	notices, err := s.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	e, err := types.NewEvent(types.TopicComposeRequested, "ws-1", basket.ID, "user-7",
		types.ComposeRequestedPayload{Intent: "summary"})
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}
	stored, err := s.InsertEvent(ctx, e)
	if err != nil {
		t.Fatalf("InsertEvent() error = %v", err)
	}

	select {
	case n := <-notices:
		if n.EventID != stored.ID || n.Topic != types.TopicComposeRequested {
			t.Errorf("notice = %+v, want event %d", n, stored.ID)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no notice arrived")
	}
}

func TestBlockActionRecordsRevision(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	seed, err := s.CreateProposal(ctx, draftProposal(basket, "Rule", "Always encrypt."), "")
	if err != nil {
		t.Fatalf("CreateProposal() error = %v", err)
	}
	approve(t, s, seed.ID)
	if _, err := s.CommitProposal(ctx, storage.CommitRequest{ProposalID: seed.ID, Actor: "sam"}); err != nil {
		t.Fatalf("seed commit error = %v", err)
	}
	blocks, _ := s.ListBlocks(ctx, basket.ID, types.BlockFilter{})
	block := blocks[0]

	if _, err := s.ApplyBlockAction(ctx, storage.BlockAction{
		BlockID: block.ID, To: types.BlockAccepted, Actor: "sam",
	}); err != nil {
		t.Fatalf("accept action error = %v", err)
	}
	locked, err := s.ApplyBlockAction(ctx, storage.BlockAction{
		BlockID: block.ID, To: types.BlockLocked, Actor: "sam", Reason: "settled",
	})
	if err != nil {
		t.Fatalf("ApplyBlockAction() error = %v", err)
	}
	if locked.State != types.BlockLocked || locked.Version != block.Version {
		t.Errorf("locked block = %s v%d", locked.State, locked.Version)
	}

	if _, err := s.ApplyBlockAction(ctx, storage.BlockAction{
		BlockID: block.ID, To: types.BlockProposed, Actor: "sam",
	}); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("illegal transition error = %v, want ErrInvalidTransition", err)
	}

	revs, err := s.ListRevisions(ctx, block.ID, 0)
	if err != nil {
		t.Fatalf("ListRevisions() error = %v", err)
	}
	if len(revs) != 3 {
		t.Fatalf("revisions = %d, want 3", len(revs))
	}
	if revs[0].Summary != "state ACCEPTED -> LOCKED: settled" {
		t.Errorf("revision summary = %q", revs[0].Summary)
	}
}

func strPtr(s string) *string { return &s }
