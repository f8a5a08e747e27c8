package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// CommitProposal applies an APPROVED proposal to the substrate as one
// atomic unit. Ops are staged against working copies and only written
// back when every op succeeds, so a conflict midway leaves no trace
// beyond the proposal moving to FAILED.
//
// Committing an already COMMITTED proposal is idempotent and returns the
// original delta.
func (s *Store) CommitProposal(_ context.Context, req storage.CommitRequest) (*storage.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[req.ProposalID]
	if !ok {
		return nil, fmt.Errorf("proposal %s: %w", req.ProposalID, storage.ErrNotFound)
	}
	if p.State == types.ProposalCommitted {
		delta := s.deltas[p.DeltaID]
		if delta == nil {
			return nil, fmt.Errorf("%w: proposal %s committed but delta %s missing", types.ErrFatal, p.ID, p.DeltaID)
		}
		return &storage.CommitResult{Proposal: cloneProposal(p), Delta: cloneDelta(delta)}, nil
	}
	if p.State != types.ProposalApproved {
		return nil, fmt.Errorf("proposal %s is %s, not APPROVED: %w", p.ID, p.State, storage.ErrInvalidTransition)
	}

	now := time.Now()
	st := &commitStage{store: s, proposal: p, now: now}
	if err := st.applyOps(); err != nil {
		p.State = types.ProposalFailed
		p.Reason = err.Error()
		p.UpdatedAt = now
		_, _ = s.emitLocked(types.TopicSubstrateCommitFailed, p.WorkspaceID, p.BasketID, req.Actor,
			types.CommitFailedPayload{ProposalID: p.ID, Error: err.Error(), Conflict: types.Classify(err) == types.ClassConflict})
		return nil, fmt.Errorf("commit proposal %s: %w", p.ID, err)
	}

	// Every op applied cleanly; write the staged state back.
	st.flush()

	delta := &types.Delta{
		ID:          newID(),
		BasketID:    p.BasketID,
		WorkspaceID: p.WorkspaceID,
		ProposalID:  p.ID,
		RequestID:   req.RequestID,
		Summary:     deltaSummary(p),
		Changes:     st.changes,
		CreatedAt:   now,
	}
	s.deltas[delta.ID] = delta

	p.State = types.ProposalCommitted
	p.DeltaID = delta.ID
	p.UpdatedAt = now
	if p.DecidedBy == "" {
		p.DecidedBy = req.Actor
	}
	if p.DecidedAt == nil {
		p.DecidedAt = &now
	}

	if req.RequestID != "" {
		rec := s.idempotency[req.RequestID]
		if rec == nil {
			rec = &types.IdempotencyRecord{RequestID: req.RequestID, CreatedAt: now}
			s.idempotency[req.RequestID] = rec
		}
		rec.DeltaID = delta.ID
	}

	stale := s.flagStaleDocumentsLocked(delta.BlockIDs(), now)

	_, err := s.emitLocked(types.TopicSubstrateCommitted, p.WorkspaceID, p.BasketID, req.Actor,
		types.SubstrateCommittedPayload{
			DeltaID:    delta.ID,
			ProposalID: p.ID,
			BlockIDs:   delta.BlockIDs(),
			Origin:     p.Origin,
		})
	if err != nil {
		return nil, err
	}

	return &storage.CommitResult{
		Proposal:       cloneProposal(p),
		Delta:          cloneDelta(delta),
		StaleDocuments: stale,
	}, nil
}

// flagStaleDocumentsLocked marks documents referencing any touched block
// for recomposition. Callers hold s.mu.
func (s *Store) flagStaleDocumentsLocked(blockIDs []string, now time.Time) []string {
	if len(blockIDs) == 0 {
		return nil
	}
	touched := make(map[string]bool, len(blockIDs))
	for _, id := range blockIDs {
		touched[id] = true
	}
	var stale []string
	for _, d := range s.documents {
		if d.Stale {
			continue
		}
		for _, ref := range d.References {
			if ref.Kind == types.RefBlock && touched[ref.ID] {
				d.Stale = true
				d.UpdatedAt = now
				stale = append(stale, d.ID)
				break
			}
		}
	}
	sort.Strings(stale)
	return stale
}

func deltaSummary(p *types.Proposal) string {
	if len(p.Ops) == 1 {
		return p.Ops[0].Summary()
	}
	return fmt.Sprintf("%d operations from %s", len(p.Ops), p.Origin)
}

// commitStage holds working copies during op application. Existing blocks
// are cloned on first touch; nothing reaches the store until flush.
type commitStage struct {
	store    *Store
	proposal *types.Proposal
	now      time.Time

	staged    map[string]*types.Block
	newBlocks []*types.Block
	newItems  []*types.ContextItem
	newRels   []*types.Relationship
	revs      []*types.Revision
	changes   []types.DeltaChange
}

// block returns the working copy for a block, cloning from the store on
// first access. Workspace membership is checked here so no op can reach
// across tenants.
func (st *commitStage) block(id string) (*types.Block, error) {
	if st.staged == nil {
		st.staged = make(map[string]*types.Block)
	}
	if b, ok := st.staged[id]; ok {
		return b, nil
	}
	src, ok := st.store.blocks[id]
	if !ok {
		return nil, fmt.Errorf("block %s vanished since validation: %w", id, types.ErrConflict)
	}
	if src.WorkspaceID != st.proposal.WorkspaceID || src.BasketID != st.proposal.BasketID {
		return nil, fmt.Errorf("block %s: %w", id, storage.ErrWorkspaceMismatch)
	}
	b := cloneBlock(src)
	st.staged[id] = b
	return b, nil
}

// mutableBlock is block plus the write-gates: versions must match and
// LOCKED, CONSTANT, and terminal blocks never take content changes.
func (st *commitStage) mutableBlock(id string, fromVersion int) (*types.Block, error) {
	b, err := st.block(id)
	if err != nil {
		return nil, err
	}
	switch b.State {
	case types.BlockLocked, types.BlockConstant:
		return nil, fmt.Errorf("block %s is %s: %w", id, b.State, types.ErrConflict)
	case types.BlockRejected, types.BlockSuperseded:
		return nil, fmt.Errorf("block %s is %s: %w", id, b.State, types.ErrConflict)
	}
	if b.Version != fromVersion {
		return nil, fmt.Errorf("block %s is at version %d, expected %d: %w", id, b.Version, fromVersion, types.ErrConflict)
	}
	return b, nil
}

// revision records a history row for a block whose content moved from
// before to its current state. Pass before="" for freshly created blocks.
func (st *commitStage) revision(b *types.Block, summary, before string) {
	st.revs = append(st.revs, &types.Revision{
		ID:          newID(),
		BlockID:     b.ID,
		BasketID:    b.BasketID,
		WorkspaceID: b.WorkspaceID,
		Version:     b.Version,
		Actor:       st.proposal.Origin,
		ProposalID:  st.proposal.ID,
		Summary:     summary,
		Diff:        types.DiffContent(before, b.Content),
		CreatedAt:   st.now,
	})
}

func (st *commitStage) change(ch types.DeltaChange) {
	st.changes = append(st.changes, ch)
}

// applyOps runs the proposal's ops in order against the stage.
func (st *commitStage) applyOps() error {
	for i, op := range st.proposal.Ops {
		if err := st.applyOp(op); err != nil {
			return fmt.Errorf("op %d (%s): %w", i, op.Kind, err)
		}
	}
	return nil
}

func (st *commitStage) applyOp(op types.Operation) error {
	switch op.Kind {
	case types.OpCreateBlock:
		return st.createBlock(op.CreateBlock)
	case types.OpUpdateBlock:
		return st.updateBlock(op.UpdateBlock)
	case types.OpReviseBlock:
		return st.reviseBlock(op.ReviseBlock)
	case types.OpCreateContextItem:
		return st.createContextItem(op.CreateContextItem)
	case types.OpMergeBlocks:
		return st.mergeBlocks(op.MergeBlocks)
	case types.OpCreateRelationship:
		return st.createRelationship(op.CreateRelationship)
	}
	return fmt.Errorf("%w: unknown op kind %q", types.ErrValidation, op.Kind)
}

func (st *commitStage) createBlock(op *types.CreateBlockOp) error {
	// Blocks always start PROPOSED, whoever proposed them. Acceptance is
	// a separate recorded transition.
	b := &types.Block{
		ID:              newID(),
		BasketID:        st.proposal.BasketID,
		WorkspaceID:     st.proposal.WorkspaceID,
		Title:           op.Title,
		Content:         op.Content,
		SemanticType:    op.SemanticType,
		State:           types.BlockProposed,
		Version:         1,
		Confidence:      op.Confidence,
		Metadata:        op.Metadata,
		ProposalID:      st.proposal.ID,
		LastValidatedAt: st.now,
		CreatedAt:       st.now,
		UpdatedAt:       st.now,
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	st.newBlocks = append(st.newBlocks, b)
	st.revision(b, "created: "+b.Title, "")
	st.change(types.DeltaChange{
		Kind:    types.ChangeBlockCreated,
		Entity:  types.SubstrateRef{Kind: types.RefBlock, ID: b.ID},
		Version: 1,
		Summary: b.Title,
	})
	return nil
}

func (st *commitStage) updateBlock(op *types.UpdateBlockOp) error {
	b, err := st.mutableBlock(op.BlockID, op.FromVersion)
	if err != nil {
		return err
	}
	before := b.Content
	if !types.ApplyPatch(b, op.Patch) {
		// An empty effective patch still counts as a committed op, but
		// the version only moves when content does.
		st.change(types.DeltaChange{
			Kind:    types.ChangeBlockUpdated,
			Entity:  types.SubstrateRef{Kind: types.RefBlock, ID: b.ID},
			Version: b.Version,
			Summary: "no-op update",
		})
		return nil
	}
	b.Version++
	b.UpdatedAt = st.now
	b.LastValidatedAt = st.now
	st.revision(b, "updated", before)
	st.change(types.DeltaChange{
		Kind:    types.ChangeBlockUpdated,
		Entity:  types.SubstrateRef{Kind: types.RefBlock, ID: b.ID},
		Version: b.Version,
	})
	return nil
}

func (st *commitStage) reviseBlock(op *types.ReviseBlockOp) error {
	b, err := st.mutableBlock(op.BlockID, op.FromVersion)
	if err != nil {
		return err
	}
	before := b.Content
	types.ApplyRevision(b, op.Content)
	b.Version++
	b.UpdatedAt = st.now
	b.LastValidatedAt = st.now
	summary := op.Summary
	if summary == "" {
		summary = "revised"
	}
	st.revision(b, summary, before)
	st.change(types.DeltaChange{
		Kind:    types.ChangeBlockRevised,
		Entity:  types.SubstrateRef{Kind: types.RefBlock, ID: b.ID},
		Version: b.Version,
		Summary: summary,
	})
	return nil
}

func (st *commitStage) createContextItem(op *types.CreateContextItemOp) error {
	state := types.ContextItemProvisional
	if st.proposal.Origin == types.OriginHuman {
		state = types.ContextItemActive
	}
	ci := &types.ContextItem{
		ID:          newID(),
		BasketID:    st.proposal.BasketID,
		WorkspaceID: st.proposal.WorkspaceID,
		Type:        op.Type,
		Label:       op.Label,
		State:       state,
		Metadata:    op.Metadata,
		ProposalID:  st.proposal.ID,
		CreatedAt:   st.now,
		UpdatedAt:   st.now,
	}
	if err := ci.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	st.newItems = append(st.newItems, ci)
	st.change(types.DeltaChange{
		Kind:    types.ChangeContextItemCreated,
		Entity:  types.SubstrateRef{Kind: types.RefContextItem, ID: ci.ID},
		Summary: ci.Label,
	})
	return nil
}

func (st *commitStage) mergeBlocks(op *types.MergeBlocksOp) error {
	primary, err := st.block(op.PrimaryID)
	if err != nil {
		return err
	}
	switch primary.State {
	case types.BlockRejected, types.BlockSuperseded:
		return fmt.Errorf("merge primary %s is %s: %w", primary.ID, primary.State, types.ErrConflict)
	}
	losers := make([]*types.Block, 0, len(op.MergedIDs))
	for _, id := range op.MergedIDs {
		loser, err := st.block(id)
		if err != nil {
			return err
		}
		switch loser.State {
		case types.BlockLocked, types.BlockConstant:
			return fmt.Errorf("cannot merge away %s block %s: %w", loser.State, loser.ID, types.ErrConflict)
		case types.BlockRejected, types.BlockSuperseded:
			return fmt.Errorf("block %s already %s: %w", loser.ID, loser.State, types.ErrConflict)
		}
		losers = append(losers, loser)
	}

	beforePrimary := primary.Content
	superseded := types.ApplyMerge(primary, losers, op.MergedTitle, st.now)
	primary.Version++
	primary.UpdatedAt = st.now
	primary.LastValidatedAt = st.now

	st.revision(primary, fmt.Sprintf("absorbed %d blocks", len(superseded)), beforePrimary)
	for _, loser := range losers {
		st.revision(loser, "superseded by merge into "+primary.ID, loser.Content)
	}
	st.change(types.DeltaChange{
		Kind:       types.ChangeBlocksMerged,
		Entity:     types.SubstrateRef{Kind: types.RefBlock, ID: primary.ID},
		Version:    primary.Version,
		Superseded: superseded,
	})
	return nil
}

func (st *commitStage) createRelationship(op *types.CreateRelationshipOp) error {
	for _, ref := range []types.SubstrateRef{op.From, op.To} {
		if err := st.refExists(ref); err != nil {
			return err
		}
	}
	rel := &types.Relationship{
		ID:          newID(),
		BasketID:    st.proposal.BasketID,
		WorkspaceID: st.proposal.WorkspaceID,
		From:        op.From,
		To:          op.To,
		Type:        op.Type,
		Strength:    op.Strength,
		ProposalID:  st.proposal.ID,
		CreatedAt:   st.now,
	}
	if err := rel.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	st.newRels = append(st.newRels, rel)
	st.change(types.DeltaChange{
		Kind:    types.ChangeRelationshipCreated,
		Entity:  types.SubstrateRef{Kind: types.RefRelationship, ID: rel.ID},
		Summary: fmt.Sprintf("%s %s %s", op.From, op.Type, op.To),
	})
	return nil
}

// refExists checks a relationship endpoint inside this basket. Staged new
// entities from earlier ops in the same proposal count.
func (st *commitStage) refExists(ref types.SubstrateRef) error {
	basket := st.proposal.BasketID
	switch ref.Kind {
	case types.RefBlock:
		if b, ok := st.store.blocks[ref.ID]; ok && b.BasketID == basket {
			return nil
		}
		for _, b := range st.newBlocks {
			if b.ID == ref.ID {
				return nil
			}
		}
	case types.RefContextItem:
		if ci, ok := st.store.contextItems[ref.ID]; ok && ci.BasketID == basket {
			return nil
		}
		for _, ci := range st.newItems {
			if ci.ID == ref.ID {
				return nil
			}
		}
	case types.RefDump:
		if d, ok := st.store.dumps[ref.ID]; ok && d.BasketID == basket {
			return nil
		}
	case types.RefDocument:
		if d, ok := st.store.documents[ref.ID]; ok && d.BasketID == basket {
			return nil
		}
	case types.RefReflection:
		for _, r := range st.store.reflections[basket] {
			if r.ID == ref.ID {
				return nil
			}
		}
	}
	return fmt.Errorf("relationship endpoint %s not found in basket: %w", ref, types.ErrConflict)
}

// flush writes the staged state into the store. Callers hold s.mu and
// must only flush after applyOps succeeded.
func (st *commitStage) flush() {
	for id, b := range st.staged {
		st.store.blocks[id] = b
	}
	for _, b := range st.newBlocks {
		st.store.blocks[b.ID] = b
	}
	for _, ci := range st.newItems {
		st.store.contextItems[ci.ID] = ci
	}
	for _, rel := range st.newRels {
		st.store.relationships[rel.ID] = rel
	}
	for _, rev := range st.revs {
		st.store.revisions[rev.BlockID] = append(st.store.revisions[rev.BlockID], rev)
	}
}

// GetDelta fetches a delta by ID.
func (s *Store) GetDelta(_ context.Context, id string) (*types.Delta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deltas[id]
	if !ok {
		return nil, fmt.Errorf("delta %s: %w", id, storage.ErrNotFound)
	}
	return cloneDelta(d), nil
}

// ListDeltas returns a basket's deltas, newest first.
func (s *Store) ListDeltas(_ context.Context, basketID string, limit int) ([]*types.Delta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Delta
	for _, d := range s.deltas {
		if d.BasketID == basketID {
			out = append(out, cloneDelta(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
