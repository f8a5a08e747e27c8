package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// opError marks an op application failure so the caller can tell a
// rolled-back commit apart from infrastructure errors.
type opError struct{ err error }

func (e *opError) Error() string { return e.err.Error() }
func (e *opError) Unwrap() error { return e.err }

// CommitProposal applies an APPROVED proposal to the substrate as one
// atomic unit. Touched rows are locked and ops are staged against working
// copies; an op failure rolls the transaction back and records the
// proposal as FAILED in a follow-up transaction, so a conflict midway
// leaves no trace beyond the state change.
//
// Committing an already COMMITTED proposal is idempotent and returns the
// original delta.
func (s *Store) CommitProposal(ctx context.Context, req storage.CommitRequest) (*storage.CommitResult, error) {
	var result *storage.CommitResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		p, err := getProposalTx(ctx, tx, req.ProposalID, true)
		if err != nil {
			return err
		}
		if p.State == types.ProposalCommitted {
			delta, err := getDeltaTx(ctx, tx, p.DeltaID)
			if err != nil {
				return fmt.Errorf("%w: proposal %s committed but delta %s missing", types.ErrFatal, p.ID, p.DeltaID)
			}
			result = &storage.CommitResult{Proposal: p, Delta: delta}
			return nil
		}
		if p.State != types.ProposalApproved {
			return fmt.Errorf("proposal %s is %s, not APPROVED: %w", p.ID, p.State, storage.ErrInvalidTransition)
		}

		// Commits within a basket serialize on its advisory lock.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.BasketID); err != nil {
			return fmt.Errorf("basket lock: %w", err)
		}

		now := time.Now()
		st := &commitStage{ctx: ctx, tx: tx, proposal: p, now: now}
		if err := st.applyOps(); err != nil {
			return &opError{err: err}
		}
		if err := st.flush(); err != nil {
			return err
		}

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
		changes, err := encodeJSON(delta.Changes)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO deltas (id, basket_id, workspace_id, proposal_id, request_id, summary, changes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			delta.ID, delta.BasketID, delta.WorkspaceID, delta.ProposalID,
			delta.RequestID, delta.Summary, changes, delta.CreatedAt); err != nil {
			return fmt.Errorf("insert delta: %w", err)
		}

		p.State = types.ProposalCommitted
		p.DeltaID = delta.ID
		p.UpdatedAt = now
		if p.DecidedBy == "" {
			p.DecidedBy = req.Actor
		}
		if p.DecidedAt == nil {
			p.DecidedAt = &now
		}
		if _, err := tx.Exec(ctx, `
			UPDATE proposals SET state = $2, delta_id = $3, decided_by = $4, decided_at = $5, updated_at = $6
			WHERE id = $1`,
			p.ID, p.State, p.DeltaID, p.DecidedBy, p.DecidedAt, p.UpdatedAt); err != nil {
			return fmt.Errorf("mark proposal committed: %w", err)
		}

		if req.RequestID != "" {
			if _, err := tx.Exec(ctx, `
				INSERT INTO idempotency (request_id, delta_id, created_at) VALUES ($1, $2, $3)
				ON CONFLICT (request_id) DO UPDATE SET delta_id = EXCLUDED.delta_id`,
				req.RequestID, delta.ID, now); err != nil {
				return fmt.Errorf("bind request %s: %w", req.RequestID, err)
			}
		}

		stale, err := flagStaleDocumentsTx(ctx, tx, delta.BlockIDs(), now)
		if err != nil {
			return err
		}

		if _, err := emitTx(ctx, tx, types.TopicSubstrateCommitted, p.WorkspaceID, p.BasketID, req.Actor,
			types.SubstrateCommittedPayload{
				DeltaID:    delta.ID,
				ProposalID: p.ID,
				BlockIDs:   delta.BlockIDs(),
				Origin:     p.Origin,
			}); err != nil {
			return err
		}

		result = &storage.CommitResult{Proposal: p, Delta: delta, StaleDocuments: stale}
		return nil
	})
	if err == nil {
		return result, nil
	}

	var failed *opError
	if !errors.As(err, &failed) {
		return nil, err
	}
	// The staging transaction rolled back; record the failure.
	recErr := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE proposals SET state = $2, reason = $3, updated_at = now()
			WHERE id = $1 AND state = $4`,
			req.ProposalID, types.ProposalFailed, failed.err.Error(), types.ProposalApproved)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		p, err := getProposalTx(ctx, tx, req.ProposalID, false)
		if err != nil {
			return err
		}
		_, err = emitTx(ctx, tx, types.TopicSubstrateCommitFailed, p.WorkspaceID, p.BasketID, req.Actor,
			types.CommitFailedPayload{
				ProposalID: p.ID,
				Error:      failed.err.Error(),
				Conflict:   types.Classify(failed.err) == types.ClassConflict,
			})
		return err
	})
	if recErr != nil {
		return nil, fmt.Errorf("commit proposal %s: %v (recording failure: %w)", req.ProposalID, failed.err, recErr)
	}
	return nil, fmt.Errorf("commit proposal %s: %w", req.ProposalID, failed.err)
}

// flagStaleDocumentsTx marks documents referencing any touched block for
// recomposition.
func flagStaleDocumentsTx(ctx context.Context, tx pgx.Tx, blockIDs []string, now time.Time) ([]string, error) {
	if len(blockIDs) == 0 {
		return nil, nil
	}
	rows, err := tx.Query(ctx, `
		UPDATE documents SET stale = true, updated_at = $2
		WHERE NOT stale AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(refs) AS r
			WHERE r->>'kind' = 'block' AND r->>'id' = ANY($1)
		)
		RETURNING id`, blockIDs, now)
	if err != nil {
		return nil, fmt.Errorf("flag stale documents: %w", err)
	}
	defer rows.Close()
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(stale)
	return stale, nil
}

func deltaSummary(p *types.Proposal) string {
	if len(p.Ops) == 1 {
		return p.Ops[0].Summary()
	}
	return fmt.Sprintf("%d operations from %s", len(p.Ops), p.Origin)
}

// commitStage holds working copies during op application. Existing blocks
// are row-locked and cloned on first touch; nothing is written until
// flush.
type commitStage struct {
	ctx      context.Context
	tx       pgx.Tx
	proposal *types.Proposal
	now      time.Time

	staged    map[string]*types.Block
	newBlocks []*types.Block
	newItems  []*types.ContextItem
	newRels   []*types.Relationship
	revs      []*types.Revision
	changes   []types.DeltaChange
}

// block returns the working copy for a block, locking the row on first
// access. Workspace membership is checked here so no op can reach across
// tenants.
func (st *commitStage) block(id string) (*types.Block, error) {
	if st.staged == nil {
		st.staged = make(map[string]*types.Block)
	}
	if b, ok := st.staged[id]; ok {
		return b, nil
	}
	b, err := scanBlock(st.tx.QueryRow(st.ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("block %s vanished since validation: %w", id, types.ErrConflict)
		}
		return nil, fmt.Errorf("load block %s: %w", id, err)
	}
	if b.WorkspaceID != st.proposal.WorkspaceID || b.BasketID != st.proposal.BasketID {
		return nil, fmt.Errorf("block %s: %w", id, storage.ErrWorkspaceMismatch)
	}
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
	for _, b := range st.newBlocks {
		if ref.Kind == types.RefBlock && b.ID == ref.ID {
			return nil
		}
	}
	for _, ci := range st.newItems {
		if ref.Kind == types.RefContextItem && ci.ID == ref.ID {
			return nil
		}
	}
	var table string
	switch ref.Kind {
	case types.RefBlock:
		table = "blocks"
	case types.RefContextItem:
		table = "context_items"
	case types.RefDump:
		table = "dumps"
	case types.RefDocument:
		table = "documents"
	case types.RefReflection:
		table = "reflections"
	default:
		return fmt.Errorf("relationship endpoint %s not found in basket: %w", ref, types.ErrConflict)
	}
	var one int
	err := st.tx.QueryRow(st.ctx,
		`SELECT 1 FROM `+table+` WHERE id = $1 AND basket_id = $2`, ref.ID, basket).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("relationship endpoint %s not found in basket: %w", ref, types.ErrConflict)
		}
		return fmt.Errorf("check relationship endpoint %s: %w", ref, err)
	}
	return nil
}

// flush writes the staged state through the transaction. Callers must
// only flush after applyOps succeeded.
func (st *commitStage) flush() error {
	for _, b := range st.staged {
		meta, err := encodeJSON(b.Metadata)
		if err != nil {
			return err
		}
		if _, err := st.tx.Exec(st.ctx, `
			UPDATE blocks SET title = $2, content = $3, semantic_type = $4, state = $5, version = $6,
				confidence = $7, metadata = $8, last_validated_at = $9, updated_at = $10
			WHERE id = $1`,
			b.ID, b.Title, b.Content, b.SemanticType, b.State, b.Version,
			b.Confidence, meta, b.LastValidatedAt, b.UpdatedAt); err != nil {
			return fmt.Errorf("update block %s: %w", b.ID, err)
		}
	}
	for _, b := range st.newBlocks {
		if err := insertBlockTx(st.ctx, st.tx, b); err != nil {
			return err
		}
	}
	for _, ci := range st.newItems {
		meta, err := encodeJSON(ci.Metadata)
		if err != nil {
			return err
		}
		if _, err := st.tx.Exec(st.ctx, `
			INSERT INTO context_items (id, basket_id, workspace_id, type, label, state, metadata, proposal_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			ci.ID, ci.BasketID, ci.WorkspaceID, ci.Type, ci.Label, ci.State, meta,
			ci.ProposalID, ci.CreatedAt, ci.UpdatedAt); err != nil {
			return fmt.Errorf("insert context item %s: %w", ci.ID, err)
		}
	}
	for _, rel := range st.newRels {
		if _, err := st.tx.Exec(st.ctx, `
			INSERT INTO relationships (id, basket_id, workspace_id, from_kind, from_id, to_kind, to_id, type, strength, proposal_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			rel.ID, rel.BasketID, rel.WorkspaceID, rel.From.Kind, rel.From.ID,
			rel.To.Kind, rel.To.ID, rel.Type, rel.Strength, rel.ProposalID, rel.CreatedAt); err != nil {
			return fmt.Errorf("insert relationship %s: %w", rel.ID, err)
		}
	}
	for _, rev := range st.revs {
		if err := insertRevisionTx(st.ctx, st.tx, rev); err != nil {
			return err
		}
	}
	return nil
}

const deltaColumns = "id, basket_id, workspace_id, proposal_id, request_id, summary, changes, created_at"

func scanDelta(row rowScanner) (*types.Delta, error) {
	var d types.Delta
	var changes []byte
	err := row.Scan(&d.ID, &d.BasketID, &d.WorkspaceID, &d.ProposalID,
		&d.RequestID, &d.Summary, &changes, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(changes, &d.Changes); err != nil {
		return nil, fmt.Errorf("decode delta %s changes: %w", d.ID, err)
	}
	return &d, nil
}

func getDeltaTx(ctx context.Context, tx pgx.Tx, id string) (*types.Delta, error) {
	d, err := scanDelta(tx.QueryRow(ctx, `SELECT `+deltaColumns+` FROM deltas WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "delta", id)
	}
	return d, nil
}

// GetDelta fetches a delta by ID.
func (s *Store) GetDelta(ctx context.Context, id string) (*types.Delta, error) {
	d, err := scanDelta(s.pool.QueryRow(ctx, `SELECT `+deltaColumns+` FROM deltas WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "delta", id)
	}
	return d, nil
}

// ListDeltas returns a basket's deltas, newest first.
func (s *Store) ListDeltas(ctx context.Context, basketID string, limit int) ([]*types.Delta, error) {
	q := `SELECT ` + deltaColumns + ` FROM deltas WHERE basket_id = $1 ORDER BY created_at DESC`
	args := []any{basketID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list deltas: %w", err)
	}
	defer rows.Close()
	var out []*types.Delta
	for rows.Next() {
		d, err := scanDelta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
