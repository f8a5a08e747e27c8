package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

const proposalColumns = `id, basket_id, workspace_id, origin, ops, provenance, confidence,
	state, report, delta_id, reason, decided_by, decided_at, created_at, updated_at`

func scanProposal(row rowScanner) (*types.Proposal, error) {
	var p types.Proposal
	var ops, report []byte
	err := row.Scan(&p.ID, &p.BasketID, &p.WorkspaceID, &p.Origin, &ops, &p.Provenance,
		&p.Confidence, &p.State, &report, &p.DeltaID, &p.Reason, &p.DecidedBy,
		&p.DecidedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(ops, &p.Ops); err != nil {
		return nil, fmt.Errorf("decode proposal %s ops: %w", p.ID, err)
	}
	if len(report) > 0 {
		p.Report = &types.ValidationReport{}
		if err := decodeJSON(report, p.Report); err != nil {
			return nil, fmt.Errorf("decode proposal %s report: %w", p.ID, err)
		}
	}
	return &p, nil
}

func getProposalTx(ctx context.Context, tx pgx.Tx, id string, forUpdate bool) (*types.Proposal, error) {
	q := `SELECT ` + proposalColumns + ` FROM proposals WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	p, err := scanProposal(tx.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "proposal", id)
	}
	return p, nil
}

// CreateProposal inserts a DRAFT proposal and emits proposal.drafted. A
// replayed request ID returns the original proposal untouched.
func (s *Store) CreateProposal(ctx context.Context, p *types.Proposal, requestID string) (*types.Proposal, error) {
	var out *types.Proposal
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if requestID != "" {
			rec, err := getIdempotencyTx(ctx, tx, requestID)
			if err == nil && rec.ProposalID != "" {
				existing, err := getProposalTx(ctx, tx, rec.ProposalID, false)
				if err != nil {
					return fmt.Errorf("%w: request %s recorded but proposal %s missing", types.ErrFatal, requestID, rec.ProposalID)
				}
				out = existing
				return nil
			}
		}

		draft := *p
		if draft.ID == "" {
			draft.ID = newID()
		}
		draft.SetDefaults()
		if draft.State != types.ProposalDraft {
			return fmt.Errorf("%w: proposals are created in DRAFT, got %s", types.ErrValidation, draft.State)
		}
		if err := draft.Validate(); err != nil {
			return fmt.Errorf("%w: %v", types.ErrValidation, err)
		}

		basket, err := getBasketTx(ctx, tx, draft.BasketID)
		if err != nil {
			return err
		}
		if basket.WorkspaceID != draft.WorkspaceID {
			return fmt.Errorf("proposal %s: %w", draft.ID, storage.ErrWorkspaceMismatch)
		}

		ops, err := encodeJSON(draft.Ops)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO proposals (id, basket_id, workspace_id, origin, ops, provenance, confidence,
				state, delta_id, reason, decided_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', '', '', $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			draft.ID, draft.BasketID, draft.WorkspaceID, draft.Origin, ops, draft.Provenance,
			draft.Confidence, draft.State, draft.CreatedAt, draft.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert proposal %s: %w", draft.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("proposal %s: %w", draft.ID, types.ErrConflict)
		}

		if requestID != "" {
			if _, err := tx.Exec(ctx, `
				INSERT INTO idempotency (request_id, proposal_id, created_at) VALUES ($1, $2, $3)
				ON CONFLICT (request_id) DO UPDATE SET proposal_id = EXCLUDED.proposal_id`,
				requestID, draft.ID, time.Now()); err != nil {
				return fmt.Errorf("bind request %s: %w", requestID, err)
			}
		}

		if _, err := emitTx(ctx, tx, types.TopicProposalDrafted, draft.WorkspaceID, draft.BasketID, draft.Origin,
			types.ProposalEventPayload{ProposalID: draft.ID, Origin: draft.Origin}); err != nil {
			return err
		}

		out = &draft
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetProposal fetches a proposal by ID.
func (s *Store) GetProposal(ctx context.Context, id string) (*types.Proposal, error) {
	p, err := scanProposal(s.pool.QueryRow(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "proposal", id)
	}
	return p, nil
}

// ListProposals returns a basket's proposals matching the filter, oldest
// first.
func (s *Store) ListProposals(ctx context.Context, basketID string, filter types.ProposalFilter) ([]*types.Proposal, error) {
	q := `SELECT ` + proposalColumns + ` FROM proposals WHERE basket_id = $1`
	args := []any{basketID}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		args = append(args, states)
		q += fmt.Sprintf(` AND state = ANY($%d)`, len(args))
	}
	if filter.Origin != nil {
		args = append(args, *filter.Origin)
		q += fmt.Sprintf(` AND origin = $%d`, len(args))
	}
	q += ` ORDER BY created_at`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()
	var out []*types.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TransitionProposal moves a proposal between non-commit states. The move
// is compare-and-set on tr.From: if the proposal is no longer there, the
// caller lost the race and gets ErrStaleState.
func (s *Store) TransitionProposal(ctx context.Context, tr storage.ProposalTransition) (*types.Proposal, error) {
	if !types.CanTransitionProposal(tr.From, tr.To) {
		return nil, fmt.Errorf("proposal %s %s -> %s: %w", tr.ProposalID, tr.From, tr.To, storage.ErrInvalidTransition)
	}
	if tr.To == types.ProposalCommitted {
		return nil, fmt.Errorf("%w: commits go through CommitProposal", storage.ErrInvalidTransition)
	}

	var out *types.Proposal
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		p, err := getProposalTx(ctx, tx, tr.ProposalID, true)
		if err != nil {
			return err
		}
		if p.State != tr.From {
			return fmt.Errorf("proposal %s is %s, expected %s: %w", p.ID, p.State, tr.From, storage.ErrStaleState)
		}

		now := time.Now()
		p.State = tr.To
		p.UpdatedAt = now
		if tr.Report != nil {
			p.Report = tr.Report
		}
		if tr.Reason != "" {
			p.Reason = tr.Reason
		}
		switch tr.To {
		case types.ProposalApproved, types.ProposalRejected:
			p.DecidedBy = tr.Actor
			p.DecidedAt = &now
		}

		report, err := encodeJSON(p.Report)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE proposals
			SET state = $2, report = $3, reason = $4, decided_by = $5, decided_at = $6, updated_at = $7
			WHERE id = $1`,
			p.ID, p.State, report, p.Reason, p.DecidedBy, p.DecidedAt, p.UpdatedAt); err != nil {
			return fmt.Errorf("transition proposal %s: %w", p.ID, err)
		}

		if topic, payload, emit := proposalTransitionEvent(p, tr); emit {
			if _, err := emitTx(ctx, tx, topic, p.WorkspaceID, p.BasketID, tr.Actor, payload); err != nil {
				return err
			}
		}

		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// proposalTransitionEvent maps a transition to its bus topic. FAILED has
// no topic of its own: commit failures emit substrate.commit_failed from
// the commit path.
func proposalTransitionEvent(p *types.Proposal, tr storage.ProposalTransition) (types.Topic, types.ProposalEventPayload, bool) {
	payload := types.ProposalEventPayload{ProposalID: p.ID, Origin: p.Origin, Reason: tr.Reason}
	if p.Report != nil {
		payload.Decision = p.Report.Decision
	}
	switch tr.To {
	case types.ProposalValidated:
		return types.TopicProposalValidated, payload, true
	case types.ProposalApproved:
		return types.TopicProposalApproved, payload, true
	case types.ProposalRejected:
		return types.TopicProposalRejected, payload, true
	}
	return "", payload, false
}
