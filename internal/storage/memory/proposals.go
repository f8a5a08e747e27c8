package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// CreateProposal inserts a DRAFT proposal and emits proposal.drafted. A
// replayed request ID returns the original proposal untouched.
func (s *Store) CreateProposal(_ context.Context, p *types.Proposal, requestID string) (*types.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if requestID != "" {
		if rec, ok := s.idempotency[requestID]; ok && rec.ProposalID != "" {
			existing := s.proposals[rec.ProposalID]
			if existing == nil {
				return nil, fmt.Errorf("%w: request %s recorded but proposal %s missing", types.ErrFatal, requestID, rec.ProposalID)
			}
			return cloneProposal(existing), nil
		}
	}

	draft := cloneProposal(p)
	if draft.ID == "" {
		draft.ID = newID()
	}
	draft.SetDefaults()
	if draft.State != types.ProposalDraft {
		return nil, fmt.Errorf("%w: proposals are created in DRAFT, got %s", types.ErrValidation, draft.State)
	}
	if err := draft.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}

	basket, ok := s.baskets[draft.BasketID]
	if !ok {
		return nil, fmt.Errorf("basket %s: %w", draft.BasketID, storage.ErrNotFound)
	}
	if basket.WorkspaceID != draft.WorkspaceID {
		return nil, fmt.Errorf("proposal %s: %w", draft.ID, storage.ErrWorkspaceMismatch)
	}
	if _, exists := s.proposals[draft.ID]; exists {
		return nil, fmt.Errorf("proposal %s: %w", draft.ID, types.ErrConflict)
	}

	s.proposals[draft.ID] = draft

	if requestID != "" {
		rec := s.idempotency[requestID]
		if rec == nil {
			rec = &types.IdempotencyRecord{RequestID: requestID, CreatedAt: time.Now()}
			s.idempotency[requestID] = rec
		}
		rec.ProposalID = draft.ID
	}

	_, err := s.emitLocked(types.TopicProposalDrafted, draft.WorkspaceID, draft.BasketID, draft.Origin,
		types.ProposalEventPayload{ProposalID: draft.ID, Origin: draft.Origin})
	if err != nil {
		delete(s.proposals, draft.ID)
		return nil, err
	}

	return cloneProposal(draft), nil
}

// GetProposal fetches a proposal by ID.
func (s *Store) GetProposal(_ context.Context, id string) (*types.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, fmt.Errorf("proposal %s: %w", id, storage.ErrNotFound)
	}
	return cloneProposal(p), nil
}

// ListProposals returns a basket's proposals matching the filter, oldest
// first.
func (s *Store) ListProposals(_ context.Context, basketID string, filter types.ProposalFilter) ([]*types.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Proposal
	for _, p := range s.proposals {
		if p.BasketID == basketID && filter.Matches(p) {
			out = append(out, cloneProposal(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// TransitionProposal moves a proposal between non-commit states. The move
// is compare-and-set on tr.From: if the proposal is no longer there, the
// caller lost the race and gets ErrStaleState.
func (s *Store) TransitionProposal(_ context.Context, tr storage.ProposalTransition) (*types.Proposal, error) {
	if !types.CanTransitionProposal(tr.From, tr.To) {
		return nil, fmt.Errorf("proposal %s %s -> %s: %w", tr.ProposalID, tr.From, tr.To, storage.ErrInvalidTransition)
	}
	if tr.To == types.ProposalCommitted {
		return nil, fmt.Errorf("%w: commits go through CommitProposal", storage.ErrInvalidTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[tr.ProposalID]
	if !ok {
		return nil, fmt.Errorf("proposal %s: %w", tr.ProposalID, storage.ErrNotFound)
	}
	if p.State != tr.From {
		return nil, fmt.Errorf("proposal %s is %s, expected %s: %w", p.ID, p.State, tr.From, storage.ErrStaleState)
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

	if topic, payload, emit := proposalTransitionEvent(p, tr); emit {
		if _, err := s.emitLocked(topic, p.WorkspaceID, p.BasketID, tr.Actor, payload); err != nil {
			return nil, err
		}
	}

	return cloneProposal(p), nil
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
