// Package governance owns the proposal lifecycle: validation, policy
// decisions, and the atomic commit of approved operations.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loamlabs/loam/internal/basketctx"
	"github.com/loamlabs/loam/internal/bus"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/telemetry"
	"github.com/loamlabs/loam/internal/types"
)

// Engine drives proposals from DRAFT through validation and decision to
// an atomic commit. Every proposal takes the same path regardless of
// origin; only the decision differs.
type Engine struct {
	store     storage.Store
	bus       *bus.Bus
	validator *Validator
	ctxsvc    *basketctx.Service
	policies  *policySource
	log       *slog.Logger
}

// NewEngine wires the governance engine. defaultPolicy may be nil, in
// which case the built-in defaults apply.
func NewEngine(store storage.Store, b *bus.Bus, ctxsvc *basketctx.Service, defaultPolicy *types.Policy, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:     store,
		bus:       b,
		validator: NewValidator(store, ctxsvc),
		ctxsvc:    ctxsvc,
		policies:  newPolicySource(store, defaultPolicy),
		log:       log,
	}
}

// SetDefaultPolicy swaps the default policy, e.g. after a config file
// reload. Basket overrides are unaffected.
func (e *Engine) SetDefaultPolicy(p *types.Policy) {
	e.policies.setDefault(p)
}

// EffectivePolicy returns the policy governing one basket.
func (e *Engine) EffectivePolicy(ctx context.Context, basketID string) (*types.Policy, error) {
	return e.policies.effective(ctx, basketID)
}

// Submit creates a proposal, validates it, and routes it by the policy
// decision: auto-approved proposals commit immediately, review
// candidates wait for Decide, rejections stop here. A replayed request
// ID returns the original proposal without re-validating.
func (e *Engine) Submit(ctx context.Context, p *types.Proposal, requestID string) (*types.Proposal, error) {
	created, err := e.store.CreateProposal(ctx, p, requestID)
	if err != nil {
		return nil, fmt.Errorf("submit proposal: %w", err)
	}
	if created.State != types.ProposalDraft {
		return created, nil
	}

	policy, err := e.policies.effective(ctx, created.BasketID)
	if err != nil {
		return nil, fmt.Errorf("resolve policy for basket %s: %w", created.BasketID, err)
	}
	report, err := e.validator.Validate(ctx, created, policy)
	if err != nil {
		return nil, fmt.Errorf("validate proposal %s: %w", created.ID, err)
	}

	validated, err := e.store.TransitionProposal(ctx, storage.ProposalTransition{
		ProposalID: created.ID,
		From:       types.ProposalDraft,
		To:         types.ProposalValidated,
		Report:     report,
	})
	if err != nil {
		return nil, fmt.Errorf("record validation for %s: %w", created.ID, err)
	}

	switch report.Decision {
	case types.DecisionReject:
		return e.reject(ctx, validated, "policy", strings.Join(report.Reasons, "; "))

	case types.DecisionRequireReview:
		payload := types.ProposalEventPayload{
			ProposalID: validated.ID,
			Origin:     validated.Origin,
			Decision:   report.Decision,
			Reason:     strings.Join(report.Reasons, "; "),
		}
		if _, err := e.bus.Emit(ctx, types.TopicProposalReviewRequested,
			validated.WorkspaceID, validated.BasketID, validated.Origin, payload); err != nil {
			return nil, err
		}
		e.log.Info("proposal held for review",
			"proposal", validated.ID, "origin", validated.Origin, "reasons", report.Reasons)
		return validated, nil

	case types.DecisionAutoApprove:
		approved, err := e.approve(ctx, validated, "policy:auto")
		if err != nil {
			return nil, err
		}
		if _, err := e.Commit(ctx, approved.ID, "policy:auto", requestID); err != nil {
			latest, getErr := e.store.GetProposal(ctx, approved.ID)
			if getErr != nil {
				return nil, err
			}
			return latest, err
		}
		return e.store.GetProposal(ctx, approved.ID)
	}
	return nil, fmt.Errorf("%w: validator produced unknown decision %q", types.ErrFatal, report.Decision)
}

// Decide applies a human or service review decision to a VALIDATED
// proposal. Approval commits immediately.
func (e *Engine) Decide(ctx context.Context, proposalID string, approve bool, actor, reason string) (*types.Proposal, error) {
	p, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.State != types.ProposalValidated {
		return nil, fmt.Errorf("proposal %s is %s, decisions apply to VALIDATED: %w",
			p.ID, p.State, storage.ErrInvalidTransition)
	}

	if !approve {
		return e.reject(ctx, p, actor, reason)
	}

	approved, err := e.approve(ctx, p, actor)
	if err != nil {
		return nil, err
	}
	if _, err := e.Commit(ctx, approved.ID, actor, ""); err != nil {
		latest, getErr := e.store.GetProposal(ctx, approved.ID)
		if getErr != nil {
			return nil, err
		}
		return latest, err
	}
	return e.store.GetProposal(ctx, approved.ID)
}

// RetryFailed resubmits a FAILED proposal's ops as a fresh proposal.
// FAILED is terminal, so the retry is a new governed pass over the same
// ops rather than a state rewind; the clone re-validates against the
// current substrate and may itself fail or be rejected. Calling it twice
// for the same failure replays the first clone.
func (e *Engine) RetryFailed(ctx context.Context, proposalID, actor string) (*types.Proposal, error) {
	p, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.State != types.ProposalFailed {
		return nil, fmt.Errorf("proposal %s is %s, only FAILED proposals can be retried: %w",
			p.ID, p.State, storage.ErrInvalidTransition)
	}

	clone := &types.Proposal{
		BasketID:    p.BasketID,
		WorkspaceID: p.WorkspaceID,
		Origin:      p.Origin,
		Ops:         p.Ops,
		Provenance:  append(append([]string{}, p.Provenance...), "retry_of:"+p.ID),
		Confidence:  p.Confidence,
	}
	retried, err := e.Submit(ctx, clone, "retry:"+p.ID)
	if retried != nil {
		e.log.Info("failed proposal retried",
			"proposal", p.ID, "retry", retried.ID, "actor", actor, "state", retried.State)
	}
	return retried, err
}

// Commit applies an APPROVED proposal atomically and indexes embeddings
// for the blocks it touched. Committing an already committed proposal
// replays the original delta.
func (e *Engine) Commit(ctx context.Context, proposalID, actor, requestID string) (*storage.CommitResult, error) {
	start := time.Now()
	res, err := e.store.CommitProposal(ctx, storage.CommitRequest{
		ProposalID: proposalID,
		Actor:      actor,
		RequestID:  requestID,
	})
	if err != nil {
		if types.Classify(err) == types.ClassConflict {
			telemetry.CountCommitConflict(ctx)
		}
		telemetry.CountProposal(ctx, "failed")
		e.log.Warn("proposal commit failed", "proposal", proposalID, "error", err)
		return nil, err
	}
	telemetry.RecordCommitDuration(ctx, time.Since(start))
	telemetry.CountProposal(ctx, "committed")

	e.indexCommitted(ctx, res)

	e.log.Info("proposal committed",
		"proposal", res.Proposal.ID,
		"delta", res.Delta.ID,
		"changes", len(res.Delta.Changes),
		"stale_documents", len(res.StaleDocuments))
	return res, nil
}

// indexCommitted refreshes embeddings for blocks the delta touched so
// the next dedup pass sees them. Indexing failures are logged, never
// surfaced: the commit already happened.
func (e *Engine) indexCommitted(ctx context.Context, res *storage.CommitResult) {
	ids := res.Delta.BlockIDs()
	if len(ids) == 0 {
		return
	}
	blocks := make([]*types.Block, 0, len(ids))
	for _, id := range ids {
		b, err := e.store.GetBlock(ctx, id)
		if err != nil {
			e.log.Warn("post-commit embedding skipped", "block", id, "error", err)
			continue
		}
		if b.State.Terminal() {
			continue
		}
		blocks = append(blocks, b)
	}
	if err := e.ctxsvc.IndexBlocks(ctx, blocks); err != nil {
		e.log.Warn("post-commit embedding failed", "delta", res.Delta.ID, "error", err)
	}
}

func (e *Engine) reject(ctx context.Context, p *types.Proposal, actor, reason string) (*types.Proposal, error) {
	rejected, err := e.store.TransitionProposal(ctx, storage.ProposalTransition{
		ProposalID: p.ID,
		From:       p.State,
		To:         types.ProposalRejected,
		Actor:      actor,
		Reason:     reason,
	})
	if err != nil {
		return nil, fmt.Errorf("reject proposal %s: %w", p.ID, err)
	}
	telemetry.CountProposal(ctx, "rejected")
	e.log.Info("proposal rejected", "proposal", p.ID, "actor", actor, "reason", reason)
	return rejected, nil
}

func (e *Engine) approve(ctx context.Context, p *types.Proposal, actor string) (*types.Proposal, error) {
	approved, err := e.store.TransitionProposal(ctx, storage.ProposalTransition{
		ProposalID: p.ID,
		From:       types.ProposalValidated,
		To:         types.ProposalApproved,
		Actor:      actor,
	})
	if errors.Is(err, storage.ErrStaleState) {
		// Someone else decided first; report their outcome.
		latest, getErr := e.store.GetProposal(ctx, p.ID)
		if getErr != nil {
			return nil, err
		}
		return nil, fmt.Errorf("proposal %s already %s: %w", p.ID, latest.State, storage.ErrStaleState)
	}
	if err != nil {
		return nil, fmt.Errorf("approve proposal %s: %w", p.ID, err)
	}
	return approved, nil
}
