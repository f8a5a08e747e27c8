package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loamlabs/loam/internal/basketctx"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// Validator checks proposals against schema, scope, referential
// integrity, semantic dedup, policy, and budget. Validation is pure: it
// reads substrate but writes nothing, and the same basket state always
// yields the same report.
type Validator struct {
	store  storage.Store
	ctxsvc *basketctx.Service
}

// NewValidator creates a validator over the given store and context
// service.
func NewValidator(store storage.Store, ctxsvc *basketctx.Service) *Validator {
	return &Validator{store: store, ctxsvc: ctxsvc}
}

// Validate produces the validation report for a proposal under a policy.
// An error return means validation itself could not run; a proposal that
// fails its checks gets an ok report with Decision REJECT.
func (v *Validator) Validate(ctx context.Context, p *types.Proposal, policy *types.Policy) (*types.ValidationReport, error) {
	report := &types.ValidationReport{
		Confidence:  p.Confidence,
		ValidatedAt: time.Now(),
	}

	forceReview := false
	forceReject := false
	var reasons []string

	for i, op := range p.Ops {
		opReport := types.OpReport{Index: i, Kind: op.Kind, OK: true}

		if err := op.Validate(); err != nil {
			opReport.OK = false
			opReport.Errors = append(opReport.Errors, err.Error())
			report.Ops = append(report.Ops, opReport)
			continue
		}

		if err := v.checkOp(ctx, p, i, op, policy, report, &opReport); err != nil {
			return nil, err
		}

		if rule, ok := policy.RuleFor(op.Kind); ok {
			switch rule.Decision {
			case types.DecisionReject:
				forceReject = true
				reasons = append(reasons, fmt.Sprintf("policy forbids %s", op.Kind))
			case types.DecisionRequireReview:
				forceReview = true
				reasons = append(reasons, fmt.Sprintf("policy requires review for %s", op.Kind))
			}
			if rule.MinConfidence > 0 && p.Confidence < rule.MinConfidence {
				forceReview = true
				reasons = append(reasons, fmt.Sprintf("%s needs confidence >= %.2f", op.Kind, rule.MinConfidence))
			}
		}

		report.Ops = append(report.Ops, opReport)
	}

	blocksTouched := 0
	for _, op := range p.Ops {
		blocksTouched += op.BlocksTouched()
	}
	report.Impact = fmt.Sprintf("%d ops, %d existing blocks touched", len(p.Ops), blocksTouched)

	if len(p.Ops) > policy.MaxOps {
		forceReview = true
		reasons = append(reasons, fmt.Sprintf("%d ops exceeds budget of %d", len(p.Ops), policy.MaxOps))
	}
	if policy.MaxBlocksAffected > 0 && blocksTouched > policy.MaxBlocksAffected {
		forceReview = true
		reasons = append(reasons, fmt.Sprintf("%d blocks affected exceeds budget of %d", blocksTouched, policy.MaxBlocksAffected))
	}

	// Dedup hints demote confidence toward zero as similarity approaches
	// one, so a near-duplicate cannot ride auto-approval.
	effective := p.Confidence
	if len(report.DedupHints) > 0 {
		maxSim := 0.0
		for _, h := range report.DedupHints {
			if h.Similarity > maxSim {
				maxSim = h.Similarity
			}
		}
		effective = p.Confidence * (1 - maxSim)
		reasons = append(reasons, fmt.Sprintf("near-duplicate content (similarity %.2f)", maxSim))
	}
	report.Confidence = effective

	switch {
	case forceReject || !report.OK():
		report.Decision = types.DecisionReject
		if !report.OK() {
			reasons = append(reasons, "one or more operations failed validation")
		}
	case forceReview:
		report.Decision = types.DecisionRequireReview
	case p.Origin == types.OriginHuman:
		if policy.AutoApproveHumanEdits {
			report.Decision = types.DecisionAutoApprove
		} else {
			report.Decision = types.DecisionRequireReview
			reasons = append(reasons, "human edits require a second reviewer")
		}
	case len(report.DedupHints) > 0 || effective < policy.AutoApproveThreshold:
		report.Decision = types.DecisionRequireReview
		if effective < policy.AutoApproveThreshold {
			reasons = append(reasons, fmt.Sprintf("confidence %.2f below auto-approve threshold %.2f", effective, policy.AutoApproveThreshold))
		}
	default:
		report.Decision = types.DecisionAutoApprove
	}
	report.Reasons = reasons
	return report, nil
}

// checkOp runs the scope, referential, and dedup checks for one op.
// Findings land in opReport; a non-nil error means the store failed.
func (v *Validator) checkOp(ctx context.Context, p *types.Proposal, index int, op types.Operation, policy *types.Policy, report *types.ValidationReport, opReport *types.OpReport) error {
	fail := func(format string, args ...any) {
		opReport.OK = false
		opReport.Errors = append(opReport.Errors, fmt.Sprintf(format, args...))
	}
	warn := func(format string, args ...any) {
		opReport.Warnings = append(opReport.Warnings, fmt.Sprintf(format, args...))
	}

	switch op.Kind {
	case types.OpCreateBlock:
		text := op.CreateBlock.Title
		if op.CreateBlock.Content != "" {
			text += "\n" + op.CreateBlock.Content
		}
		matches, err := v.ctxsvc.FindSimilar(ctx, p.BasketID, text, policy.DedupSimilarity)
		if err != nil {
			return fmt.Errorf("dedup search: %w", err)
		}
		for _, m := range matches {
			report.DedupHints = append(report.DedupHints, types.DedupHint{
				OpIndex:    index,
				Existing:   types.SubstrateRef{Kind: types.RefBlock, ID: m.BlockID},
				Similarity: m.Similarity,
			})
			warn("closely matches existing block %s (similarity %.2f)", m.BlockID, m.Similarity)
		}

	case types.OpUpdateBlock:
		v.checkMutableTarget(ctx, p, op.UpdateBlock.BlockID, op.UpdateBlock.FromVersion, fail, warn)

	case types.OpReviseBlock:
		v.checkMutableTarget(ctx, p, op.ReviseBlock.BlockID, op.ReviseBlock.FromVersion, fail, warn)

	case types.OpMergeBlocks:
		merge := op.MergeBlocks
		primary := v.lookupBlock(ctx, p, merge.PrimaryID, fail)
		if primary != nil && primary.State.Terminal() {
			fail("merge primary %s is %s", primary.ID, primary.State)
		}
		for _, id := range merge.MergedIDs {
			loser := v.lookupBlock(ctx, p, id, fail)
			if loser == nil {
				continue
			}
			switch loser.State {
			case types.BlockLocked, types.BlockConstant:
				fail("cannot merge away %s block %s", loser.State, loser.ID)
			case types.BlockRejected, types.BlockSuperseded:
				fail("block %s is already %s", loser.ID, loser.State)
			}
		}

	case types.OpCreateRelationship:
		rel := op.CreateRelationship
		for _, ref := range []types.SubstrateRef{rel.From, rel.To} {
			ok, err := v.refInBasket(ctx, p, ref)
			if err != nil {
				return err
			}
			if !ok {
				fail("relationship endpoint %s not found in basket", ref)
			}
		}
	}
	return nil
}

// checkMutableTarget verifies a version-gated mutation target: it must
// exist in this basket, be writable, and a stale from_version is worth a
// warning before commit refuses it outright.
func (v *Validator) checkMutableTarget(ctx context.Context, p *types.Proposal, blockID string, fromVersion int, fail, warn func(string, ...any)) {
	b := v.lookupBlock(ctx, p, blockID, fail)
	if b == nil {
		return
	}
	switch b.State {
	case types.BlockLocked, types.BlockConstant:
		fail("block %s is %s", b.ID, b.State)
	case types.BlockRejected, types.BlockSuperseded:
		fail("block %s is %s", b.ID, b.State)
	}
	if b.Version != fromVersion {
		warn("block %s moved to version %d since version %d was observed", b.ID, b.Version, fromVersion)
	}
}

// lookupBlock fetches a block and enforces basket/workspace scope.
// Returns nil after recording a failure.
func (v *Validator) lookupBlock(ctx context.Context, p *types.Proposal, id string, fail func(string, ...any)) *types.Block {
	b, err := v.store.GetBlock(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		fail("block %s does not exist", id)
		return nil
	}
	if err != nil {
		fail("block %s: %v", id, err)
		return nil
	}
	if b.BasketID != p.BasketID || b.WorkspaceID != p.WorkspaceID {
		fail("block %s belongs to another basket", id)
		return nil
	}
	return b
}

func (v *Validator) refInBasket(ctx context.Context, p *types.Proposal, ref types.SubstrateRef) (bool, error) {
	switch ref.Kind {
	case types.RefBlock:
		b, err := v.store.GetBlock(ctx, ref.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return b.BasketID == p.BasketID, nil
	case types.RefContextItem:
		ci, err := v.store.GetContextItem(ctx, ref.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return ci.BasketID == p.BasketID, nil
	case types.RefDump:
		d, err := v.store.GetDump(ctx, ref.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return d.BasketID == p.BasketID, nil
	case types.RefDocument:
		doc, err := v.store.GetDocument(ctx, ref.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return doc.BasketID == p.BasketID, nil
	}
	return false, nil
}
