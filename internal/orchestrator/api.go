package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loamlabs/loam/internal/basketctx"
	"github.com/loamlabs/loam/internal/cascade"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// CaptureInput is one raw capture from an external actor.
type CaptureInput struct {
	BasketID   string         `json:"basket_id"`
	Body       string         `json:"body,omitempty"`
	FileURL    string         `json:"file_url,omitempty"`
	SourceMeta map[string]any `json:"source_meta,omitempty"`
	RequestID  string         `json:"request_id"`
	Actor      string         `json:"actor,omitempty"`
}

// CaptureReceipt reports a capture's outcome. DeltaID carries the delta
// the request ID committed under once interpretation lands, so a replayed
// capture surfaces the same delta as the first.
type CaptureReceipt struct {
	Dump     *types.RawDump `json:"dump"`
	Replayed bool           `json:"replayed"`
	DeltaID  string         `json:"delta_id,omitempty"`
}

// CaptureDump persists a raw dump without interpreting it. Replayed
// request IDs return the original dump; interpretation follows
// asynchronously off the dump.created event.
func (o *Orchestrator) CaptureDump(ctx context.Context, in CaptureInput) (*CaptureReceipt, error) {
	if in.RequestID == "" {
		return nil, fmt.Errorf("%w: capture needs a request_id", types.ErrValidation)
	}
	basket, err := o.activeBasket(ctx, in.BasketID)
	if err != nil {
		return nil, err
	}

	res, err := o.store.CaptureDump(ctx, storage.CaptureRequest{
		Dump: &types.RawDump{
			BasketID:    basket.ID,
			WorkspaceID: basket.WorkspaceID,
			Body:        in.Body,
			FileURL:     in.FileURL,
			SourceMeta:  in.SourceMeta,
		},
		RequestID: in.RequestID,
		Actor:     in.Actor,
	})
	if err != nil {
		return nil, err
	}
	receipt := &CaptureReceipt{Dump: res.Dump, Replayed: res.Replayed}
	if res.Record != nil {
		receipt.DeltaID = res.Record.DeltaID
	}
	return receipt, nil
}

// SubmitProposal runs an externally built proposal through governance.
func (o *Orchestrator) SubmitProposal(ctx context.Context, p *types.Proposal, requestID string) (*types.Proposal, error) {
	if _, err := o.activeBasket(ctx, p.BasketID); err != nil {
		return nil, err
	}
	out, err := o.engine.Submit(ctx, p, requestID)
	if err == nil {
		o.queueCommitFollowUps(ctx, out)
	}
	return out, err
}

// GetProposal fetches one proposal.
func (o *Orchestrator) GetProposal(ctx context.Context, id string) (*types.Proposal, error) {
	return o.store.GetProposal(ctx, id)
}

// PendingReviews lists proposals waiting on a human decision.
func (o *Orchestrator) PendingReviews(ctx context.Context, basketID string) ([]*types.Proposal, error) {
	return o.store.ListProposals(ctx, basketID, types.ProposalFilter{
		States: []types.ProposalState{types.ProposalValidated},
	})
}

// DecideProposal applies a review decision and clears the matching
// review work item.
func (o *Orchestrator) DecideProposal(ctx context.Context, proposalID string, approve bool, actor, reason string) (*types.Proposal, error) {
	p, err := o.engine.Decide(ctx, proposalID, approve, actor, reason)
	if err != nil {
		return p, err
	}
	o.settleReviewWork(ctx, p, actor, approve)
	o.queueCommitFollowUps(ctx, p)
	return p, nil
}

// RetryProposal resubmits a FAILED proposal's ops as a fresh proposal.
// The original stays FAILED; the returned proposal is the retry.
func (o *Orchestrator) RetryProposal(ctx context.Context, proposalID, actor string) (*types.Proposal, error) {
	retried, err := o.engine.RetryFailed(ctx, proposalID, actor)
	if err != nil {
		return retried, err
	}
	o.queueCommitFollowUps(ctx, retried)
	return retried, nil
}

// queueCommitFollowUps queues the downstream pipeline stages for an
// agent-origin proposal that just committed through a synchronous API
// call. The dispatcher leaves agent-origin substrate.committed events
// alone because a running agent normally spawns its own follow-up work;
// commits landing through review decisions or retries have no running
// agent, so the follow-ups are queued here.
func (o *Orchestrator) queueCommitFollowUps(ctx context.Context, p *types.Proposal) {
	if p == nil || p.State != types.ProposalCommitted || !types.IsAgentOrigin(p.Origin) {
		return
	}
	if o.cfg.Dispatch.EnableGraphStage {
		raw, err := types.MarshalPayload(types.GraphPayload{DeltaID: p.DeltaID})
		if err == nil {
			_, err = o.queue.Enqueue(ctx, &types.WorkItem{
				WorkType:    types.WorkGraph,
				Payload:     raw,
				Priority:    types.PriorityLow,
				WorkspaceID: p.WorkspaceID,
				BasketID:    p.BasketID,
			})
		}
		if err != nil {
			o.log.Warn("graph follow-up enqueue failed", "proposal", p.ID, "error", err)
		}
	}
	raw, err := types.MarshalPayload(types.ReflectionPayload{
		DeltaID: p.DeltaID,
		Reason:  string(types.TopicSubstrateCommitted),
	})
	if err == nil {
		_, err = o.queue.EnqueueDebounced(ctx, &types.WorkItem{
			WorkType:    types.WorkReflection,
			Payload:     raw,
			Priority:    types.PriorityLow,
			WorkspaceID: p.WorkspaceID,
			BasketID:    p.BasketID,
		})
	}
	if err != nil {
		o.log.Warn("reflection follow-up enqueue failed", "proposal", p.ID, "error", err)
	}
}

// settleReviewWork completes the queued review item for a decided
// proposal. Best effort: a missing item just means the decision came in
// before routing caught up.
func (o *Orchestrator) settleReviewWork(ctx context.Context, p *types.Proposal, actor string, approved bool) {
	state := types.WorkPending
	wt := types.WorkProposalReview
	items, err := o.store.ListWork(ctx, types.WorkFilter{
		BasketID: &p.BasketID, State: &state, WorkType: &wt,
	})
	if err != nil {
		o.log.Warn("review work lookup failed", "proposal", p.ID, "error", err)
		return
	}
	for _, item := range items {
		var payload types.ProposalReviewPayload
		if err := types.UnmarshalPayload(item.Payload, &payload); err != nil || payload.ProposalID != p.ID {
			continue
		}
		workerID := "review:" + actor
		lease := o.cfg.Queue.Lease
		if lease <= 0 {
			lease = time.Minute
		}
		if _, err := o.store.ClaimWork(ctx, storage.ClaimRequest{
			WorkerID: workerID, WorkID: item.ID, Lease: lease,
		}); err != nil {
			o.log.Warn("review work claim failed", "work_id", item.ID, "error", err)
			continue
		}
		if err := o.store.StartWork(ctx, item.ID, workerID); err != nil {
			o.log.Warn("review work start failed", "work_id", item.ID, "error", err)
			continue
		}
		summary := "rejected by " + actor
		if approved {
			summary = "approved by " + actor
		}
		if err := o.store.CompleteWork(ctx, item.ID, workerID, &types.WorkResult{
			ProposalIDs: []string{p.ID},
			Summary:     summary,
		}, false); err != nil {
			o.log.Warn("review work completion failed", "work_id", item.ID, "error", err)
		}
	}
}

// Block lifecycle decisions. These are human calls outside governance;
// the store enforces the block state machine.

// AcceptBlock promotes a proposed block to accepted.
func (o *Orchestrator) AcceptBlock(ctx context.Context, blockID, actor string) (*types.Block, error) {
	return o.applyBlockAction(ctx, blockID, types.BlockAccepted, actor, "")
}

// LockBlock protects an accepted block from agent mutation.
func (o *Orchestrator) LockBlock(ctx context.Context, blockID, actor string) (*types.Block, error) {
	return o.applyBlockAction(ctx, blockID, types.BlockLocked, actor, "")
}

// UnlockBlock returns a locked block to accepted.
func (o *Orchestrator) UnlockBlock(ctx context.Context, blockID, actor string) (*types.Block, error) {
	return o.applyBlockAction(ctx, blockID, types.BlockAccepted, actor, "unlocked")
}

// MarkConstant makes a locked block immutable for good.
func (o *Orchestrator) MarkConstant(ctx context.Context, blockID, actor string) (*types.Block, error) {
	return o.applyBlockAction(ctx, blockID, types.BlockConstant, actor, "")
}

// RejectBlock retires a proposed block.
func (o *Orchestrator) RejectBlock(ctx context.Context, blockID, actor, reason string) (*types.Block, error) {
	return o.applyBlockAction(ctx, blockID, types.BlockRejected, actor, reason)
}

// SupersedeBlock retires a block in favor of newer substrate.
func (o *Orchestrator) SupersedeBlock(ctx context.Context, blockID, actor, reason string) (*types.Block, error) {
	return o.applyBlockAction(ctx, blockID, types.BlockSuperseded, actor, reason)
}

func (o *Orchestrator) applyBlockAction(ctx context.Context, blockID string, to types.BlockState, actor, reason string) (*types.Block, error) {
	return o.store.ApplyBlockAction(ctx, storage.BlockAction{
		BlockID: blockID,
		To:      to,
		Actor:   actor,
		Reason:  reason,
	})
}

// UpdateBlockContent queues a human content edit as manual-edit work, so
// it takes the same governed path as everything else. The edit is pinned
// to the block version the caller saw.
func (o *Orchestrator) UpdateBlockContent(ctx context.Context, blockID, content, actor, requestID string) (*types.WorkItem, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content cannot be empty", types.ErrValidation)
	}
	block, err := o.store.GetBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}
	raw, err := types.MarshalPayload(types.ManualEditPayload{
		Actor:     actor,
		RequestID: requestID,
		Ops: []types.Operation{{
			Kind: types.OpUpdateBlock,
			UpdateBlock: &types.UpdateBlockOp{
				BlockID:     block.ID,
				FromVersion: block.Version,
				Patch:       types.BlockPatch{Content: &content},
			},
		}},
	})
	if err != nil {
		return nil, err
	}
	return o.queue.Enqueue(ctx, &types.WorkItem{
		WorkType:    types.WorkManualEdit,
		Payload:     raw,
		Priority:    types.PriorityHigh,
		WorkspaceID: block.WorkspaceID,
		BasketID:    block.BasketID,
		UserID:      actor,
	})
}

// ComposeRequest asks for document composition on a basket.
type ComposeRequest struct {
	Title       string   `json:"title,omitempty"`
	Intent      string   `json:"intent,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	Actor       string   `json:"actor,omitempty"`
}

// RequestCompose emits a compose request; the dispatcher queues the
// actual work.
func (o *Orchestrator) RequestCompose(ctx context.Context, basketID string, req ComposeRequest) (*types.Event, error) {
	basket, err := o.activeBasket(ctx, basketID)
	if err != nil {
		return nil, err
	}
	return o.bus.Emit(ctx, types.TopicComposeRequested, basket.WorkspaceID, basket.ID, req.Actor,
		types.ComposeRequestedPayload{
			Title:       req.Title,
			Intent:      req.Intent,
			DocumentIDs: req.DocumentIDs,
			RequestedBy: req.Actor,
		})
}

// RequestTimelineRestore queues an event replay from the given cursor.
func (o *Orchestrator) RequestTimelineRestore(ctx context.Context, basketID string, sinceEventID int64) (*types.WorkItem, error) {
	basket, err := o.activeBasket(ctx, basketID)
	if err != nil {
		return nil, err
	}
	raw, err := types.MarshalPayload(types.TimelineRestorePayload{SinceEventID: sinceEventID})
	if err != nil {
		return nil, err
	}
	return o.queue.Enqueue(ctx, &types.WorkItem{
		WorkType:    types.WorkTimelineRestore,
		Payload:     raw,
		Priority:    types.PriorityHigh,
		WorkspaceID: basket.WorkspaceID,
		BasketID:    basket.ID,
	})
}

// EnsureWorkspace creates a workspace or refreshes its name, and
// returns the stored row. Workspaces are the account boundary; every
// basket lives in exactly one.
func (o *Orchestrator) EnsureWorkspace(ctx context.Context, id, name string) (*types.Workspace, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: workspace ID cannot be empty", types.ErrValidation)
	}
	if err := o.store.EnsureWorkspace(ctx, &types.Workspace{ID: id, Name: name}); err != nil {
		return nil, err
	}
	return o.store.GetWorkspace(ctx, id)
}

// CreateBasket opens a new basket in a workspace.
func (o *Orchestrator) CreateBasket(ctx context.Context, workspaceID, name string) (*types.Basket, error) {
	if _, err := o.store.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}
	basket := &types.Basket{
		WorkspaceID: workspaceID,
		Name:        name,
		Status:      types.BasketActive,
	}
	if err := o.store.CreateBasket(ctx, basket); err != nil {
		return nil, err
	}
	return basket, nil
}

// GetBasket fetches one basket.
func (o *Orchestrator) GetBasket(ctx context.Context, id string) (*types.Basket, error) {
	return o.store.GetBasket(ctx, id)
}

// ListBaskets lists a workspace's baskets.
func (o *Orchestrator) ListBaskets(ctx context.Context, workspaceID string) ([]*types.Basket, error) {
	return o.store.ListBaskets(ctx, workspaceID)
}

// ArchiveBasket retires a basket. Archived baskets refuse new captures
// but keep their substrate readable.
func (o *Orchestrator) ArchiveBasket(ctx context.Context, id string) error {
	return o.store.SetBasketStatus(ctx, id, types.BasketArchived)
}

// BasketContext assembles the basket's working context snapshot.
func (o *Orchestrator) BasketContext(ctx context.Context, basketID string) (*basketctx.Snapshot, error) {
	return o.ctxsvc.Snapshot(ctx, basketID)
}

// WorkStatus is a work item plus its cascade view when it roots one.
type WorkStatus struct {
	Item    *types.WorkItem `json:"item"`
	Cascade *cascade.Status `json:"cascade,omitempty"`
}

// GetWorkStatus reports one work item's progress.
func (o *Orchestrator) GetWorkStatus(ctx context.Context, workID string) (*WorkStatus, error) {
	item, err := o.store.GetWork(ctx, workID)
	if err != nil {
		return nil, err
	}
	status := &WorkStatus{Item: item}
	if item.State == types.WorkCascading || (item.Cascade != nil && item.Cascade.RootID == "") {
		if cs, err := o.cascade.Status(ctx, item.ID); err == nil {
			status.Cascade = cs
		}
	}
	return status, nil
}

// GetBlock fetches one block.
func (o *Orchestrator) GetBlock(ctx context.Context, id string) (*types.Block, error) {
	return o.store.GetBlock(ctx, id)
}

// ListBlocks lists a basket's blocks.
func (o *Orchestrator) ListBlocks(ctx context.Context, basketID string, filter types.BlockFilter) ([]*types.Block, error) {
	return o.store.ListBlocks(ctx, basketID, filter)
}

// ListRevisions pages a block's revision history, newest first.
func (o *Orchestrator) ListRevisions(ctx context.Context, blockID string, limit int) ([]*types.Revision, error) {
	return o.store.ListRevisions(ctx, blockID, limit)
}

// GetDocument fetches one composed document.
func (o *Orchestrator) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	return o.store.GetDocument(ctx, id)
}

// ListDocuments lists a basket's documents.
func (o *Orchestrator) ListDocuments(ctx context.Context, basketID string, staleOnly bool) ([]*types.Document, error) {
	return o.store.ListDocuments(ctx, basketID, staleOnly)
}

// ListWork lists queue contents for status surfaces.
func (o *Orchestrator) ListWork(ctx context.Context, filter types.WorkFilter) ([]*types.WorkItem, error) {
	return o.store.ListWork(ctx, filter)
}

// activeBasket fetches a basket and refuses mutations on archived ones.
func (o *Orchestrator) activeBasket(ctx context.Context, basketID string) (*types.Basket, error) {
	basket, err := o.store.GetBasket(ctx, basketID)
	if err != nil {
		return nil, err
	}
	if basket.Status == types.BasketArchived {
		return nil, fmt.Errorf("%w: basket %s is archived", types.ErrValidation, basketID)
	}
	return basket, nil
}
