package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/loamlabs/loam/internal/reasoner"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

const substrateSystem = `You extract structured knowledge from raw captured text.
Given a basket's current state and one new capture, return a JSON object:
{
  "confidence": 0.0-1.0,
  "blocks": [{"title": "...", "semantic_type": "goal|constraint|insight|fact", "content": "...", "confidence": 0.0-1.0}],
  "context_items": [{"type": "person|place|topic|project", "label": "..."}],
  "revisions": [{"block_id": "...", "content": "...", "summary": "..."}]
}
Only propose blocks for durable knowledge. Use revisions when the capture
updates something the basket already knows. Return {} when the capture
contains nothing worth keeping. Return only JSON.`

// substratePlan is the wire shape the reasoner replies with.
type substratePlan struct {
	Confidence   float64 `json:"confidence"`
	Blocks       []struct {
		Title        string  `json:"title"`
		SemanticType string  `json:"semantic_type"`
		Content      string  `json:"content"`
		Confidence   float64 `json:"confidence"`
	} `json:"blocks"`
	ContextItems []struct {
		Type  string `json:"type"`
		Label string `json:"label"`
	} `json:"context_items"`
	Revisions    []struct {
		BlockID string `json:"block_id"`
		Content string `json:"content"`
		Summary string `json:"summary"`
	} `json:"revisions"`
}

// Substrate is the P1 agent: it interprets one raw dump against the
// basket's current context and proposes substrate mutations. Nothing it
// produces lands directly; everything goes through governance.
type Substrate struct {
	deps Deps
}

// NewSubstrate creates the substrate interpretation agent.
func NewSubstrate(deps Deps) *Substrate { return &Substrate{deps: deps} }

func (a *Substrate) Name() string             { return "p1_substrate" }
func (a *Substrate) WorkType() types.WorkType { return types.WorkSubstrate }

// Run interprets the dump and submits the resulting proposal.
func (a *Substrate) Run(ctx context.Context, item *types.WorkItem) (*Result, error) {
	var payload types.SubstratePayload
	if err := types.UnmarshalPayload(item.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrFatal, err)
	}

	dump, err := a.deps.Store.GetDump(ctx, payload.DumpID)
	if err != nil {
		return nil, fmt.Errorf("substrate dump %s: %w", payload.DumpID, err)
	}
	if strings.TrimSpace(dump.Body) == "" {
		return skipped("dump has no inline body"), nil
	}

	snap, err := a.deps.Context.Snapshot(ctx, item.BasketID)
	if err != nil {
		return nil, err
	}

	resp, err := a.deps.Reasoner.Generate(ctx, reasoner.Request{
		System: substrateSystem,
		Prompt: fmt.Sprintf("%s\nNew capture:\n%s", snap.Digest(), dump.Body),
	})
	if err != nil {
		return nil, fmt.Errorf("substrate reasoning: %w", err)
	}

	plan, err := decodeSubstratePlan(resp.Text)
	if err != nil {
		return nil, err
	}
	ops, err := a.planOps(ctx, plan)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return skipped("capture yielded no substrate"), nil
	}

	p := &types.Proposal{
		BasketID:    item.BasketID,
		WorkspaceID: item.WorkspaceID,
		Origin:      types.AgentOrigin(a.Name()),
		Ops:         ops,
		Provenance:  []string{"dump:" + dump.ID},
		Confidence:  planConfidence(plan),
	}
	// Submit under the capture's request ID so the commit binds the
	// caller's idempotency record to the delta. Older dumps without one
	// fall back to the dump, which still dedups duplicate deliveries.
	requestID := payload.RequestID
	if requestID == "" {
		requestID = "dump:" + dump.ID
	}
	out, err := a.deps.Engine.Submit(ctx, p, requestID)
	if err != nil {
		return nil, fmt.Errorf("submit substrate proposal: %w", err)
	}

	work := &types.WorkResult{
		DumpID:      dump.ID,
		ProposalIDs: []string{out.ID},
		DeltaID:     out.DeltaID,
		Summary:     fmt.Sprintf("proposed %d ops, %s", len(ops), out.State),
	}
	res := &Result{Work: work}
	if out.State == types.ProposalCommitted {
		res.Children = a.followUps(item, out.DeltaID)
	}
	return res, nil
}

// followUps builds the downstream stage items spawned off a committed
// interpretation. They ride the cascade so the capture's work status
// reports the whole chain.
func (a *Substrate) followUps(item *types.WorkItem, deltaID string) []*types.WorkItem {
	var children []*types.WorkItem
	if a.deps.Dispatch.EnableGraphStage {
		raw, err := types.MarshalPayload(types.GraphPayload{DeltaID: deltaID})
		if err == nil {
			children = append(children, &types.WorkItem{
				WorkType:    types.WorkGraph,
				Payload:     raw,
				Priority:    types.PriorityLow,
				WorkspaceID: item.WorkspaceID,
				BasketID:    item.BasketID,
			})
		}
	}
	raw, err := types.MarshalPayload(types.ReflectionPayload{
		DeltaID: deltaID,
		Reason:  string(types.TopicSubstrateCommitted),
	})
	if err == nil {
		children = append(children, &types.WorkItem{
			WorkType:    types.WorkReflection,
			Payload:     raw,
			Priority:    types.PriorityLow,
			WorkspaceID: item.WorkspaceID,
			BasketID:    item.BasketID,
			WorkKey:     types.CoalesceKey(item.BasketID, types.WorkReflection),
		})
	}
	return children
}

func decodeSubstratePlan(text string) (*substratePlan, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	var plan substratePlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("%w: malformed plan: %v", types.ErrTransient, err)
	}
	return &plan, nil
}

// planOps turns the reasoner's plan into proposal operations. Revisions
// pointing at blocks that no longer exist are dropped, not failed: the
// rest of the plan is still worth governing.
func (a *Substrate) planOps(ctx context.Context, plan *substratePlan) ([]types.Operation, error) {
	var ops []types.Operation
	for _, b := range plan.Blocks {
		if strings.TrimSpace(b.Title) == "" {
			continue
		}
		ops = append(ops, types.Operation{
			Kind: types.OpCreateBlock,
			CreateBlock: &types.CreateBlockOp{
				Title:        b.Title,
				SemanticType: b.SemanticType,
				Content:      b.Content,
				Confidence:   clamp01(b.Confidence),
			},
		})
	}
	for _, ci := range plan.ContextItems {
		if strings.TrimSpace(ci.Label) == "" {
			continue
		}
		ops = append(ops, types.Operation{
			Kind: types.OpCreateContextItem,
			CreateContextItem: &types.CreateContextItemOp{
				Type:  ci.Type,
				Label: ci.Label,
			},
		})
	}
	for _, rev := range plan.Revisions {
		if rev.BlockID == "" || strings.TrimSpace(rev.Content) == "" {
			continue
		}
		block, err := a.deps.Store.GetBlock(ctx, rev.BlockID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				a.deps.logger().Warn("plan revises unknown block", "block", rev.BlockID)
				continue
			}
			return nil, err
		}
		ops = append(ops, types.Operation{
			Kind: types.OpReviseBlock,
			ReviseBlock: &types.ReviseBlockOp{
				BlockID:     block.ID,
				FromVersion: block.Version,
				Content:     rev.Content,
				Summary:     rev.Summary,
			},
		})
	}
	return ops, nil
}

// planConfidence is the plan-level confidence, falling back to the
// lowest per-block confidence when the model omits it.
func planConfidence(plan *substratePlan) float64 {
	if plan.Confidence > 0 {
		return clamp01(plan.Confidence)
	}
	low := 1.0
	found := false
	for _, b := range plan.Blocks {
		found = true
		if c := clamp01(b.Confidence); c < low {
			low = c
		}
	}
	if !found {
		return 0.5
	}
	return low
}
