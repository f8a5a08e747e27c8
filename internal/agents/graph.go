package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loamlabs/loam/internal/basketctx"
	"github.com/loamlabs/loam/internal/reasoner"
	"github.com/loamlabs/loam/internal/types"
)

const graphSystem = `You connect knowledge entities with typed edges.
Given a basket's blocks and context items, return a JSON object:
{
  "confidence": 0.0-1.0,
  "relationships": [{"from": "block:<id>", "to": "context_item:<id>", "type": "supports|contradicts|refines|mentions", "strength": 0.0-1.0}]
}
Only connect entities listed in the prompt. Return {} when nothing
connects. Return only JSON.`

type graphPlan struct {
	Confidence    float64 `json:"confidence"`
	Relationships []struct {
		From     string  `json:"from"`
		To       string  `json:"to"`
		Type     string  `json:"type"`
		Strength float64 `json:"strength"`
	} `json:"relationships"`
}

// Graph is the optional P2 agent: it proposes typed edges between
// substrate touched by a committed delta and the rest of the basket.
// Edges go through governance like any other mutation.
type Graph struct {
	deps Deps
}

// NewGraph creates the graph connection agent.
func NewGraph(deps Deps) *Graph { return &Graph{deps: deps} }

func (a *Graph) Name() string             { return "p2_graph" }
func (a *Graph) WorkType() types.WorkType { return types.WorkGraph }

// Run proposes relationships for recently committed substrate.
func (a *Graph) Run(ctx context.Context, item *types.WorkItem) (*Result, error) {
	var payload types.GraphPayload
	if err := types.UnmarshalPayload(item.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrFatal, err)
	}

	snap, err := a.deps.Context.Snapshot(ctx, item.BasketID)
	if err != nil {
		return nil, err
	}
	if len(snap.Blocks) < 2 && (len(snap.Blocks) == 0 || len(snap.ContextItems) == 0) {
		return skipped("not enough substrate to connect"), nil
	}

	prompt := a.buildPrompt(snap, payload.DeltaID)
	resp, err := a.deps.Reasoner.Generate(ctx, reasoner.Request{System: graphSystem, Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("graph reasoning: %w", err)
	}

	raw, err := extractJSON(resp.Text)
	if err != nil {
		return nil, err
	}
	var plan graphPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("%w: malformed plan: %v", types.ErrTransient, err)
	}

	existing, err := a.deps.Store.ListRelationships(ctx, item.BasketID)
	if err != nil {
		return nil, err
	}
	ops := a.planOps(&plan, existing)
	if len(ops) == 0 {
		return skipped("no new relationships"), nil
	}

	p := &types.Proposal{
		BasketID:    item.BasketID,
		WorkspaceID: item.WorkspaceID,
		Origin:      types.AgentOrigin(a.Name()),
		Ops:         ops,
		Confidence:  clamp01(plan.Confidence),
	}
	requestID := workRequestID(item)
	if payload.DeltaID != "" {
		p.Provenance = []string{"delta:" + payload.DeltaID}
		requestID = "graph:" + payload.DeltaID
	}
	out, err := a.deps.Engine.Submit(ctx, p, requestID)
	if err != nil {
		return nil, fmt.Errorf("submit graph proposal: %w", err)
	}

	work := &types.WorkResult{
		ProposalIDs: []string{out.ID},
		DeltaID:     out.DeltaID,
		Summary:     fmt.Sprintf("proposed %d edges, %s", len(ops), out.State),
	}
	return &Result{Work: work}, nil
}

func (a *Graph) buildPrompt(snap *basketctx.Snapshot, deltaID string) string {
	var sb strings.Builder
	sb.WriteString(snap.Digest())
	if deltaID != "" {
		fmt.Fprintf(&sb, "Focus on substrate from delta %s.\n", deltaID)
	}
	return sb.String()
}

// planOps drops malformed refs and edges the basket already has.
func (a *Graph) planOps(plan *graphPlan, existing []*types.Relationship) []types.Operation {
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[edgeKey(r.From, r.To, r.Type)] = true
	}

	var ops []types.Operation
	for _, rel := range plan.Relationships {
		from, ok := parseRef(rel.From)
		if !ok {
			continue
		}
		to, ok := parseRef(rel.To)
		if !ok || from == to {
			continue
		}
		if seen[edgeKey(from, to, rel.Type)] {
			continue
		}
		seen[edgeKey(from, to, rel.Type)] = true
		ops = append(ops, types.Operation{
			Kind: types.OpCreateRelationship,
			CreateRelationship: &types.CreateRelationshipOp{
				From:     from,
				To:       to,
				Type:     rel.Type,
				Strength: clamp01(rel.Strength),
			},
		})
	}
	return ops
}

func edgeKey(from, to types.SubstrateRef, typ string) string {
	return from.String() + ">" + to.String() + ">" + typ
}

// parseRef decodes a "kind:id" reference from a plan.
func parseRef(s string) (types.SubstrateRef, bool) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return types.SubstrateRef{}, false
	}
	ref := types.SubstrateRef{Kind: types.RefKind(kind), ID: id}
	if err := ref.Validate(); err != nil {
		return types.SubstrateRef{}, false
	}
	return ref, true
}
