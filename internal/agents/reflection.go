package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/loamlabs/loam/internal/reasoner"
	"github.com/loamlabs/loam/internal/types"
)

const reflectionSystem = `You study a basket of structured knowledge and name the
patterns in it: recurring themes, tensions between blocks, gaps the
substrate leaves open. Write plain prose, a few short paragraphs.
Describe only what the substrate supports. Do not invent knowledge and
do not propose changes.`

// ReflectionKind is the kind recorded on computed reflections. A later
// stage could compute more kinds; today there is one.
const ReflectionKind = "patterns"

// reflectionInputCap bounds how many substrate refs a reflection records
// as inputs.
const reflectionInputCap = 50

// Reflection is the P3 agent: it reads the committed substrate and
// derives a pattern reflection. Reflections are read-only artifacts,
// versioned by computation time; P3 never mutates substrate and so
// never touches governance.
type Reflection struct {
	deps Deps
}

// NewReflection creates the reflection agent.
func NewReflection(deps Deps) *Reflection { return &Reflection{deps: deps} }

func (a *Reflection) Name() string             { return "p3_reflection" }
func (a *Reflection) WorkType() types.WorkType { return types.WorkReflection }

// Run computes and stores a fresh reflection over the basket.
func (a *Reflection) Run(ctx context.Context, item *types.WorkItem) (*Result, error) {
	var payload types.ReflectionPayload
	if err := types.UnmarshalPayload(item.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrFatal, err)
	}

	snap, err := a.deps.Context.Snapshot(ctx, item.BasketID)
	if err != nil {
		return nil, err
	}
	if len(snap.Blocks) == 0 {
		return skipped("no substrate to reflect on"), nil
	}

	resp, err := a.deps.Reasoner.Generate(ctx, reasoner.Request{
		System: reflectionSystem,
		Prompt: a.buildPrompt(ctx, item.BasketID, snap.Digest()),
	})
	if err != nil {
		return nil, fmt.Errorf("reflection reasoning: %w", err)
	}
	body := strings.TrimSpace(resp.Text)
	if body == "" {
		return skipped("reasoner produced no reflection"), nil
	}

	refl := &types.Reflection{
		BasketID:    item.BasketID,
		WorkspaceID: item.WorkspaceID,
		Kind:        ReflectionKind,
		Body:        body,
		Inputs:      reflectionInputs(snap.Blocks),
		Meta:        map[string]any{"model": resp.Model},
	}
	if payload.Reason != "" {
		refl.Meta["reason"] = payload.Reason
	}
	if payload.DeltaID != "" {
		refl.Meta["delta_id"] = payload.DeltaID
	}
	if err := a.deps.Store.InsertReflection(ctx, refl); err != nil {
		return nil, fmt.Errorf("store reflection: %w", err)
	}

	_, err = a.deps.Bus.Emit(ctx, types.TopicReflectionComputed, item.WorkspaceID, item.BasketID,
		types.AgentOrigin(a.Name()),
		types.ReflectionComputedPayload{ReflectionID: refl.ID, Kind: refl.Kind})
	if err != nil {
		return nil, err
	}

	work := &types.WorkResult{
		ReflectionID: refl.ID,
		Summary:      fmt.Sprintf("computed %s reflection over %d blocks", refl.Kind, len(snap.Blocks)),
	}
	return &Result{Work: work}, nil
}

// buildPrompt appends recent commit summaries so the reflection can call
// out what changed lately, not just the standing substrate.
func (a *Reflection) buildPrompt(ctx context.Context, basketID, digest string) string {
	var sb strings.Builder
	sb.WriteString(digest)
	deltas, err := a.deps.Store.ListDeltas(ctx, basketID, 10)
	if err != nil {
		a.deps.logger().Warn("reflection skipping delta history", "error", err)
		return sb.String()
	}
	if len(deltas) > 0 {
		sb.WriteString("Recent changes:\n")
		for _, d := range deltas {
			if d.Summary == "" {
				continue
			}
			fmt.Fprintf(&sb, "- %s\n", truncate(d.Summary, 200))
		}
	}
	return sb.String()
}

func reflectionInputs(blocks []*types.Block) []types.SubstrateRef {
	refs := make([]types.SubstrateRef, 0, len(blocks))
	for _, b := range blocks {
		if len(refs) == reflectionInputCap {
			break
		}
		refs = append(refs, types.SubstrateRef{Kind: types.RefBlock, ID: b.ID})
	}
	return refs
}
