package agents

import (
	"context"
	"fmt"

	"github.com/loamlabs/loam/internal/types"
)

// ManualEdit runs a human's substrate edit through governance. Human
// edits take the same proposal path as agent output; policy decides
// whether they auto-approve.
type ManualEdit struct {
	deps Deps
}

// NewManualEdit creates the manual edit agent.
func NewManualEdit(deps Deps) *ManualEdit { return &ManualEdit{deps: deps} }

func (a *ManualEdit) Name() string             { return "manual_edit" }
func (a *ManualEdit) WorkType() types.WorkType { return types.WorkManualEdit }

// Run submits the carried ops as a human proposal.
func (a *ManualEdit) Run(ctx context.Context, item *types.WorkItem) (*Result, error) {
	var payload types.ManualEditPayload
	if err := types.UnmarshalPayload(item.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrFatal, err)
	}
	if len(payload.Ops) == 0 {
		return nil, fmt.Errorf("%w: manual edit carries no operations", types.ErrValidation)
	}

	p := &types.Proposal{
		BasketID:    item.BasketID,
		WorkspaceID: item.WorkspaceID,
		Origin:      types.OriginHuman,
		Ops:         payload.Ops,
		Confidence:  1,
	}
	if payload.Actor != "" {
		p.Provenance = []string{"actor:" + payload.Actor}
	}
	requestID := payload.RequestID
	if requestID == "" {
		requestID = workRequestID(item)
	}
	out, err := a.deps.Engine.Submit(ctx, p, requestID)
	if err != nil {
		return nil, fmt.Errorf("submit manual edit: %w", err)
	}

	work := &types.WorkResult{
		ProposalIDs: []string{out.ID},
		DeltaID:     out.DeltaID,
		Summary:     fmt.Sprintf("manual edit %s", out.State),
	}
	return &Result{Work: work}, nil
}
