package types

import (
	"fmt"
	"strings"
	"testing"
)

func TestBlockValidation(t *testing.T) {
	tests := []struct {
		name    string
		block   Block
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid block",
			block: Block{
				ID:          "b-1",
				BasketID:    "basket-1",
				WorkspaceID: "ws-1",
				Title:       "Budget constraint",
				State:       BlockProposed,
				Version:     1,
				Confidence:  0.8,
			},
			wantErr: false,
		},
		{
			name: "missing title",
			block: Block{
				BasketID:    "basket-1",
				WorkspaceID: "ws-1",
				State:       BlockProposed,
				Version:     1,
			},
			wantErr: true,
			errMsg:  "title cannot be empty",
		},
		{
			name: "blank title",
			block: Block{
				BasketID:    "basket-1",
				WorkspaceID: "ws-1",
				Title:       "   ",
				State:       BlockProposed,
				Version:     1,
			},
			wantErr: true,
			errMsg:  "title cannot be empty",
		},
		{
			name: "missing basket",
			block: Block{
				WorkspaceID: "ws-1",
				Title:       "Test",
				State:       BlockProposed,
				Version:     1,
			},
			wantErr: true,
			errMsg:  "basket ID cannot be empty",
		},
		{
			name: "missing workspace",
			block: Block{
				BasketID: "basket-1",
				Title:    "Test",
				State:    BlockProposed,
				Version:  1,
			},
			wantErr: true,
			errMsg:  "workspace ID cannot be empty",
		},
		{
			name: "invalid state",
			block: Block{
				BasketID:    "basket-1",
				WorkspaceID: "ws-1",
				Title:       "Test",
				State:       BlockState("FROZEN"),
				Version:     1,
			},
			wantErr: true,
			errMsg:  "invalid block state",
		},
		{
			name: "zero version",
			block: Block{
				BasketID:    "basket-1",
				WorkspaceID: "ws-1",
				Title:       "Test",
				State:       BlockProposed,
				Version:     0,
			},
			wantErr: true,
			errMsg:  "version must be >= 1",
		},
		{
			name: "confidence out of range",
			block: Block{
				BasketID:    "basket-1",
				WorkspaceID: "ws-1",
				Title:       "Test",
				State:       BlockProposed,
				Version:     1,
				Confidence:  1.5,
			},
			wantErr: true,
			errMsg:  "confidence must be in [0,1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.block.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.errMsg)
					return
				}
				if tt.errMsg != "" && !contains(err.Error(), tt.errMsg) {
					t.Errorf("Validate() error = %v, want error containing %q", err, tt.errMsg)
				}
			} else {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
			}
		})
	}
}

func TestBlockSetDefaults(t *testing.T) {
	b := Block{BasketID: "basket-1", WorkspaceID: "ws-1", Title: "Test"}
	b.SetDefaults()
	if b.State != BlockProposed {
		t.Errorf("SetDefaults() state = %s, want %s", b.State, BlockProposed)
	}
	if b.Version != 1 {
		t.Errorf("SetDefaults() version = %d, want 1", b.Version)
	}
	if b.CreatedAt.IsZero() || b.UpdatedAt.IsZero() {
		t.Error("SetDefaults() should set timestamps")
	}
}

func TestBlockTransitions(t *testing.T) {
	tests := []struct {
		from, to BlockState
		allowed  bool
	}{
		{BlockProposed, BlockAccepted, true},
		{BlockProposed, BlockRejected, true},
		{BlockProposed, BlockSuperseded, true},
		{BlockProposed, BlockLocked, false},
		{BlockProposed, BlockConstant, false},
		{BlockAccepted, BlockLocked, true},
		{BlockAccepted, BlockSuperseded, true},
		{BlockAccepted, BlockConstant, false},
		{BlockLocked, BlockConstant, true},
		{BlockLocked, BlockAccepted, true},
		{BlockLocked, BlockSuperseded, true},
		{BlockConstant, BlockAccepted, false},
		{BlockConstant, BlockSuperseded, false},
		{BlockRejected, BlockProposed, false},
		{BlockSuperseded, BlockAccepted, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransitionBlock(tt.from, tt.to); got != tt.allowed {
				t.Errorf("CanTransitionBlock(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestBlockStateAgentAssignable(t *testing.T) {
	agentStates := map[BlockState]bool{
		BlockProposed:   true,
		BlockSuperseded: true,
		BlockAccepted:   false,
		BlockLocked:     false,
		BlockConstant:   false,
		BlockRejected:   false,
	}
	for state, want := range agentStates {
		if got := state.AgentAssignable(); got != want {
			t.Errorf("%s.AgentAssignable() = %v, want %v", state, got, want)
		}
	}
}

func TestProposalTransitions(t *testing.T) {
	tests := []struct {
		from, to ProposalState
		allowed  bool
	}{
		{ProposalDraft, ProposalValidated, true},
		{ProposalDraft, ProposalRejected, true},
		{ProposalDraft, ProposalApproved, false},
		{ProposalDraft, ProposalCommitted, false},
		{ProposalValidated, ProposalApproved, true},
		{ProposalValidated, ProposalRejected, true},
		{ProposalValidated, ProposalCommitted, false},
		{ProposalApproved, ProposalCommitted, true},
		{ProposalApproved, ProposalFailed, true},
		{ProposalApproved, ProposalRejected, false},
		{ProposalFailed, ProposalApproved, false},
		{ProposalFailed, ProposalRejected, false},
		{ProposalFailed, ProposalCommitted, false},
		{ProposalCommitted, ProposalFailed, false},
		{ProposalRejected, ProposalDraft, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransitionProposal(tt.from, tt.to); got != tt.allowed {
				t.Errorf("CanTransitionProposal(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestProposalTerminalStates(t *testing.T) {
	if !ProposalCommitted.Terminal() {
		t.Error("COMMITTED should be terminal")
	}
	if !ProposalRejected.Terminal() {
		t.Error("REJECTED should be terminal")
	}
	if !ProposalFailed.Terminal() {
		t.Error("FAILED should be terminal, retries clone into a fresh proposal")
	}
}

func TestProposalValidation(t *testing.T) {
	valid := Proposal{
		BasketID:    "basket-1",
		WorkspaceID: "ws-1",
		Origin:      AgentOrigin("p1_substrate"),
		State:       ProposalDraft,
		Confidence:  0.7,
		Ops: []Operation{
			{Kind: OpCreateBlock, CreateBlock: &CreateBlockOp{Title: "Goal", Confidence: 0.7}},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}

	noOps := valid
	noOps.Ops = nil
	if err := noOps.Validate(); err == nil || !contains(err.Error(), "at least one operation") {
		t.Errorf("Validate() = %v, want ops error", err)
	}

	badOrigin := valid
	badOrigin.Origin = "robot"
	if err := badOrigin.Validate(); err == nil || !contains(err.Error(), "origin") {
		t.Errorf("Validate() = %v, want origin error", err)
	}

	badOp := valid
	badOp.Ops = []Operation{{Kind: OpCreateBlock, CreateBlock: &CreateBlockOp{}}}
	if err := badOp.Validate(); err == nil || !contains(err.Error(), "op 0") {
		t.Errorf("Validate() = %v, want op index error", err)
	}
}

func TestWorkTransitions(t *testing.T) {
	tests := []struct {
		from, to WorkState
		allowed  bool
	}{
		{WorkPending, WorkClaimed, true},
		{WorkPending, WorkProcessing, false},
		{WorkClaimed, WorkProcessing, true},
		{WorkClaimed, WorkPending, true}, // lease expiry
		{WorkProcessing, WorkCascading, true},
		{WorkProcessing, WorkCompleted, true},
		{WorkProcessing, WorkFailed, true},
		{WorkCascading, WorkCompleted, true},
		{WorkCascading, WorkFailed, true},
		{WorkFailed, WorkPending, true}, // retry
		{WorkCompleted, WorkPending, false},
		{WorkCompleted, WorkFailed, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransitionWork(tt.from, tt.to); got != tt.allowed {
				t.Errorf("CanTransitionWork(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestDeltaBlockIDs(t *testing.T) {
	d := Delta{
		Changes: []DeltaChange{
			{Kind: ChangeBlockCreated, Entity: SubstrateRef{Kind: RefBlock, ID: "b-1"}, Version: 1},
			{Kind: ChangeBlockUpdated, Entity: SubstrateRef{Kind: RefBlock, ID: "b-2"}, Version: 3},
			{Kind: ChangeBlocksMerged, Entity: SubstrateRef{Kind: RefBlock, ID: "b-1"}, Superseded: []string{"b-3", "b-4"}},
			{Kind: ChangeContextItemCreated, Entity: SubstrateRef{Kind: RefContextItem, ID: "ci-1"}},
		},
	}
	got := d.BlockIDs()
	want := []string{"b-1", "b-2", "b-3", "b-4"}
	if len(got) != len(want) {
		t.Fatalf("BlockIDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("BlockIDs()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestOriginHelpers(t *testing.T) {
	if !IsAgentOrigin(AgentOrigin("p1_substrate")) {
		t.Error("AgentOrigin output should be recognized as an agent origin")
	}
	if IsAgentOrigin(OriginHuman) {
		t.Error("human origin should not be an agent origin")
	}
	if got := AgentOrigin("p3_reflection"); got != "agent:p3_reflection" {
		t.Errorf("AgentOrigin() = %s", got)
	}
}

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}
