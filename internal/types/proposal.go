package types

import (
	"fmt"
	"strings"
	"time"
)

// ProposalState is the governance lifecycle state of a proposal.
type ProposalState string

const (
	ProposalDraft     ProposalState = "DRAFT"
	ProposalValidated ProposalState = "VALIDATED"
	ProposalApproved  ProposalState = "APPROVED"
	ProposalCommitted ProposalState = "COMMITTED"
	ProposalRejected  ProposalState = "REJECTED"
	ProposalFailed    ProposalState = "FAILED"
)

// IsValid returns true if the proposal state is recognized.
func (s ProposalState) IsValid() bool {
	switch s {
	case ProposalDraft, ProposalValidated, ProposalApproved,
		ProposalCommitted, ProposalRejected, ProposalFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed. FAILED is
// terminal: retrying a failed commit means submitting a fresh proposal
// that clones the failed ops.
func (s ProposalState) Terminal() bool {
	return s == ProposalCommitted || s == ProposalRejected || s == ProposalFailed
}

// proposalTransitions is the allowed proposal state machine. Ops are
// frozen once a proposal leaves DRAFT; any edit requires a new proposal.
var proposalTransitions = map[ProposalState][]ProposalState{
	ProposalDraft:     {ProposalValidated, ProposalRejected},
	ProposalValidated: {ProposalApproved, ProposalRejected},
	ProposalApproved:  {ProposalCommitted, ProposalFailed},
}

// CanTransitionProposal reports whether from -> to is a legal proposal
// state change.
func CanTransitionProposal(from, to ProposalState) bool {
	for _, next := range proposalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OriginHuman marks proposals created directly by a person.
const OriginHuman = "human"

// AgentOrigin builds the origin string for a pipeline agent, e.g.
// "agent:p1_substrate".
func AgentOrigin(name string) string {
	return "agent:" + name
}

// IsAgentOrigin reports whether the origin names a pipeline agent.
func IsAgentOrigin(origin string) bool {
	return strings.HasPrefix(origin, "agent:")
}

// Proposal is a unit of governed change: an ordered list of substrate
// operations plus provenance, validated and approved as one atomic set.
type Proposal struct {
	ID          string            `json:"id"`
	BasketID    string            `json:"basket_id"`
	WorkspaceID string            `json:"workspace_id"`
	Origin      string            `json:"origin"`
	Ops         []Operation       `json:"ops"`
	Provenance  []string          `json:"provenance,omitempty"`
	Confidence  float64           `json:"confidence,omitempty"`
	State       ProposalState     `json:"state"`
	Report      *ValidationReport `json:"validation_report,omitempty"`
	DeltaID     string            `json:"delta_id,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	DecidedBy   string            `json:"decided_by,omitempty"`
	DecidedAt   *time.Time        `json:"decided_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Validate checks proposal fields before persistence.
func (p *Proposal) Validate() error {
	if p.BasketID == "" {
		return fmt.Errorf("proposal basket ID cannot be empty")
	}
	if p.WorkspaceID == "" {
		return fmt.Errorf("proposal workspace ID cannot be empty")
	}
	if p.Origin == "" {
		return fmt.Errorf("proposal origin cannot be empty")
	}
	if p.Origin != OriginHuman && !IsAgentOrigin(p.Origin) {
		return fmt.Errorf("proposal origin must be %q or agent:<name>, got %q", OriginHuman, p.Origin)
	}
	if len(p.Ops) == 0 {
		return fmt.Errorf("proposal must contain at least one operation")
	}
	if !p.State.IsValid() {
		return fmt.Errorf("invalid proposal state: %s", p.State)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("proposal confidence must be in [0,1], got %f", p.Confidence)
	}
	for i, op := range p.Ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	return nil
}

// SetDefaults fills in zero-value fields with sensible defaults.
func (p *Proposal) SetDefaults() {
	if p.State == "" {
		p.State = ProposalDraft
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
}

// PolicyDecision is the validator's verdict on a proposal.
type PolicyDecision string

const (
	DecisionAutoApprove   PolicyDecision = "AUTO_APPROVE"
	DecisionRequireReview PolicyDecision = "REQUIRE_REVIEW"
	DecisionReject        PolicyDecision = "REJECT"
)

// IsValid returns true if the decision is recognized.
func (d PolicyDecision) IsValid() bool {
	switch d {
	case DecisionAutoApprove, DecisionRequireReview, DecisionReject:
		return true
	}
	return false
}

// OpReport is the per-op validation outcome inside a validation report.
type OpReport struct {
	Index    int      `json:"index"`
	Kind     OpKind   `json:"kind"`
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// DedupHint flags a proposed entity that closely matches existing
// substrate, so reviewers can merge instead of duplicating.
type DedupHint struct {
	OpIndex    int          `json:"op_index"`
	Existing   SubstrateRef `json:"existing"`
	Similarity float64      `json:"similarity"`
	Label      string       `json:"label,omitempty"`
}

// ValidationReport is attached to a proposal when it leaves DRAFT. The
// report snapshots why the validator decided what it decided.
type ValidationReport struct {
	Decision    PolicyDecision `json:"decision"`
	Confidence  float64        `json:"confidence"`
	Ops         []OpReport     `json:"ops,omitempty"`
	DedupHints  []DedupHint    `json:"dedup_hints,omitempty"`
	Impact      string         `json:"impact,omitempty"`
	Reasons     []string       `json:"reasons,omitempty"`
	ValidatedAt time.Time      `json:"validated_at"`
}

// OK reports whether every op in the report passed validation.
func (r *ValidationReport) OK() bool {
	for _, op := range r.Ops {
		if !op.OK {
			return false
		}
	}
	return true
}

// DeltaChangeKind labels one applied change inside a delta.
type DeltaChangeKind string

const (
	ChangeDumpCreated         DeltaChangeKind = "dump_created"
	ChangeBlockCreated        DeltaChangeKind = "block_created"
	ChangeBlockUpdated        DeltaChangeKind = "block_updated"
	ChangeBlockRevised        DeltaChangeKind = "block_revised"
	ChangeBlocksMerged        DeltaChangeKind = "blocks_merged"
	ChangeContextItemCreated  DeltaChangeKind = "context_item_created"
	ChangeRelationshipCreated DeltaChangeKind = "relationship_created"
	ChangeBlockStateChanged   DeltaChangeKind = "block_state_changed"
)

// DeltaChange records one applied mutation: which entity, what happened,
// and the resulting version where applicable.
type DeltaChange struct {
	Kind       DeltaChangeKind `json:"kind"`
	Entity     SubstrateRef    `json:"entity"`
	Version    int             `json:"version,omitempty"`
	Superseded []string        `json:"superseded,omitempty"`
	Summary    string          `json:"summary,omitempty"`
}

// Delta is the committed-change record for one proposal commit. Deltas are
// the source of truth for "what changed": exactly one per commit, written
// in the commit transaction.
type Delta struct {
	ID          string        `json:"id"`
	BasketID    string        `json:"basket_id"`
	WorkspaceID string        `json:"workspace_id"`
	ProposalID  string        `json:"proposal_id,omitempty"`
	RequestID   string        `json:"request_id,omitempty"`
	Summary     string        `json:"summary,omitempty"`
	Changes     []DeltaChange `json:"changes"`
	CreatedAt   time.Time     `json:"created_at"`
}

// BlockIDs returns the IDs of all blocks this delta created or mutated.
// Used to flag documents referencing them for recomposition.
func (d *Delta) BlockIDs() []string {
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, ch := range d.Changes {
		if ch.Entity.Kind == RefBlock {
			add(ch.Entity.ID)
		}
		for _, id := range ch.Superseded {
			add(id)
		}
	}
	return ids
}
