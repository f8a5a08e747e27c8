package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkType identifies which stage agent handles a queued work item.
type WorkType string

const (
	WorkCapture         WorkType = "P0_CAPTURE"
	WorkSubstrate       WorkType = "P1_SUBSTRATE"
	WorkGraph           WorkType = "P2_GRAPH"
	WorkReflection      WorkType = "P3_REFLECTION"
	WorkCompose         WorkType = "P4_COMPOSE"
	WorkManualEdit      WorkType = "MANUAL_EDIT"
	WorkProposalReview  WorkType = "PROPOSAL_REVIEW"
	WorkTimelineRestore WorkType = "TIMELINE_RESTORE"
)

// IsValid returns true if the work type is recognized.
func (t WorkType) IsValid() bool {
	switch t {
	case WorkCapture, WorkSubstrate, WorkGraph, WorkReflection, WorkCompose,
		WorkManualEdit, WorkProposalReview, WorkTimelineRestore:
		return true
	}
	return false
}

// WorkState is the queue lifecycle state of a work item.
type WorkState string

const (
	WorkPending    WorkState = "pending"
	WorkClaimed    WorkState = "claimed"
	WorkProcessing WorkState = "processing"
	WorkCascading  WorkState = "cascading"
	WorkCompleted  WorkState = "completed"
	WorkFailed     WorkState = "failed"
)

// IsValid returns true if the work state is recognized.
func (s WorkState) IsValid() bool {
	switch s {
	case WorkPending, WorkClaimed, WorkProcessing, WorkCascading,
		WorkCompleted, WorkFailed:
		return true
	}
	return false
}

// Terminal reports whether the work item is finished. Failed items may
// still be retried by re-enqueueing, which resets them to pending.
func (s WorkState) Terminal() bool {
	return s == WorkCompleted || s == WorkFailed
}

// workTransitions is the allowed work state machine. claimed -> pending
// happens when a lease expires; failed -> pending on retry.
var workTransitions = map[WorkState][]WorkState{
	WorkPending:    {WorkClaimed},
	WorkClaimed:    {WorkProcessing, WorkPending, WorkFailed},
	WorkProcessing: {WorkCascading, WorkCompleted, WorkFailed, WorkPending},
	WorkCascading:  {WorkCompleted, WorkFailed},
	WorkFailed:     {WorkPending},
}

// CanTransitionWork reports whether from -> to is a legal work state change.
func CanTransitionWork(from, to WorkState) bool {
	for _, next := range workTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Work priorities. Claims drain higher priorities first, FIFO within a
// priority band.
const (
	PriorityLow      = 1
	PriorityNormal   = 5
	PriorityHigh     = 10
	PriorityCritical = 20
)

// WorkItem is one persisted unit of pipeline work. Claims are leased:
// a worker that stops heartbeating loses the item back to pending.
type WorkItem struct {
	ID           string          `json:"id"`
	WorkType     WorkType        `json:"work_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	State        WorkState       `json:"state"`
	Priority     int             `json:"priority"`
	WorkspaceID  string          `json:"workspace_id"`
	BasketID     string          `json:"basket_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	ParentWorkID string          `json:"parent_work_id,omitempty"`
	WorkKey      string          `json:"work_key,omitempty"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
	ClaimedBy    string          `json:"claimed_by,omitempty"`
	LeaseExpires *time.Time      `json:"lease_expires_at,omitempty"`
	Cascade      *CascadeMeta    `json:"cascade_metadata,omitempty"`
	Result       *WorkResult     `json:"work_result,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Validate checks work item fields before persistence.
func (w *WorkItem) Validate() error {
	if !w.WorkType.IsValid() {
		return fmt.Errorf("invalid work type: %s", w.WorkType)
	}
	if !w.State.IsValid() {
		return fmt.Errorf("invalid work state: %s", w.State)
	}
	if w.WorkspaceID == "" {
		return fmt.Errorf("work item workspace ID cannot be empty")
	}
	if w.Attempts < 0 {
		return fmt.Errorf("work item attempts cannot be negative")
	}
	return nil
}

// SetDefaults fills in zero-value fields with sensible defaults.
func (w *WorkItem) SetDefaults() {
	if w.State == "" {
		w.State = WorkPending
	}
	if w.Priority == 0 {
		w.Priority = PriorityNormal
	}
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = now
	}
}

// LeaseExpired reports whether the item holds a lease that lapsed before
// now. Only claimed or processing items can hold leases.
func (w *WorkItem) LeaseExpired(now time.Time) bool {
	if w.State != WorkClaimed && w.State != WorkProcessing {
		return false
	}
	return w.LeaseExpires != nil && w.LeaseExpires.Before(now)
}

// CoalesceKey builds the queue dedup key for debounced work. At most one
// pending item per (basket, work type) exists at a time.
func CoalesceKey(basketID string, wt WorkType) string {
	return basketID + "/" + string(wt)
}

// CascadeMeta tracks how a work item relates to the cascade that spawned
// it. RootID is the first item in the chain; Depth guards against loops.
type CascadeMeta struct {
	RootID  string `json:"root_id,omitempty"`
	Depth   int    `json:"depth,omitempty"`
	Trigger Topic  `json:"trigger,omitempty"`
	EventID int64  `json:"event_id,omitempty"`
}

// WorkResult is what a stage agent produced. Stored on the completed item
// so status queries and cascade children can see upstream output.
type WorkResult struct {
	Summary      string   `json:"summary,omitempty"`
	DumpID       string   `json:"dump_id,omitempty"`
	ProposalIDs  []string `json:"proposal_ids,omitempty"`
	DeltaID      string   `json:"delta_id,omitempty"`
	ReflectionID string   `json:"reflection_id,omitempty"`
	DocumentIDs  []string `json:"document_ids,omitempty"`
	EventsIn     int64    `json:"events_in,omitempty"`
	Skipped      bool     `json:"skipped,omitempty"`
}

// WorkFilter narrows work queue queries. Nil fields match everything.
type WorkFilter struct {
	WorkspaceID  *string    `json:"workspace_id,omitempty"`
	BasketID     *string    `json:"basket_id,omitempty"`
	State        *WorkState `json:"state,omitempty"`
	WorkType     *WorkType  `json:"work_type,omitempty"`
	ParentWorkID *string    `json:"parent_work_id,omitempty"`
	Limit        int        `json:"limit,omitempty"`
}

// Typed work payloads. Encode with MarshalPayload; agents decode with
// UnmarshalPayload at claim time.

// SubstratePayload asks P1 to interpret a dump into proposed substrate.
// RequestID is the capture request ID; the proposal commits under it so
// the caller's idempotency record ends up bound to the delta.
type SubstratePayload struct {
	DumpID    string `json:"dump_id"`
	RequestID string `json:"request_id,omitempty"`
}

// GraphPayload asks P2 to connect substrate created by a delta.
type GraphPayload struct {
	DeltaID string `json:"delta_id,omitempty"`
}

// ReflectionPayload asks P3 to recompute derived patterns.
type ReflectionPayload struct {
	DeltaID string `json:"delta_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ComposePayload asks P4 to compose or refresh documents.
type ComposePayload struct {
	DocumentIDs []string `json:"document_ids,omitempty"`
	Title       string   `json:"title,omitempty"`
	Intent      string   `json:"intent,omitempty"`
	RequestedBy string   `json:"requested_by,omitempty"`
}

// ManualEditPayload carries a human edit to run through governance.
type ManualEditPayload struct {
	Ops       []Operation `json:"ops"`
	Actor     string      `json:"actor"`
	RequestID string      `json:"request_id,omitempty"`
}

// ProposalReviewPayload queues a proposal decision for a reviewer.
type ProposalReviewPayload struct {
	ProposalID string `json:"proposal_id"`
}

// TimelineRestorePayload asks for event replay from a cursor.
type TimelineRestorePayload struct {
	SinceEventID int64   `json:"since_event_id"`
	Topics       []Topic `json:"topics,omitempty"`
}

// MarshalPayload encodes a typed payload for storage on a work item.
func MarshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal work payload: %w", err)
	}
	return data, nil
}

// UnmarshalPayload decodes a work item payload into a typed struct.
func UnmarshalPayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("work item has no payload")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshal work payload: %w", err)
	}
	return nil
}
