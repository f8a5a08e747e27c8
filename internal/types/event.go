package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topic names one event kind on the bus. Topics are dotted
// <noun>.<past_tense_verb> pairs.
type Topic string

const (
	TopicDumpCreated             Topic = "dump.created"
	TopicSubstrateCommitted      Topic = "substrate.committed"
	TopicSubstrateCommitFailed   Topic = "substrate.commit_failed"
	TopicProposalDrafted         Topic = "proposal.drafted"
	TopicProposalValidated       Topic = "proposal.validated"
	TopicProposalApproved        Topic = "proposal.approved"
	TopicProposalRejected        Topic = "proposal.rejected"
	TopicProposalReviewRequested Topic = "proposal.review_requested"
	TopicReflectionComputed      Topic = "reflection.computed"
	TopicDocumentComposed        Topic = "document.composed"
	TopicComposeRequested        Topic = "basket.compose_request"
	TopicCascadeCompleted        Topic = "work.cascade_completed"
)

// IsValid returns true if the topic is recognized.
func (t Topic) IsValid() bool {
	switch t {
	case TopicDumpCreated, TopicSubstrateCommitted, TopicSubstrateCommitFailed,
		TopicProposalDrafted, TopicProposalValidated, TopicProposalApproved,
		TopicProposalRejected, TopicProposalReviewRequested,
		TopicReflectionComputed, TopicDocumentComposed,
		TopicComposeRequested, TopicCascadeCompleted:
		return true
	}
	return false
}

// Event is one durable bus record. The sequence ID is assigned by the
// store at insert and is strictly increasing, so (basket, topic) consumers
// see publish order. Delivery is at least once; consumers dedup on ID.
type Event struct {
	ID          int64           `json:"id"`
	Topic       Topic           `json:"topic"`
	BasketID    string          `json:"basket_id,omitempty"`
	WorkspaceID string          `json:"workspace_id"`
	Actor       string          `json:"actor,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	OriginEvent int64           `json:"origin_event,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
}

// Validate checks event fields before persistence.
func (e *Event) Validate() error {
	if !e.Topic.IsValid() {
		return fmt.Errorf("invalid event topic: %s", e.Topic)
	}
	if e.WorkspaceID == "" {
		return fmt.Errorf("event workspace ID cannot be empty")
	}
	return nil
}

// Typed event payloads, one per topic.

// DumpCreatedPayload announces a captured dump ready for interpretation.
type DumpCreatedPayload struct {
	DumpID    string `json:"dump_id"`
	RequestID string `json:"request_id,omitempty"`
}

// SubstrateCommittedPayload announces an applied delta.
type SubstrateCommittedPayload struct {
	DeltaID    string   `json:"delta_id"`
	ProposalID string   `json:"proposal_id,omitempty"`
	BlockIDs   []string `json:"block_ids,omitempty"`
	Origin     string   `json:"origin,omitempty"`
}

// CommitFailedPayload announces a commit that could not be applied.
type CommitFailedPayload struct {
	ProposalID string `json:"proposal_id"`
	Error      string `json:"error,omitempty"`
	Conflict   bool   `json:"conflict,omitempty"`
}

// ProposalEventPayload is shared by the proposal lifecycle topics.
type ProposalEventPayload struct {
	ProposalID string         `json:"proposal_id"`
	Origin     string         `json:"origin,omitempty"`
	Decision   PolicyDecision `json:"decision,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// ReflectionComputedPayload announces fresh derived patterns.
type ReflectionComputedPayload struct {
	ReflectionID string `json:"reflection_id"`
	Kind         string `json:"kind,omitempty"`
}

// DocumentComposedPayload announces a composed or refreshed document.
type DocumentComposedPayload struct {
	DocumentID string `json:"document_id"`
	Version    int    `json:"version,omitempty"`
}

// ComposeRequestedPayload asks for document composition on a basket.
type ComposeRequestedPayload struct {
	Title       string   `json:"title,omitempty"`
	Intent      string   `json:"intent,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	RequestedBy string   `json:"requested_by,omitempty"`
}

// CascadeCompletedPayload announces that a work chain fully drained.
type CascadeCompletedPayload struct {
	RootWorkID string `json:"root_work_id"`
	Items      int    `json:"items,omitempty"`
	Failed     int    `json:"failed,omitempty"`
}

// NewEvent builds an event with an encoded payload. The store assigns the
// sequence ID at insert time.
func NewEvent(topic Topic, workspaceID, basketID, actor string, payload any) (*Event, error) {
	e := &Event{
		Topic:       topic,
		WorkspaceID: workspaceID,
		BasketID:    basketID,
		Actor:       actor,
		CreatedAt:   time.Now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", topic, err)
		}
		e.Payload = data
	}
	return e, e.Validate()
}

// DecodePayload unmarshals the event payload into a typed struct.
func (e *Event) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %d (%s) has no payload", e.ID, e.Topic)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Topic, err)
	}
	return nil
}
