// Package types defines the core data structures for the loam substrate
// pipeline: baskets, raw dumps, substrate entities (blocks, context items,
// relationships), proposals, deltas, work items, and bus events.
package types

import (
	"fmt"
	"strings"
	"time"
)

// BasketStatus tracks basket lifecycle.
type BasketStatus string

const (
	BasketDraft    BasketStatus = "DRAFT"
	BasketActive   BasketStatus = "ACTIVE"
	BasketArchived BasketStatus = "ARCHIVED"
)

// IsValid returns true if the basket status is recognized.
func (s BasketStatus) IsValid() bool {
	switch s {
	case BasketDraft, BasketActive, BasketArchived:
		return true
	}
	return false
}

// Workspace is the tenancy boundary. Every entity carries a workspace ID
// and reads never cross it.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Basket is the unit of substrate isolation and event ordering. All
// per-basket mutations serialize on the basket's governance lock.
type Basket struct {
	ID          string       `json:"id"`
	WorkspaceID string       `json:"workspace_id"`
	Name        string       `json:"name,omitempty"`
	Status      BasketStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Validate checks basket fields before persistence.
func (b *Basket) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("basket ID cannot be empty")
	}
	if b.WorkspaceID == "" {
		return fmt.Errorf("basket workspace ID cannot be empty")
	}
	if !b.Status.IsValid() {
		return fmt.Errorf("invalid basket status: %s", b.Status)
	}
	return nil
}

// RawDump is immutable captured input. Capture never interprets the body;
// interpretation happens downstream in P1.
type RawDump struct {
	ID          string         `json:"id"`
	BasketID    string         `json:"basket_id"`
	WorkspaceID string         `json:"workspace_id"`
	Body        string         `json:"body,omitempty"`
	FileURL     string         `json:"file_url,omitempty"`
	SourceMeta  map[string]any `json:"source_meta,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Validate checks dump fields. A dump must carry a body or a file URL.
func (d *RawDump) Validate() error {
	if d.BasketID == "" {
		return fmt.Errorf("dump basket ID cannot be empty")
	}
	if d.WorkspaceID == "" {
		return fmt.Errorf("dump workspace ID cannot be empty")
	}
	if d.Body == "" && d.FileURL == "" {
		return fmt.Errorf("dump must have a body or a file URL")
	}
	return nil
}

// BlockState is the substrate lifecycle state of a block.
type BlockState string

const (
	BlockProposed   BlockState = "PROPOSED"
	BlockAccepted   BlockState = "ACCEPTED"
	BlockLocked     BlockState = "LOCKED"
	BlockConstant   BlockState = "CONSTANT"
	BlockRejected   BlockState = "REJECTED"
	BlockSuperseded BlockState = "SUPERSEDED"
)

// IsValid returns true if the state is recognized.
func (s BlockState) IsValid() bool {
	switch s {
	case BlockProposed, BlockAccepted, BlockLocked, BlockConstant,
		BlockRejected, BlockSuperseded:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s BlockState) Terminal() bool {
	return s == BlockRejected || s == BlockSuperseded
}

// blockTransitions is the allowed block state machine. Acceptance and
// promotion are human decisions; pipeline agents only ever produce
// PROPOSED blocks and mark merged losers SUPERSEDED.
var blockTransitions = map[BlockState][]BlockState{
	BlockProposed: {BlockAccepted, BlockRejected, BlockSuperseded},
	BlockAccepted: {BlockLocked, BlockSuperseded},
	BlockLocked:   {BlockConstant, BlockAccepted, BlockSuperseded},
	BlockConstant: {},
}

// CanTransitionBlock reports whether from -> to is a legal block state change.
func CanTransitionBlock(from, to BlockState) bool {
	for _, next := range blockTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AgentAssignable reports whether a pipeline agent may set this state.
// Everything else requires a human actor through governance review.
func (s BlockState) AgentAssignable() bool {
	return s == BlockProposed || s == BlockSuperseded
}

// Block is a structured unit of interpreted knowledge extracted from dumps.
// Version increments on every content change and gates optimistic updates.
type Block struct {
	ID           string         `json:"id"`
	BasketID     string         `json:"basket_id"`
	WorkspaceID  string         `json:"workspace_id"`
	Title        string         `json:"title"`
	Content      string         `json:"content,omitempty"`
	SemanticType string         `json:"semantic_type,omitempty"`
	State        BlockState     `json:"state"`
	Version      int            `json:"version"`
	Confidence   float64        `json:"confidence,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ProposalID   string         `json:"proposal_id,omitempty"`
	// LastValidatedAt is refreshed whenever a commit touches the block;
	// staleness reporting compares it against a configured horizon.
	LastValidatedAt time.Time `json:"last_validated_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Validate checks block fields before persistence.
func (b *Block) Validate() error {
	if b.BasketID == "" {
		return fmt.Errorf("block basket ID cannot be empty")
	}
	if b.WorkspaceID == "" {
		return fmt.Errorf("block workspace ID cannot be empty")
	}
	if strings.TrimSpace(b.Title) == "" {
		return fmt.Errorf("block title cannot be empty")
	}
	if !b.State.IsValid() {
		return fmt.Errorf("invalid block state: %s", b.State)
	}
	if b.Version < 1 {
		return fmt.Errorf("block version must be >= 1, got %d", b.Version)
	}
	if b.Confidence < 0 || b.Confidence > 1 {
		return fmt.Errorf("block confidence must be in [0,1], got %f", b.Confidence)
	}
	return nil
}

// SetDefaults fills in zero-value fields with sensible defaults.
func (b *Block) SetDefaults() {
	if b.State == "" {
		b.State = BlockProposed
	}
	if b.Version == 0 {
		b.Version = 1
	}
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}
}

// ContextItemState tracks context item lifecycle. Context items carry no
// version field; they are replaced, not patched.
type ContextItemState string

const (
	ContextItemProvisional ContextItemState = "PROVISIONAL"
	ContextItemActive      ContextItemState = "ACTIVE"
	ContextItemDeprecated  ContextItemState = "DEPRECATED"
)

// IsValid returns true if the state is recognized.
func (s ContextItemState) IsValid() bool {
	switch s {
	case ContextItemProvisional, ContextItemActive, ContextItemDeprecated:
		return true
	}
	return false
}

// ContextItem is a semantic anchor: an entity, theme, or categorical tag
// that gives blocks a shared frame of reference.
type ContextItem struct {
	ID          string           `json:"id"`
	BasketID    string           `json:"basket_id"`
	WorkspaceID string           `json:"workspace_id"`
	Type        string           `json:"type"`
	Label       string           `json:"label"`
	State       ContextItemState `json:"state"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	ProposalID  string           `json:"proposal_id,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Validate checks context item fields before persistence.
func (c *ContextItem) Validate() error {
	if c.BasketID == "" {
		return fmt.Errorf("context item basket ID cannot be empty")
	}
	if c.WorkspaceID == "" {
		return fmt.Errorf("context item workspace ID cannot be empty")
	}
	if strings.TrimSpace(c.Type) == "" {
		return fmt.Errorf("context item type cannot be empty")
	}
	if strings.TrimSpace(c.Label) == "" {
		return fmt.Errorf("context item label cannot be empty")
	}
	if !c.State.IsValid() {
		return fmt.Errorf("invalid context item state: %s", c.State)
	}
	return nil
}

// SetDefaults fills in zero-value fields with sensible defaults.
func (c *ContextItem) SetDefaults() {
	if c.State == "" {
		c.State = ContextItemProvisional
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
}

// RefKind identifies which substrate table a reference points into.
type RefKind string

const (
	RefBlock        RefKind = "block"
	RefDump         RefKind = "dump"
	RefContextItem  RefKind = "context_item"
	RefDocument     RefKind = "document"
	RefReflection   RefKind = "reflection"
	RefRelationship RefKind = "relationship"
)

// IsValid returns true if the reference kind is recognized.
func (k RefKind) IsValid() bool {
	switch k {
	case RefBlock, RefDump, RefContextItem, RefDocument, RefReflection,
		RefRelationship:
		return true
	}
	return false
}

// SubstrateRef points at one substrate entity without importing its type.
type SubstrateRef struct {
	Kind RefKind `json:"kind"`
	ID   string  `json:"id"`
}

// Validate checks the reference shape.
func (r SubstrateRef) Validate() error {
	if !r.Kind.IsValid() {
		return fmt.Errorf("invalid substrate ref kind: %s", r.Kind)
	}
	if r.ID == "" {
		return fmt.Errorf("substrate ref ID cannot be empty")
	}
	return nil
}

func (r SubstrateRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// Relationship is a typed, directional edge between substrate entities.
// Strength is a confidence weight in [0,1].
type Relationship struct {
	ID          string       `json:"id"`
	BasketID    string       `json:"basket_id"`
	WorkspaceID string       `json:"workspace_id"`
	From        SubstrateRef `json:"from"`
	To          SubstrateRef `json:"to"`
	Type        string       `json:"type"`
	Strength    float64      `json:"strength,omitempty"`
	ProposalID  string       `json:"proposal_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Validate checks relationship fields before persistence.
func (r *Relationship) Validate() error {
	if r.BasketID == "" {
		return fmt.Errorf("relationship basket ID cannot be empty")
	}
	if r.WorkspaceID == "" {
		return fmt.Errorf("relationship workspace ID cannot be empty")
	}
	if err := r.From.Validate(); err != nil {
		return fmt.Errorf("relationship from: %w", err)
	}
	if err := r.To.Validate(); err != nil {
		return fmt.Errorf("relationship to: %w", err)
	}
	if strings.TrimSpace(r.Type) == "" {
		return fmt.Errorf("relationship type cannot be empty")
	}
	if r.Strength < 0 || r.Strength > 1 {
		return fmt.Errorf("relationship strength must be in [0,1], got %f", r.Strength)
	}
	if r.From == r.To {
		return fmt.Errorf("relationship cannot point at itself")
	}
	return nil
}

// Revision is one audit entry for a block mutation. Revisions are
// append-only and written in the same transaction as the mutation.
type Revision struct {
	ID          string    `json:"id"`
	BlockID     string    `json:"block_id"`
	BasketID    string    `json:"basket_id"`
	WorkspaceID string    `json:"workspace_id"`
	Version     int       `json:"version"`
	Actor       string    `json:"actor,omitempty"`
	ProposalID  string    `json:"proposal_id,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Diff        string    `json:"diff,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Reflection is a derived observation computed by P3 over the substrate.
// Reflections are versioned by (basket, kind, computed_at) and never
// written back into substrate tables.
type Reflection struct {
	ID          string         `json:"id"`
	BasketID    string         `json:"basket_id"`
	WorkspaceID string         `json:"workspace_id"`
	Kind        string         `json:"kind"`
	Body        string         `json:"body"`
	Inputs      []SubstrateRef `json:"inputs,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	ComputedAt  time.Time      `json:"computed_at"`
}

// Validate checks reflection fields before persistence.
func (r *Reflection) Validate() error {
	if r.BasketID == "" {
		return fmt.Errorf("reflection basket ID cannot be empty")
	}
	if r.WorkspaceID == "" {
		return fmt.Errorf("reflection workspace ID cannot be empty")
	}
	if strings.TrimSpace(r.Kind) == "" {
		return fmt.Errorf("reflection kind cannot be empty")
	}
	return nil
}

// Document is a composed narrative artifact produced by P4. The document
// body quotes substrate by reference; substrate never embeds documents.
type Document struct {
	ID          string         `json:"id"`
	BasketID    string         `json:"basket_id"`
	WorkspaceID string         `json:"workspace_id"`
	Title       string         `json:"title"`
	Body        string         `json:"body,omitempty"`
	Version     int            `json:"version"`
	Stale       bool           `json:"stale,omitempty"`
	References  []SubstrateRef `json:"references,omitempty"`
	ComposedAt  time.Time      `json:"composed_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Validate checks document fields before persistence.
func (d *Document) Validate() error {
	if d.BasketID == "" {
		return fmt.Errorf("document basket ID cannot be empty")
	}
	if d.WorkspaceID == "" {
		return fmt.Errorf("document workspace ID cannot be empty")
	}
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("document title cannot be empty")
	}
	return nil
}
