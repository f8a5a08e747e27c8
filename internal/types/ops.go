package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OpKind identifies one substrate mutation kind inside a proposal.
type OpKind string

const (
	OpCreateBlock        OpKind = "CreateBlock"
	OpReviseBlock        OpKind = "ReviseBlock"
	OpUpdateBlock        OpKind = "UpdateBlock"
	OpCreateContextItem  OpKind = "CreateContextItem"
	OpMergeBlocks        OpKind = "MergeBlocks"
	OpCreateRelationship OpKind = "CreateRelationship"
)

// IsValid returns true if the op kind is recognized.
func (k OpKind) IsValid() bool {
	switch k {
	case OpCreateBlock, OpReviseBlock, OpUpdateBlock, OpCreateContextItem,
		OpMergeBlocks, OpCreateRelationship:
		return true
	}
	return false
}

// CreateBlockOp creates a new PROPOSED block.
type CreateBlockOp struct {
	Title        string         `json:"title"`
	SemanticType string         `json:"semantic_type,omitempty"`
	Content      string         `json:"content,omitempty"`
	Confidence   float64        `json:"confidence,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Validate checks op arguments.
func (o *CreateBlockOp) Validate() error {
	if strings.TrimSpace(o.Title) == "" {
		return fmt.Errorf("CreateBlock: title cannot be empty")
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("CreateBlock: confidence must be in [0,1], got %f", o.Confidence)
	}
	return nil
}

// BlockPatch carries partial block updates. Nil fields are left unchanged.
type BlockPatch struct {
	Title        *string        `json:"title,omitempty"`
	Content      *string        `json:"content,omitempty"`
	SemanticType *string        `json:"semantic_type,omitempty"`
	Confidence   *float64       `json:"confidence,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p *BlockPatch) Empty() bool {
	return p.Title == nil && p.Content == nil && p.SemanticType == nil &&
		p.Confidence == nil && len(p.Metadata) == 0
}

// UpdateBlockOp patches an existing block. FromVersion is the version the
// author observed; commit fails with a conflict if the block moved on.
type UpdateBlockOp struct {
	BlockID     string     `json:"block_id"`
	FromVersion int        `json:"from_version"`
	Patch       BlockPatch `json:"patch"`
}

// Validate checks op arguments.
func (o *UpdateBlockOp) Validate() error {
	if o.BlockID == "" {
		return fmt.Errorf("UpdateBlock: block_id cannot be empty")
	}
	if o.FromVersion < 1 {
		return fmt.Errorf("UpdateBlock: from_version must be >= 1, got %d", o.FromVersion)
	}
	if o.Patch.Empty() {
		return fmt.Errorf("UpdateBlock: patch cannot be empty")
	}
	if o.Patch.Confidence != nil && (*o.Patch.Confidence < 0 || *o.Patch.Confidence > 1) {
		return fmt.Errorf("UpdateBlock: confidence must be in [0,1], got %f", *o.Patch.Confidence)
	}
	if o.Patch.Title != nil && strings.TrimSpace(*o.Patch.Title) == "" {
		return fmt.Errorf("UpdateBlock: title cannot be blank")
	}
	return nil
}

// ReviseBlockOp replaces a block's content wholesale with a revision
// summary. Like UpdateBlock it is version-gated.
type ReviseBlockOp struct {
	BlockID     string `json:"block_id"`
	FromVersion int    `json:"from_version"`
	Content     string `json:"content"`
	Summary     string `json:"summary,omitempty"`
}

// Validate checks op arguments.
func (o *ReviseBlockOp) Validate() error {
	if o.BlockID == "" {
		return fmt.Errorf("ReviseBlock: block_id cannot be empty")
	}
	if o.FromVersion < 1 {
		return fmt.Errorf("ReviseBlock: from_version must be >= 1, got %d", o.FromVersion)
	}
	if strings.TrimSpace(o.Content) == "" {
		return fmt.Errorf("ReviseBlock: content cannot be empty")
	}
	return nil
}

// CreateContextItemOp creates a new semantic anchor.
type CreateContextItemOp struct {
	Type     string         `json:"type"`
	Label    string         `json:"label"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks op arguments.
func (o *CreateContextItemOp) Validate() error {
	if strings.TrimSpace(o.Type) == "" {
		return fmt.Errorf("CreateContextItem: type cannot be empty")
	}
	if strings.TrimSpace(o.Label) == "" {
		return fmt.Errorf("CreateContextItem: label cannot be empty")
	}
	return nil
}

// MergeBlocksOp folds the merged blocks into the primary. Losers go to
// SUPERSEDED; the primary absorbs their content and bumps its version.
type MergeBlocksOp struct {
	PrimaryID   string   `json:"primary_id"`
	MergedIDs   []string `json:"merged_ids"`
	MergedTitle string   `json:"merged_title,omitempty"`
}

// Validate checks op arguments.
func (o *MergeBlocksOp) Validate() error {
	if o.PrimaryID == "" {
		return fmt.Errorf("MergeBlocks: primary_id cannot be empty")
	}
	if len(o.MergedIDs) == 0 {
		return fmt.Errorf("MergeBlocks: merged_ids cannot be empty")
	}
	seen := map[string]bool{o.PrimaryID: true}
	for _, id := range o.MergedIDs {
		if id == "" {
			return fmt.Errorf("MergeBlocks: merged_ids cannot contain empty IDs")
		}
		if seen[id] {
			return fmt.Errorf("MergeBlocks: duplicate block %s in merge set", id)
		}
		seen[id] = true
	}
	return nil
}

// CreateRelationshipOp creates a typed edge between two substrate entities.
type CreateRelationshipOp struct {
	From     SubstrateRef `json:"from"`
	To       SubstrateRef `json:"to"`
	Type     string       `json:"type"`
	Strength float64      `json:"strength,omitempty"`
}

// Validate checks op arguments.
func (o *CreateRelationshipOp) Validate() error {
	if err := o.From.Validate(); err != nil {
		return fmt.Errorf("CreateRelationship: from: %w", err)
	}
	if err := o.To.Validate(); err != nil {
		return fmt.Errorf("CreateRelationship: to: %w", err)
	}
	if strings.TrimSpace(o.Type) == "" {
		return fmt.Errorf("CreateRelationship: type cannot be empty")
	}
	if o.Strength < 0 || o.Strength > 1 {
		return fmt.Errorf("CreateRelationship: strength must be in [0,1], got %f", o.Strength)
	}
	if o.From == o.To {
		return fmt.Errorf("CreateRelationship: edge cannot point at itself")
	}
	return nil
}

// Operation is one entry in a proposal's ordered op list. Exactly one of
// the typed fields matching Kind is set. On the wire it serializes as
// {"kind": ..., "args": {...}}.
type Operation struct {
	Kind OpKind

	CreateBlock        *CreateBlockOp
	ReviseBlock        *ReviseBlockOp
	UpdateBlock        *UpdateBlockOp
	CreateContextItem  *CreateContextItemOp
	MergeBlocks        *MergeBlocksOp
	CreateRelationship *CreateRelationshipOp
}

type operationWire struct {
	Kind OpKind          `json:"kind"`
	Args json.RawMessage `json:"args"`
}

// MarshalJSON encodes the operation as a kind-tagged envelope.
func (op Operation) MarshalJSON() ([]byte, error) {
	args, err := json.Marshal(op.args())
	if err != nil {
		return nil, err
	}
	return json.Marshal(operationWire{Kind: op.Kind, Args: args})
}

// UnmarshalJSON decodes a kind-tagged envelope into the matching typed op.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var w operationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*op = Operation{Kind: w.Kind}
	var dst any
	switch w.Kind {
	case OpCreateBlock:
		op.CreateBlock = &CreateBlockOp{}
		dst = op.CreateBlock
	case OpReviseBlock:
		op.ReviseBlock = &ReviseBlockOp{}
		dst = op.ReviseBlock
	case OpUpdateBlock:
		op.UpdateBlock = &UpdateBlockOp{}
		dst = op.UpdateBlock
	case OpCreateContextItem:
		op.CreateContextItem = &CreateContextItemOp{}
		dst = op.CreateContextItem
	case OpMergeBlocks:
		op.MergeBlocks = &MergeBlocksOp{}
		dst = op.MergeBlocks
	case OpCreateRelationship:
		op.CreateRelationship = &CreateRelationshipOp{}
		dst = op.CreateRelationship
	default:
		return fmt.Errorf("unknown operation kind: %q", w.Kind)
	}
	if len(w.Args) == 0 {
		return fmt.Errorf("operation %s has no args", w.Kind)
	}
	return json.Unmarshal(w.Args, dst)
}

func (op Operation) args() any {
	switch op.Kind {
	case OpCreateBlock:
		return op.CreateBlock
	case OpReviseBlock:
		return op.ReviseBlock
	case OpUpdateBlock:
		return op.UpdateBlock
	case OpCreateContextItem:
		return op.CreateContextItem
	case OpMergeBlocks:
		return op.MergeBlocks
	case OpCreateRelationship:
		return op.CreateRelationship
	}
	return nil
}

// Validate checks that the envelope is well formed and the typed args pass
// their own validation.
func (op Operation) Validate() error {
	switch op.Kind {
	case OpCreateBlock:
		if op.CreateBlock != nil {
			return op.CreateBlock.Validate()
		}
	case OpReviseBlock:
		if op.ReviseBlock != nil {
			return op.ReviseBlock.Validate()
		}
	case OpUpdateBlock:
		if op.UpdateBlock != nil {
			return op.UpdateBlock.Validate()
		}
	case OpCreateContextItem:
		if op.CreateContextItem != nil {
			return op.CreateContextItem.Validate()
		}
	case OpMergeBlocks:
		if op.MergeBlocks != nil {
			return op.MergeBlocks.Validate()
		}
	case OpCreateRelationship:
		if op.CreateRelationship != nil {
			return op.CreateRelationship.Validate()
		}
	default:
		return fmt.Errorf("unknown operation kind: %q", op.Kind)
	}
	return fmt.Errorf("operation %s has no args", op.Kind)
}

// BlocksTouched returns the count of existing blocks this op mutates.
// Used for the blocks-affected budget during policy evaluation.
func (op Operation) BlocksTouched() int {
	switch op.Kind {
	case OpUpdateBlock, OpReviseBlock:
		return 1
	case OpMergeBlocks:
		if op.MergeBlocks == nil {
			return 0
		}
		return len(op.MergeBlocks.MergedIDs) + 1
	}
	return 0
}

// Summary returns a short human label for timelines and logs.
func (op Operation) Summary() string {
	switch op.Kind {
	case OpCreateBlock:
		if op.CreateBlock != nil {
			return fmt.Sprintf("create block %q", op.CreateBlock.Title)
		}
	case OpReviseBlock:
		if op.ReviseBlock != nil {
			return fmt.Sprintf("revise block %s", op.ReviseBlock.BlockID)
		}
	case OpUpdateBlock:
		if op.UpdateBlock != nil {
			return fmt.Sprintf("update block %s", op.UpdateBlock.BlockID)
		}
	case OpCreateContextItem:
		if op.CreateContextItem != nil {
			return fmt.Sprintf("create context item %q", op.CreateContextItem.Label)
		}
	case OpMergeBlocks:
		if op.MergeBlocks != nil {
			return fmt.Sprintf("merge %d blocks into %s", len(op.MergeBlocks.MergedIDs), op.MergeBlocks.PrimaryID)
		}
	case OpCreateRelationship:
		if op.CreateRelationship != nil {
			return fmt.Sprintf("link %s -> %s", op.CreateRelationship.From, op.CreateRelationship.To)
		}
	}
	return string(op.Kind)
}
