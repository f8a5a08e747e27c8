package types

import "time"

// Embedding is a stored vector for one substrate entity, used for
// near-duplicate detection during proposal validation.
type Embedding struct {
	Ref         SubstrateRef `json:"ref"`
	BasketID    string       `json:"basket_id"`
	WorkspaceID string       `json:"workspace_id"`
	TextHash    string       `json:"text_hash,omitempty"`
	Vector      []float32    `json:"vector"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// IdempotencyRecord maps a client request ID to everything the first call
// produced, so replays return identical results at any pipeline phase.
type IdempotencyRecord struct {
	RequestID  string    `json:"request_id"`
	DumpID     string    `json:"dump_id,omitempty"`
	ProposalID string    `json:"proposal_id,omitempty"`
	DeltaID    string    `json:"delta_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// BlockFilter narrows block queries. Nil or empty fields match everything.
type BlockFilter struct {
	States       []BlockState `json:"states,omitempty"`
	SemanticType *string      `json:"semantic_type,omitempty"`
	Limit        int          `json:"limit,omitempty"`
}

// Matches reports whether a block passes the filter.
func (f BlockFilter) Matches(b *Block) bool {
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if b.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.SemanticType != nil && b.SemanticType != *f.SemanticType {
		return false
	}
	return true
}

// ProposalFilter narrows proposal queries.
type ProposalFilter struct {
	States []ProposalState `json:"states,omitempty"`
	Origin *string         `json:"origin,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// Matches reports whether a proposal passes the filter.
func (f ProposalFilter) Matches(p *Proposal) bool {
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if p.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Origin != nil && p.Origin != *f.Origin {
		return false
	}
	return true
}
