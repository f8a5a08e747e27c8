package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// GetBlock fetches a block by ID.
func (s *Store) GetBlock(_ context.Context, id string) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[id]
	if !ok {
		return nil, fmt.Errorf("block %s: %w", id, storage.ErrNotFound)
	}
	return cloneBlock(b), nil
}

// ListBlocks returns a basket's blocks matching the filter, oldest first.
func (s *Store) ListBlocks(_ context.Context, basketID string, filter types.BlockFilter) ([]*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Block
	for _, b := range s.blocks {
		if b.BasketID == basketID && filter.Matches(b) {
			out = append(out, cloneBlock(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetContextItem fetches a context item by ID.
func (s *Store) GetContextItem(_ context.Context, id string) (*types.ContextItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ci, ok := s.contextItems[id]
	if !ok {
		return nil, fmt.Errorf("context item %s: %w", id, storage.ErrNotFound)
	}
	out := *ci
	return &out, nil
}

// ListContextItems returns a basket's context items, oldest first.
func (s *Store) ListContextItems(_ context.Context, basketID string) ([]*types.ContextItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.ContextItem
	for _, ci := range s.contextItems {
		if ci.BasketID == basketID {
			c := *ci
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListRelationships returns a basket's relationships, oldest first.
func (s *Store) ListRelationships(_ context.Context, basketID string) ([]*types.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Relationship
	for _, r := range s.relationships {
		if r.BasketID == basketID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListRevisions returns a block's audit trail, newest first.
func (s *Store) ListRevisions(_ context.Context, blockID string, limit int) ([]*types.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	revs := s.revisions[blockID]
	out := make([]*types.Revision, 0, len(revs))
	for _, r := range revs {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// appendRevisionLocked records one audit entry. Callers hold s.mu.
func (s *Store) appendRevisionLocked(b *types.Block, actor, proposalID, summary, diff string, now time.Time) {
	rev := &types.Revision{
		ID:          newID(),
		BlockID:     b.ID,
		BasketID:    b.BasketID,
		WorkspaceID: b.WorkspaceID,
		Version:     b.Version,
		Actor:       actor,
		ProposalID:  proposalID,
		Summary:     summary,
		Diff:        diff,
		CreatedAt:   now,
	}
	s.revisions[b.ID] = append(s.revisions[b.ID], rev)
}

// ApplyBlockAction applies a human lifecycle decision to a block. The
// transition must be legal for the block's current state; content and
// version are untouched, only the state moves.
func (s *Store) ApplyBlockAction(_ context.Context, action storage.BlockAction) (*types.Block, error) {
	if !action.To.IsValid() {
		return nil, fmt.Errorf("%w: invalid block state %s", types.ErrValidation, action.To)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[action.BlockID]
	if !ok {
		return nil, fmt.Errorf("block %s: %w", action.BlockID, storage.ErrNotFound)
	}
	if !types.CanTransitionBlock(b.State, action.To) {
		return nil, fmt.Errorf("block %s %s -> %s: %w", b.ID, b.State, action.To, storage.ErrInvalidTransition)
	}

	now := time.Now()
	from := b.State
	b.State = action.To
	b.UpdatedAt = now
	// A human decision is a fresh validation of the block's content.
	b.LastValidatedAt = now

	summary := fmt.Sprintf("state %s -> %s", from, action.To)
	if action.Reason != "" {
		summary += ": " + action.Reason
	}
	s.appendRevisionLocked(b, action.Actor, "", summary, "", now)

	return cloneBlock(b), nil
}

// InsertReflection stores a derived reading of the substrate.
func (s *Store) InsertReflection(_ context.Context, r *types.Reflection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = newID()
	}
	if r.ComputedAt.IsZero() {
		r.ComputedAt = time.Now()
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	stored := *r
	stored.Inputs = append([]types.SubstrateRef(nil), r.Inputs...)
	s.reflections[r.BasketID] = append(s.reflections[r.BasketID], &stored)
	return nil
}

// LatestReflection returns the newest reflection of a kind for a basket.
func (s *Store) LatestReflection(_ context.Context, basketID, kind string) (*types.Reflection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *types.Reflection
	for _, r := range s.reflections[basketID] {
		if r.Kind != kind {
			continue
		}
		if latest == nil || r.ComputedAt.After(latest.ComputedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("reflection %s/%s: %w", basketID, kind, storage.ErrNotFound)
	}
	out := *latest
	return &out, nil
}

// ListReflections returns a basket's reflections, newest first.
func (s *Store) ListReflections(_ context.Context, basketID string, limit int) ([]*types.Reflection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	revs := s.reflections[basketID]
	out := make([]*types.Reflection, 0, len(revs))
	for _, r := range revs {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComputedAt.After(out[j].ComputedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertDocument inserts or refreshes a composed document. A body change
// bumps the version; refreshing clears the stale flag.
func (s *Store) UpsertDocument(_ context.Context, d *types.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if d.ID == "" {
		d.ID = newID()
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	existing, ok := s.documents[d.ID]
	if !ok {
		stored := cloneDocument(d)
		if stored.Version == 0 {
			stored.Version = 1
		}
		stored.Stale = false
		stored.CreatedAt = now
		stored.UpdatedAt = now
		if stored.ComposedAt.IsZero() {
			stored.ComposedAt = now
		}
		s.documents[d.ID] = stored
		d.Version = stored.Version
		return nil
	}
	if existing.Body != d.Body {
		existing.Version++
	}
	existing.Title = d.Title
	existing.Body = d.Body
	existing.References = append([]types.SubstrateRef(nil), d.References...)
	existing.Stale = false
	existing.ComposedAt = now
	existing.UpdatedAt = now
	d.Version = existing.Version
	return nil
}

// GetDocument fetches a document by ID.
func (s *Store) GetDocument(_ context.Context, id string) (*types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, storage.ErrNotFound)
	}
	return cloneDocument(d), nil
}

// ListDocuments returns a basket's documents, optionally only stale ones.
func (s *Store) ListDocuments(_ context.Context, basketID string, staleOnly bool) ([]*types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Document
	for _, d := range s.documents {
		if d.BasketID != basketID {
			continue
		}
		if staleOnly && !d.Stale {
			continue
		}
		out = append(out, cloneDocument(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SetBasketPolicy stores a basket's governance policy override.
func (s *Store) SetBasketPolicy(_ context.Context, basketID string, policy *types.Policy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.baskets[basketID]; !ok {
		return fmt.Errorf("basket %s: %w", basketID, storage.ErrNotFound)
	}
	stored := *policy
	if policy.OpRules != nil {
		stored.OpRules = make(map[types.OpKind]types.OpRule, len(policy.OpRules))
		for k, v := range policy.OpRules {
			stored.OpRules[k] = v
		}
	}
	s.policies[basketID] = &stored
	return nil
}

// GetBasketPolicy fetches a basket's policy override. ErrNotFound means
// the basket runs on the daemon default.
func (s *Store) GetBasketPolicy(_ context.Context, basketID string) (*types.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[basketID]
	if !ok {
		return nil, fmt.Errorf("policy for basket %s: %w", basketID, storage.ErrNotFound)
	}
	out := *p
	return &out, nil
}

// UpsertEmbedding stores the vector for a substrate entity.
func (s *Store) UpsertEmbedding(_ context.Context, e *types.Embedding) error {
	if err := e.Ref.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	if len(e.Vector) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", types.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *e
	stored.Vector = append([]float32(nil), e.Vector...)
	stored.UpdatedAt = time.Now()
	s.embeddings[e.Ref.String()] = &stored
	return nil
}

// ListEmbeddings returns a basket's embeddings for one entity kind.
func (s *Store) ListEmbeddings(_ context.Context, basketID string, kind types.RefKind) ([]*types.Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Embedding
	for _, e := range s.embeddings {
		if e.BasketID != basketID || e.Ref.Kind != kind {
			continue
		}
		c := *e
		c.Vector = append([]float32(nil), e.Vector...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.ID < out[j].Ref.ID })
	return out, nil
}
