package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// EnsureWorkspace upserts a workspace by ID.
func (s *Store) EnsureWorkspace(_ context.Context, ws *types.Workspace) error {
	if ws.ID == "" {
		return fmt.Errorf("%w: workspace ID cannot be empty", types.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.workspaces[ws.ID]; ok {
		if ws.Name != "" {
			existing.Name = ws.Name
		}
		return nil
	}
	stored := *ws
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.workspaces[ws.ID] = &stored
	return nil
}

// GetWorkspace fetches a workspace by ID.
func (s *Store) GetWorkspace(_ context.Context, id string) (*types.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace %s: %w", id, storage.ErrNotFound)
	}
	out := *ws
	return &out, nil
}

// CreateBasket inserts a basket. The workspace must already exist.
func (s *Store) CreateBasket(_ context.Context, basket *types.Basket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if basket.ID == "" {
		basket.ID = newID()
	}
	if basket.Status == "" {
		basket.Status = types.BasketDraft
	}
	now := time.Now()
	if basket.CreatedAt.IsZero() {
		basket.CreatedAt = now
	}
	basket.UpdatedAt = now
	if err := basket.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	if _, ok := s.workspaces[basket.WorkspaceID]; !ok {
		return fmt.Errorf("workspace %s: %w", basket.WorkspaceID, storage.ErrNotFound)
	}
	if _, ok := s.baskets[basket.ID]; ok {
		return fmt.Errorf("basket %s: %w", basket.ID, types.ErrConflict)
	}
	stored := *basket
	s.baskets[basket.ID] = &stored
	return nil
}

// GetBasket fetches a basket by ID.
func (s *Store) GetBasket(_ context.Context, id string) (*types.Basket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBasketLocked(id)
}

func (s *Store) getBasketLocked(id string) (*types.Basket, error) {
	b, ok := s.baskets[id]
	if !ok {
		return nil, fmt.Errorf("basket %s: %w", id, storage.ErrNotFound)
	}
	out := *b
	return &out, nil
}

// ListBaskets returns a workspace's baskets ordered by creation time.
func (s *Store) ListBaskets(_ context.Context, workspaceID string) ([]*types.Basket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Basket
	for _, b := range s.baskets {
		if b.WorkspaceID == workspaceID {
			c := *b
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SetBasketStatus moves a basket between lifecycle states.
func (s *Store) SetBasketStatus(_ context.Context, id string, status types.BasketStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid basket status %s", types.ErrValidation, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.baskets[id]
	if !ok {
		return fmt.Errorf("basket %s: %w", id, storage.ErrNotFound)
	}
	b.Status = status
	b.UpdatedAt = time.Now()
	return nil
}
