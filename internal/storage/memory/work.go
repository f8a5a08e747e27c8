package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// EnqueueWork inserts a pending work item. When the item carries a work
// key and a pending item with the same key exists, the existing item is
// returned instead: debounced triggers coalesce rather than stack.
func (s *Store) EnqueueWork(_ context.Context, item *types.WorkItem) (*types.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.WorkKey != "" {
		for _, w := range s.work {
			if w.WorkKey == item.WorkKey && w.State == types.WorkPending {
				return cloneWork(w), nil
			}
		}
	}

	stored := cloneWork(item)
	if stored.ID == "" {
		stored.ID = newID()
	}
	stored.SetDefaults()
	stored.State = types.WorkPending
	if err := stored.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	if _, exists := s.work[stored.ID]; exists {
		return nil, fmt.Errorf("work %s: %w", stored.ID, types.ErrConflict)
	}
	s.work[stored.ID] = stored
	return cloneWork(stored), nil
}

// ClaimWork leases the highest-priority, oldest pending item of the
// requested types. Workspaces at their concurrency cap are skipped.
func (s *Store) ClaimWork(_ context.Context, req storage.ClaimRequest) (*types.WorkItem, error) {
	if req.WorkerID == "" {
		return nil, fmt.Errorf("%w: worker ID cannot be empty", types.ErrValidation)
	}
	if req.Lease <= 0 {
		return nil, fmt.Errorf("%w: lease must be positive", types.ErrValidation)
	}

	want := make(map[types.WorkType]bool, len(req.Types))
	for _, t := range req.Types {
		want[t] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	inFlight := make(map[string]int)
	var candidates []*types.WorkItem
	for _, w := range s.work {
		switch w.State {
		case types.WorkClaimed, types.WorkProcessing:
			if !w.LeaseExpired(now) {
				inFlight[w.WorkspaceID]++
			}
		case types.WorkPending:
			if req.WorkID != "" {
				if w.ID == req.WorkID {
					candidates = append(candidates, w)
				}
				continue
			}
			if len(want) == 0 || want[w.WorkType] {
				candidates = append(candidates, w)
			}
		}
	}
	if req.WorkID != "" && len(candidates) == 0 {
		return nil, storage.ErrNoWork
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	for _, w := range candidates {
		if req.WorkspaceCap > 0 && inFlight[w.WorkspaceID] >= req.WorkspaceCap {
			continue
		}
		expires := now.Add(req.Lease)
		w.State = types.WorkClaimed
		w.ClaimedBy = req.WorkerID
		w.LeaseExpires = &expires
		w.Attempts++
		w.UpdatedAt = now
		return cloneWork(w), nil
	}
	return nil, storage.ErrNoWork
}

// holderLocked fetches a work item and verifies the caller still holds
// its lease. Callers hold s.mu.
func (s *Store) holderLocked(id, workerID string, now time.Time) (*types.WorkItem, error) {
	w, ok := s.work[id]
	if !ok {
		return nil, fmt.Errorf("work %s: %w", id, storage.ErrNotFound)
	}
	if w.ClaimedBy != workerID {
		return nil, fmt.Errorf("work %s claimed by %q: %w", id, w.ClaimedBy, storage.ErrNotClaimHolder)
	}
	if w.LeaseExpires == nil || w.LeaseExpires.Before(now) {
		return nil, fmt.Errorf("work %s lease lapsed: %w", id, storage.ErrNotClaimHolder)
	}
	return w, nil
}

// StartWork moves a claimed item to processing.
func (s *Store) StartWork(_ context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	w, err := s.holderLocked(id, workerID, now)
	if err != nil {
		return err
	}
	if w.State != types.WorkClaimed {
		return fmt.Errorf("work %s is %s: %w", id, w.State, storage.ErrInvalidTransition)
	}
	w.State = types.WorkProcessing
	w.UpdatedAt = now
	return nil
}

// HeartbeatWork extends a live lease.
func (s *Store) HeartbeatWork(_ context.Context, id, workerID string, extend time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	w, err := s.holderLocked(id, workerID, now)
	if err != nil {
		return err
	}
	expires := now.Add(extend)
	w.LeaseExpires = &expires
	w.UpdatedAt = now
	return nil
}

// CompleteWork finishes a processing item, storing the agent's result.
// With cascading true the item parks in cascading until FinishCascade.
func (s *Store) CompleteWork(_ context.Context, id, workerID string, result *types.WorkResult, cascading bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	w, err := s.holderLocked(id, workerID, now)
	if err != nil {
		return err
	}
	if w.State != types.WorkProcessing {
		return fmt.Errorf("work %s is %s: %w", id, w.State, storage.ErrInvalidTransition)
	}
	if cascading {
		w.State = types.WorkCascading
	} else {
		w.State = types.WorkCompleted
	}
	w.Result = result
	w.ClaimedBy = ""
	w.LeaseExpires = nil
	w.UpdatedAt = now
	return nil
}

// FinishCascade closes out a cascading item once its children drained.
func (s *Store) FinishCascade(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.work[id]
	if !ok {
		return fmt.Errorf("work %s: %w", id, storage.ErrNotFound)
	}
	if w.State != types.WorkCascading {
		return fmt.Errorf("work %s is %s: %w", id, w.State, storage.ErrInvalidTransition)
	}
	w.State = types.WorkCompleted
	w.UpdatedAt = time.Now()
	return nil
}

// FailWork records a failure. With retry true the item returns to pending
// keeping its attempt count; otherwise it lands in failed for inspection.
func (s *Store) FailWork(_ context.Context, id, workerID, reason string, retry bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.work[id]
	if !ok {
		return fmt.Errorf("work %s: %w", id, storage.ErrNotFound)
	}
	if w.ClaimedBy != workerID {
		return fmt.Errorf("work %s claimed by %q: %w", id, w.ClaimedBy, storage.ErrNotClaimHolder)
	}
	switch w.State {
	case types.WorkClaimed, types.WorkProcessing, types.WorkCascading:
	default:
		return fmt.Errorf("work %s is %s: %w", id, w.State, storage.ErrInvalidTransition)
	}
	now := time.Now()
	w.LastError = reason
	w.ClaimedBy = ""
	w.LeaseExpires = nil
	w.UpdatedAt = now
	if retry {
		w.State = types.WorkPending
	} else {
		w.State = types.WorkFailed
	}
	return nil
}

// ReapExpiredLeases returns lapsed claimed and processing items to
// pending. Attempts are kept; the claim cost was already paid.
func (s *Store) ReapExpiredLeases(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reaped := 0
	for _, w := range s.work {
		if !w.LeaseExpired(now) {
			continue
		}
		w.State = types.WorkPending
		w.ClaimedBy = ""
		w.LeaseExpires = nil
		w.UpdatedAt = now
		reaped++
	}
	return reaped, nil
}

// GetWork fetches a work item by ID.
func (s *Store) GetWork(_ context.Context, id string) (*types.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.work[id]
	if !ok {
		return nil, fmt.Errorf("work %s: %w", id, storage.ErrNotFound)
	}
	return cloneWork(w), nil
}

// ListWork returns work items matching the filter, oldest first.
func (s *Store) ListWork(_ context.Context, filter types.WorkFilter) ([]*types.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.WorkItem
	for _, w := range s.work {
		if filter.WorkspaceID != nil && w.WorkspaceID != *filter.WorkspaceID {
			continue
		}
		if filter.BasketID != nil && w.BasketID != *filter.BasketID {
			continue
		}
		if filter.State != nil && w.State != *filter.State {
			continue
		}
		if filter.WorkType != nil && w.WorkType != *filter.WorkType {
			continue
		}
		if filter.ParentWorkID != nil && w.ParentWorkID != *filter.ParentWorkID {
			continue
		}
		out = append(out, cloneWork(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// QueueStats summarizes queue contents, optionally for one workspace.
func (s *Store) QueueStats(_ context.Context, workspaceID string) (*storage.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &storage.QueueStats{
		ByState: make(map[types.WorkState]int),
		ByType:  make(map[types.WorkType]int),
	}
	for _, w := range s.work {
		if workspaceID != "" && w.WorkspaceID != workspaceID {
			continue
		}
		stats.ByState[w.State]++
		stats.ByType[w.WorkType]++
		if w.State == types.WorkPending {
			if stats.Oldest == nil || w.CreatedAt.Before(*stats.Oldest) {
				t := w.CreatedAt
				stats.Oldest = &t
			}
		}
	}
	return stats, nil
}
