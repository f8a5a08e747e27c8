package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// CaptureDump persists a raw dump, reserves the request ID, and emits
// dump.created, all atomically. A replayed request ID returns the original
// dump without touching anything.
func (s *Store) CaptureDump(_ context.Context, req storage.CaptureRequest) (*storage.CaptureResult, error) {
	if req.Dump == nil {
		return nil, fmt.Errorf("%w: capture requires a dump", types.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.RequestID != "" {
		if rec, ok := s.idempotency[req.RequestID]; ok {
			dump := s.dumps[rec.DumpID]
			if dump == nil {
				return nil, fmt.Errorf("%w: request %s recorded but dump %s missing", types.ErrFatal, req.RequestID, rec.DumpID)
			}
			d := *dump
			r := *rec
			return &storage.CaptureResult{Dump: &d, Record: &r, Replayed: true}, nil
		}
	}

	basket, ok := s.baskets[req.Dump.BasketID]
	if !ok {
		return nil, fmt.Errorf("basket %s: %w", req.Dump.BasketID, storage.ErrNotFound)
	}
	if basket.WorkspaceID != req.Dump.WorkspaceID {
		return nil, fmt.Errorf("dump %s: %w", req.Dump.ID, storage.ErrWorkspaceMismatch)
	}

	dump := *req.Dump
	if dump.ID == "" {
		dump.ID = newID()
	}
	if dump.CreatedAt.IsZero() {
		dump.CreatedAt = time.Now()
	}
	if err := dump.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	if _, exists := s.dumps[dump.ID]; exists {
		return nil, fmt.Errorf("dump %s: %w", dump.ID, types.ErrConflict)
	}
	s.dumps[dump.ID] = &dump

	var record *types.IdempotencyRecord
	if req.RequestID != "" {
		record = &types.IdempotencyRecord{
			RequestID: req.RequestID,
			DumpID:    dump.ID,
			CreatedAt: time.Now(),
		}
		s.idempotency[req.RequestID] = record
	}

	_, err := s.emitLocked(types.TopicDumpCreated, dump.WorkspaceID, dump.BasketID, req.Actor,
		types.DumpCreatedPayload{DumpID: dump.ID, RequestID: req.RequestID})
	if err != nil {
		// Roll the insert back; capture is all or nothing.
		delete(s.dumps, dump.ID)
		if req.RequestID != "" {
			delete(s.idempotency, req.RequestID)
		}
		return nil, err
	}

	out := dump
	var rec *types.IdempotencyRecord
	if record != nil {
		r := *record
		rec = &r
	}
	return &storage.CaptureResult{Dump: &out, Record: rec}, nil
}

// GetDump fetches a dump by ID.
func (s *Store) GetDump(_ context.Context, id string) (*types.RawDump, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dumps[id]
	if !ok {
		return nil, fmt.Errorf("dump %s: %w", id, storage.ErrNotFound)
	}
	out := *d
	return &out, nil
}

// ListDumps returns a basket's dumps, newest first.
func (s *Store) ListDumps(_ context.Context, basketID string, limit int) ([]*types.RawDump, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.RawDump
	for _, d := range s.dumps {
		if d.BasketID == basketID {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetIdempotencyRecord fetches the record for a request ID.
func (s *Store) GetIdempotencyRecord(_ context.Context, requestID string) (*types.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idempotency[requestID]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, storage.ErrNotFound)
	}
	out := *rec
	return &out, nil
}
