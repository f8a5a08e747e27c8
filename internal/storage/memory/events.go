package memory

import (
	"context"
	"time"

	"github.com/loamlabs/loam/internal/types"
)

// InsertEvent appends an event, assigns its sequence ID, and notifies
// listeners.
func (s *Store) InsertEvent(_ context.Context, event *types.Event) (*types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertEventLocked(event)
}

// EventsAfter returns events with ID greater than afterID, in sequence
// order, optionally filtered by topic.
func (s *Store) EventsAfter(_ context.Context, afterID int64, topics []types.Topic, limit int) ([]*types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var want map[types.Topic]bool
	if len(topics) > 0 {
		want = make(map[types.Topic]bool, len(topics))
		for _, t := range topics {
			want[t] = true
		}
	}

	var out []*types.Event
	for _, e := range s.events {
		if e.ID <= afterID {
			continue
		}
		if want != nil && !want[e.Topic] {
			continue
		}
		out = append(out, cloneEvent(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// LatestEventID returns the tail of the event log, 0 when empty.
func (s *Store) LatestEventID(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eventSeq, nil
}

// MarkEventsDelivered stamps delivery acknowledgment on events.
func (s *Store) MarkEventsDelivered(_ context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ack := make(map[int64]bool, len(ids))
	for _, id := range ids {
		ack[id] = true
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if ack[e.ID] && e.DeliveredAt == nil {
			t := now
			e.DeliveredAt = &t
		}
	}
	return nil
}

// UndeliveredEventsBefore returns unacknowledged events older than the
// cutoff, for the redelivery sweep.
func (s *Store) UndeliveredEventsBefore(_ context.Context, olderThan time.Time, limit int) ([]*types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Event
	for _, e := range s.events {
		if e.DeliveredAt != nil || !e.CreatedAt.Before(olderThan) {
			continue
		}
		out = append(out, cloneEvent(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
