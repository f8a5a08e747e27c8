package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loamlabs/loam/internal/types"
)

const eventColumns = "id, topic, basket_id, workspace_id, actor, payload, origin_event, created_at, delivered_at"

func scanEvent(row rowScanner) (*types.Event, error) {
	var e types.Event
	var payload []byte
	err := row.Scan(&e.ID, &e.Topic, &e.BasketID, &e.WorkspaceID, &e.Actor,
		&payload, &e.OriginEvent, &e.CreatedAt, &e.DeliveredAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		e.Payload = payload
	}
	return &e, nil
}

// InsertEvent appends an event, assigns its sequence ID, and notifies
// listeners when the transaction commits.
func (s *Store) InsertEvent(ctx context.Context, event *types.Event) (*types.Event, error) {
	var out *types.Event
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		e, err := insertEventTx(ctx, tx, event)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EventsAfter returns events with ID greater than afterID, in sequence
// order, optionally filtered by topic.
func (s *Store) EventsAfter(ctx context.Context, afterID int64, topics []types.Topic, limit int) ([]*types.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE id > $1`
	args := []any{afterID}
	if len(topics) > 0 {
		names := make([]string, len(topics))
		for i, t := range topics {
			names[i] = string(t)
		}
		args = append(args, names)
		q += fmt.Sprintf(` AND topic = ANY($%d)`, len(args))
	}
	q += ` ORDER BY id`
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("events after %d: %w", afterID, err)
	}
	defer rows.Close()
	var out []*types.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventID returns the tail of the event log, 0 when empty.
func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(max(id), 0) FROM events`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("latest event ID: %w", err)
	}
	return id, nil
}

// MarkEventsDelivered stamps delivery acknowledgment on events.
func (s *Store) MarkEventsDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE events SET delivered_at = now()
		WHERE id = ANY($1) AND delivered_at IS NULL`, ids)
	if err != nil {
		return fmt.Errorf("mark events delivered: %w", err)
	}
	return nil
}

// UndeliveredEventsBefore returns unacknowledged events older than the
// cutoff, for the redelivery sweep.
func (s *Store) UndeliveredEventsBefore(ctx context.Context, olderThan time.Time, limit int) ([]*types.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events
		WHERE delivered_at IS NULL AND created_at < $1 ORDER BY id`
	args := []any{olderThan}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("undelivered events: %w", err)
	}
	defer rows.Close()
	var out []*types.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
