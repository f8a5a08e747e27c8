// Package bus implements durable topic broadcast over the storage layer.
//
// Events are persisted before any notification, so a crash between insert
// and notify never loses one. Subscribers are cursor-based: they replay
// from their last seen sequence ID and advance as they drain, which makes
// delivery at-least-once and per-(basket, topic) ordered. The store's
// notification channel is only a wakeup; a ticker and the redelivery sweep
// cover dropped notices.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loamlabs/loam/internal/config"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/telemetry"
	"github.com/loamlabs/loam/internal/types"
)

// pollInterval bounds how stale a subscriber can go when every notice is
// dropped. Kept short; polls against an empty tail are one indexed query.
const pollInterval = 5 * time.Second

// Bus is the event fan-out layer over a storage backend.
type Bus struct {
	store storage.Store
	cfg   config.Bus
	log   *slog.Logger
}

// New creates a bus over the given store.
func New(store storage.Store, cfg config.Bus, log *slog.Logger) *Bus {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Bus{store: store, cfg: cfg, log: log}
}

// Emit persists one event. The durable insert is the commit point: insert
// failure propagates, notification failure never does.
func (b *Bus) Emit(ctx context.Context, topic types.Topic, workspaceID, basketID, actor string, payload any) (*types.Event, error) {
	e, err := types.NewEvent(topic, workspaceID, basketID, actor, payload)
	if err != nil {
		return nil, err
	}
	stored, err := b.store.InsertEvent(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("emit %s: %w", topic, err)
	}
	telemetry.CountEvent(ctx, string(topic))
	return stored, nil
}

// Subscription is one consumer's ordered view of a topic set. Events arrive
// on C in sequence order starting after the subscribed cursor; C closes
// when the context ends or the bus shuts the subscription down.
type Subscription struct {
	C <-chan *types.Event

	topics map[types.Topic]bool
	cursor int64
	mu     sync.Mutex
}

// Cursor returns the last event ID handed to the consumer channel.
func (s *Subscription) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Subscription) wants(topic types.Topic) bool {
	return len(s.topics) == 0 || s.topics[topic]
}

// Subscribe opens a cursor-based subscription. fromID is the last event ID
// the consumer has already seen; pass 0 to replay from the beginning of the
// log or the current tail ID to receive only new events.
func (b *Bus) Subscribe(ctx context.Context, topics []types.Topic, fromID int64) (*Subscription, error) {
	for _, t := range topics {
		if !t.IsValid() {
			return nil, fmt.Errorf("%w: unknown topic %q", types.ErrValidation, t)
		}
	}
	notices, err := b.store.Listen(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	ch := make(chan *types.Event, b.cfg.Batch)
	sub := &Subscription{C: ch, cursor: fromID}
	if len(topics) > 0 {
		sub.topics = make(map[types.Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}

	go b.pump(ctx, sub, ch, notices)
	return sub, nil
}

// pump drains the event log into the consumer channel. Wakeups come from
// store notices and a safety ticker; both paths funnel into poll so
// ordering is always the log's.
func (b *Bus) pump(ctx context.Context, sub *Subscription, ch chan<- *types.Event, notices <-chan storage.Notice) {
	defer close(ch)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	// Drain whatever is already behind the cursor before waiting.
	if err := b.poll(ctx, sub, ch); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			if !sub.wants(n.Topic) {
				continue
			}
			if err := b.poll(ctx, sub, ch); err != nil {
				return
			}
		case <-ticker.C:
			if err := b.poll(ctx, sub, ch); err != nil {
				return
			}
		}
	}
}

// poll fetches events past the cursor in batches and forwards them. Every
// event handed to the channel is acknowledged as delivered; a consumer that
// crashes after receipt sees it again only through its own cursor choice on
// resubscribe, which is the at-least-once contract.
func (b *Bus) poll(ctx context.Context, sub *Subscription, ch chan<- *types.Event) error {
	var topics []types.Topic
	for t := range sub.topics {
		topics = append(topics, t)
	}
	for {
		events, err := b.store.EventsAfter(ctx, sub.Cursor(), topics, b.cfg.Batch)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			b.log.Warn("bus poll failed", "error", err)
			return nil
		}
		if len(events) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(events))
		for _, e := range events {
			select {
			case ch <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
			sub.mu.Lock()
			sub.cursor = e.ID
			sub.mu.Unlock()
			ids = append(ids, e.ID)
		}
		if err := b.store.MarkEventsDelivered(ctx, ids); err != nil {
			b.log.Warn("bus delivery ack failed", "error", err)
		}
		if len(events) < b.cfg.Batch {
			return nil
		}
	}
}

// RunSweeper periodically surfaces events that were inserted but never
// acknowledged, usually because every notice for them was dropped. The
// sweep just marks them delivered after logging: cursor replay means any
// live subscriber already walks past them on its next poll.
func (b *Bus) RunSweeper(ctx context.Context) error {
	interval := b.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				b.log.Warn("bus sweep failed", "error", err)
			}
		}
	}
}

func (b *Bus) sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-b.cfg.RedeliverAfter)
	events, err := b.store.UndeliveredEventsBefore(ctx, cutoff, b.cfg.Batch)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	b.log.Info("sweeping undelivered events", "count", len(ids), "oldest", events[0].ID)
	return b.store.MarkEventsDelivered(ctx, ids)
}
