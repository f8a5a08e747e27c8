// Package memory implements storage.Store with in-process maps. It backs
// tests and the dev-mode daemon; a single mutex stands in for the
// per-basket governance lock, so commits serialize exactly like the
// durable backend.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loamlabs/loam/internal/config"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/storage/factory"
	"github.com/loamlabs/loam/internal/types"
)

func init() {
	factory.RegisterBackend("memory", func(_ context.Context, _ config.Store) (storage.Store, error) {
		return New(), nil
	})
}

// Store is the in-memory backend.
type Store struct {
	mu sync.RWMutex

	workspaces    map[string]*types.Workspace
	baskets       map[string]*types.Basket
	dumps         map[string]*types.RawDump
	blocks        map[string]*types.Block
	contextItems  map[string]*types.ContextItem
	relationships map[string]*types.Relationship
	revisions     map[string][]*types.Revision
	proposals     map[string]*types.Proposal
	deltas        map[string]*types.Delta
	idempotency   map[string]*types.IdempotencyRecord
	work          map[string]*types.WorkItem
	reflections   map[string][]*types.Reflection
	documents     map[string]*types.Document
	policies      map[string]*types.Policy
	embeddings    map[string]*types.Embedding

	events   []*types.Event
	eventSeq int64

	subMu  sync.Mutex
	subs   []chan storage.Notice
	closed bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		workspaces:    make(map[string]*types.Workspace),
		baskets:       make(map[string]*types.Basket),
		dumps:         make(map[string]*types.RawDump),
		blocks:        make(map[string]*types.Block),
		contextItems:  make(map[string]*types.ContextItem),
		relationships: make(map[string]*types.Relationship),
		revisions:     make(map[string][]*types.Revision),
		proposals:     make(map[string]*types.Proposal),
		deltas:        make(map[string]*types.Delta),
		idempotency:   make(map[string]*types.IdempotencyRecord),
		work:          make(map[string]*types.WorkItem),
		reflections:   make(map[string][]*types.Reflection),
		documents:     make(map[string]*types.Document),
		policies:      make(map[string]*types.Policy),
		embeddings:    make(map[string]*types.Embedding),
	}
}

// Close shuts the notification channels down.
func (s *Store) Close() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	return nil
}

// Listen returns a channel of insert notices. The channel is buffered;
// notices are dropped when the consumer lags, which the redelivery sweep
// compensates for.
func (s *Store) Listen(_ context.Context) (<-chan storage.Notice, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	ch := make(chan storage.Notice, 64)
	s.subs = append(s.subs, ch)
	return ch, nil
}

func (s *Store) notify(e *types.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return
	}
	n := storage.Notice{
		EventID:     e.ID,
		Topic:       e.Topic,
		BasketID:    e.BasketID,
		WorkspaceID: e.WorkspaceID,
	}
	for _, ch := range s.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// insertEventLocked appends an event with the next sequence ID and fires
// notifications. Callers hold s.mu.
func (s *Store) insertEventLocked(e *types.Event) (*types.Event, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	s.eventSeq++
	stored := *e
	stored.ID = s.eventSeq
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.events = append(s.events, &stored)
	s.notify(&stored)
	out := stored
	return &out, nil
}

// emitLocked builds and appends an event, swallowing only marshal errors
// into the returned error. Callers hold s.mu.
func (s *Store) emitLocked(topic types.Topic, workspaceID, basketID, actor string, payload any) (*types.Event, error) {
	e, err := types.NewEvent(topic, workspaceID, basketID, actor, payload)
	if err != nil {
		return nil, err
	}
	return s.insertEventLocked(e)
}

func newID() string {
	return uuid.NewString()
}

// Clone helpers. Reads hand out copies so callers can never mutate stored
// state behind the lock. Slices of pointers are copied one level deep;
// ops and payloads are treated as immutable once stored.

func cloneBlock(b *types.Block) *types.Block {
	if b == nil {
		return nil
	}
	out := *b
	if b.Metadata != nil {
		out.Metadata = make(map[string]any, len(b.Metadata))
		for k, v := range b.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneProposal(p *types.Proposal) *types.Proposal {
	if p == nil {
		return nil
	}
	out := *p
	out.Ops = append([]types.Operation(nil), p.Ops...)
	out.Provenance = append([]string(nil), p.Provenance...)
	if p.Report != nil {
		r := *p.Report
		r.Ops = append([]types.OpReport(nil), p.Report.Ops...)
		r.DedupHints = append([]types.DedupHint(nil), p.Report.DedupHints...)
		r.Reasons = append([]string(nil), p.Report.Reasons...)
		out.Report = &r
	}
	if p.DecidedAt != nil {
		t := *p.DecidedAt
		out.DecidedAt = &t
	}
	return &out
}

func cloneWork(w *types.WorkItem) *types.WorkItem {
	if w == nil {
		return nil
	}
	out := *w
	if w.LeaseExpires != nil {
		t := *w.LeaseExpires
		out.LeaseExpires = &t
	}
	if w.Cascade != nil {
		c := *w.Cascade
		out.Cascade = &c
	}
	if w.Result != nil {
		r := *w.Result
		r.ProposalIDs = append([]string(nil), w.Result.ProposalIDs...)
		r.DocumentIDs = append([]string(nil), w.Result.DocumentIDs...)
		out.Result = &r
	}
	return &out
}

func cloneEvent(e *types.Event) *types.Event {
	if e == nil {
		return nil
	}
	out := *e
	if e.DeliveredAt != nil {
		t := *e.DeliveredAt
		out.DeliveredAt = &t
	}
	return &out
}

func cloneDelta(d *types.Delta) *types.Delta {
	if d == nil {
		return nil
	}
	out := *d
	out.Changes = append([]types.DeltaChange(nil), d.Changes...)
	return &out
}

func cloneDocument(d *types.Document) *types.Document {
	if d == nil {
		return nil
	}
	out := *d
	out.References = append([]types.SubstrateRef(nil), d.References...)
	return &out
}
