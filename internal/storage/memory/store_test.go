package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

func newTestStore(t *testing.T) (*Store, *types.Basket) {
	t.Helper()
	s := New()
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	if err := s.EnsureWorkspace(ctx, &types.Workspace{ID: "ws-1", Name: "test"}); err != nil {
		t.Fatalf("EnsureWorkspace() error = %v", err)
	}
	basket := &types.Basket{WorkspaceID: "ws-1", Name: "notes", Status: types.BasketActive}
	if err := s.CreateBasket(ctx, basket); err != nil {
		t.Fatalf("CreateBasket() error = %v", err)
	}
	return s, basket
}

func TestCaptureDumpIdempotency(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	req := storage.CaptureRequest{
		Dump: &types.RawDump{
			BasketID:    basket.ID,
			WorkspaceID: "ws-1",
			Body:        "remember to call the vendor",
		},
		RequestID: "req-1",
		Actor:     "user-7",
	}

	first, err := s.CaptureDump(ctx, req)
	if err != nil {
		t.Fatalf("CaptureDump() error = %v", err)
	}
	if first.Replayed {
		t.Error("first capture should not be a replay")
	}
	if first.Dump.ID == "" {
		t.Fatal("capture should assign a dump ID")
	}

	// Same request ID, even with a different body, returns the original.
	req.Dump = &types.RawDump{BasketID: basket.ID, WorkspaceID: "ws-1", Body: "different"}
	second, err := s.CaptureDump(ctx, req)
	if err != nil {
		t.Fatalf("CaptureDump() replay error = %v", err)
	}
	if !second.Replayed {
		t.Error("second capture should be a replay")
	}
	if second.Dump.ID != first.Dump.ID {
		t.Errorf("replay dump ID = %s, want %s", second.Dump.ID, first.Dump.ID)
	}
	if second.Dump.Body != "remember to call the vendor" {
		t.Errorf("replay returned wrong dump body %q", second.Dump.Body)
	}

	// Exactly one dump and one dump.created event exist.
	dumps, err := s.ListDumps(ctx, basket.ID, 0)
	if err != nil {
		t.Fatalf("ListDumps() error = %v", err)
	}
	if len(dumps) != 1 {
		t.Errorf("have %d dumps, want 1", len(dumps))
	}
	events, err := s.EventsAfter(ctx, 0, []types.Topic{types.TopicDumpCreated}, 0)
	if err != nil {
		t.Fatalf("EventsAfter() error = %v", err)
	}
	if len(events) != 1 {
		t.Errorf("have %d dump.created events, want 1", len(events))
	}
}

func TestCaptureRequiresBasket(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.CaptureDump(context.Background(), storage.CaptureRequest{
		Dump: &types.RawDump{BasketID: "missing", WorkspaceID: "ws-1", Body: "x"},
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("CaptureDump() error = %v, want ErrNotFound", err)
	}
}

func TestEventSequenceAndAck(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		e, err := types.NewEvent(types.TopicComposeRequested, "ws-1", basket.ID, "user-7",
			types.ComposeRequestedPayload{Intent: "summary"})
		if err != nil {
			t.Fatalf("NewEvent() error = %v", err)
		}
		stored, err := s.InsertEvent(ctx, e)
		if err != nil {
			t.Fatalf("InsertEvent() error = %v", err)
		}
		ids = append(ids, stored.ID)
	}

	// Sequence IDs strictly increase in insert order.
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("event IDs not increasing: %v", ids)
		}
	}

	// Cursor replay picks up only what follows.
	events, err := s.EventsAfter(ctx, ids[0], nil, 0)
	if err != nil {
		t.Fatalf("EventsAfter() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("EventsAfter(%d) returned %d events, want 2", ids[0], len(events))
	}

	// Ack the first two; the sweep sees only the third.
	if err := s.MarkEventsDelivered(ctx, ids[:2]); err != nil {
		t.Fatalf("MarkEventsDelivered() error = %v", err)
	}
	undelivered, err := s.UndeliveredEventsBefore(ctx, time.Now().Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("UndeliveredEventsBefore() error = %v", err)
	}
	if len(undelivered) != 1 || undelivered[0].ID != ids[2] {
		t.Errorf("undelivered = %+v, want only event %d", undelivered, ids[2])
	}
}

func TestListenDeliversNotices(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	ch, err := s.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	res, err := s.CaptureDump(ctx, storage.CaptureRequest{
		Dump:  &types.RawDump{BasketID: basket.ID, WorkspaceID: "ws-1", Body: "hello"},
		Actor: "user-7",
	})
	if err != nil {
		t.Fatalf("CaptureDump() error = %v", err)
	}

	select {
	case n := <-ch:
		if n.Topic != types.TopicDumpCreated {
			t.Errorf("notice topic = %s, want dump.created", n.Topic)
		}
		if n.BasketID != res.Dump.BasketID {
			t.Errorf("notice basket = %s, want %s", n.BasketID, res.Dump.BasketID)
		}
	case <-time.After(time.Second):
		t.Fatal("no notice within 1s")
	}
}

func TestCreateBasketDefaultsToDraft(t *testing.T) {
	s, _ := newTestStore(t)
	basket := &types.Basket{WorkspaceID: "ws-1", Name: "fresh"}
	if err := s.CreateBasket(context.Background(), basket); err != nil {
		t.Fatalf("CreateBasket() error = %v", err)
	}
	if basket.Status != types.BasketDraft {
		t.Errorf("new basket status = %s, want DRAFT", basket.Status)
	}
}

func TestBasketPolicyRoundTrip(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetBasketPolicy(ctx, basket.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetBasketPolicy() on unset basket = %v, want ErrNotFound", err)
	}

	policy := types.DefaultPolicy()
	policy.AutoApproveThreshold = 0.95
	if err := s.SetBasketPolicy(ctx, basket.ID, policy); err != nil {
		t.Fatalf("SetBasketPolicy() error = %v", err)
	}
	got, err := s.GetBasketPolicy(ctx, basket.ID)
	if err != nil {
		t.Fatalf("GetBasketPolicy() error = %v", err)
	}
	if got.AutoApproveThreshold != 0.95 {
		t.Errorf("threshold = %f, want 0.95", got.AutoApproveThreshold)
	}
}

func TestReflectionVersioning(t *testing.T) {
	s, basket := newTestStore(t)
	ctx := context.Background()

	early := &types.Reflection{
		BasketID: basket.ID, WorkspaceID: "ws-1", Kind: "themes",
		Body: "old reading", ComputedAt: time.Now().Add(-time.Hour),
	}
	late := &types.Reflection{
		BasketID: basket.ID, WorkspaceID: "ws-1", Kind: "themes",
		Body: "new reading", ComputedAt: time.Now(),
	}
	if err := s.InsertReflection(ctx, early); err != nil {
		t.Fatalf("InsertReflection() error = %v", err)
	}
	if err := s.InsertReflection(ctx, late); err != nil {
		t.Fatalf("InsertReflection() error = %v", err)
	}

	latest, err := s.LatestReflection(ctx, basket.ID, "themes")
	if err != nil {
		t.Fatalf("LatestReflection() error = %v", err)
	}
	if latest.Body != "new reading" {
		t.Errorf("latest body = %q, want the newer reflection", latest.Body)
	}
	all, err := s.ListReflections(ctx, basket.ID, 0)
	if err != nil {
		t.Fatalf("ListReflections() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("reflections kept = %d, want 2 (append-only)", len(all))
	}
}
