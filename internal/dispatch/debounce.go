package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loamlabs/loam/internal/types"
)

// debouncer holds coalescable work for a quiet window before enqueueing
// it, so a burst of commits becomes one reflection run instead of ten.
// The latest trigger's payload wins. Store-level coalescing on the work
// key still applies after the window fires.
type debouncer struct {
	window  time.Duration
	enqueue func(context.Context, *types.WorkItem) error
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]*debounceEntry
}

type debounceEntry struct {
	item  *types.WorkItem
	timer *time.Timer
}

func newDebouncer(window time.Duration, enqueue func(context.Context, *types.WorkItem) error, log *slog.Logger) *debouncer {
	return &debouncer{
		window:  window,
		enqueue: enqueue,
		log:     log,
		pending: make(map[string]*debounceEntry),
	}
}

// add schedules the item to enqueue after the quiet window. Another add
// for the same (basket, work type) inside the window replaces the
// payload and restarts the timer.
func (d *debouncer) add(ctx context.Context, item *types.WorkItem) {
	item.WorkKey = types.CoalesceKey(item.BasketID, item.WorkType)
	if d.window <= 0 {
		if err := d.enqueue(ctx, item); err != nil {
			d.log.Warn("debounce enqueue failed", "work_key", item.WorkKey, "error", err)
		}
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.pending[item.WorkKey]; ok {
		entry.item = item
		entry.timer.Reset(d.window)
		return
	}
	entry := &debounceEntry{item: item}
	key := item.WorkKey
	entry.timer = time.AfterFunc(d.window, func() { d.fire(key) })
	d.pending[key] = entry
}

func (d *debouncer) fire(key string) {
	d.mu.Lock()
	entry, ok := d.pending[key]
	delete(d.pending, key)
	d.mu.Unlock()
	if !ok {
		return
	}
	if err := d.enqueue(context.Background(), entry.item); err != nil {
		d.log.Warn("debounce enqueue failed", "work_key", key, "error", err)
	}
}

// flush enqueues everything still waiting, used at shutdown so held
// work is not lost.
func (d *debouncer) flush(ctx context.Context) {
	d.mu.Lock()
	entries := make([]*debounceEntry, 0, len(d.pending))
	for key, entry := range d.pending {
		entry.timer.Stop()
		entries = append(entries, entry)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, entry := range entries {
		if err := d.enqueue(ctx, entry.item); err != nil {
			d.log.Warn("debounce flush failed", "work_key", entry.item.WorkKey, "error", err)
		}
	}
}
