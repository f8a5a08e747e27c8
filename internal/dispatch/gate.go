package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// workspaceGate caps how many agents run concurrently for one workspace,
// so a burst in a single basket cannot hold the whole worker pool while
// its reasoner calls crawl.
type workspaceGate struct {
	mu   sync.Mutex
	cap  int64
	sems map[string]*semaphore.Weighted
}

func newWorkspaceGate(cap int64) *workspaceGate {
	if cap < 1 {
		cap = 1
	}
	return &workspaceGate{cap: cap, sems: make(map[string]*semaphore.Weighted)}
}

func (g *workspaceGate) acquire(ctx context.Context, workspaceID string) (release func(), err error) {
	g.mu.Lock()
	sem, ok := g.sems[workspaceID]
	if !ok {
		sem = semaphore.NewWeighted(g.cap)
		g.sems[workspaceID] = sem
	}
	g.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
