// Package agents implements the pipeline stage agents. Each agent is
// handed a claimed work item and turns it into either a governed
// proposal or a derived artifact, returning follow-up work for the
// dispatcher to spawn.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/loamlabs/loam/internal/basketctx"
	"github.com/loamlabs/loam/internal/bus"
	"github.com/loamlabs/loam/internal/config"
	"github.com/loamlabs/loam/internal/governance"
	"github.com/loamlabs/loam/internal/reasoner"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// Deps bundles the shared collaborators every stage agent draws on.
type Deps struct {
	Store    storage.Store
	Bus      *bus.Bus
	Engine   *governance.Engine
	Context  *basketctx.Service
	Reasoner reasoner.Reasoner
	Dispatch config.Dispatch
	Log      *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

// Result is what one agent run produced. Children are unenqueued work
// items the dispatcher links to this item and spawns through the
// cascade coordinator.
type Result struct {
	Work     *types.WorkResult
	Children []*types.WorkItem
}

func skipped(reason string) *Result {
	return &Result{Work: &types.WorkResult{Summary: reason, Skipped: true}}
}

// Agent is the shared stage contract: one work type in, one result out.
// Run must be safe to retry; agents derive idempotency keys from the
// work item ID so a re-claimed item replays instead of duplicating.
type Agent interface {
	Name() string
	WorkType() types.WorkType
	Run(ctx context.Context, item *types.WorkItem) (*Result, error)
}

// Registry maps work types to their agents.
type Registry struct {
	byType map[types.WorkType]Agent
}

// NewRegistry builds a registry from an explicit agent set. Registering
// two agents for one work type is a wiring bug and panics.
func NewRegistry(agents ...Agent) *Registry {
	r := &Registry{byType: make(map[types.WorkType]Agent, len(agents))}
	for _, a := range agents {
		if _, dup := r.byType[a.WorkType()]; dup {
			panic(fmt.Sprintf("agents: duplicate agent for %s", a.WorkType()))
		}
		r.byType[a.WorkType()] = a
	}
	return r
}

// DefaultRegistry wires the standard stage set. Capture has no agent
// because it runs synchronously inside the capture call; the graph stage
// only joins when enabled; proposal review has no agent because a human
// services those items.
func DefaultRegistry(deps Deps) *Registry {
	agents := []Agent{
		NewSubstrate(deps),
		NewReflection(deps),
		NewCompose(deps),
		NewManualEdit(deps),
		NewTimelineRestore(deps),
	}
	if deps.Dispatch.EnableGraphStage {
		agents = append(agents, NewGraph(deps))
	}
	return NewRegistry(agents...)
}

// For returns the agent handling a work type, if any.
func (r *Registry) For(wt types.WorkType) (Agent, bool) {
	a, ok := r.byType[wt]
	return a, ok
}

// Types returns the registered work types, sorted for stable claiming.
func (r *Registry) Types() []types.WorkType {
	out := make([]types.WorkType, 0, len(r.byType))
	for wt := range r.byType {
		out = append(out, wt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// workRequestID derives the idempotency key agents pass to governance.
// Tied to the work item so a retried run replays the same proposal.
func workRequestID(item *types.WorkItem) string {
	return "work:" + item.ID
}

// extractJSON pulls the JSON object out of a reasoner reply, tolerating
// markdown fences and prose around it.
func extractJSON(text string) ([]byte, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: reply contains no JSON object", types.ErrTransient)
	}
	return []byte(text[start : end+1]), nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// truncate trims s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
