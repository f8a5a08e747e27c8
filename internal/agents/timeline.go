package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// timelineBatch is the event page size during replay.
const timelineBatch = 200

// TimelineRestore replays the event log from a cursor and reconciles the
// basket's derived artifacts with it. The substrate itself is already
// authoritative; restore re-indexes blocks the replayed commits touched
// and queues fresh reflection so downstream projections catch up.
type TimelineRestore struct {
	deps Deps
}

// NewTimelineRestore creates the timeline restore agent.
func NewTimelineRestore(deps Deps) *TimelineRestore { return &TimelineRestore{deps: deps} }

func (a *TimelineRestore) Name() string             { return "timeline_restore" }
func (a *TimelineRestore) WorkType() types.WorkType { return types.WorkTimelineRestore }

// Run walks events after the cursor and rebuilds what they imply.
func (a *TimelineRestore) Run(ctx context.Context, item *types.WorkItem) (*Result, error) {
	var payload types.TimelineRestorePayload
	if err := types.UnmarshalPayload(item.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrFatal, err)
	}
	topics := payload.Topics
	if len(topics) == 0 {
		topics = []types.Topic{types.TopicSubstrateCommitted}
	}

	var (
		cursor    = payload.SinceEventID
		replayed  int64
		blockIDs  []string
		seenBlock = make(map[string]bool)
	)
	for {
		events, err := a.deps.Store.EventsAfter(ctx, cursor, topics, timelineBatch)
		if err != nil {
			return nil, fmt.Errorf("replay events after %d: %w", cursor, err)
		}
		if len(events) == 0 {
			break
		}
		for _, e := range events {
			cursor = e.ID
			if e.BasketID != item.BasketID {
				continue
			}
			replayed++
			if e.Topic != types.TopicSubstrateCommitted {
				continue
			}
			var p types.SubstrateCommittedPayload
			if err := e.DecodePayload(&p); err != nil {
				a.deps.logger().Warn("replay skipping malformed event", "event", e.ID, "error", err)
				continue
			}
			for _, id := range p.BlockIDs {
				if !seenBlock[id] {
					seenBlock[id] = true
					blockIDs = append(blockIDs, id)
				}
			}
		}
		if len(events) < timelineBatch {
			break
		}
	}

	if replayed == 0 {
		return skipped("no events past cursor"), nil
	}
	if err := a.reindex(ctx, blockIDs); err != nil {
		return nil, err
	}

	result := &Result{Work: &types.WorkResult{
		EventsIn: replayed,
		Summary:  fmt.Sprintf("replayed %d events, re-indexed %d blocks", replayed, len(blockIDs)),
	}}
	if len(blockIDs) > 0 {
		childPayload, err := types.MarshalPayload(types.ReflectionPayload{Reason: "timeline_restore"})
		if err != nil {
			return nil, err
		}
		result.Children = append(result.Children, &types.WorkItem{
			WorkType:    types.WorkReflection,
			Payload:     childPayload,
			WorkspaceID: item.WorkspaceID,
			BasketID:    item.BasketID,
			WorkKey:     types.CoalesceKey(item.BasketID, types.WorkReflection),
		})
	}
	return result, nil
}

// reindex refreshes embeddings for blocks the replay touched. Blocks
// that moved to a terminal state since the events fired are left alone.
func (a *TimelineRestore) reindex(ctx context.Context, ids []string) error {
	var live []*types.Block
	for _, id := range ids {
		b, err := a.deps.Store.GetBlock(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
		if b.State.Terminal() {
			continue
		}
		live = append(live, b)
	}
	if len(live) == 0 {
		return nil
	}
	return a.deps.Context.IndexBlocks(ctx, live)
}
