// Package basketctx projects a basket's current substrate into the
// read-only view that validation and stage agents consume.
//
// The projection is rebuilt from the store on every call, so it is always
// consistent with the latest committed proposal; nothing here caches or
// writes.
package basketctx

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/loamlabs/loam/internal/config"
	"github.com/loamlabs/loam/internal/embedding"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// Service builds basket snapshots and answers similarity queries.
type Service struct {
	store    storage.Store
	embedder embedding.Embedder
	cfg      config.Context
	log      *slog.Logger
}

// New creates the basket context service.
func New(store storage.Store, embedder embedding.Embedder, cfg config.Context, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, embedder: embedder, cfg: cfg, log: log}
}

// Usage aggregates substrate row counts for a basket.
type Usage struct {
	Dumps        int `json:"dumps"`
	Blocks       int `json:"blocks"`
	ContextItems int `json:"context_items"`
	Documents    int `json:"documents"`
	Reflections  int `json:"reflections"`
}

// Snapshot is the read-only view of a basket at one instant. Active blocks
// exclude terminal states; goals and constraints are pulled out separately
// because every stage prompt leads with them.
type Snapshot struct {
	Basket       *types.Basket        `json:"basket"`
	Blocks       []*types.Block       `json:"blocks"`
	ContextItems []*types.ContextItem `json:"context_items"`
	Goals        []*types.Block       `json:"goals"`
	Constraints  []*types.Block       `json:"constraints"`
	StaleBlocks  []*types.Block       `json:"stale_blocks,omitempty"`
	Usage        Usage                `json:"usage"`
	TakenAt      time.Time            `json:"taken_at"`
}

// Snapshot assembles the projection for one basket.
func (s *Service) Snapshot(ctx context.Context, basketID string) (*Snapshot, error) {
	basket, err := s.store.GetBasket(ctx, basketID)
	if err != nil {
		return nil, fmt.Errorf("snapshot basket %s: %w", basketID, err)
	}

	active := types.BlockFilter{
		States: []types.BlockState{
			types.BlockProposed, types.BlockAccepted,
			types.BlockLocked, types.BlockConstant,
		},
		Limit: s.cfg.MaxBlocks,
	}
	blocks, err := s.store.ListBlocks(ctx, basketID, active)
	if err != nil {
		return nil, fmt.Errorf("snapshot blocks: %w", err)
	}
	items, err := s.store.ListContextItems(ctx, basketID)
	if err != nil {
		return nil, fmt.Errorf("snapshot context items: %w", err)
	}

	snap := &Snapshot{
		Basket:       basket,
		Blocks:       blocks,
		ContextItems: activeItems(items),
		TakenAt:      time.Now(),
	}

	horizon := snap.TakenAt.Add(-s.cfg.StaleAfter)
	for _, b := range blocks {
		switch b.SemanticType {
		case "goal":
			snap.Goals = append(snap.Goals, b)
		case "constraint":
			snap.Constraints = append(snap.Constraints, b)
		}
		if s.cfg.StaleAfter > 0 && blockStaleAt(b).Before(horizon) {
			snap.StaleBlocks = append(snap.StaleBlocks, b)
		}
	}

	if err := s.fillUsage(ctx, basketID, snap); err != nil {
		return nil, err
	}
	snap.Usage.Blocks = len(blocks)
	snap.Usage.ContextItems = len(snap.ContextItems)
	return snap, nil
}

func (s *Service) fillUsage(ctx context.Context, basketID string, snap *Snapshot) error {
	dumps, err := s.store.ListDumps(ctx, basketID, 0)
	if err != nil {
		return fmt.Errorf("snapshot dumps: %w", err)
	}
	docs, err := s.store.ListDocuments(ctx, basketID, false)
	if err != nil {
		return fmt.Errorf("snapshot documents: %w", err)
	}
	refls, err := s.store.ListReflections(ctx, basketID, 0)
	if err != nil {
		return fmt.Errorf("snapshot reflections: %w", err)
	}
	snap.Usage.Dumps = len(dumps)
	snap.Usage.Documents = len(docs)
	snap.Usage.Reflections = len(refls)
	return nil
}

// blockStaleAt returns the timestamp staleness is measured against.
// Blocks created before the validation column existed fall back to
// UpdatedAt.
func blockStaleAt(b *types.Block) time.Time {
	if !b.LastValidatedAt.IsZero() {
		return b.LastValidatedAt
	}
	return b.UpdatedAt
}

func activeItems(items []*types.ContextItem) []*types.ContextItem {
	out := items[:0]
	for _, ci := range items {
		if ci.State != types.ContextItemDeprecated {
			out = append(out, ci)
		}
	}
	return out
}

// Match is one near-duplicate candidate from FindSimilar, best first.
type Match struct {
	BlockID    string  `json:"block_id"`
	Similarity float64 `json:"similarity"`
}

// FindSimilar embeds text and ranks the basket's block embeddings by
// cosine similarity, returning matches at or above threshold, best first.
// A basket with no stored embeddings yields no matches, never an error.
func (s *Service) FindSimilar(ctx context.Context, basketID, text string, threshold float64) ([]Match, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	stored, err := s.store.ListEmbeddings(ctx, basketID, types.RefBlock)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}

	var matches []Match
	for _, e := range stored {
		sim := embedding.Cosine(vec, e.Vector)
		if sim >= threshold {
			matches = append(matches, Match{BlockID: e.Ref.ID, Similarity: sim})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].BlockID < matches[j].BlockID
	})
	return matches, nil
}

// IndexBlocks recomputes and stores embeddings for the given blocks.
// Called after commit so FindSimilar sees new content on the next
// validation pass.
func (s *Service) IndexBlocks(ctx context.Context, blocks []*types.Block) error {
	for _, b := range blocks {
		text := b.Title
		if b.Content != "" {
			text += "\n" + b.Content
		}
		vec, err := s.embedder.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("embed block %s: %w", b.ID, err)
		}
		e := &types.Embedding{
			Ref:         types.SubstrateRef{Kind: types.RefBlock, ID: b.ID},
			BasketID:    b.BasketID,
			WorkspaceID: b.WorkspaceID,
			TextHash:    embedding.TextHash(text),
			Vector:      vec,
			UpdatedAt:   time.Now(),
		}
		if err := s.store.UpsertEmbedding(ctx, e); err != nil {
			return fmt.Errorf("store embedding for block %s: %w", b.ID, err)
		}
	}
	return nil
}

// Digest renders the snapshot as prompt-ready plain text. Stage agents
// prepend this to their instructions so the model sees current goals,
// constraints, and block titles without raw JSON.
func (sn *Snapshot) Digest() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Basket: %s (%s)\n", sn.Basket.Name, sn.Basket.Status)

	writeSection := func(header string, blocks []*types.Block) {
		if len(blocks) == 0 {
			return
		}
		sb.WriteString(header + ":\n")
		for _, b := range blocks {
			fmt.Fprintf(&sb, "- %s", b.Title)
			if b.Content != "" {
				fmt.Fprintf(&sb, ": %s", firstLine(b.Content))
			}
			sb.WriteByte('\n')
		}
	}
	writeSection("Goals", sn.Goals)
	writeSection("Constraints", sn.Constraints)

	if len(sn.Blocks) > 0 {
		sb.WriteString("Blocks:\n")
		for _, b := range sn.Blocks {
			fmt.Fprintf(&sb, "- [%s/%s] %s\n", b.SemanticType, b.State, b.Title)
		}
	}
	if len(sn.ContextItems) > 0 {
		sb.WriteString("Context items:\n")
		for _, ci := range sn.ContextItems {
			fmt.Fprintf(&sb, "- %s: %s\n", ci.Type, ci.Label)
		}
	}
	return sb.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
