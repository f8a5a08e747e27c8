package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loamlabs/loam/internal/basketctx"
	"github.com/loamlabs/loam/internal/reasoner"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

const composeSystem = `You compose a narrative document from a basket of
structured knowledge. Write the document body in markdown. Ground every
claim in the substrate given to you; quote block titles where it helps.
Do not invent knowledge. Return only the document body.`

// composeReferenceCap bounds how many substrate refs a document records.
const composeReferenceCap = 30

// Compose is the P4 agent: it writes narrative documents over the
// substrate. Documents are deliberate artifacts with their own commit
// path; composing one never creates a proposal and never mutates
// substrate.
type Compose struct {
	deps Deps
}

// NewCompose creates the document composition agent.
func NewCompose(deps Deps) *Compose { return &Compose{deps: deps} }

func (a *Compose) Name() string             { return "p4_compose" }
func (a *Compose) WorkType() types.WorkType { return types.WorkCompose }

// Run composes the requested documents, or refreshes every stale one
// when the payload names none.
func (a *Compose) Run(ctx context.Context, item *types.WorkItem) (*Result, error) {
	var payload types.ComposePayload
	if err := types.UnmarshalPayload(item.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrFatal, err)
	}

	snap, err := a.deps.Context.Snapshot(ctx, item.BasketID)
	if err != nil {
		return nil, err
	}
	if len(snap.Blocks) == 0 {
		return skipped("no substrate to compose from"), nil
	}

	targets, err := a.targets(ctx, item, payload)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return skipped("nothing to compose"), nil
	}

	prefix := a.promptPrefix(ctx, item.BasketID, snap.Digest())
	refs := references(snap)
	var ids []string
	for _, doc := range targets {
		if err := a.composeOne(ctx, doc, payload.Intent, prefix, refs); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}

	work := &types.WorkResult{
		DocumentIDs: ids,
		Summary:     fmt.Sprintf("composed %d documents", len(ids)),
	}
	return &Result{Work: work}, nil
}

// targets resolves which documents this run writes: the named ones, a
// new one when the payload carries a title, else the basket's stale set.
func (a *Compose) targets(ctx context.Context, item *types.WorkItem, payload types.ComposePayload) ([]*types.Document, error) {
	if len(payload.DocumentIDs) > 0 {
		var docs []*types.Document
		for _, id := range payload.DocumentIDs {
			doc, err := a.deps.Store.GetDocument(ctx, id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					a.deps.logger().Warn("compose target missing", "document", id)
					continue
				}
				return nil, err
			}
			if doc.BasketID != item.BasketID {
				return nil, fmt.Errorf("%w: document %s belongs to basket %s", types.ErrValidation, id, doc.BasketID)
			}
			docs = append(docs, doc)
		}
		return docs, nil
	}
	if payload.Title != "" {
		return []*types.Document{{
			BasketID:    item.BasketID,
			WorkspaceID: item.WorkspaceID,
			Title:       payload.Title,
		}}, nil
	}
	return a.deps.Store.ListDocuments(ctx, item.BasketID, true)
}

// promptPrefix is the shared prompt lead: the basket digest plus the
// latest reflection, when one exists.
func (a *Compose) promptPrefix(ctx context.Context, basketID, digest string) string {
	var sb strings.Builder
	sb.WriteString(digest)
	refl, err := a.deps.Store.LatestReflection(ctx, basketID, ReflectionKind)
	switch {
	case err == nil:
		fmt.Fprintf(&sb, "Reflection:\n%s\n", refl.Body)
	case !errors.Is(err, storage.ErrNotFound):
		a.deps.logger().Warn("compose skipping reflection", "error", err)
	}
	return sb.String()
}

func (a *Compose) composeOne(ctx context.Context, doc *types.Document, intent, prefix string, refs []types.SubstrateRef) error {
	prompt := fmt.Sprintf("%sDocument title: %s\n", prefix, doc.Title)
	if intent != "" {
		prompt += "Intent: " + intent + "\n"
	}
	if doc.Body != "" {
		prompt += "Previous version:\n" + doc.Body + "\n"
	}

	resp, err := a.deps.Reasoner.Generate(ctx, reasoner.Request{System: composeSystem, Prompt: prompt})
	if err != nil {
		return fmt.Errorf("compose %q: %w", doc.Title, err)
	}
	body := strings.TrimSpace(resp.Text)
	if body == "" {
		return fmt.Errorf("%w: empty document body for %q", types.ErrTransient, doc.Title)
	}

	doc.Body = body
	doc.References = refs
	if err := a.deps.Store.UpsertDocument(ctx, doc); err != nil {
		return fmt.Errorf("store document %q: %w", doc.Title, err)
	}

	_, err = a.deps.Bus.Emit(ctx, types.TopicDocumentComposed, doc.WorkspaceID, doc.BasketID,
		types.AgentOrigin(a.Name()),
		types.DocumentComposedPayload{DocumentID: doc.ID, Version: doc.Version})
	return err
}

// references records which substrate a composed document drew on, goals
// and constraints first.
func references(snap *basketctx.Snapshot) []types.SubstrateRef {
	var refs []types.SubstrateRef
	add := func(blocks []*types.Block) {
		for _, b := range blocks {
			if len(refs) == composeReferenceCap {
				return
			}
			refs = append(refs, types.SubstrateRef{Kind: types.RefBlock, ID: b.ID})
		}
	}
	add(snap.Goals)
	add(snap.Constraints)
	for _, b := range snap.Blocks {
		if len(refs) == composeReferenceCap {
			break
		}
		if b.SemanticType == "goal" || b.SemanticType == "constraint" {
			continue
		}
		refs = append(refs, types.SubstrateRef{Kind: types.RefBlock, ID: b.ID})
	}
	return refs
}
