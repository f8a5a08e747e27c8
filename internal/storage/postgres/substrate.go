package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

const blockColumns = `id, basket_id, workspace_id, title, content, semantic_type, state, version,
	confidence, metadata, proposal_id, last_validated_at, created_at, updated_at`

func scanBlock(row rowScanner) (*types.Block, error) {
	var b types.Block
	var meta []byte
	err := row.Scan(&b.ID, &b.BasketID, &b.WorkspaceID, &b.Title, &b.Content, &b.SemanticType,
		&b.State, &b.Version, &b.Confidence, &meta, &b.ProposalID,
		&b.LastValidatedAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(meta, &b.Metadata); err != nil {
		return nil, fmt.Errorf("decode block %s metadata: %w", b.ID, err)
	}
	return &b, nil
}

func insertBlockTx(ctx context.Context, tx pgx.Tx, b *types.Block) error {
	meta, err := encodeJSON(b.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO blocks (id, basket_id, workspace_id, title, content, semantic_type, state, version,
			confidence, metadata, proposal_id, last_validated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		b.ID, b.BasketID, b.WorkspaceID, b.Title, b.Content, b.SemanticType, b.State, b.Version,
		b.Confidence, meta, b.ProposalID, b.LastValidatedAt, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert block %s: %w", b.ID, err)
	}
	return nil
}

func insertRevisionTx(ctx context.Context, tx pgx.Tx, rev *types.Revision) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO revisions (id, block_id, basket_id, workspace_id, version, actor, proposal_id, summary, diff, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rev.ID, rev.BlockID, rev.BasketID, rev.WorkspaceID, rev.Version,
		rev.Actor, rev.ProposalID, rev.Summary, rev.Diff, rev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert revision for block %s: %w", rev.BlockID, err)
	}
	return nil
}

// GetBlock fetches a block by ID.
func (s *Store) GetBlock(ctx context.Context, id string) (*types.Block, error) {
	b, err := scanBlock(s.pool.QueryRow(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "block", id)
	}
	return b, nil
}

// ListBlocks returns a basket's blocks matching the filter, oldest first.
func (s *Store) ListBlocks(ctx context.Context, basketID string, filter types.BlockFilter) ([]*types.Block, error) {
	q := `SELECT ` + blockColumns + ` FROM blocks WHERE basket_id = $1`
	args := []any{basketID}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		args = append(args, states)
		q += fmt.Sprintf(` AND state = ANY($%d)`, len(args))
	}
	if filter.SemanticType != nil {
		args = append(args, *filter.SemanticType)
		q += fmt.Sprintf(` AND semantic_type = $%d`, len(args))
	}
	q += ` ORDER BY created_at`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()
	var out []*types.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetContextItem fetches a context item by ID.
func (s *Store) GetContextItem(ctx context.Context, id string) (*types.ContextItem, error) {
	var ci types.ContextItem
	var meta []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, basket_id, workspace_id, type, label, state, metadata, proposal_id, created_at, updated_at
		FROM context_items WHERE id = $1`, id,
	).Scan(&ci.ID, &ci.BasketID, &ci.WorkspaceID, &ci.Type, &ci.Label, &ci.State,
		&meta, &ci.ProposalID, &ci.CreatedAt, &ci.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "context item", id)
	}
	if err := decodeJSON(meta, &ci.Metadata); err != nil {
		return nil, fmt.Errorf("decode context item %s metadata: %w", id, err)
	}
	return &ci, nil
}

// ListContextItems returns a basket's context items, oldest first.
func (s *Store) ListContextItems(ctx context.Context, basketID string) ([]*types.ContextItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, basket_id, workspace_id, type, label, state, metadata, proposal_id, created_at, updated_at
		FROM context_items WHERE basket_id = $1 ORDER BY created_at`, basketID)
	if err != nil {
		return nil, fmt.Errorf("list context items: %w", err)
	}
	defer rows.Close()
	var out []*types.ContextItem
	for rows.Next() {
		var ci types.ContextItem
		var meta []byte
		if err := rows.Scan(&ci.ID, &ci.BasketID, &ci.WorkspaceID, &ci.Type, &ci.Label, &ci.State,
			&meta, &ci.ProposalID, &ci.CreatedAt, &ci.UpdatedAt); err != nil {
			return nil, err
		}
		if err := decodeJSON(meta, &ci.Metadata); err != nil {
			return nil, fmt.Errorf("decode context item %s metadata: %w", ci.ID, err)
		}
		out = append(out, &ci)
	}
	return out, rows.Err()
}

// ListRelationships returns a basket's relationships, oldest first.
func (s *Store) ListRelationships(ctx context.Context, basketID string) ([]*types.Relationship, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, basket_id, workspace_id, from_kind, from_id, to_kind, to_id, type, strength, proposal_id, created_at
		FROM relationships WHERE basket_id = $1 ORDER BY created_at`, basketID)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()
	var out []*types.Relationship
	for rows.Next() {
		var r types.Relationship
		if err := rows.Scan(&r.ID, &r.BasketID, &r.WorkspaceID, &r.From.Kind, &r.From.ID,
			&r.To.Kind, &r.To.ID, &r.Type, &r.Strength, &r.ProposalID, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ListRevisions returns a block's audit trail, newest first.
func (s *Store) ListRevisions(ctx context.Context, blockID string, limit int) ([]*types.Revision, error) {
	q := `SELECT id, block_id, basket_id, workspace_id, version, actor, proposal_id, summary, diff, created_at
		FROM revisions WHERE block_id = $1 ORDER BY created_at DESC`
	args := []any{blockID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()
	var out []*types.Revision
	for rows.Next() {
		var r types.Revision
		if err := rows.Scan(&r.ID, &r.BlockID, &r.BasketID, &r.WorkspaceID, &r.Version,
			&r.Actor, &r.ProposalID, &r.Summary, &r.Diff, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ApplyBlockAction applies a human lifecycle decision to a block. The
// transition must be legal for the block's current state; content and
// version are untouched, only the state moves.
func (s *Store) ApplyBlockAction(ctx context.Context, action storage.BlockAction) (*types.Block, error) {
	if !action.To.IsValid() {
		return nil, fmt.Errorf("%w: invalid block state %s", types.ErrValidation, action.To)
	}
	var out *types.Block
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		b, err := scanBlock(tx.QueryRow(ctx,
			`SELECT `+blockColumns+` FROM blocks WHERE id = $1 FOR UPDATE`, action.BlockID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("block %s: %w", action.BlockID, storage.ErrNotFound)
			}
			return fmt.Errorf("load block %s: %w", action.BlockID, err)
		}
		if !types.CanTransitionBlock(b.State, action.To) {
			return fmt.Errorf("block %s %s -> %s: %w", b.ID, b.State, action.To, storage.ErrInvalidTransition)
		}

		now := time.Now()
		from := b.State
		b.State = action.To
		b.UpdatedAt = now
		// A human decision is a fresh validation of the block's content.
		b.LastValidatedAt = now

		if _, err := tx.Exec(ctx, `
			UPDATE blocks SET state = $2, last_validated_at = $3, updated_at = $3 WHERE id = $1`,
			b.ID, b.State, now); err != nil {
			return fmt.Errorf("update block %s state: %w", b.ID, err)
		}

		summary := fmt.Sprintf("state %s -> %s", from, action.To)
		if action.Reason != "" {
			summary += ": " + action.Reason
		}
		rev := &types.Revision{
			ID:          newID(),
			BlockID:     b.ID,
			BasketID:    b.BasketID,
			WorkspaceID: b.WorkspaceID,
			Version:     b.Version,
			Actor:       action.Actor,
			Summary:     summary,
			CreatedAt:   now,
		}
		if err := insertRevisionTx(ctx, tx, rev); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InsertReflection stores a derived reading of the substrate.
func (s *Store) InsertReflection(ctx context.Context, r *types.Reflection) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.ComputedAt.IsZero() {
		r.ComputedAt = time.Now()
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	inputs, err := encodeJSON(r.Inputs)
	if err != nil {
		return err
	}
	meta, err := encodeJSON(r.Meta)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO reflections (id, basket_id, workspace_id, kind, body, inputs, meta, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.BasketID, r.WorkspaceID, r.Kind, r.Body, inputs, meta, r.ComputedAt)
	if err != nil {
		return fmt.Errorf("insert reflection %s: %w", r.ID, err)
	}
	return nil
}

const reflectionColumns = "id, basket_id, workspace_id, kind, body, inputs, meta, computed_at"

func scanReflection(row rowScanner) (*types.Reflection, error) {
	var r types.Reflection
	var inputs, meta []byte
	err := row.Scan(&r.ID, &r.BasketID, &r.WorkspaceID, &r.Kind, &r.Body, &inputs, &meta, &r.ComputedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(inputs, &r.Inputs); err != nil {
		return nil, fmt.Errorf("decode reflection %s inputs: %w", r.ID, err)
	}
	if err := decodeJSON(meta, &r.Meta); err != nil {
		return nil, fmt.Errorf("decode reflection %s meta: %w", r.ID, err)
	}
	return &r, nil
}

// LatestReflection returns the newest reflection of a kind for a basket.
func (s *Store) LatestReflection(ctx context.Context, basketID, kind string) (*types.Reflection, error) {
	r, err := scanReflection(s.pool.QueryRow(ctx, `
		SELECT `+reflectionColumns+` FROM reflections
		WHERE basket_id = $1 AND kind = $2
		ORDER BY computed_at DESC LIMIT 1`, basketID, kind))
	if err != nil {
		return nil, notFound(err, "reflection", basketID+"/"+kind)
	}
	return r, nil
}

// ListReflections returns a basket's reflections, newest first.
func (s *Store) ListReflections(ctx context.Context, basketID string, limit int) ([]*types.Reflection, error) {
	q := `SELECT ` + reflectionColumns + ` FROM reflections WHERE basket_id = $1 ORDER BY computed_at DESC`
	args := []any{basketID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list reflections: %w", err)
	}
	defer rows.Close()
	var out []*types.Reflection
	for rows.Next() {
		r, err := scanReflection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const documentColumns = "id, basket_id, workspace_id, title, body, version, stale, refs, composed_at, created_at, updated_at"

func scanDocument(row rowScanner) (*types.Document, error) {
	var d types.Document
	var refs []byte
	err := row.Scan(&d.ID, &d.BasketID, &d.WorkspaceID, &d.Title, &d.Body, &d.Version,
		&d.Stale, &refs, &d.ComposedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(refs, &d.References); err != nil {
		return nil, fmt.Errorf("decode document %s references: %w", d.ID, err)
	}
	return &d, nil
}

// UpsertDocument inserts or refreshes a composed document. A body change
// bumps the version; refreshing clears the stale flag.
func (s *Store) UpsertDocument(ctx context.Context, d *types.Document) error {
	if d.ID == "" {
		d.ID = newID()
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	refs, err := encodeJSON(d.References)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		now := time.Now()
		existing, err := scanDocument(tx.QueryRow(ctx,
			`SELECT `+documentColumns+` FROM documents WHERE id = $1 FOR UPDATE`, d.ID))
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("load document %s: %w", d.ID, err)
			}
			version := d.Version
			if version == 0 {
				version = 1
			}
			composed := d.ComposedAt
			if composed.IsZero() {
				composed = now
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO documents (id, basket_id, workspace_id, title, body, version, stale, refs, composed_at, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, false, $7, $8, $9, $9)`,
				d.ID, d.BasketID, d.WorkspaceID, d.Title, d.Body, version, refs, composed, now); err != nil {
				return fmt.Errorf("insert document %s: %w", d.ID, err)
			}
			d.Version = version
			return nil
		}
		version := existing.Version
		if existing.Body != d.Body {
			version++
		}
		if _, err := tx.Exec(ctx, `
			UPDATE documents SET title = $2, body = $3, version = $4, refs = $5, stale = false,
				composed_at = $6, updated_at = $6
			WHERE id = $1`,
			d.ID, d.Title, d.Body, version, refs, now); err != nil {
			return fmt.Errorf("update document %s: %w", d.ID, err)
		}
		d.Version = version
		return nil
	})
}

// GetDocument fetches a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	d, err := scanDocument(s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "document", id)
	}
	return d, nil
}

// ListDocuments returns a basket's documents, optionally only stale ones.
func (s *Store) ListDocuments(ctx context.Context, basketID string, staleOnly bool) ([]*types.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE basket_id = $1`
	if staleOnly {
		q += ` AND stale`
	}
	q += ` ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q, basketID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	var out []*types.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertEmbedding stores the vector for a substrate entity.
func (s *Store) UpsertEmbedding(ctx context.Context, e *types.Embedding) error {
	if err := e.Ref.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	if len(e.Vector) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", types.ErrValidation)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO embeddings (ref_kind, ref_id, basket_id, workspace_id, text_hash, vector, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (ref_kind, ref_id) DO UPDATE
		SET basket_id = EXCLUDED.basket_id, workspace_id = EXCLUDED.workspace_id,
			text_hash = EXCLUDED.text_hash, vector = EXCLUDED.vector, updated_at = now()`,
		e.Ref.Kind, e.Ref.ID, e.BasketID, e.WorkspaceID, e.TextHash, e.Vector)
	if err != nil {
		return fmt.Errorf("upsert embedding %s: %w", e.Ref, err)
	}
	return nil
}

// ListEmbeddings returns a basket's embeddings for one entity kind.
func (s *Store) ListEmbeddings(ctx context.Context, basketID string, kind types.RefKind) ([]*types.Embedding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ref_kind, ref_id, basket_id, workspace_id, text_hash, vector, updated_at
		FROM embeddings WHERE basket_id = $1 AND ref_kind = $2 ORDER BY ref_id`, basketID, kind)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()
	var out []*types.Embedding
	for rows.Next() {
		var e types.Embedding
		if err := rows.Scan(&e.Ref.Kind, &e.Ref.ID, &e.BasketID, &e.WorkspaceID,
			&e.TextHash, &e.Vector, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
