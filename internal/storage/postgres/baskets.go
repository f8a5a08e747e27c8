package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// EnsureWorkspace upserts a workspace by ID.
func (s *Store) EnsureWorkspace(ctx context.Context, ws *types.Workspace) error {
	if ws.ID == "" {
		return fmt.Errorf("%w: workspace ID cannot be empty", types.ErrValidation)
	}
	created := ws.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workspaces (id, name, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE workspaces.name END`,
		ws.ID, ws.Name, created)
	if err != nil {
		return fmt.Errorf("ensure workspace %s: %w", ws.ID, err)
	}
	return nil
}

// GetWorkspace fetches a workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*types.Workspace, error) {
	var ws types.Workspace
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM workspaces WHERE id = $1`, id,
	).Scan(&ws.ID, &ws.Name, &ws.CreatedAt)
	if err != nil {
		return nil, notFound(err, "workspace", id)
	}
	return &ws, nil
}

// CreateBasket inserts a basket. The workspace must already exist.
func (s *Store) CreateBasket(ctx context.Context, basket *types.Basket) error {
	if basket.ID == "" {
		basket.ID = newID()
	}
	if basket.Status == "" {
		basket.Status = types.BasketDraft
	}
	now := time.Now()
	if basket.CreatedAt.IsZero() {
		basket.CreatedAt = now
	}
	basket.UpdatedAt = now
	if err := basket.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	if _, err := s.GetWorkspace(ctx, basket.WorkspaceID); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO baskets (id, workspace_id, name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		basket.ID, basket.WorkspaceID, basket.Name, basket.Status, basket.CreatedAt, basket.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create basket %s: %w", basket.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("basket %s: %w", basket.ID, types.ErrConflict)
	}
	return nil
}

const basketColumns = "id, workspace_id, name, status, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBasket(row rowScanner) (*types.Basket, error) {
	var b types.Basket
	err := row.Scan(&b.ID, &b.WorkspaceID, &b.Name, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBasket fetches a basket by ID.
func (s *Store) GetBasket(ctx context.Context, id string) (*types.Basket, error) {
	b, err := scanBasket(s.pool.QueryRow(ctx,
		`SELECT `+basketColumns+` FROM baskets WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "basket", id)
	}
	return b, nil
}

// ListBaskets returns a workspace's baskets ordered by creation time.
func (s *Store) ListBaskets(ctx context.Context, workspaceID string) ([]*types.Basket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+basketColumns+` FROM baskets WHERE workspace_id = $1 ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list baskets: %w", err)
	}
	defer rows.Close()
	var out []*types.Basket
	for rows.Next() {
		b, err := scanBasket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetBasketStatus moves a basket between lifecycle states.
func (s *Store) SetBasketStatus(ctx context.Context, id string, status types.BasketStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid basket status %s", types.ErrValidation, status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE baskets SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set basket %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("basket %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// SetBasketPolicy stores a basket's governance policy override.
func (s *Store) SetBasketPolicy(ctx context.Context, basketID string, policy *types.Policy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	if _, err := s.GetBasket(ctx, basketID); err != nil {
		return err
	}
	body, err := encodeJSON(policy)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO basket_policies (basket_id, policy, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (basket_id) DO UPDATE SET policy = EXCLUDED.policy, updated_at = now()`,
		basketID, body)
	if err != nil {
		return fmt.Errorf("set basket %s policy: %w", basketID, err)
	}
	return nil
}

// GetBasketPolicy fetches a basket's policy override. ErrNotFound means
// the basket runs on the daemon default.
func (s *Store) GetBasketPolicy(ctx context.Context, basketID string) (*types.Policy, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT policy FROM basket_policies WHERE basket_id = $1`, basketID).Scan(&body)
	if err != nil {
		return nil, notFound(err, "policy for basket", basketID)
	}
	var p types.Policy
	if err := decodeJSON(body, &p); err != nil {
		return nil, fmt.Errorf("decode policy for basket %s: %w", basketID, err)
	}
	return &p, nil
}
