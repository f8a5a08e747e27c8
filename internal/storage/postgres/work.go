package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

const workColumns = `id, work_type, payload, state, priority, workspace_id, basket_id, user_id,
	parent_work_id, work_key, attempts, max_attempts, claimed_by, lease_expires_at,
	cascade_meta, result, last_error, created_at, updated_at`

func scanWork(row rowScanner) (*types.WorkItem, error) {
	var w types.WorkItem
	var payload, cascade, result []byte
	err := row.Scan(&w.ID, &w.WorkType, &payload, &w.State, &w.Priority, &w.WorkspaceID,
		&w.BasketID, &w.UserID, &w.ParentWorkID, &w.WorkKey, &w.Attempts, &w.MaxAttempts,
		&w.ClaimedBy, &w.LeaseExpires, &cascade, &result, &w.LastError, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		w.Payload = payload
	}
	if len(cascade) > 0 {
		w.Cascade = &types.CascadeMeta{}
		if err := decodeJSON(cascade, w.Cascade); err != nil {
			return nil, fmt.Errorf("decode work %s cascade: %w", w.ID, err)
		}
	}
	if len(result) > 0 {
		w.Result = &types.WorkResult{}
		if err := decodeJSON(result, w.Result); err != nil {
			return nil, fmt.Errorf("decode work %s result: %w", w.ID, err)
		}
	}
	return &w, nil
}

// EnqueueWork inserts a pending work item. When the item carries a work
// key and a pending item with the same key exists, the existing item is
// returned instead: debounced triggers coalesce rather than stack.
func (s *Store) EnqueueWork(ctx context.Context, item *types.WorkItem) (*types.WorkItem, error) {
	var out *types.WorkItem
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if item.WorkKey != "" {
			existing, err := scanWork(tx.QueryRow(ctx, `
				SELECT `+workColumns+` FROM work_items
				WHERE work_key = $1 AND state = $2
				LIMIT 1`, item.WorkKey, types.WorkPending))
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("coalesce work key %s: %w", item.WorkKey, err)
			}
		}

		stored := *item
		if stored.ID == "" {
			stored.ID = newID()
		}
		stored.SetDefaults()
		stored.State = types.WorkPending
		if err := stored.Validate(); err != nil {
			return fmt.Errorf("%w: %v", types.ErrValidation, err)
		}
		cascade, err := encodeJSON(stored.Cascade)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO work_items (id, work_type, payload, state, priority, workspace_id, basket_id,
				user_id, parent_work_id, work_key, attempts, max_attempts, cascade_meta, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO NOTHING`,
			stored.ID, stored.WorkType, rawJSON(stored.Payload), stored.State, stored.Priority,
			stored.WorkspaceID, stored.BasketID, stored.UserID, stored.ParentWorkID,
			stored.WorkKey, stored.Attempts, stored.MaxAttempts, cascade,
			stored.CreatedAt, stored.UpdatedAt)
		if err != nil {
			return fmt.Errorf("enqueue work %s: %w", stored.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("work %s: %w", stored.ID, types.ErrConflict)
		}
		out = &stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimWork leases the highest-priority, oldest pending item of the
// requested types, skipping rows other claimers hold locked. Workspaces
// at their concurrency cap are skipped.
func (s *Store) ClaimWork(ctx context.Context, req storage.ClaimRequest) (*types.WorkItem, error) {
	if req.WorkerID == "" {
		return nil, fmt.Errorf("%w: worker ID cannot be empty", types.ErrValidation)
	}
	if req.Lease <= 0 {
		return nil, fmt.Errorf("%w: lease must be positive", types.ErrValidation)
	}
	now := time.Now()
	expires := now.Add(req.Lease)

	if req.WorkID != "" {
		w, err := scanWork(s.pool.QueryRow(ctx, `
			UPDATE work_items
			SET state = $3, claimed_by = $4, lease_expires_at = $5, attempts = attempts + 1, updated_at = $6
			WHERE id = $1 AND state = $2
			RETURNING `+workColumns,
			req.WorkID, types.WorkPending, types.WorkClaimed, req.WorkerID, expires, now))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, storage.ErrNoWork
			}
			return nil, fmt.Errorf("claim work %s: %w", req.WorkID, err)
		}
		return w, nil
	}

	var workTypes []string
	for _, t := range req.Types {
		workTypes = append(workTypes, string(t))
	}

	w, err := scanWork(s.pool.QueryRow(ctx, `
		WITH in_flight AS (
			SELECT workspace_id, count(*) AS n
			FROM work_items
			WHERE state IN ('claimed', 'processing') AND lease_expires_at > $4
			GROUP BY workspace_id
		), next AS (
			SELECT w.id
			FROM work_items w
			LEFT JOIN in_flight f ON f.workspace_id = w.workspace_id
			WHERE w.state = 'pending'
			  AND ($1::text[] IS NULL OR w.work_type = ANY($1::text[]))
			  AND ($2::int <= 0 OR COALESCE(f.n, 0) < $2::int)
			ORDER BY w.priority DESC, w.created_at
			FOR UPDATE OF w SKIP LOCKED
			LIMIT 1
		)
		UPDATE work_items w
		SET state = 'claimed', claimed_by = $3, lease_expires_at = $5, attempts = w.attempts + 1, updated_at = $4
		FROM next WHERE w.id = next.id
		RETURNING `+prefixed("w", workColumns),
		workTypes, req.WorkspaceCap, req.WorkerID, now, expires))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNoWork
		}
		return nil, fmt.Errorf("claim work: %w", err)
	}
	return w, nil
}

// prefixed qualifies every column in a comma-separated list with a table
// alias, for RETURNING clauses that join.
func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// holderTx fetches a work item under lock and verifies the caller still
// holds its lease.
func holderTx(ctx context.Context, tx pgx.Tx, id, workerID string, now time.Time) (*types.WorkItem, error) {
	w, err := scanWork(tx.QueryRow(ctx,
		`SELECT `+workColumns+` FROM work_items WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("work %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("load work %s: %w", id, err)
	}
	if w.ClaimedBy != workerID {
		return nil, fmt.Errorf("work %s claimed by %q: %w", id, w.ClaimedBy, storage.ErrNotClaimHolder)
	}
	if w.LeaseExpires == nil || w.LeaseExpires.Before(now) {
		return nil, fmt.Errorf("work %s lease lapsed: %w", id, storage.ErrNotClaimHolder)
	}
	return w, nil
}

// StartWork moves a claimed item to processing.
func (s *Store) StartWork(ctx context.Context, id, workerID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		now := time.Now()
		w, err := holderTx(ctx, tx, id, workerID, now)
		if err != nil {
			return err
		}
		if w.State != types.WorkClaimed {
			return fmt.Errorf("work %s is %s: %w", id, w.State, storage.ErrInvalidTransition)
		}
		_, err = tx.Exec(ctx,
			`UPDATE work_items SET state = $2, updated_at = $3 WHERE id = $1`,
			id, types.WorkProcessing, now)
		return err
	})
}

// HeartbeatWork extends a live lease.
func (s *Store) HeartbeatWork(ctx context.Context, id, workerID string, extend time.Duration) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		now := time.Now()
		if _, err := holderTx(ctx, tx, id, workerID, now); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE work_items SET lease_expires_at = $2, updated_at = $3 WHERE id = $1`,
			id, now.Add(extend), now)
		return err
	})
}

// CompleteWork finishes a processing item, storing the agent's result.
// With cascading true the item parks in cascading until FinishCascade.
func (s *Store) CompleteWork(ctx context.Context, id, workerID string, result *types.WorkResult, cascading bool) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		now := time.Now()
		w, err := holderTx(ctx, tx, id, workerID, now)
		if err != nil {
			return err
		}
		if w.State != types.WorkProcessing {
			return fmt.Errorf("work %s is %s: %w", id, w.State, storage.ErrInvalidTransition)
		}
		state := types.WorkCompleted
		if cascading {
			state = types.WorkCascading
		}
		res, err := encodeJSON(result)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE work_items
			SET state = $2, result = $3, claimed_by = '', lease_expires_at = NULL, updated_at = $4
			WHERE id = $1`, id, state, res, now)
		return err
	})
}

// FinishCascade closes out a cascading item once its children drained.
func (s *Store) FinishCascade(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		w, err := scanWork(tx.QueryRow(ctx,
			`SELECT `+workColumns+` FROM work_items WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("work %s: %w", id, storage.ErrNotFound)
			}
			return fmt.Errorf("load work %s: %w", id, err)
		}
		if w.State != types.WorkCascading {
			return fmt.Errorf("work %s is %s: %w", id, w.State, storage.ErrInvalidTransition)
		}
		_, err = tx.Exec(ctx,
			`UPDATE work_items SET state = $2, updated_at = now() WHERE id = $1`,
			id, types.WorkCompleted)
		return err
	})
}

// FailWork records a failure. With retry true the item returns to pending
// keeping its attempt count; otherwise it lands in failed for inspection.
func (s *Store) FailWork(ctx context.Context, id, workerID, reason string, retry bool) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		w, err := scanWork(tx.QueryRow(ctx,
			`SELECT `+workColumns+` FROM work_items WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("work %s: %w", id, storage.ErrNotFound)
			}
			return fmt.Errorf("load work %s: %w", id, err)
		}
		if w.ClaimedBy != workerID {
			return fmt.Errorf("work %s claimed by %q: %w", id, w.ClaimedBy, storage.ErrNotClaimHolder)
		}
		switch w.State {
		case types.WorkClaimed, types.WorkProcessing, types.WorkCascading:
		default:
			return fmt.Errorf("work %s is %s: %w", id, w.State, storage.ErrInvalidTransition)
		}
		state := types.WorkFailed
		if retry {
			state = types.WorkPending
		}
		_, err = tx.Exec(ctx, `
			UPDATE work_items
			SET state = $2, last_error = $3, claimed_by = '', lease_expires_at = NULL, updated_at = now()
			WHERE id = $1`, id, state, reason)
		return err
	})
}

// ReapExpiredLeases returns lapsed claimed and processing items to
// pending. Attempts are kept; the claim cost was already paid.
func (s *Store) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET state = 'pending', claimed_by = '', lease_expires_at = NULL, updated_at = $1
		WHERE state IN ('claimed', 'processing')
		  AND lease_expires_at IS NOT NULL AND lease_expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("reap leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetWork fetches a work item by ID.
func (s *Store) GetWork(ctx context.Context, id string) (*types.WorkItem, error) {
	w, err := scanWork(s.pool.QueryRow(ctx,
		`SELECT `+workColumns+` FROM work_items WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "work", id)
	}
	return w, nil
}

// ListWork returns work items matching the filter, oldest first.
func (s *Store) ListWork(ctx context.Context, filter types.WorkFilter) ([]*types.WorkItem, error) {
	q := `SELECT ` + workColumns + ` FROM work_items WHERE true`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		q += fmt.Sprintf(clause, len(args))
	}
	if filter.WorkspaceID != nil {
		add(` AND workspace_id = $%d`, *filter.WorkspaceID)
	}
	if filter.BasketID != nil {
		add(` AND basket_id = $%d`, *filter.BasketID)
	}
	if filter.State != nil {
		add(` AND state = $%d`, *filter.State)
	}
	if filter.WorkType != nil {
		add(` AND work_type = $%d`, *filter.WorkType)
	}
	if filter.ParentWorkID != nil {
		add(` AND parent_work_id = $%d`, *filter.ParentWorkID)
	}
	q += ` ORDER BY created_at`
	if filter.Limit > 0 {
		add(` LIMIT $%d`, filter.Limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list work: %w", err)
	}
	defer rows.Close()
	var out []*types.WorkItem
	for rows.Next() {
		w, err := scanWork(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// QueueStats summarizes queue contents, optionally for one workspace.
func (s *Store) QueueStats(ctx context.Context, workspaceID string) (*storage.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state, work_type, count(*), min(created_at) FILTER (WHERE state = 'pending')
		FROM work_items
		WHERE $1 = '' OR workspace_id = $1
		GROUP BY state, work_type`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	stats := &storage.QueueStats{
		ByState: make(map[types.WorkState]int),
		ByType:  make(map[types.WorkType]int),
	}
	for rows.Next() {
		var state types.WorkState
		var workType types.WorkType
		var n int
		var oldest *time.Time
		if err := rows.Scan(&state, &workType, &n, &oldest); err != nil {
			return nil, err
		}
		stats.ByState[state] += n
		stats.ByType[workType] += n
		if oldest != nil && (stats.Oldest == nil || oldest.Before(*stats.Oldest)) {
			stats.Oldest = oldest
		}
	}
	return stats, rows.Err()
}
