package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// CaptureDump persists a raw dump, reserves the request ID, and emits
// dump.created, all in one transaction. A replayed request ID returns the
// original dump without touching anything.
func (s *Store) CaptureDump(ctx context.Context, req storage.CaptureRequest) (*storage.CaptureResult, error) {
	if req.Dump == nil {
		return nil, fmt.Errorf("%w: capture requires a dump", types.ErrValidation)
	}

	var result *storage.CaptureResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if req.RequestID != "" {
			rec, err := getIdempotencyTx(ctx, tx, req.RequestID)
			if err == nil {
				dump, err := getDumpTx(ctx, tx, rec.DumpID)
				if err != nil {
					return fmt.Errorf("%w: request %s recorded but dump %s missing", types.ErrFatal, req.RequestID, rec.DumpID)
				}
				result = &storage.CaptureResult{Dump: dump, Record: rec, Replayed: true}
				return nil
			}
		}

		basket, err := getBasketTx(ctx, tx, req.Dump.BasketID)
		if err != nil {
			return err
		}
		if basket.WorkspaceID != req.Dump.WorkspaceID {
			return fmt.Errorf("dump %s: %w", req.Dump.ID, storage.ErrWorkspaceMismatch)
		}

		dump := *req.Dump
		if dump.ID == "" {
			dump.ID = newID()
		}
		if dump.CreatedAt.IsZero() {
			dump.CreatedAt = time.Now()
		}
		if err := dump.Validate(); err != nil {
			return fmt.Errorf("%w: %v", types.ErrValidation, err)
		}
		meta, err := encodeJSON(dump.SourceMeta)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO dumps (id, basket_id, workspace_id, body, file_url, source_meta, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			dump.ID, dump.BasketID, dump.WorkspaceID, dump.Body, dump.FileURL, meta, dump.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert dump %s: %w", dump.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("dump %s: %w", dump.ID, types.ErrConflict)
		}

		var record *types.IdempotencyRecord
		if req.RequestID != "" {
			record = &types.IdempotencyRecord{
				RequestID: req.RequestID,
				DumpID:    dump.ID,
				CreatedAt: time.Now(),
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO idempotency (request_id, dump_id, created_at) VALUES ($1, $2, $3)`,
				record.RequestID, record.DumpID, record.CreatedAt); err != nil {
				return fmt.Errorf("reserve request %s: %w", req.RequestID, err)
			}
		}

		if _, err := emitTx(ctx, tx, types.TopicDumpCreated, dump.WorkspaceID, dump.BasketID, req.Actor,
			types.DumpCreatedPayload{DumpID: dump.ID, RequestID: req.RequestID}); err != nil {
			return err
		}

		result = &storage.CaptureResult{Dump: &dump, Record: record}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

const dumpColumns = "id, basket_id, workspace_id, body, file_url, source_meta, created_at"

func scanDump(row rowScanner) (*types.RawDump, error) {
	var d types.RawDump
	var meta []byte
	err := row.Scan(&d.ID, &d.BasketID, &d.WorkspaceID, &d.Body, &d.FileURL, &meta, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(meta, &d.SourceMeta); err != nil {
		return nil, fmt.Errorf("decode dump %s meta: %w", d.ID, err)
	}
	return &d, nil
}

func getDumpTx(ctx context.Context, tx pgx.Tx, id string) (*types.RawDump, error) {
	d, err := scanDump(tx.QueryRow(ctx, `SELECT `+dumpColumns+` FROM dumps WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "dump", id)
	}
	return d, nil
}

func getBasketTx(ctx context.Context, tx pgx.Tx, id string) (*types.Basket, error) {
	b, err := scanBasket(tx.QueryRow(ctx, `SELECT `+basketColumns+` FROM baskets WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "basket", id)
	}
	return b, nil
}

// GetDump fetches a dump by ID.
func (s *Store) GetDump(ctx context.Context, id string) (*types.RawDump, error) {
	d, err := scanDump(s.pool.QueryRow(ctx, `SELECT `+dumpColumns+` FROM dumps WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "dump", id)
	}
	return d, nil
}

// ListDumps returns a basket's dumps, newest first.
func (s *Store) ListDumps(ctx context.Context, basketID string, limit int) ([]*types.RawDump, error) {
	q := `SELECT ` + dumpColumns + ` FROM dumps WHERE basket_id = $1 ORDER BY created_at DESC`
	args := []any{basketID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dumps: %w", err)
	}
	defer rows.Close()
	var out []*types.RawDump
	for rows.Next() {
		d, err := scanDump(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const idempotencyColumns = "request_id, dump_id, proposal_id, delta_id, created_at"

func scanIdempotency(row rowScanner) (*types.IdempotencyRecord, error) {
	var r types.IdempotencyRecord
	err := row.Scan(&r.RequestID, &r.DumpID, &r.ProposalID, &r.DeltaID, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func getIdempotencyTx(ctx context.Context, tx pgx.Tx, requestID string) (*types.IdempotencyRecord, error) {
	r, err := scanIdempotency(tx.QueryRow(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency WHERE request_id = $1`, requestID))
	if err != nil {
		return nil, notFound(err, "request", requestID)
	}
	return r, nil
}

// GetIdempotencyRecord fetches the record for a request ID.
func (s *Store) GetIdempotencyRecord(ctx context.Context, requestID string) (*types.IdempotencyRecord, error) {
	r, err := scanIdempotency(s.pool.QueryRow(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency WHERE request_id = $1`, requestID))
	if err != nil {
		return nil, notFound(err, "request", requestID)
	}
	return r, nil
}
