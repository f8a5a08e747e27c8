// Package postgres implements storage.Store on PostgreSQL through pgx.
// Compound operations run in one transaction; per-basket commit ordering
// rides on pg_advisory_xact_lock, and insert notices fan out through
// LISTEN/NOTIFY on the loam_events channel.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/loamlabs/loam/internal/config"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/storage/factory"
	"github.com/loamlabs/loam/internal/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// noticeChannel is the NOTIFY channel carrying storage.Notice JSON.
const noticeChannel = "loam_events"

func init() {
	factory.RegisterBackend("postgres", func(ctx context.Context, cfg config.Store) (storage.Store, error) {
		return Open(ctx, cfg)
	})
}

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool

	subMu  sync.Mutex
	subs   []chan storage.Notice
	closed bool

	listenCtx    context.Context
	listenCancel context.CancelFunc
	listenDone   chan struct{}
}

// Open connects, optionally migrates, and starts the notification
// listener.
func Open(ctx context.Context, cfg config.Store) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: postgres backend requires a DSN", types.ErrValidation)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool, listenDone: make(chan struct{})}
	if cfg.Migrate {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	s.listenCtx, s.listenCancel = context.WithCancel(context.Background())
	go s.runListener()
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close stops the listener and releases the pool.
func (s *Store) Close() error {
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		return nil
	}
	s.closed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.subMu.Unlock()

	s.listenCancel()
	<-s.listenDone
	s.pool.Close()
	return nil
}

// Listen returns a channel of insert notices. The channel is buffered;
// notices are dropped when the consumer lags, which the redelivery sweep
// compensates for.
func (s *Store) Listen(_ context.Context) (<-chan storage.Notice, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	ch := make(chan storage.Notice, 64)
	s.subs = append(s.subs, ch)
	return ch, nil
}

func (s *Store) fanout(n storage.Notice) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// runListener holds one connection on LISTEN and fans notifications out
// to subscribers. A dropped connection reconnects with a short pause;
// anything missed in between is picked up by the redelivery sweep.
func (s *Store) runListener() {
	defer close(s.listenDone)
	for {
		if s.listenCtx.Err() != nil {
			return
		}
		if err := s.listenOnce(); err != nil && s.listenCtx.Err() == nil {
			select {
			case <-time.After(time.Second):
			case <-s.listenCtx.Done():
				return
			}
		}
	}
}

func (s *Store) listenOnce() error {
	conn, err := s.pool.Acquire(s.listenCtx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(s.listenCtx, "LISTEN "+noticeChannel); err != nil {
		return err
	}
	for {
		notification, err := conn.Conn().WaitForNotification(s.listenCtx)
		if err != nil {
			return err
		}
		var n storage.Notice
		if err := json.Unmarshal([]byte(notification.Payload), &n); err != nil {
			continue
		}
		s.fanout(n)
	}
}

func newID() string {
	return uuid.NewString()
}

// withTx runs fn in a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// insertEventTx appends an event inside the caller's transaction and
// queues the NOTIFY, which fires when the transaction commits.
func insertEventTx(ctx context.Context, tx pgx.Tx, e *types.Event) (*types.Event, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	stored := *e
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO events (topic, basket_id, workspace_id, actor, payload, origin_event, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		stored.Topic, stored.BasketID, stored.WorkspaceID, stored.Actor,
		rawJSON(stored.Payload), stored.OriginEvent, stored.CreatedAt,
	).Scan(&stored.ID)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	notice, err := json.Marshal(storage.Notice{
		EventID:     stored.ID,
		Topic:       stored.Topic,
		BasketID:    stored.BasketID,
		WorkspaceID: stored.WorkspaceID,
	})
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", noticeChannel, string(notice)); err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	return &stored, nil
}

// emitTx builds and inserts an event inside the caller's transaction.
func emitTx(ctx context.Context, tx pgx.Tx, topic types.Topic, workspaceID, basketID, actor string, payload any) (*types.Event, error) {
	e, err := types.NewEvent(topic, workspaceID, basketID, actor, payload)
	if err != nil {
		return nil, err
	}
	return insertEventTx(ctx, tx, e)
}

// JSON column helpers. Empty values store as NULL so rows stay sparse.

func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode json column: %v", types.ErrValidation, err)
	}
	return b, nil
}

func decodeJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func rawJSON(m json.RawMessage) []byte {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}

// notFound wraps storage.ErrNotFound when pgx reports an empty result.
func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, storage.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}
