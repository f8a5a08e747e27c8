// Package storage defines the persistence interface for the loam pipeline.
//
// Concrete implementations live in the postgres and memory sub-packages.
// This package holds the interface, sentinel errors, and the compound
// request/result types shared by implementations and consumers.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/loamlabs/loam/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrNoWork is returned by ClaimWork when nothing claimable is pending.
var ErrNoWork = errors.New("no claimable work")

// ErrNotClaimHolder is returned when a worker touches a work item whose
// lease belongs to someone else or already lapsed.
var ErrNotClaimHolder = errors.New("not the claim holder")

// ErrInvalidTransition is returned when a requested state change is not
// legal from the entity's current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrStaleState is returned when a compare-and-set transition loses the
// race: the entity moved to another state first.
var ErrStaleState = errors.New("state changed concurrently")

// ErrWorkspaceMismatch is returned when an operation references entities
// from a different workspace.
var ErrWorkspaceMismatch = errors.New("workspace mismatch")

// Notice is the lightweight wakeup sent on the notification channel when
// an event is inserted. Consumers fetch full rows through EventsAfter;
// notices may be dropped, the redelivery sweep covers the gap.
type Notice struct {
	EventID     int64       `json:"event_id"`
	Topic       types.Topic `json:"topic"`
	BasketID    string      `json:"basket_id,omitempty"`
	WorkspaceID string      `json:"workspace_id"`
}

// ClaimRequest asks for the next claimable work item.
type ClaimRequest struct {
	WorkerID string
	Types    []types.WorkType
	Lease    time.Duration
	// WorkspaceCap bounds concurrently claimed or processing items per
	// workspace. Zero means unlimited.
	WorkspaceCap int
	// WorkID, when set, claims exactly that pending item. Used to
	// service review items for a specific proposal.
	WorkID string
}

// CaptureRequest atomically persists a dump, reserves its request ID, and
// emits dump.created.
type CaptureRequest struct {
	Dump      *types.RawDump
	RequestID string
	Actor     string
}

// CaptureResult reports what capture did. Replayed is true when the
// request ID was already reserved; Dump then points at the original.
type CaptureResult struct {
	Dump     *types.RawDump
	Record   *types.IdempotencyRecord
	Replayed bool
}

// CommitRequest applies an APPROVED proposal to the substrate.
type CommitRequest struct {
	ProposalID string
	Actor      string
	// RequestID, when set, binds the resulting delta to the idempotency
	// record so replays of the originating call return this delta.
	RequestID string
}

// CommitResult is the outcome of a successful commit.
type CommitResult struct {
	Proposal *types.Proposal
	Delta    *types.Delta
	// StaleDocuments lists documents flagged for recomposition because
	// they reference blocks this commit touched.
	StaleDocuments []string
}

// ProposalTransition moves a proposal between non-commit states with
// compare-and-set semantics on From.
type ProposalTransition struct {
	ProposalID string
	From       types.ProposalState
	To         types.ProposalState
	Report     *types.ValidationReport
	Reason     string
	Actor      string
}

// BlockAction is a human lifecycle decision on a block: accept, lock,
// promote to constant, reject, or unlock back to accepted.
type BlockAction struct {
	BlockID string
	To      types.BlockState
	Actor   string
	Reason  string
}

// QueueStats summarizes the work queue for status surfaces.
type QueueStats struct {
	ByState map[types.WorkState]int `json:"by_state"`
	ByType  map[types.WorkType]int  `json:"by_type"`
	Oldest  *time.Time              `json:"oldest_pending,omitempty"`
}

// Store is the persistence interface satisfied by *postgres.Store and
// *memory.Store. Compound methods are atomic: every step inside them
// happens in one transaction under the basket's governance lock.
type Store interface {
	// Workspaces and baskets
	EnsureWorkspace(ctx context.Context, ws *types.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*types.Workspace, error)
	CreateBasket(ctx context.Context, basket *types.Basket) error
	GetBasket(ctx context.Context, id string) (*types.Basket, error)
	ListBaskets(ctx context.Context, workspaceID string) ([]*types.Basket, error)
	SetBasketStatus(ctx context.Context, id string, status types.BasketStatus) error

	// Capture
	CaptureDump(ctx context.Context, req CaptureRequest) (*CaptureResult, error)
	GetDump(ctx context.Context, id string) (*types.RawDump, error)
	ListDumps(ctx context.Context, basketID string, limit int) ([]*types.RawDump, error)

	// Substrate reads
	GetBlock(ctx context.Context, id string) (*types.Block, error)
	ListBlocks(ctx context.Context, basketID string, filter types.BlockFilter) ([]*types.Block, error)
	GetContextItem(ctx context.Context, id string) (*types.ContextItem, error)
	ListContextItems(ctx context.Context, basketID string) ([]*types.ContextItem, error)
	ListRelationships(ctx context.Context, basketID string) ([]*types.Relationship, error)
	ListRevisions(ctx context.Context, blockID string, limit int) ([]*types.Revision, error)

	// Block lifecycle (human decisions, outside proposals)
	ApplyBlockAction(ctx context.Context, action BlockAction) (*types.Block, error)

	// Proposals and governance
	CreateProposal(ctx context.Context, p *types.Proposal, requestID string) (*types.Proposal, error)
	GetProposal(ctx context.Context, id string) (*types.Proposal, error)
	ListProposals(ctx context.Context, basketID string, filter types.ProposalFilter) ([]*types.Proposal, error)
	TransitionProposal(ctx context.Context, tr ProposalTransition) (*types.Proposal, error)
	CommitProposal(ctx context.Context, req CommitRequest) (*CommitResult, error)

	// Deltas and idempotency
	GetDelta(ctx context.Context, id string) (*types.Delta, error)
	ListDeltas(ctx context.Context, basketID string, limit int) ([]*types.Delta, error)
	GetIdempotencyRecord(ctx context.Context, requestID string) (*types.IdempotencyRecord, error)

	// Event bus persistence
	InsertEvent(ctx context.Context, event *types.Event) (*types.Event, error)
	EventsAfter(ctx context.Context, afterID int64, topics []types.Topic, limit int) ([]*types.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
	MarkEventsDelivered(ctx context.Context, ids []int64) error
	UndeliveredEventsBefore(ctx context.Context, olderThan time.Time, limit int) ([]*types.Event, error)
	Listen(ctx context.Context) (<-chan Notice, error)

	// Work queue
	EnqueueWork(ctx context.Context, item *types.WorkItem) (*types.WorkItem, error)
	ClaimWork(ctx context.Context, req ClaimRequest) (*types.WorkItem, error)
	StartWork(ctx context.Context, id, workerID string) error
	HeartbeatWork(ctx context.Context, id, workerID string, extend time.Duration) error
	CompleteWork(ctx context.Context, id, workerID string, result *types.WorkResult, cascading bool) error
	FinishCascade(ctx context.Context, id string) error
	FailWork(ctx context.Context, id, workerID, reason string, retry bool) error
	ReapExpiredLeases(ctx context.Context, now time.Time) (int, error)
	GetWork(ctx context.Context, id string) (*types.WorkItem, error)
	ListWork(ctx context.Context, filter types.WorkFilter) ([]*types.WorkItem, error)
	QueueStats(ctx context.Context, workspaceID string) (*QueueStats, error)

	// Reflections
	InsertReflection(ctx context.Context, r *types.Reflection) error
	LatestReflection(ctx context.Context, basketID, kind string) (*types.Reflection, error)
	ListReflections(ctx context.Context, basketID string, limit int) ([]*types.Reflection, error)

	// Documents
	UpsertDocument(ctx context.Context, d *types.Document) error
	GetDocument(ctx context.Context, id string) (*types.Document, error)
	ListDocuments(ctx context.Context, basketID string, staleOnly bool) ([]*types.Document, error)

	// Basket policies
	SetBasketPolicy(ctx context.Context, basketID string, policy *types.Policy) error
	GetBasketPolicy(ctx context.Context, basketID string) (*types.Policy, error)

	// Embeddings
	UpsertEmbedding(ctx context.Context, e *types.Embedding) error
	ListEmbeddings(ctx context.Context, basketID string, kind types.RefKind) ([]*types.Embedding, error)

	// Lifecycle
	Close() error
}
