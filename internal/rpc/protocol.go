// Package rpc is the daemon's wire surface: newline-delimited JSON over
// a unix socket. One request line in, one response line out, except for
// the watch operation which streams event lines until the client hangs
// up.
package rpc

import (
	"encoding/json"

	"github.com/loamlabs/loam/internal/types"
)

// Operation names accepted by the server.
const (
	OpPing     = "ping"
	OpStatus   = "status"
	OpShutdown = "shutdown"

	OpCapture = "capture"

	OpProposalSubmit = "proposal_submit"
	OpProposalGet    = "proposal_get"
	OpProposalDecide = "proposal_decide"
	OpProposalRetry  = "proposal_retry"
	OpReviews        = "reviews"

	OpBlockShow      = "block_show"
	OpBlockList      = "block_list"
	OpBlockAccept    = "block_accept"
	OpBlockLock      = "block_lock"
	OpBlockUnlock    = "block_unlock"
	OpBlockConstant  = "block_constant"
	OpBlockReject    = "block_reject"
	OpBlockSupersede = "block_supersede"
	OpBlockUpdate    = "block_update"
	OpBlockRevisions = "block_revisions"

	OpWorkspaceEnsure = "workspace_ensure"

	OpBasketCreate  = "basket_create"
	OpBasketGet     = "basket_get"
	OpBasketList    = "basket_list"
	OpBasketArchive = "basket_archive"
	OpBasketContext = "basket_context"

	OpCompose = "compose"
	OpRestore = "restore"

	OpWorkStatus = "work_status"
	OpWorkList   = "work_list"
	OpQueueStats = "queue_stats"

	OpEvents      = "events"
	OpEventsWatch = "events_watch"

	OpDocumentGet  = "document_get"
	OpDocumentList = "document_list"
)

// Request is one client call.
type Request struct {
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Response is the server's reply. Data holds the operation result when
// Success is true; Error carries the failure text otherwise.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	// Code classifies the error for clients that branch on failure
	// kind: validation, conflict, not_found, rejected, transient, fatal.
	Code string `json:"code,omitempty"`
}

// StatusResult reports daemon health for the status operation.
type StatusResult struct {
	Version string                  `json:"version"`
	Uptime  float64                 `json:"uptime_seconds"`
	ByState map[types.WorkState]int `json:"work_by_state,omitempty"`
	ByType  map[types.WorkType]int  `json:"work_by_type,omitempty"`
}

// CaptureArgs ingests one raw dump.
type CaptureArgs struct {
	BasketID   string         `json:"basket_id"`
	Body       string         `json:"body,omitempty"`
	FileURL    string         `json:"file_url,omitempty"`
	SourceMeta map[string]any `json:"source_meta,omitempty"`
}

// CaptureResult is the capture reply. DeltaID is set on replays whose
// interpretation already committed under the same request ID.
type CaptureResult struct {
	Dump     *types.RawDump `json:"dump"`
	Replayed bool           `json:"replayed"`
	DeltaID  string         `json:"delta_id,omitempty"`
}

// ProposalSubmitArgs runs a hand-built proposal through governance.
type ProposalSubmitArgs struct {
	Proposal *types.Proposal `json:"proposal"`
}

// ProposalGetArgs fetches one proposal.
type ProposalGetArgs struct {
	ID string `json:"id"`
}

// ProposalDecideArgs applies a review decision.
type ProposalDecideArgs struct {
	ID      string `json:"id"`
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

// ProposalRetryArgs retries a failed proposal as a fresh submission.
type ProposalRetryArgs struct {
	ID string `json:"id"`
}

// ReviewsArgs lists proposals waiting on a decision.
type ReviewsArgs struct {
	BasketID string `json:"basket_id"`
}

// BlockArgs addresses one block, with an optional reason for lifecycle
// moves that record one.
type BlockArgs struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// BlockListArgs lists a basket's blocks.
type BlockListArgs struct {
	BasketID string            `json:"basket_id"`
	Filter   types.BlockFilter `json:"filter,omitempty"`
}

// BlockUpdateArgs rewrites a block's content through governance.
type BlockUpdateArgs struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// BlockRevisionsArgs pages a block's revision history.
type BlockRevisionsArgs struct {
	ID    string `json:"id"`
	Limit int    `json:"limit,omitempty"`
}

// WorkspaceEnsureArgs creates a workspace or refreshes its name.
type WorkspaceEnsureArgs struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// BasketCreateArgs opens a basket.
type BasketCreateArgs struct {
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name,omitempty"`
}

// BasketArgs addresses one basket.
type BasketArgs struct {
	ID string `json:"id"`
}

// BasketListArgs lists a workspace's baskets.
type BasketListArgs struct {
	WorkspaceID string `json:"workspace_id"`
}

// ComposeArgs requests document composition.
type ComposeArgs struct {
	BasketID    string   `json:"basket_id"`
	Title       string   `json:"title,omitempty"`
	Intent      string   `json:"intent,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

// RestoreArgs queues an event replay from a cursor.
type RestoreArgs struct {
	BasketID     string `json:"basket_id"`
	SinceEventID int64  `json:"since_event_id"`
}

// WorkStatusArgs fetches one work item's progress.
type WorkStatusArgs struct {
	ID string `json:"id"`
}

// WorkListArgs filters the work queue.
type WorkListArgs struct {
	Filter types.WorkFilter `json:"filter,omitempty"`
}

// QueueStatsArgs scopes queue stats to a workspace; empty means all.
type QueueStatsArgs struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
}

// EventsArgs pages the event log.
type EventsArgs struct {
	AfterID int64         `json:"after_id"`
	Topics  []types.Topic `json:"topics,omitempty"`
	Limit   int           `json:"limit,omitempty"`
}

// EventsWatchArgs opens an event stream. The server replies with one
// success response, then writes one event JSON object per line.
type EventsWatchArgs struct {
	Topics []types.Topic `json:"topics,omitempty"`
	FromID int64         `json:"from_id"`
}

// DocumentArgs addresses one document.
type DocumentArgs struct {
	ID string `json:"id"`
}

// DocumentListArgs lists a basket's documents.
type DocumentListArgs struct {
	BasketID  string `json:"basket_id"`
	StaleOnly bool   `json:"stale_only,omitempty"`
}
