package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/loamlabs/loam/internal/basketctx"
	"github.com/loamlabs/loam/internal/orchestrator"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// Client talks to a running daemon over its unix socket. A client holds
// one connection and serializes calls on it; watches open their own.
type Client struct {
	mu         sync.Mutex
	conn       net.Conn
	reader     *bufio.Scanner
	socketPath string
	timeout    time.Duration
	actor      string
}

// CallError is a failed operation as the server reported it.
type CallError struct {
	Op      string
	Code    string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Code)
}

// Dial connects to the daemon socket.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial daemon at %s: %w", socketPath, err)
	}
	return newClient(conn, socketPath, timeout), nil
}

func newClient(conn net.Conn, socketPath string, timeout time.Duration) *Client {
	reader := bufio.NewScanner(conn)
	reader.Buffer(make([]byte, 64*1024), maxLine)
	return &Client{
		conn:       conn,
		reader:     reader,
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// SetActor names the caller on every subsequent request.
func (c *Client) SetActor(actor string) { c.actor = actor }

// Close releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Execute runs one operation and decodes its result into out, which may
// be nil when the caller only cares about success.
func (c *Client) Execute(op string, args any, out any) error {
	return c.execute(op, args, "", out)
}

// ExecuteIdempotent runs one operation carrying a request ID the server
// uses for replay detection.
func (c *Client) ExecuteIdempotent(op string, args any, requestID string, out any) error {
	return c.execute(op, args, requestID, out)
}

func (c *Client) execute(op string, args any, requestID string, out any) error {
	req := Request{Operation: op, Actor: c.actor, RequestID: requestID}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode %s args: %w", op, err)
		}
		req.Args = raw
	}
	payload, err := json.Marshal(&req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("%s: client is closed", op)
	}
	deadline := time.Now().Add(c.timeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%s: set deadline: %w", op, err)
	}
	if _, err := c.conn.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("%s: write: %w", op, err)
	}
	if !c.reader.Scan() {
		if err := c.reader.Err(); err != nil {
			return fmt.Errorf("%s: read: %w", op, err)
		}
		return fmt.Errorf("%s: connection closed", op)
	}

	var resp Response
	if err := json.Unmarshal(c.reader.Bytes(), &resp); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	if !resp.Success {
		return &CallError{Op: op, Code: resp.Code, Message: resp.Error}
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", op, err)
		}
	}
	return nil
}

// Ping checks the daemon is alive.
func (c *Client) Ping() error {
	return c.Execute(OpPing, nil, nil)
}

// Status reports daemon version, uptime, and queue shape.
func (c *Client) Status() (*StatusResult, error) {
	var out StatusResult
	if err := c.Execute(OpStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown() error {
	return c.Execute(OpShutdown, nil, nil)
}

// Capture ingests one raw dump.
func (c *Client) Capture(args *CaptureArgs, requestID string) (*CaptureResult, error) {
	var out CaptureResult
	if err := c.ExecuteIdempotent(OpCapture, args, requestID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitProposal runs a proposal through governance.
func (c *Client) SubmitProposal(p *types.Proposal, requestID string) (*types.Proposal, error) {
	var out types.Proposal
	if err := c.ExecuteIdempotent(OpProposalSubmit, &ProposalSubmitArgs{Proposal: p}, requestID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProposal fetches one proposal.
func (c *Client) GetProposal(id string) (*types.Proposal, error) {
	var out types.Proposal
	if err := c.Execute(OpProposalGet, &ProposalGetArgs{ID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DecideProposal approves or rejects a proposal held for review.
func (c *Client) DecideProposal(id string, approve bool, reason string) (*types.Proposal, error) {
	var out types.Proposal
	if err := c.Execute(OpProposalDecide, &ProposalDecideArgs{ID: id, Approve: approve, Reason: reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RetryProposal resubmits a failed proposal's ops as a fresh proposal
// and returns the retry.
func (c *Client) RetryProposal(id string) (*types.Proposal, error) {
	var out types.Proposal
	if err := c.Execute(OpProposalRetry, &ProposalRetryArgs{ID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reviews lists proposals waiting on a decision.
func (c *Client) Reviews(basketID string) ([]*types.Proposal, error) {
	var out []*types.Proposal
	if err := c.Execute(OpReviews, &ReviewsArgs{BasketID: basketID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ShowBlock fetches one block.
func (c *Client) ShowBlock(id string) (*types.Block, error) {
	var out types.Block
	if err := c.Execute(OpBlockShow, &BlockArgs{ID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBlocks lists a basket's blocks.
func (c *Client) ListBlocks(basketID string, filter types.BlockFilter) ([]*types.Block, error) {
	var out []*types.Block
	if err := c.Execute(OpBlockList, &BlockListArgs{BasketID: basketID, Filter: filter}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MoveBlock applies one lifecycle operation (block_accept, block_lock,
// block_unlock, block_constant, block_reject, block_supersede).
func (c *Client) MoveBlock(op, id, reason string) (*types.Block, error) {
	var out types.Block
	if err := c.Execute(op, &BlockArgs{ID: id, Reason: reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateBlock rewrites a block's content through governance; the
// returned work item tracks the governed edit.
func (c *Client) UpdateBlock(id, content, requestID string) (*types.WorkItem, error) {
	var out types.WorkItem
	if err := c.ExecuteIdempotent(OpBlockUpdate, &BlockUpdateArgs{ID: id, Content: content}, requestID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BlockRevisions pages a block's revision history.
func (c *Client) BlockRevisions(id string, limit int) ([]*types.Revision, error) {
	var out []*types.Revision
	if err := c.Execute(OpBlockRevisions, &BlockRevisionsArgs{ID: id, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EnsureWorkspace creates a workspace or refreshes its name.
func (c *Client) EnsureWorkspace(id, name string) (*types.Workspace, error) {
	var out types.Workspace
	if err := c.Execute(OpWorkspaceEnsure, &WorkspaceEnsureArgs{ID: id, Name: name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateBasket opens a basket.
func (c *Client) CreateBasket(workspaceID, name string) (*types.Basket, error) {
	var out types.Basket
	if err := c.Execute(OpBasketCreate, &BasketCreateArgs{WorkspaceID: workspaceID, Name: name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBasket fetches one basket.
func (c *Client) GetBasket(id string) (*types.Basket, error) {
	var out types.Basket
	if err := c.Execute(OpBasketGet, &BasketArgs{ID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBaskets lists a workspace's baskets.
func (c *Client) ListBaskets(workspaceID string) ([]*types.Basket, error) {
	var out []*types.Basket
	if err := c.Execute(OpBasketList, &BasketListArgs{WorkspaceID: workspaceID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ArchiveBasket retires a basket.
func (c *Client) ArchiveBasket(id string) error {
	return c.Execute(OpBasketArchive, &BasketArgs{ID: id}, nil)
}

// BasketContext fetches the basket's working context snapshot.
func (c *Client) BasketContext(id string) (*basketctx.Snapshot, error) {
	var out basketctx.Snapshot
	if err := c.Execute(OpBasketContext, &BasketArgs{ID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Compose requests document composition on a basket.
func (c *Client) Compose(args *ComposeArgs) (*types.Event, error) {
	var out types.Event
	if err := c.Execute(OpCompose, args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Restore queues an event replay from a cursor.
func (c *Client) Restore(basketID string, sinceEventID int64) (*types.WorkItem, error) {
	var out types.WorkItem
	if err := c.Execute(OpRestore, &RestoreArgs{BasketID: basketID, SinceEventID: sinceEventID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WorkStatus reports one work item's progress.
func (c *Client) WorkStatus(id string) (*orchestrator.WorkStatus, error) {
	var out orchestrator.WorkStatus
	if err := c.Execute(OpWorkStatus, &WorkStatusArgs{ID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWork filters the work queue.
func (c *Client) ListWork(filter types.WorkFilter) ([]*types.WorkItem, error) {
	var out []*types.WorkItem
	if err := c.Execute(OpWorkList, &WorkListArgs{Filter: filter}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// QueueStats summarizes the work queue.
func (c *Client) QueueStats(workspaceID string) (*storage.QueueStats, error) {
	var out storage.QueueStats
	if err := c.Execute(OpQueueStats, &QueueStatsArgs{WorkspaceID: workspaceID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events pages the event log.
func (c *Client) Events(afterID int64, topics []types.Topic, limit int) ([]*types.Event, error) {
	var out []*types.Event
	if err := c.Execute(OpEvents, &EventsArgs{AfterID: afterID, Topics: topics, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetDocument fetches one composed document.
func (c *Client) GetDocument(id string) (*types.Document, error) {
	var out types.Document
	if err := c.Execute(OpDocumentGet, &DocumentArgs{ID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDocuments lists a basket's documents.
func (c *Client) ListDocuments(basketID string, staleOnly bool) ([]*types.Document, error) {
	var out []*types.Document
	if err := c.Execute(OpDocumentList, &DocumentListArgs{BasketID: basketID, StaleOnly: staleOnly}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch opens a dedicated connection and streams events until stop is
// called or the daemon goes away. The returned channel closes when the
// stream ends.
func (c *Client) Watch(topics []types.Topic, fromID int64) (<-chan *types.Event, func(), error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("dial watch: %w", err)
	}

	req := Request{Operation: OpEventsWatch, Actor: c.actor}
	raw, err := json.Marshal(&EventsWatchArgs{Topics: topics, FromID: fromID})
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("encode watch args: %w", err)
	}
	req.Args = raw
	payload, err := json.Marshal(&req)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("encode watch request: %w", err)
	}
	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		conn.Close()
		return nil, nil, err
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("write watch request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	if !scanner.Scan() {
		conn.Close()
		return nil, nil, fmt.Errorf("watch: no acknowledgment")
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("watch: decode acknowledgment: %w", err)
	}
	if !resp.Success {
		conn.Close()
		return nil, nil, &CallError{Op: OpEventsWatch, Code: resp.Code, Message: resp.Error}
	}
	// Stream indefinitely from here on.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, nil, err
	}

	events := make(chan *types.Event, 64)
	go func() {
		defer close(events)
		defer conn.Close()
		for scanner.Scan() {
			var e types.Event
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				return
			}
			events <- &e
		}
	}()
	stop := func() { conn.Close() }
	return events, stop, nil
}
