package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/loamlabs/loam/internal/orchestrator"
	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// maxLine bounds one request or response line. Dumps ride inside
// requests, so this is generous.
const maxLine = 8 << 20

// requestTimeout bounds one non-streaming operation.
const requestTimeout = 30 * time.Second

type handlerFunc func(ctx context.Context, req *Request) *Response

// Server serves the daemon's operations over a unix socket.
type Server struct {
	orch     *orchestrator.Orchestrator
	sockPath string
	version  string
	log      *slog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	shutdown bool
	started  time.Time
	handlers map[string]handlerFunc

	// OnShutdown, when set, is called after a shutdown request is
	// acknowledged. The daemon uses it to stop the pipeline.
	OnShutdown func()
}

// NewServer wires a server over the orchestrator.
func NewServer(orch *orchestrator.Orchestrator, sockPath, version string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		orch:     orch,
		sockPath: sockPath,
		version:  version,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.initHandlers()
	return s
}

func (s *Server) initHandlers() {
	s.handlers = map[string]handlerFunc{
		OpPing:     s.handlePing,
		OpStatus:   s.handleStatus,
		OpShutdown: s.handleShutdown,

		OpCapture: s.handleCapture,

		OpProposalSubmit: s.handleProposalSubmit,
		OpProposalGet:    s.handleProposalGet,
		OpProposalDecide: s.handleProposalDecide,
		OpProposalRetry:  s.handleProposalRetry,
		OpReviews:        s.handleReviews,

		OpBlockShow:      s.handleBlockShow,
		OpBlockList:      s.handleBlockList,
		OpBlockAccept:    s.blockLifecycle(s.orch.AcceptBlock),
		OpBlockLock:      s.blockLifecycle(s.orch.LockBlock),
		OpBlockUnlock:    s.blockLifecycle(s.orch.UnlockBlock),
		OpBlockConstant:  s.blockLifecycle(s.orch.MarkConstant),
		OpBlockReject:    s.blockLifecycleReason(s.orch.RejectBlock),
		OpBlockSupersede: s.blockLifecycleReason(s.orch.SupersedeBlock),
		OpBlockUpdate:    s.handleBlockUpdate,
		OpBlockRevisions: s.handleBlockRevisions,

		OpWorkspaceEnsure: s.handleWorkspaceEnsure,

		OpBasketCreate:  s.handleBasketCreate,
		OpBasketGet:     s.handleBasketGet,
		OpBasketList:    s.handleBasketList,
		OpBasketArchive: s.handleBasketArchive,
		OpBasketContext: s.handleBasketContext,

		OpCompose: s.handleCompose,
		OpRestore: s.handleRestore,

		OpWorkStatus: s.handleWorkStatus,
		OpWorkList:   s.handleWorkList,
		OpQueueStats: s.handleQueueStats,

		OpEvents: s.handleEvents,

		OpDocumentGet:  s.handleDocumentGet,
		OpDocumentList: s.handleDocumentList,
	}
}

// Start listens on the socket and serves until Stop.
func (s *Server) Start() error {
	if err := os.Remove(s.sockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.sockPath, err)
	}
	if err := os.Chmod(s.sockPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	s.listener = listener
	s.started = time.Now()

	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info("rpc listening", "socket", s.sockPath)
	return nil
}

// Stop closes the listener, waits for in-flight connections, and removes
// the socket.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	if err := os.Remove(s.sockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Warn("accept failed", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(writer, fail(fmt.Errorf("%w: malformed request: %v", types.ErrValidation, err)))
			continue
		}

		// The watch operation takes the connection over for streaming.
		if req.Operation == OpEventsWatch {
			s.streamEvents(conn, writer, &req)
			return
		}

		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		resp := s.dispatch(ctx, &req)
		cancel()
		if !s.writeResponse(writer, resp) {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	handler, ok := s.handlers[req.Operation]
	if !ok {
		return fail(fmt.Errorf("%w: unknown operation %q", types.ErrValidation, req.Operation))
	}
	return handler(ctx, req)
}

func (s *Server) writeResponse(writer *bufio.Writer, resp *Response) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("response marshal failed", "error", err)
		data = []byte(`{"success":false,"error":"internal encoding failure","code":"fatal"}`)
	}
	if _, err := writer.Write(append(data, '\n')); err != nil {
		return false
	}
	return writer.Flush() == nil
}

// streamEvents acknowledges the watch, then writes one event per line
// until the subscription or the connection dies.
func (s *Server) streamEvents(conn net.Conn, writer *bufio.Writer, req *Request) {
	var args EventsWatchArgs
	if err := decodeArgs(req, &args); err != nil {
		s.writeResponse(writer, fail(err))
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	sub, err := s.orch.Subscribe(ctx, args.Topics, args.FromID)
	if err != nil {
		s.writeResponse(writer, fail(err))
		return
	}
	if !s.writeResponse(writer, ok(nil)) {
		return
	}

	// A reader goroutine notices the client hanging up; watch clients
	// never send a second line.
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				cancel()
				return
			}
		}
	}()

	enc := json.NewEncoder(writer)
	for {
		select {
		case <-ctx.Done():
			return
		case e, open := <-sub.C:
			if !open {
				return
			}
			if err := enc.Encode(e); err != nil {
				return
			}
			if err := writer.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) handlePing(_ context.Context, _ *Request) *Response {
	return ok(map[string]string{"pong": s.version})
}

func (s *Server) handleStatus(ctx context.Context, _ *Request) *Response {
	stats, err := s.orch.QueueStats(ctx, "")
	if err != nil {
		return fail(err)
	}
	return ok(&StatusResult{
		Version: s.version,
		Uptime:  time.Since(s.started).Seconds(),
		ByState: stats.ByState,
		ByType:  stats.ByType,
	})
}

func (s *Server) handleShutdown(_ context.Context, _ *Request) *Response {
	if s.OnShutdown != nil {
		go s.OnShutdown()
	}
	return ok(nil)
}

func (s *Server) handleCapture(ctx context.Context, req *Request) *Response {
	var args CaptureArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	receipt, err := s.orch.CaptureDump(ctx, orchestrator.CaptureInput{
		BasketID:   args.BasketID,
		Body:       args.Body,
		FileURL:    args.FileURL,
		SourceMeta: args.SourceMeta,
		RequestID:  req.RequestID,
		Actor:      req.Actor,
	})
	if err != nil {
		return fail(err)
	}
	return ok(&CaptureResult{Dump: receipt.Dump, Replayed: receipt.Replayed, DeltaID: receipt.DeltaID})
}

func (s *Server) handleProposalSubmit(ctx context.Context, req *Request) *Response {
	var args ProposalSubmitArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	if args.Proposal == nil {
		return fail(fmt.Errorf("%w: proposal is required", types.ErrValidation))
	}
	p, err := s.orch.SubmitProposal(ctx, args.Proposal, req.RequestID)
	if err != nil {
		return fail(err)
	}
	return ok(p)
}

func (s *Server) handleProposalGet(ctx context.Context, req *Request) *Response {
	var args ProposalGetArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	p, err := s.orch.GetProposal(ctx, args.ID)
	if err != nil {
		return fail(err)
	}
	return ok(p)
}

func (s *Server) handleProposalDecide(ctx context.Context, req *Request) *Response {
	var args ProposalDecideArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	p, err := s.orch.DecideProposal(ctx, args.ID, args.Approve, req.Actor, args.Reason)
	if err != nil {
		return fail(err)
	}
	return ok(p)
}

func (s *Server) handleProposalRetry(ctx context.Context, req *Request) *Response {
	var args ProposalRetryArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	p, err := s.orch.RetryProposal(ctx, args.ID, req.Actor)
	if err != nil {
		return fail(err)
	}
	return ok(p)
}

func (s *Server) handleReviews(ctx context.Context, req *Request) *Response {
	var args ReviewsArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	reviews, err := s.orch.PendingReviews(ctx, args.BasketID)
	if err != nil {
		return fail(err)
	}
	return ok(reviews)
}

func (s *Server) handleBlockShow(ctx context.Context, req *Request) *Response {
	var args BlockArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	block, err := s.orch.GetBlock(ctx, args.ID)
	if err != nil {
		return fail(err)
	}
	return ok(block)
}

func (s *Server) handleBlockList(ctx context.Context, req *Request) *Response {
	var args BlockListArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	blocks, err := s.orch.ListBlocks(ctx, args.BasketID, args.Filter)
	if err != nil {
		return fail(err)
	}
	return ok(blocks)
}

func (s *Server) blockLifecycle(move func(context.Context, string, string) (*types.Block, error)) handlerFunc {
	return func(ctx context.Context, req *Request) *Response {
		var args BlockArgs
		if err := decodeArgs(req, &args); err != nil {
			return fail(err)
		}
		block, err := move(ctx, args.ID, req.Actor)
		if err != nil {
			return fail(err)
		}
		return ok(block)
	}
}

func (s *Server) blockLifecycleReason(move func(context.Context, string, string, string) (*types.Block, error)) handlerFunc {
	return func(ctx context.Context, req *Request) *Response {
		var args BlockArgs
		if err := decodeArgs(req, &args); err != nil {
			return fail(err)
		}
		block, err := move(ctx, args.ID, req.Actor, args.Reason)
		if err != nil {
			return fail(err)
		}
		return ok(block)
	}
}

func (s *Server) handleBlockUpdate(ctx context.Context, req *Request) *Response {
	var args BlockUpdateArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	item, err := s.orch.UpdateBlockContent(ctx, args.ID, args.Content, req.Actor, req.RequestID)
	if err != nil {
		return fail(err)
	}
	return ok(item)
}

func (s *Server) handleBlockRevisions(ctx context.Context, req *Request) *Response {
	var args BlockRevisionsArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	revisions, err := s.orch.ListRevisions(ctx, args.ID, args.Limit)
	if err != nil {
		return fail(err)
	}
	return ok(revisions)
}

func (s *Server) handleWorkspaceEnsure(ctx context.Context, req *Request) *Response {
	var args WorkspaceEnsureArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	ws, err := s.orch.EnsureWorkspace(ctx, args.ID, args.Name)
	if err != nil {
		return fail(err)
	}
	return ok(ws)
}

func (s *Server) handleBasketCreate(ctx context.Context, req *Request) *Response {
	var args BasketCreateArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	basket, err := s.orch.CreateBasket(ctx, args.WorkspaceID, args.Name)
	if err != nil {
		return fail(err)
	}
	return ok(basket)
}

func (s *Server) handleBasketGet(ctx context.Context, req *Request) *Response {
	var args BasketArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	basket, err := s.orch.GetBasket(ctx, args.ID)
	if err != nil {
		return fail(err)
	}
	return ok(basket)
}

func (s *Server) handleBasketList(ctx context.Context, req *Request) *Response {
	var args BasketListArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	baskets, err := s.orch.ListBaskets(ctx, args.WorkspaceID)
	if err != nil {
		return fail(err)
	}
	return ok(baskets)
}

func (s *Server) handleBasketArchive(ctx context.Context, req *Request) *Response {
	var args BasketArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	if err := s.orch.ArchiveBasket(ctx, args.ID); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (s *Server) handleBasketContext(ctx context.Context, req *Request) *Response {
	var args BasketArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	snap, err := s.orch.BasketContext(ctx, args.ID)
	if err != nil {
		return fail(err)
	}
	return ok(snap)
}

func (s *Server) handleCompose(ctx context.Context, req *Request) *Response {
	var args ComposeArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	event, err := s.orch.RequestCompose(ctx, args.BasketID, orchestrator.ComposeRequest{
		Title:       args.Title,
		Intent:      args.Intent,
		DocumentIDs: args.DocumentIDs,
		Actor:       req.Actor,
	})
	if err != nil {
		return fail(err)
	}
	return ok(event)
}

func (s *Server) handleRestore(ctx context.Context, req *Request) *Response {
	var args RestoreArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	item, err := s.orch.RequestTimelineRestore(ctx, args.BasketID, args.SinceEventID)
	if err != nil {
		return fail(err)
	}
	return ok(item)
}

func (s *Server) handleWorkStatus(ctx context.Context, req *Request) *Response {
	var args WorkStatusArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	status, err := s.orch.GetWorkStatus(ctx, args.ID)
	if err != nil {
		return fail(err)
	}
	return ok(status)
}

func (s *Server) handleWorkList(ctx context.Context, req *Request) *Response {
	var args WorkListArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	items, err := s.orch.ListWork(ctx, args.Filter)
	if err != nil {
		return fail(err)
	}
	return ok(items)
}

func (s *Server) handleQueueStats(ctx context.Context, req *Request) *Response {
	var args QueueStatsArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	stats, err := s.orch.QueueStats(ctx, args.WorkspaceID)
	if err != nil {
		return fail(err)
	}
	return ok(stats)
}

func (s *Server) handleEvents(ctx context.Context, req *Request) *Response {
	var args EventsArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	events, err := s.orch.Events(ctx, args.AfterID, args.Topics, args.Limit)
	if err != nil {
		return fail(err)
	}
	return ok(events)
}

func (s *Server) handleDocumentGet(ctx context.Context, req *Request) *Response {
	var args DocumentArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	doc, err := s.orch.GetDocument(ctx, args.ID)
	if err != nil {
		return fail(err)
	}
	return ok(doc)
}

func (s *Server) handleDocumentList(ctx context.Context, req *Request) *Response {
	var args DocumentListArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	docs, err := s.orch.ListDocuments(ctx, args.BasketID, args.StaleOnly)
	if err != nil {
		return fail(err)
	}
	return ok(docs)
}

// decodeArgs unmarshals request args; empty args decode as the zero
// value so list-style operations accept bare requests.
func decodeArgs(req *Request, dst any) error {
	if len(req.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Args, dst); err != nil {
		return fmt.Errorf("%w: bad args for %s: %v", types.ErrValidation, req.Operation, err)
	}
	return nil
}

func ok(v any) *Response {
	if v == nil {
		return &Response{Success: true}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fail(fmt.Errorf("%w: encode result: %v", types.ErrFatal, err))
	}
	return &Response{Success: true, Data: data}
}

func fail(err error) *Response {
	return &Response{Success: false, Error: err.Error(), Code: errCode(err)}
}

func errCode(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrInvalidTransition), errors.Is(err, storage.ErrStaleState):
		return "conflict"
	case errors.Is(err, storage.ErrWorkspaceMismatch):
		return "validation"
	}
	switch types.Classify(err) {
	case types.ClassValidation:
		return "validation"
	case types.ClassConflict:
		return "conflict"
	case types.ClassPolicy:
		return "rejected"
	case types.ClassFatal:
		return "fatal"
	default:
		return "transient"
	}
}
