package reasoner

import (
	"context"
	"sync"
)

// Scripted replays queued responses in FIFO order. It backs tests and
// offline runs where no model is available.
type Scripted struct {
	mu      sync.Mutex
	queue   []*Response
	handler func(Request) (*Response, error)
	calls   []Request
}

// NewScripted creates a scripted reasoner with optional pre-queued texts.
func NewScripted(texts ...string) *Scripted {
	s := &Scripted{}
	for _, t := range texts {
		s.Push(t)
	}
	return s
}

// NewScriptedFunc creates a scripted reasoner backed by a handler instead
// of a queue. Useful when the response depends on the prompt.
func NewScriptedFunc(fn func(Request) (*Response, error)) *Scripted {
	return &Scripted{handler: fn}
}

// Push queues a plain-text response.
func (s *Scripted) Push(text string) {
	s.PushResponse(&Response{Text: text, Model: "scripted"})
}

// PushResponse queues a full response.
func (s *Scripted) PushResponse(resp *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, resp)
}

// Calls returns a copy of every request seen so far.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// Generate pops the next queued response, or delegates to the handler.
// Returns ErrNoScript when the queue is empty and no handler is set.
func (s *Scripted) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	if s.handler != nil {
		fn := s.handler
		s.mu.Unlock()
		return fn(req)
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil, ErrNoScript
	}
	resp := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()
	return resp, nil
}
