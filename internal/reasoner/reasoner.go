// Package reasoner abstracts the language model behind the stage agents.
//
// The orchestrator only ever sees the Reasoner interface; the Anthropic
// adapter is wired in at the edge and a scripted implementation backs
// tests and offline runs.
package reasoner

import (
	"context"
	"errors"
)

// ErrNoScript is returned by the scripted reasoner when it runs out of
// responses.
var ErrNoScript = errors.New("scripted reasoner has no response queued")

// Request is one generation call.
type Request struct {
	// System is the role/system prompt; may be empty.
	System string
	// Prompt is the user-turn content.
	Prompt string
	// MaxTokens caps the response length. Zero means the adapter default.
	MaxTokens int
}

// Response is the model's reply plus usage accounting.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Reasoner generates text for stage agents. Implementations must be safe
// for concurrent use.
type Reasoner interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
