// Package backend defines the serving-backend contract the harness
// dispatches against and the OpenAI-compatible HTTP implementation that
// covers vLLM and SGLang endpoints.
package backend

import (
	"context"
	"errors"
)

// GenerateRequest is a single completion request.
type GenerateRequest struct {
	Prompt    string
	MaxTokens int
	Stream    bool
}

// TokenEvent is one unit of streamed output. A non-streaming response is
// delivered as a single final event carrying the whole completion.
type TokenEvent struct {
	Text   string
	Tokens int
	Final  bool
}

// ErrBackend marks failures the backend reported explicitly, as opposed
// to transport or deadline failures.
var ErrBackend = errors.New("backend error")

// TokenStream yields token events incrementally. Recv returns io.EOF
// after the final event. Close releases the underlying connection and is
// safe to call at any point, including mid-stream on cancellation.
type TokenStream interface {
	Recv() (TokenEvent, error)
	Close() error
}

// Backend is a serving endpoint under test. Generate returns once the
// request is accepted; token timing is observed through the stream. The
// context governs the whole exchange, cancellation included.
type Backend interface {
	Generate(ctx context.Context, req GenerateRequest) (TokenStream, error)
}
