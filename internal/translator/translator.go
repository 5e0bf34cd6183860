// Package translator defines the capability set every chat dialect
// implements: request conversion into the upstream envelope, a streaming
// writer over neutral events, a non-stream body assembler and an error
// envelope. Handlers stay dialect-agnostic above this interface.
package translator

import (
	"github.com/wenyu2333/gemini-relay/internal/streaming"
	"github.com/wenyu2333/gemini-relay/internal/translator/common"
)

// Request is a converted client request ready for the upstream.
type Request struct {
	// Model is the real upstream model with feature markers stripped.
	Model string

	// Flags carries the feature markers parsed off the model name.
	Flags common.ModelFlags

	// HasTools reports whether the client declared tools.
	HasTools bool

	// Stream is the client's requested response shape.
	Stream bool

	// Payload is the upstream envelope:
	// {"model":...,"project":"","request":{...}}.
	Payload []byte
}

// StreamWriter re-serializes neutral events into dialect SSE frames. Write
// and Finish return fully formed frames to be written verbatim; Finish is
// idempotent and emits whatever the dialect needs to close the stream.
type StreamWriter interface {
	Write(event streaming.Event) []string
	Finish() []string
}

// Dialect is one public chat protocol.
type Dialect interface {
	// Name identifies the dialect ("openai", "claude", "gemini").
	Name() string

	// ToUpstream converts a client request body. The model argument is the
	// path model for the Gemini dialect and empty otherwise (those dialects
	// carry the model in the body).
	ToUpstream(model string, body []byte) (Request, error)

	// NewStreamWriter builds a writer for one streaming response.
	NewStreamWriter(model string) StreamWriter

	// FromCollected assembles the dialect's non-stream response body from a
	// collected event stream.
	FromCollected(model string, collected streaming.Collected) []byte

	// ErrorEnvelope shapes an error into the dialect's wire format.
	ErrorEnvelope(status int, message string) []byte
}
