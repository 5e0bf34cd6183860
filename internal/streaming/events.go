// Package streaming implements the relay's stream engine: a line buffer for
// chunked SSE bodies, a parser that turns upstream Code Assist chunks into a
// neutral event stream, and a collector that folds events back into a single
// response for the fake-non-stream mode. Dialect-specific writers consume the
// neutral events and re-serialize them into their own wire formats.
package streaming

// EventKind tags a neutral stream event.
type EventKind int

const (
	// EventText carries user-visible output text.
	EventText EventKind = iota
	// EventReasoning carries thought text and, when present, its signature.
	EventReasoning
	// EventToolCalls carries the buffered tool calls, flushed at stream end.
	EventToolCalls
	// EventUsage carries token accounting from the upstream usageMetadata.
	EventUsage
	// EventDone terminates the stream with the upstream finish reason.
	EventDone
)

// ToolCall is one upstream function call with its arguments re-encoded as a
// JSON string and the caller's original tool name restored.
type ToolCall struct {
	ID        string
	Name      string
	ArgsJSON  string
	Signature string
}

// Usage mirrors the upstream usageMetadata token counts.
type Usage struct {
	Prompt     int64
	Completion int64
	Thoughts   int64
	Total      int64
}

// Event is the neutral stream event emitted by the SSE parser.
type Event struct {
	Kind         EventKind
	Text         string
	Signature    string
	Calls        []ToolCall
	Usage        *Usage
	FinishReason string
}
