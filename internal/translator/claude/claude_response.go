package claude

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/wenyu2333/gemini-relay/internal/streaming"
	"github.com/wenyu2333/gemini-relay/internal/translator"
)

// Block states for the streaming state machine.
const (
	blockNone = iota
	blockText
	blockThinking
	blockTool
)

// streamWriter emits Anthropic Messages SSE events: message_start, one
// content_block triplet per logical block, message_delta, message_stop. At
// most one of thinking/text is open at a time.
type streamWriter struct {
	model         string
	passSignature bool

	started    bool
	blockState int
	blockIndex int
	sawTools   bool
	usage      *streaming.Usage
	finished   bool
}

// NewStreamWriter implements translator.Dialect.
func (d *Dialect) NewStreamWriter(model string) translator.StreamWriter {
	return &streamWriter{model: model, passSignature: d.PassSignature}
}

func sseEvent(name, payload string) string {
	return "event: " + name + "\ndata: " + payload + "\n\n"
}

func (w *streamWriter) start() []string {
	if w.started {
		return nil
	}
	w.started = true
	payload := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","content":[],"model":"","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
	payload, _ = sjson.Set(payload, "message.id", "msg_"+strings.ReplaceAll(uuid.NewString(), "-", ""))
	payload, _ = sjson.Set(payload, "message.model", w.model)
	return []string{sseEvent("message_start", payload)}
}

func (w *streamWriter) closeBlock() []string {
	if w.blockState == blockNone {
		return nil
	}
	payload := fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, w.blockIndex)
	w.blockIndex++
	w.blockState = blockNone
	return []string{sseEvent("content_block_stop", payload)}
}

// openBlock closes any open block and starts a new one. The start payload is
// built after the close so it sees the advanced block index.
func (w *streamWriter) openBlock(state int, build func(index int) string) []string {
	frames := w.closeBlock()
	w.blockState = state
	frames = append(frames, sseEvent("content_block_start", build(w.blockIndex)))
	return frames
}

// Write implements translator.StreamWriter.
func (w *streamWriter) Write(event streaming.Event) []string {
	if w.finished {
		return nil
	}
	frames := w.start()
	switch event.Kind {
	case streaming.EventReasoning:
		if w.blockState != blockThinking && event.Text != "" {
			frames = append(frames, w.openBlock(blockThinking, func(index int) string {
				return fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"thinking","thinking":""}}`, index)
			})...)
		}
		if event.Text != "" {
			delta := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"thinking_delta","thinking":""}}`, w.blockIndex)
			delta, _ = sjson.Set(delta, "delta.thinking", event.Text)
			frames = append(frames, sseEvent("content_block_delta", delta))
		}
		if event.Signature != "" && w.passSignature && w.blockState == blockThinking {
			delta := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"signature_delta","signature":""}}`, w.blockIndex)
			delta, _ = sjson.Set(delta, "delta.signature", event.Signature)
			frames = append(frames, sseEvent("content_block_delta", delta))
		}
	case streaming.EventText:
		if event.Text == "" {
			break
		}
		if w.blockState != blockText {
			frames = append(frames, w.openBlock(blockText, func(index int) string {
				return fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"text","text":""}}`, index)
			})...)
		}
		delta := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"text_delta","text":""}}`, w.blockIndex)
		delta, _ = sjson.Set(delta, "delta.text", event.Text)
		frames = append(frames, sseEvent("content_block_delta", delta))
	case streaming.EventToolCalls:
		w.sawTools = true
		for _, call := range event.Calls {
			call := call
			frames = append(frames, w.openBlock(blockTool, func(index int) string {
				start := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`, index)
				start, _ = sjson.Set(start, "content_block.id", call.ID)
				start, _ = sjson.Set(start, "content_block.name", call.Name)
				return start
			})...)

			delta := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"input_json_delta","partial_json":""}}`, w.blockIndex)
			delta, _ = sjson.Set(delta, "delta.partial_json", call.ArgsJSON)
			frames = append(frames, sseEvent("content_block_delta", delta))
			frames = append(frames, w.closeBlock()...)
		}
	case streaming.EventUsage:
		w.usage = event.Usage
	case streaming.EventDone:
		frames = append(frames, w.closeBlock()...)
		frames = append(frames, w.finalFrames(event.FinishReason)...)
		w.finished = true
	}
	return frames
}

func (w *streamWriter) finalFrames(upstreamReason string) []string {
	stopReason := mapStopReason(upstreamReason, w.sawTools)
	payload := `{"type":"message_delta","delta":{"stop_reason":"","stop_sequence":null},"usage":{"input_tokens":0,"output_tokens":0}}`
	payload, _ = sjson.Set(payload, "delta.stop_reason", stopReason)
	if w.usage != nil {
		payload, _ = sjson.Set(payload, "usage.input_tokens", w.usage.Prompt)
		payload, _ = sjson.Set(payload, "usage.output_tokens", w.usage.Completion+w.usage.Thoughts)
	}
	return []string{
		sseEvent("message_delta", payload),
		sseEvent("message_stop", `{"type":"message_stop"}`),
	}
}

// Finish implements translator.StreamWriter.
func (w *streamWriter) Finish() []string {
	if w.finished {
		return nil
	}
	return w.Write(streaming.Event{Kind: streaming.EventDone, FinishReason: "STOP"})
}

func mapStopReason(upstream string, sawTools bool) string {
	if sawTools {
		return "tool_use"
	}
	switch strings.ToUpper(upstream) {
	case "MAX_TOKENS":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

// FromCollected implements translator.Dialect.
func (d *Dialect) FromCollected(model string, collected streaming.Collected) []byte {
	body := `{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":null}`
	body, _ = sjson.Set(body, "id", "msg_"+strings.ReplaceAll(uuid.NewString(), "-", ""))
	body, _ = sjson.Set(body, "model", model)

	if collected.Reasoning != "" {
		block := `{"type":"thinking","thinking":""}`
		block, _ = sjson.Set(block, "thinking", collected.Reasoning)
		if collected.ReasoningSig != "" && d.PassSignature {
			block, _ = sjson.Set(block, "signature", collected.ReasoningSig)
		}
		body, _ = sjson.SetRaw(body, "content.-1", block)
	}
	if collected.Content != "" {
		block := `{"type":"text","text":""}`
		block, _ = sjson.Set(block, "text", collected.Content)
		body, _ = sjson.SetRaw(body, "content.-1", block)
	}
	for _, call := range collected.ToolCalls {
		block := `{"type":"tool_use","id":"","name":"","input":{}}`
		block, _ = sjson.Set(block, "id", call.ID)
		block, _ = sjson.Set(block, "name", call.Name)
		if call.ArgsJSON != "" {
			block, _ = sjson.SetRaw(block, "input", call.ArgsJSON)
		}
		body, _ = sjson.SetRaw(body, "content.-1", block)
	}

	body, _ = sjson.Set(body, "stop_reason", mapStopReason(collected.FinishReason, len(collected.ToolCalls) > 0))
	if collected.Usage != nil {
		body, _ = sjson.Set(body, "usage.input_tokens", collected.Usage.Prompt)
		body, _ = sjson.Set(body, "usage.output_tokens", collected.Usage.Completion+collected.Usage.Thoughts)
	}
	return []byte(body)
}

// ErrorEnvelope implements translator.Dialect.
func (d *Dialect) ErrorEnvelope(status int, message string) []byte {
	errType := "api_error"
	switch status {
	case 400:
		errType = "invalid_request_error"
	case 401, 403:
		errType = "authentication_error"
	case 429:
		errType = "rate_limit_error"
	case 529:
		errType = "overloaded_error"
	}
	body := `{"type":"error","error":{"type":"","message":""}}`
	body, _ = sjson.Set(body, "error.type", errType)
	body, _ = sjson.Set(body, "error.message", message)
	return []byte(body)
}
