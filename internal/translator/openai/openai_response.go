package openai

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/wenyu2333/gemini-relay/internal/streaming"
	"github.com/wenyu2333/gemini-relay/internal/translator"
)

// streamWriter emits OpenAI chat.completion.chunk frames. The first chunk
// seeds the assistant role; the final chunk carries finish_reason and usage.
type streamWriter struct {
	id        string
	model     string
	created   int64
	seeded    bool
	toolIndex int
	sawTools  bool
	usage     *streaming.Usage
	finished  bool
}

// NewStreamWriter implements translator.Dialect.
func (d *Dialect) NewStreamWriter(model string) translator.StreamWriter {
	return &streamWriter{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
	}
}

func (w *streamWriter) chunkTemplate() string {
	chunk := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	chunk, _ = sjson.Set(chunk, "id", w.id)
	chunk, _ = sjson.Set(chunk, "created", w.created)
	chunk, _ = sjson.Set(chunk, "model", w.model)
	return chunk
}

func (w *streamWriter) seedRole(chunk string) string {
	if w.seeded {
		return chunk
	}
	w.seeded = true
	chunk, _ = sjson.Set(chunk, "choices.0.delta.role", "assistant")
	return chunk
}

func frame(payload string) string {
	return "data: " + payload + "\n\n"
}

// Write implements translator.StreamWriter.
func (w *streamWriter) Write(event streaming.Event) []string {
	if w.finished {
		return nil
	}
	switch event.Kind {
	case streaming.EventText:
		chunk := w.seedRole(w.chunkTemplate())
		chunk, _ = sjson.Set(chunk, "choices.0.delta.content", event.Text)
		return []string{frame(chunk)}
	case streaming.EventReasoning:
		if event.Text == "" {
			return nil
		}
		chunk := w.seedRole(w.chunkTemplate())
		chunk, _ = sjson.Set(chunk, "choices.0.delta.reasoning_content", event.Text)
		return []string{frame(chunk)}
	case streaming.EventToolCalls:
		w.sawTools = true
		chunk := w.seedRole(w.chunkTemplate())
		chunk, _ = sjson.SetRaw(chunk, "choices.0.delta.tool_calls", `[]`)
		for _, call := range event.Calls {
			entry := `{"index":0,"id":"","type":"function","function":{"name":"","arguments":""}}`
			entry, _ = sjson.Set(entry, "index", w.toolIndex)
			w.toolIndex++
			entry, _ = sjson.Set(entry, "id", call.ID)
			entry, _ = sjson.Set(entry, "function.name", call.Name)
			entry, _ = sjson.Set(entry, "function.arguments", call.ArgsJSON)
			chunk, _ = sjson.SetRaw(chunk, "choices.0.delta.tool_calls.-1", entry)
		}
		return []string{frame(chunk)}
	case streaming.EventUsage:
		w.usage = event.Usage
		return nil
	case streaming.EventDone:
		w.finished = true
		chunk := w.seedRole(w.chunkTemplate())
		chunk, _ = sjson.Set(chunk, "choices.0.finish_reason", w.finishReason(event.FinishReason))
		if w.usage != nil {
			chunk = setUsage(chunk, "usage", w.usage)
		}
		return []string{frame(chunk), "data: [DONE]\n\n"}
	}
	return nil
}

// Finish implements translator.StreamWriter.
func (w *streamWriter) Finish() []string {
	if w.finished {
		return nil
	}
	return w.Write(streaming.Event{Kind: streaming.EventDone, FinishReason: "STOP"})
}

func (w *streamWriter) finishReason(upstream string) string {
	if w.sawTools {
		return "tool_calls"
	}
	return mapFinishReason(upstream)
}

func mapFinishReason(upstream string) string {
	switch strings.ToUpper(upstream) {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST":
		return "content_filter"
	default:
		return "stop"
	}
}

func setUsage(body, path string, usage *streaming.Usage) string {
	body, _ = sjson.Set(body, path+".prompt_tokens", usage.Prompt)
	body, _ = sjson.Set(body, path+".completion_tokens", usage.Completion+usage.Thoughts)
	body, _ = sjson.Set(body, path+".total_tokens", usage.Total)
	if usage.Thoughts > 0 {
		body, _ = sjson.Set(body, path+".completion_tokens_details.reasoning_tokens", usage.Thoughts)
	}
	return body
}

// FromCollected implements translator.Dialect.
func (d *Dialect) FromCollected(model string, collected streaming.Collected) []byte {
	body := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":null},"finish_reason":"stop"}],"usage":null}`
	body, _ = sjson.Set(body, "id", "chatcmpl-"+uuid.NewString())
	body, _ = sjson.Set(body, "created", time.Now().Unix())
	body, _ = sjson.Set(body, "model", model)

	if collected.Content != "" {
		body, _ = sjson.Set(body, "choices.0.message.content", collected.Content)
	}
	if collected.Reasoning != "" {
		body, _ = sjson.Set(body, "choices.0.message.reasoning_content", collected.Reasoning)
	}
	for i, call := range collected.ToolCalls {
		entry := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
		entry, _ = sjson.Set(entry, "id", call.ID)
		entry, _ = sjson.Set(entry, "function.name", call.Name)
		entry, _ = sjson.Set(entry, "function.arguments", call.ArgsJSON)
		body, _ = sjson.SetRaw(body, fmt.Sprintf("choices.0.message.tool_calls.%d", i), entry)
	}

	reason := mapFinishReason(collected.FinishReason)
	if len(collected.ToolCalls) > 0 {
		reason = "tool_calls"
	}
	body, _ = sjson.Set(body, "choices.0.finish_reason", reason)

	if collected.Usage != nil {
		body = setUsage(body, "usage", collected.Usage)
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
	}
	body := `{"error":{"message":"","type":"","code":null}}`
	body, _ = sjson.Set(body, "error.message", message)
	body, _ = sjson.Set(body, "error.type", errType)
	body, _ = sjson.Set(body, "error.code", status)
	return []byte(body)
}
