package gemini

import (
	"github.com/tidwall/sjson"

	"github.com/wenyu2333/gemini-relay/internal/streaming"
	"github.com/wenyu2333/gemini-relay/internal/translator"
)

// streamWriter emits Gemini candidate chunks. Every event becomes one
// candidates[0].content.parts chunk; the final chunk carries finishReason and
// usageMetadata.
type streamWriter struct {
	model         string
	passSignature bool
	sawTools      bool
	usage         *streaming.Usage
	finished      bool
}

// NewStreamWriter implements translator.Dialect.
func (d *Dialect) NewStreamWriter(model string) translator.StreamWriter {
	return &streamWriter{model: model, passSignature: d.PassSignature}
}

func (w *streamWriter) chunk(partsJSON string) string {
	body := `{"candidates":[{"content":{"role":"model","parts":[]},"index":0}]}`
	if partsJSON != "" {
		body, _ = sjson.SetRaw(body, "candidates.0.content.parts", partsJSON)
	}
	body, _ = sjson.Set(body, "modelVersion", w.model)
	return body
}

// Write implements translator.StreamWriter.
func (w *streamWriter) Write(event streaming.Event) []string {
	if w.finished {
		return nil
	}
	switch event.Kind {
	case streaming.EventText:
		part, _ := sjson.Set(`{"text":""}`, "text", event.Text)
		return []string{"data: " + w.chunk("["+part+"]") + "\n\n"}
	case streaming.EventReasoning:
		part, _ := sjson.Set(`{"thought":true,"text":""}`, "text", event.Text)
		if event.Signature != "" && w.passSignature {
			part, _ = sjson.Set(part, "thoughtSignature", event.Signature)
		}
		return []string{"data: " + w.chunk("["+part+"]") + "\n\n"}
	case streaming.EventToolCalls:
		w.sawTools = true
		parts := "[]"
		for _, call := range event.Calls {
			part := `{"functionCall":{"name":"","args":{}}}`
			part, _ = sjson.Set(part, "functionCall.name", call.Name)
			if call.ArgsJSON != "" {
				part, _ = sjson.SetRaw(part, "functionCall.args", call.ArgsJSON)
			}
			if call.Signature != "" && w.passSignature {
				part, _ = sjson.Set(part, "thoughtSignature", call.Signature)
			}
			parts, _ = sjson.SetRaw(parts, "-1", part)
		}
		return []string{"data: " + w.chunk(parts) + "\n\n"}
	case streaming.EventUsage:
		w.usage = event.Usage
		return nil
	case streaming.EventDone:
		w.finished = true
		body := w.chunk("")
		body, _ = sjson.Delete(body, "candidates.0.content")
		reason := event.FinishReason
		if reason == "" {
			reason = "STOP"
		}
		body, _ = sjson.Set(body, "candidates.0.finishReason", reason)
		if w.usage != nil {
			body = setUsageMetadata(body, w.usage)
		}
		return []string{"data: " + body + "\n\n"}
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

func setUsageMetadata(body string, usage *streaming.Usage) string {
	body, _ = sjson.Set(body, "usageMetadata.promptTokenCount", usage.Prompt)
	body, _ = sjson.Set(body, "usageMetadata.candidatesTokenCount", usage.Completion)
	if usage.Thoughts > 0 {
		body, _ = sjson.Set(body, "usageMetadata.thoughtsTokenCount", usage.Thoughts)
	}
	body, _ = sjson.Set(body, "usageMetadata.totalTokenCount", usage.Total)
	return body
}

// FromCollected implements translator.Dialect.
func (d *Dialect) FromCollected(model string, collected streaming.Collected) []byte {
	body := `{"candidates":[{"content":{"role":"model","parts":[]},"index":0}]}`
	body, _ = sjson.Set(body, "modelVersion", model)

	if collected.Reasoning != "" {
		part, _ := sjson.Set(`{"thought":true,"text":""}`, "text", collected.Reasoning)
		if collected.ReasoningSig != "" && d.PassSignature {
			part, _ = sjson.Set(part, "thoughtSignature", collected.ReasoningSig)
		}
		body, _ = sjson.SetRaw(body, "candidates.0.content.parts.-1", part)
	}
	if collected.Content != "" {
		part, _ := sjson.Set(`{"text":""}`, "text", collected.Content)
		body, _ = sjson.SetRaw(body, "candidates.0.content.parts.-1", part)
	}
	for _, call := range collected.ToolCalls {
		part := `{"functionCall":{"name":"","args":{}}}`
		part, _ = sjson.Set(part, "functionCall.name", call.Name)
		if call.ArgsJSON != "" {
			part, _ = sjson.SetRaw(part, "functionCall.args", call.ArgsJSON)
		}
		body, _ = sjson.SetRaw(body, "candidates.0.content.parts.-1", part)
	}

	reason := collected.FinishReason
	if reason == "" {
		reason = "STOP"
	}
	body, _ = sjson.Set(body, "candidates.0.finishReason", reason)
	if collected.Usage != nil {
		body = setUsageMetadata(body, collected.Usage)
	}
	return []byte(body)
}

// ErrorEnvelope implements translator.Dialect.
func (d *Dialect) ErrorEnvelope(status int, message string) []byte {
	statusText := "INTERNAL"
	switch status {
	case 400:
		statusText = "INVALID_ARGUMENT"
	case 401:
		statusText = "UNAUTHENTICATED"
	case 403:
		statusText = "PERMISSION_DENIED"
	case 404:
		statusText = "NOT_FOUND"
	case 429:
		statusText = "RESOURCE_EXHAUSTED"
	case 503:
		statusText = "UNAVAILABLE"
	}
	body := `{"error":{"code":0,"message":"","status":""}}`
	body, _ = sjson.Set(body, "error.code", status)
	body, _ = sjson.Set(body, "error.message", message)
	body, _ = sjson.Set(body, "error.status", statusText)
	return []byte(body)
}
