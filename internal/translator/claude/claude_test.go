package claude

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/wenyu2333/gemini-relay/internal/cache"
	"github.com/wenyu2333/gemini-relay/internal/config"
	"github.com/wenyu2333/gemini-relay/internal/streaming"
	"github.com/wenyu2333/gemini-relay/internal/translator/common"
)

func newDialect() *Dialect {
	return &Dialect{
		Names:    common.NewNameRegistry(),
		SigCache: cache.NewSignatureCache(config.SignatureConfig{CacheAll: true}),
	}
}

func TestToUpstreamThinkingBlocks(t *testing.T) {
	d := newDialect()
	req, err := d.ToUpstream("", []byte(`{
		"model": "gemini-2.5-pro-maxthinking",
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "pondering", "signature": "SIG-H"},
				{"type": "text", "text": "answer"}
			]},
			{"role": "user", "content": "more"}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-pro", req.Model)
	assert.True(t, req.Flags.MaxThinking)

	payload := gjson.ParseBytes(req.Payload)
	modelTurn := payload.Get("request.contents.1")
	assert.Equal(t, "model", modelTurn.Get("role").String())
	assert.True(t, modelTurn.Get("parts.0.thought").Bool())
	assert.Equal(t, "pondering", modelTurn.Get("parts.0.text").String())
	assert.Equal(t, "SIG-H", modelTurn.Get("parts.0.thoughtSignature").String())
	assert.Equal(t, "answer", modelTurn.Get("parts.1.text").String())
	assert.Equal(t, int64(32768), payload.Get("request.generationConfig.thinkingConfig.thinkingBudget").Int())
}

func TestToUpstreamToolUseAndResult(t *testing.T) {
	d := newDialect()
	req, err := d.ToUpstream("", []byte(`{
		"model": "gemini-2.5-pro",
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "content": [{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "BJ"}}]},
			{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "toolu_1", "content": "sunny"}]}
		],
		"tools": [{"name": "get_weather", "input_schema": {"type": "object", "properties": {}}}]
	}`))
	require.NoError(t, err)
	assert.True(t, req.HasTools)

	payload := gjson.ParseBytes(req.Payload)
	call := payload.Get("request.contents.1.parts.0.functionCall")
	assert.Equal(t, "get_weather", call.Get("name").String())
	assert.Equal(t, "BJ", call.Get("args.city").String())

	result := payload.Get("request.contents.2.parts.0.functionResponse")
	assert.Equal(t, "get_weather", result.Get("name").String())
	assert.Equal(t, "toolu_1", result.Get("id").String())
	assert.Equal(t, "sunny", result.Get("response.result").String())
}

func TestToUpstreamEmptyToolResultPlaceholder(t *testing.T) {
	d := newDialect()
	req, err := d.ToUpstream("", []byte(`{
		"model": "gemini-2.5-pro",
		"messages": [
			{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "t1", "content": "", "is_error": true}]}
		]
	}`))
	require.NoError(t, err)
	result := gjson.GetBytes(req.Payload, "request.contents.0.parts.0.functionResponse.response.result").String()
	assert.Equal(t, "Tool execution failed with no output.", result)
}

func TestToUpstreamThinkingConfig(t *testing.T) {
	d := newDialect()
	req, err := d.ToUpstream("", []byte(`{
		"model": "gemini-2.5-pro",
		"max_tokens": 1000,
		"thinking": {"type": "enabled", "budget_tokens": 2048},
		"messages": [{"role": "user", "content": "hi"}]
	}`))
	require.NoError(t, err)
	cfg := gjson.GetBytes(req.Payload, "request.generationConfig")
	assert.Equal(t, int64(2048), cfg.Get("thinkingConfig.thinkingBudget").Int())
	assert.True(t, cfg.Get("thinkingConfig.includeThoughts").Bool())
	assert.Equal(t, int64(1000), cfg.Get("maxOutputTokens").Int())
}

func TestStreamWriterBlockOrdering(t *testing.T) {
	d := newDialect()
	w := d.NewStreamWriter("gemini-2.5-pro")

	var all string
	for _, event := range []streaming.Event{
		{Kind: streaming.EventReasoning, Text: "think"},
		{Kind: streaming.EventText, Text: "hello"},
		{Kind: streaming.EventToolCalls, Calls: []streaming.ToolCall{{ID: "t1", Name: "f", ArgsJSON: `{"a":1}`}}},
		{Kind: streaming.EventUsage, Usage: &streaming.Usage{Prompt: 2, Completion: 3, Total: 5}},
		{Kind: streaming.EventDone, FinishReason: "STOP"},
	} {
		for _, frame := range w.Write(event) {
			all += frame
		}
	}

	// Event ordering: message_start, thinking triplet, text triplet, tool_use
	// triplet, message_delta, message_stop.
	wantOrder := []string{
		"message_start",
		`"type":"thinking"`,
		"thinking_delta",
		"content_block_stop",
		`"type":"text"`,
		"text_delta",
		`"type":"tool_use"`,
		"input_json_delta",
		"message_delta",
		"message_stop",
	}
	pos := 0
	for _, marker := range wantOrder {
		idx := strings.Index(all[pos:], marker)
		require.GreaterOrEqual(t, idx, 0, "marker %q not found in order", marker)
		pos += idx
	}

	// Indexes advance one block at a time.
	assert.Contains(t, all, `"content_block_start","index":0,"content_block":{"type":"thinking"`)
	assert.Contains(t, all, `"content_block_start","index":1,"content_block":{"type":"text"`)
	assert.Contains(t, all, `"content_block_start","index":2,"content_block":{"type":"tool_use"`)

	// Final usage and stop reason.
	assert.Contains(t, all, `"stop_reason":"tool_use"`)
	assert.Contains(t, all, `"output_tokens":3`)
}

func TestStreamWriterSignaturePassThrough(t *testing.T) {
	d := newDialect()
	d.PassSignature = true
	w := d.NewStreamWriter("m")
	var all string
	for _, frame := range w.Write(streaming.Event{Kind: streaming.EventReasoning, Text: "x", Signature: "SIG"}) {
		all += frame
	}
	assert.Contains(t, all, "signature_delta")
	assert.Contains(t, all, "SIG")

	// Without the flag the signature stays server-side.
	d2 := newDialect()
	w2 := d2.NewStreamWriter("m")
	all = ""
	for _, frame := range w2.Write(streaming.Event{Kind: streaming.EventReasoning, Text: "x", Signature: "SIG"}) {
		all += frame
	}
	assert.NotContains(t, all, "signature_delta")
}

// Scenario: non-stream thinking response carries thinking and text blocks.
func TestFromCollectedThinking(t *testing.T) {
	d := newDialect()
	d.PassSignature = true
	body := d.FromCollected("gemini-2.5-pro", streaming.Collected{
		Reasoning:    "deep thought",
		ReasoningSig: "SIG2",
		Content:      "hello",
		FinishReason: "STOP",
		Usage:        &streaming.Usage{Prompt: 4, Completion: 6, Total: 10},
	})
	root := gjson.ParseBytes(body)
	blocks := root.Get("content").Array()
	require.Len(t, blocks, 2)
	assert.Equal(t, "thinking", blocks[0].Get("type").String())
	assert.Equal(t, "deep thought", blocks[0].Get("thinking").String())
	assert.Equal(t, "SIG2", blocks[0].Get("signature").String())
	assert.Equal(t, "text", blocks[1].Get("type").String())
	assert.Equal(t, "hello", blocks[1].Get("text").String())
	assert.Equal(t, "end_turn", root.Get("stop_reason").String())
	assert.Equal(t, int64(4), root.Get("usage.input_tokens").Int())
	assert.Equal(t, int64(6), root.Get("usage.output_tokens").Int())
}

func TestFromCollectedSignatureWithheld(t *testing.T) {
	d := newDialect()
	body := d.FromCollected("m", streaming.Collected{Reasoning: "t", ReasoningSig: "SIG", FinishReason: "STOP"})
	assert.False(t, gjson.GetBytes(body, "content.0.signature").Exists())
}

func TestErrorEnvelope(t *testing.T) {
	d := newDialect()
	for status, wantType := range map[int]string{
		400: "invalid_request_error",
		401: "authentication_error",
		429: "rate_limit_error",
		500: "api_error",
	} {
		root := gjson.ParseBytes(d.ErrorEnvelope(status, "boom"))
		assert.Equal(t, "error", root.Get("type").String())
		assert.Equal(t, wantType, root.Get("error.type").String())
		assert.Equal(t, "boom", root.Get("error.message").String())
	}
}
