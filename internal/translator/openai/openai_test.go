package openai

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

func TestToUpstreamBasicChat(t *testing.T) {
	d := newDialect()
	req, err := d.ToUpstream("", []byte(`{
		"model": "gemini-2.5-pro",
		"stream": true,
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hello"}
		],
		"temperature": 0.5,
		"max_tokens": 100
	}`))
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-pro", req.Model)
	assert.True(t, req.Stream)
	assert.False(t, req.HasTools)

	payload := gjson.ParseBytes(req.Payload)
	assert.Equal(t, "gemini-2.5-pro", payload.Get("model").String())
	assert.Equal(t, "be brief", payload.Get("request.systemInstruction.parts.0.text").String())
	contents := payload.Get("request.contents").Array()
	require.Len(t, contents, 1)
	assert.Equal(t, "user", contents[0].Get("role").String())
	assert.Equal(t, "hello", contents[0].Get("parts.0.text").String())
	assert.Equal(t, 0.5, payload.Get("request.generationConfig.temperature").Float())
	assert.Equal(t, int64(100), payload.Get("request.generationConfig.maxOutputTokens").Int())
	assert.True(t, payload.Get("request.safetySettings").IsArray())
}

func TestToUpstreamMissingModel(t *testing.T) {
	d := newDialect()
	_, err := d.ToUpstream("", []byte(`{"messages":[]}`))
	assert.Error(t, err)
}

func TestToUpstreamToolsSanitizedAndCleaned(t *testing.T) {
	d := newDialect()
	req, err := d.ToUpstream("", []byte(`{
		"model": "gemini-2.5-pro",
		"messages": [{"role": "user", "content": "weather?"}],
		"tools": [{"type": "function", "function": {
			"name": "get weather!",
			"description": "lookup",
			"parameters": {"type": "object", "additionalProperties": false, "properties": {"city": {"type": "string"}}}
		}}]
	}`))
	require.NoError(t, err)
	assert.True(t, req.HasTools)

	payload := gjson.ParseBytes(req.Payload)
	decl := payload.Get("request.tools.0.functionDeclarations.0")
	safe := decl.Get("name").String()
	assert.NotEqual(t, "get weather!", safe)
	assert.Equal(t, "get weather!", d.Names.Resolve("gemini-2.5-pro", safe))
	assert.Equal(t, "OBJECT", decl.Get("parameters.type").String())
	assert.False(t, decl.Get("parameters.additionalProperties").Exists())
}

func TestToUpstreamToolCycle(t *testing.T) {
	d := newDialect()
	req, err := d.ToUpstream("", []byte(`{
		"model": "gemini-2.5-pro",
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"BJ\"}"}}]},
			{"role": "tool", "tool_call_id": "call_1", "content": "sunny"}
		],
		"tools": [{"type": "function", "function": {"name": "get_weather", "parameters": {"type": "object", "properties": {}}}}]
	}`))
	require.NoError(t, err)

	payload := gjson.ParseBytes(req.Payload)
	contents := payload.Get("request.contents").Array()
	require.Len(t, contents, 3)

	model := contents[1]
	assert.Equal(t, "model", model.Get("role").String())
	call := model.Get("parts.0.functionCall")
	assert.Equal(t, "get_weather", call.Get("name").String())
	assert.Equal(t, "BJ", call.Get("args.city").String())
	// Tool continuation always carries a signature, sentinel included.
	assert.NotEmpty(t, model.Get("parts.0.thoughtSignature").String())

	toolTurn := contents[2]
	assert.Equal(t, "user", toolTurn.Get("role").String())
	response := toolTurn.Get("parts.0.functionResponse")
	assert.Equal(t, "get_weather", response.Get("name").String())
	assert.Equal(t, "sunny", response.Get("response.result").String())
}

// Cached tool signatures are replayed onto functionCall parts.
func TestToUpstreamSignatureReplay(t *testing.T) {
	d := newDialect()
	d.SigCache.Set("", "gemini-2.5-pro", "SIG-REPLAY", "", cache.Options{HasTools: true})

	req, err := d.ToUpstream("", []byte(`{
		"model": "gemini-2.5-pro",
		"messages": [
			{"role": "user", "content": "go"},
			{"role": "assistant", "tool_calls": [{"id": "c1", "type": "function", "function": {"name": "f", "arguments": "{}"}}]},
			{"role": "tool", "tool_call_id": "c1", "content": "done"}
		],
		"tools": [{"type": "function", "function": {"name": "f", "parameters": {"type": "object", "properties": {}}}}]
	}`))
	require.NoError(t, err)

	sig := gjson.GetBytes(req.Payload, "request.contents.1.parts.0.thoughtSignature").String()
	assert.Equal(t, "SIG-REPLAY", sig)
}

func TestToUpstreamFeaturePrefixes(t *testing.T) {
	d := newDialect()
	req, err := d.ToUpstream("", []byte(`{
		"model": "假流式/gemini-2.5-pro-search",
		"messages": [{"role": "user", "content": "hi"}]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-pro", req.Model)
	assert.True(t, req.Flags.FakeStream)
	assert.True(t, req.Flags.Search)
	assert.True(t, gjson.GetBytes(req.Payload, "request.tools.0.googleSearch").Exists())
}

// Scenario: streaming tool call produces role seed, tool_calls delta, final
// chunk with finish_reason and usage, then [DONE].
func TestStreamWriterToolCallScenario(t *testing.T) {
	d := newDialect()
	w := d.NewStreamWriter("gemini-2.5-pro")

	var frames []string
	frames = append(frames, w.Write(streaming.Event{Kind: streaming.EventToolCalls, Calls: []streaming.ToolCall{{
		ID:       "get_weather-1",
		Name:     "get_weather",
		ArgsJSON: `{"city":"BJ"}`,
	}}})...)
	frames = append(frames, w.Write(streaming.Event{Kind: streaming.EventUsage, Usage: &streaming.Usage{Prompt: 10, Completion: 5, Total: 15}})...)
	frames = append(frames, w.Write(streaming.Event{Kind: streaming.EventDone, FinishReason: "STOP"})...)

	require.Len(t, frames, 3)

	first := gjson.Parse(strings.TrimPrefix(strings.TrimSpace(frames[0]), "data: "))
	assert.Equal(t, "assistant", first.Get("choices.0.delta.role").String())
	call := first.Get("choices.0.delta.tool_calls.0")
	assert.Equal(t, int64(0), call.Get("index").Int())
	assert.Equal(t, "function", call.Get("type").String())
	assert.Equal(t, "get_weather", call.Get("function.name").String())
	assert.JSONEq(t, `{"city":"BJ"}`, call.Get("function.arguments").String())

	final := gjson.Parse(strings.TrimPrefix(strings.TrimSpace(frames[1]), "data: "))
	assert.Equal(t, "tool_calls", final.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(15), final.Get("usage.total_tokens").Int())

	assert.Equal(t, "data: [DONE]\n\n", frames[2])
	assert.Nil(t, w.Finish())
}

func TestStreamWriterTextAndReasoning(t *testing.T) {
	d := newDialect()
	w := d.NewStreamWriter("gemini-2.5-pro")

	frames := w.Write(streaming.Event{Kind: streaming.EventReasoning, Text: "thinking"})
	require.Len(t, frames, 1)
	chunk := gjson.Parse(strings.TrimPrefix(strings.TrimSpace(frames[0]), "data: "))
	assert.Equal(t, "assistant", chunk.Get("choices.0.delta.role").String())
	assert.Equal(t, "thinking", chunk.Get("choices.0.delta.reasoning_content").String())

	frames = w.Write(streaming.Event{Kind: streaming.EventText, Text: "hi"})
	chunk = gjson.Parse(strings.TrimPrefix(strings.TrimSpace(frames[0]), "data: "))
	assert.False(t, chunk.Get("choices.0.delta.role").Exists())
	assert.Equal(t, "hi", chunk.Get("choices.0.delta.content").String())
}

func TestFromCollected(t *testing.T) {
	d := newDialect()
	body := d.FromCollected("gemini-2.5-pro", streaming.Collected{
		Content:      "hello",
		Reasoning:    "thought",
		FinishReason: "STOP",
		Usage:        &streaming.Usage{Prompt: 1, Completion: 2, Total: 3},
	})
	root := gjson.ParseBytes(body)
	assert.Equal(t, "chat.completion", root.Get("object").String())
	assert.Equal(t, "hello", root.Get("choices.0.message.content").String())
	assert.Equal(t, "thought", root.Get("choices.0.message.reasoning_content").String())
	assert.Equal(t, "stop", root.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(3), root.Get("usage.total_tokens").Int())
}

func TestFromCollectedMissingUsageIsNull(t *testing.T) {
	d := newDialect()
	body := d.FromCollected("m", streaming.Collected{Content: "x", FinishReason: "STOP"})
	assert.Equal(t, gjson.Null, gjson.GetBytes(body, "usage").Type)
}

func TestErrorEnvelope(t *testing.T) {
	d := newDialect()
	body := d.ErrorEnvelope(429, "slow down")
	root := gjson.ParseBytes(body)
	assert.Equal(t, "slow down", root.Get("error.message").String())
	assert.Equal(t, "rate_limit_error", root.Get("error.type").String())
	assert.Equal(t, int64(429), root.Get("error.code").Int())
}
