package gemini

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

func TestToUpstreamWrapsEnvelope(t *testing.T) {
	d := newDialect()
	req, err := d.ToUpstream("gemini-2.5-pro", []byte(`{
		"system_instruction": {"parts": [{"text": "sys"}]},
		"contents": [{"role": "user", "parts": [{"text": "hi"}]}],
		"generationConfig": {"temperature": 3}
	}`))
	require.NoError(t, err)

	payload := gjson.ParseBytes(req.Payload)
	assert.Equal(t, "gemini-2.5-pro", payload.Get("model").String())
	assert.Equal(t, "sys", payload.Get("request.systemInstruction.parts.0.text").String())
	assert.False(t, payload.Get("request.system_instruction").Exists())
	assert.Equal(t, float64(2), payload.Get("request.generationConfig.temperature").Float())
	assert.True(t, payload.Get("request.safetySettings").IsArray())
}

func TestToUpstreamNormalizesRoles(t *testing.T) {
	d := newDialect()
	req, err := d.ToUpstream("gemini-2.5-pro", []byte(`{
		"contents": [
			{"parts": [{"text": "a"}]},
			{"role": "bogus", "parts": [{"text": "b"}]}
		]
	}`))
	require.NoError(t, err)
	contents := gjson.GetBytes(req.Payload, "request.contents").Array()
	assert.Equal(t, "user", contents[0].Get("role").String())
	assert.Equal(t, "model", contents[1].Get("role").String())
}

func TestToUpstreamSanitizesToolNames(t *testing.T) {
	d := newDialect()
	req, err := d.ToUpstream("gemini-2.5-pro", []byte(`{
		"contents": [{"role": "user", "parts": [{"text": "go"}]}],
		"tools": [{"functionDeclarations": [{"name": "bad name!", "parameters": {"type": "object"}}]}]
	}`))
	require.NoError(t, err)

	decl := gjson.GetBytes(req.Payload, "request.tools.0.functionDeclarations.0")
	safe := decl.Get("name").String()
	assert.NotEqual(t, "bad name!", safe)
	assert.Equal(t, "bad name!", d.Names.Resolve("gemini-2.5-pro", safe))
	assert.Equal(t, "OBJECT", decl.Get("parameters.type").String())
}

func TestToUpstreamModelFunctionCallsGetSignatures(t *testing.T) {
	d := newDialect()
	req, err := d.ToUpstream("gemini-2.5-pro", []byte(`{
		"contents": [
			{"role": "user", "parts": [{"text": "go"}]},
			{"role": "model", "parts": [{"functionCall": {"name": "f", "args": {}}}]}
		]
	}`))
	require.NoError(t, err)
	sig := gjson.GetBytes(req.Payload, "request.contents.1.parts.0.thoughtSignature").String()
	assert.Equal(t, common.SentinelSignature, sig)
}

func TestToUpstreamSearchFlag(t *testing.T) {
	d := newDialect()
	req, err := d.ToUpstream("gemini-2.5-pro-search", []byte(`{"contents":[{"role":"user","parts":[{"text":"x"}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-pro", req.Model)
	assert.True(t, gjson.GetBytes(req.Payload, "request.tools.0.googleSearch").Exists())
}

func TestToUpstreamInvalidBody(t *testing.T) {
	d := newDialect()
	_, err := d.ToUpstream("gemini-2.5-pro", []byte("nope"))
	assert.Error(t, err)
	_, err = d.ToUpstream("", []byte(`{}`))
	assert.Error(t, err)
}

func TestStreamWriterChunks(t *testing.T) {
	d := newDialect()
	w := d.NewStreamWriter("gemini-2.5-pro")

	frames := w.Write(streaming.Event{Kind: streaming.EventText, Text: "hi"})
	require.Len(t, frames, 1)
	chunk := gjson.Parse(strings.TrimPrefix(strings.TrimSpace(frames[0]), "data: "))
	assert.Equal(t, "hi", chunk.Get("candidates.0.content.parts.0.text").String())
	assert.Equal(t, "model", chunk.Get("candidates.0.content.role").String())

	frames = w.Write(streaming.Event{Kind: streaming.EventUsage, Usage: &streaming.Usage{Prompt: 1, Completion: 2, Total: 3}})
	assert.Empty(t, frames)

	frames = w.Write(streaming.Event{Kind: streaming.EventDone, FinishReason: "STOP"})
	require.Len(t, frames, 1)
	final := gjson.Parse(strings.TrimPrefix(strings.TrimSpace(frames[0]), "data: "))
	assert.Equal(t, "STOP", final.Get("candidates.0.finishReason").String())
	assert.Equal(t, int64(3), final.Get("usageMetadata.totalTokenCount").Int())
}

func TestStreamWriterToolCalls(t *testing.T) {
	d := newDialect()
	w := d.NewStreamWriter("m")
	frames := w.Write(streaming.Event{Kind: streaming.EventToolCalls, Calls: []streaming.ToolCall{
		{Name: "f", ArgsJSON: `{"x":1}`},
		{Name: "g", ArgsJSON: `{}`},
	}})
	require.Len(t, frames, 1)
	chunk := gjson.Parse(strings.TrimPrefix(strings.TrimSpace(frames[0]), "data: "))
	parts := chunk.Get("candidates.0.content.parts").Array()
	require.Len(t, parts, 2)
	assert.Equal(t, "f", parts[0].Get("functionCall.name").String())
	assert.Equal(t, int64(1), parts[0].Get("functionCall.args.x").Int())
}

func TestFromCollected(t *testing.T) {
	d := newDialect()
	body := d.FromCollected("gemini-2.5-pro", streaming.Collected{
		Content:      "out",
		FinishReason: "STOP",
		Usage:        &streaming.Usage{Prompt: 1, Completion: 1, Total: 2},
	})
	root := gjson.ParseBytes(body)
	assert.Equal(t, "out", root.Get("candidates.0.content.parts.0.text").String())
	assert.Equal(t, "STOP", root.Get("candidates.0.finishReason").String())
	assert.Equal(t, int64(2), root.Get("usageMetadata.totalTokenCount").Int())
}

func TestErrorEnvelope(t *testing.T) {
	d := newDialect()
	root := gjson.ParseBytes(d.ErrorEnvelope(429, "quota"))
	assert.Equal(t, int64(429), root.Get("error.code").Int())
	assert.Equal(t, "quota", root.Get("error.message").String())
	assert.Equal(t, "RESOURCE_EXHAUSTED", root.Get("error.status").String())
}
