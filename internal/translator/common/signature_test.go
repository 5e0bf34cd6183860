package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/wenyu2333/gemini-relay/internal/cache"
	"github.com/wenyu2333/gemini-relay/internal/config"
)

func TestResolveSignaturePrefersCache(t *testing.T) {
	sigCache := cache.NewSignatureCache(config.SignatureConfig{CacheAll: true})
	sigCache.Set("", "gemini-2.5-pro", "SIG-CACHED", "", cache.Options{HasTools: true})

	assert.Equal(t, "SIG-CACHED", ResolveSignature(sigCache, "gemini-2.5-pro", true))
	assert.Equal(t, SentinelSignature, ResolveSignature(sigCache, "gemini-2.5-pro", false))
	assert.Equal(t, SentinelSignature, ResolveSignature(nil, "gemini-2.5-pro", true))
}

func TestRebalanceSignaturesFoldsStandaloneParts(t *testing.T) {
	body := []byte(`{"request":{"contents":[
		{"role":"user","parts":[{"text":"hi"}]},
		{"role":"model","parts":[
			{"thought":true,"text":"thinking"},
			{"thoughtSignature":"SIG-A"},
			{"functionCall":{"name":"f","args":{}}},
			{"thoughtSignature":"SIG-B"}
		]}
	]}}`)

	out := RebalanceSignatures(body, "request.contents")
	parts := gjson.GetBytes(out, "request.contents.1.parts")
	require.True(t, parts.IsArray())
	arr := parts.Array()
	require.Len(t, arr, 2)
	assert.Equal(t, "SIG-A", arr[0].Get("thoughtSignature").String())
	assert.True(t, arr[0].Get("thought").Bool())
	assert.Equal(t, "SIG-B", arr[1].Get("thoughtSignature").String())
	assert.True(t, arr[1].Get("functionCall").Exists())
}

func TestRebalanceSignaturesLeavesUserTurns(t *testing.T) {
	body := []byte(`{"request":{"contents":[{"role":"user","parts":[{"thoughtSignature":"X"}]}]}}`)
	out := RebalanceSignatures(body, "request.contents")
	assert.Equal(t, string(body), string(out))
}

func TestAttachSignatureToCalls(t *testing.T) {
	body := []byte(`{"request":{"contents":[
		{"role":"model","parts":[
			{"functionCall":{"name":"a","args":{}}},
			{"functionCall":{"name":"b","args":{}},"thoughtSignature":"KEEP"}
		]}
	]}}`)
	out := AttachSignatureToCalls(body, "request.contents", "SIG-NEW")
	assert.Equal(t, "SIG-NEW", gjson.GetBytes(out, "request.contents.0.parts.0.thoughtSignature").String())
	assert.Equal(t, "KEEP", gjson.GetBytes(out, "request.contents.0.parts.1.thoughtSignature").String())
}
