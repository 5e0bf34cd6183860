package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestNormalizeGenerationConfigClamps(t *testing.T) {
	raw := []byte(`{"temperature":5,"topP":1.5,"topK":0,"maxOutputTokens":-1}`)
	out := NormalizeGenerationConfig(raw, ModelFlags{})

	assert.Equal(t, float64(2), gjson.GetBytes(out, "temperature").Float())
	assert.Equal(t, float64(1), gjson.GetBytes(out, "topP").Float())
	assert.Equal(t, int64(1), gjson.GetBytes(out, "topK").Int())
	assert.False(t, gjson.GetBytes(out, "maxOutputTokens").Exists())
}

func TestNormalizeGenerationConfigThinkingFlags(t *testing.T) {
	out := NormalizeGenerationConfig([]byte(`{}`), ModelFlags{NoThinking: true})
	assert.Equal(t, int64(0), gjson.GetBytes(out, "thinkingConfig.thinkingBudget").Int())

	out = NormalizeGenerationConfig([]byte(`{}`), ModelFlags{MaxThinking: true})
	assert.Equal(t, int64(32768), gjson.GetBytes(out, "thinkingConfig.thinkingBudget").Int())
	assert.True(t, gjson.GetBytes(out, "thinkingConfig.includeThoughts").Bool())
}

func TestNormalizeGenerationConfigBudgetBounds(t *testing.T) {
	out := NormalizeGenerationConfig([]byte(`{"thinkingConfig":{"thinkingBudget":-7}}`), ModelFlags{})
	assert.Equal(t, int64(-1), gjson.GetBytes(out, "thinkingConfig.thinkingBudget").Int())

	out = NormalizeGenerationConfig([]byte(`{"thinkingConfig":{"thinkingBudget":999999}}`), ModelFlags{})
	assert.Equal(t, int64(32768), gjson.GetBytes(out, "thinkingConfig.thinkingBudget").Int())
}

func TestNormalizeGenerationConfigInvalidInput(t *testing.T) {
	out := NormalizeGenerationConfig(nil, ModelFlags{})
	assert.True(t, gjson.ValidBytes(out))
}

func TestAttachDefaultSafetySettings(t *testing.T) {
	body := []byte(`{"request":{}}`)
	out := AttachDefaultSafetySettings(body, "request.safetySettings")
	settings := gjson.GetBytes(out, "request.safetySettings")
	assert.True(t, settings.IsArray())
	assert.Len(t, settings.Array(), 5)

	// Existing settings are preserved.
	custom := []byte(`{"request":{"safetySettings":[{"category":"X","threshold":"BLOCK_NONE"}]}}`)
	out = AttachDefaultSafetySettings(custom, "request.safetySettings")
	assert.Len(t, gjson.GetBytes(out, "request.safetySettings").Array(), 1)
}
