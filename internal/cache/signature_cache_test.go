package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wenyu2333/gemini-relay/internal/config"
)

func TestSetGetPerBucket(t *testing.T) {
	c := NewSignatureCache(config.SignatureConfig{CacheTool: true, CacheThinking: true})

	c.Set("session-1", "gemini-2.5-pro", "SIG-TOOL", "thought about tools", Options{HasTools: true})
	c.Set("session-1", "gemini-2.5-pro", "SIG-THINK", "plain thought", Options{})

	entry, ok := c.Get("other-session", "gemini-2.5-pro", true)
	assert.True(t, ok)
	assert.Equal(t, "SIG-TOOL", entry.Signature)

	entry, ok = c.Get("", "gemini-2.5-pro", false)
	assert.True(t, ok)
	assert.Equal(t, "SIG-THINK", entry.Signature)
	assert.Equal(t, "plain thought", entry.Content)
}

func TestGetUnknownModel(t *testing.T) {
	c := NewSignatureCache(config.SignatureConfig{CacheAll: true})
	_, ok := c.Get("", "gemini-2.5-flash", false)
	assert.False(t, ok)
}

func TestGatingPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy config.SignatureConfig
		opts   Options
		want   bool
	}{
		{"cache-all admits everything", config.SignatureConfig{CacheAll: true}, Options{}, true},
		{"tool admitted when cache-tool", config.SignatureConfig{CacheTool: true}, Options{HasTools: true}, true},
		{"tool rejected without cache-tool", config.SignatureConfig{CacheThinking: true}, Options{HasTools: true}, false},
		{"image admitted when cache-image", config.SignatureConfig{CacheImage: true}, Options{IsImageModel: true}, true},
		{"reasoning admitted when cache-thinking", config.SignatureConfig{CacheThinking: true}, Options{}, true},
		{"reasoning rejected when all off", config.SignatureConfig{}, Options{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewSignatureCache(tt.policy)
			assert.Equal(t, tt.want, c.ShouldCache(tt.opts))

			c.Set("", "m", "sig", "content", tt.opts)
			_, ok := c.Get("", "m", tt.opts.HasTools)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestLatestEntryWins(t *testing.T) {
	c := NewSignatureCache(config.SignatureConfig{CacheAll: true})
	c.Set("", "m", "first", "", Options{HasTools: true})
	c.Set("", "m", "second", "", Options{HasTools: true})

	entry, ok := c.Get("", "m", true)
	assert.True(t, ok)
	assert.Equal(t, "second", entry.Signature)
}

func TestClear(t *testing.T) {
	c := NewSignatureCache(config.SignatureConfig{CacheAll: true})
	c.Set("", "m", "sig", "", Options{})
	c.Clear()
	_, ok := c.Get("", "m", false)
	assert.False(t, ok)
}
