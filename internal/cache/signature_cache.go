// Package cache provides a thread-safe in-memory cache for thought signatures.
// Upstream reasoning models attach opaque continuation tokens to their parts;
// clients rarely persist them, but the upstream requires them on subsequent
// turns. Continuity is per model: the session id is accepted for API symmetry
// but is not part of the key.
package cache

import (
	"sync"
	"time"

	"github.com/wenyu2333/gemini-relay/internal/config"
)

// Bucket partitions cached signatures by the part kind they continue.
type Bucket string

const (
	// BucketReasoning holds signatures observed on plain thought parts.
	BucketReasoning Bucket = "reasoning"
	// BucketTool holds signatures observed on function-call parts.
	BucketTool Bucket = "tool"
)

// Entry is one cached signature with the thought text it was attached to.
type Entry struct {
	Signature string
	Content   string
	TS        time.Time
}

// Options describe the origin of a signature for the gating policy.
type Options struct {
	HasTools     bool
	IsImageModel bool
}

type cacheKey struct {
	model  string
	bucket Bucket
}

// SignatureCache stores the most recent signature per (model, bucket).
type SignatureCache struct {
	mu     sync.RWMutex
	ttl    time.Duration
	policy config.SignatureConfig
	items  map[cacheKey]Entry
}

// NewSignatureCache builds a cache with the given gating policy and the
// default one hour TTL.
func NewSignatureCache(policy config.SignatureConfig) *SignatureCache {
	return &SignatureCache{
		ttl:    time.Hour,
		policy: policy,
		items:  make(map[cacheKey]Entry),
	}
}

// ShouldCache applies the gating policy to a candidate signature.
func (c *SignatureCache) ShouldCache(opts Options) bool {
	if c.policy.CacheAll {
		return true
	}
	if opts.HasTools && c.policy.CacheTool {
		return true
	}
	if opts.IsImageModel && c.policy.CacheImage {
		return true
	}
	if !opts.HasTools && !opts.IsImageModel && c.policy.CacheThinking {
		return true
	}
	return false
}

// Set stores a signature when the gating policy admits it. The session id is
// unused; see the package comment.
func (c *SignatureCache) Set(_ string, model, signature, content string, opts Options) {
	if model == "" || signature == "" {
		return
	}
	if !c.ShouldCache(opts) {
		return
	}
	bucket := BucketReasoning
	if opts.HasTools {
		bucket = BucketTool
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// Lazy cleanup keeps the map bounded without a dedicated goroutine.
	if len(c.items) > 0 && len(c.items)%64 == 0 {
		c.cleanupLocked()
	}
	c.items[cacheKey{model: model, bucket: bucket}] = Entry{
		Signature: signature,
		Content:   content,
		TS:        time.Now(),
	}
}

// Get returns the most recent live entry for the model and bucket.
func (c *SignatureCache) Get(_ string, model string, hasTools bool) (Entry, bool) {
	bucket := BucketReasoning
	if hasTools {
		bucket = BucketTool
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.items[cacheKey{model: model, bucket: bucket}]
	if !ok {
		return Entry{}, false
	}
	if time.Since(entry.TS) > c.ttl {
		return Entry{}, false
	}
	return entry, true
}

// Clear drops every entry. Tests use this to rebuild fresh state.
func (c *SignatureCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[cacheKey]Entry)
}

func (c *SignatureCache) cleanupLocked() {
	cutoff := time.Now().Add(-c.ttl)
	for key, entry := range c.items {
		if entry.TS.Before(cutoff) {
			delete(c.items, key)
		}
	}
}
