// Package common holds translation helpers shared by the three dialect
// converters: tool name sanitization, parameter schema cleaning, generation
// config normalization, feature-prefix model names and thought-signature
// replay.
package common

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// maxToolNameLength is the longest tool name the upstream accepts.
const maxToolNameLength = 64

// NameRegistry keeps a per-model bijection between sanitized tool names and
// the caller's originals so streaming function-call events can be resolved
// back to the name the client declared.
type NameRegistry struct {
	mu sync.Mutex
	// model -> safe -> original
	forward map[string]map[string]string
	// model -> original -> safe
	reverse map[string]map[string]string
}

// NewNameRegistry builds an empty registry.
func NewNameRegistry() *NameRegistry {
	return &NameRegistry{
		forward: make(map[string]map[string]string),
		reverse: make(map[string]map[string]string),
	}
}

// Sanitize maps a tool name to its safe form, registering the pair. Repeated
// calls with the same original return the same safe name; distinct originals
// never collide.
func (r *NameRegistry) Sanitize(model, original string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forward[model] == nil {
		r.forward[model] = make(map[string]string)
		r.reverse[model] = make(map[string]string)
	}
	if safe, ok := r.reverse[model][original]; ok {
		return safe
	}
	base := sanitizeToolName(original)
	safe := base
	for i := 2; ; i++ {
		existing, taken := r.forward[model][safe]
		if !taken || existing == original {
			break
		}
		suffix := fmt.Sprintf("_%d", i)
		trimmed := base
		if len(trimmed)+len(suffix) > maxToolNameLength {
			trimmed = trimmed[:maxToolNameLength-len(suffix)]
		}
		safe = trimmed + suffix
	}
	r.forward[model][safe] = original
	r.reverse[model][original] = safe
	return safe
}

// Resolve maps a safe name back to the original. Unknown names pass through
// unchanged so upstream-invented calls stay visible.
func (r *NameRegistry) Resolve(model, safe string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if names, ok := r.forward[model]; ok {
		if original, found := names[safe]; found {
			return original
		}
	}
	return safe
}

// sanitizeToolName rewrites a name into the upstream's accepted alphabet:
// letters, digits, underscores, dots and dashes, starting with a letter or
// underscore.
func sanitizeToolName(name string) string {
	if name == "" {
		return "_"
	}
	var b strings.Builder
	for i, r := range name {
		valid := r == '_' || r == '.' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9' && i > 0)
		if i == 0 && (r == '.' || r == '-' || (r >= '0' && r <= '9')) {
			valid = false
		}
		if valid {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= maxToolNameLength {
			break
		}
	}
	return b.String()
}

// schemaBlacklist lists JSON Schema keywords the upstream rejects.
var schemaBlacklist = []string{
	"$schema", "additionalProperties", "minLength", "maxLength",
	"minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum",
	"pattern", "format", "default", "examples", "title",
	"$id", "$ref", "$defs", "definitions", "const",
}

// CleanParameters normalizes a tool parameter schema for the upstream: drops
// unsupported keywords, uppercases type names (object -> OBJECT), collapses
// union types to their first non-null member, and defaults a missing
// properties map on objects.
func CleanParameters(raw json.RawMessage) json.RawMessage {
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil || schema == nil {
		return json.RawMessage(`{"type":"OBJECT","properties":{}}`)
	}
	cleanSchema(schema)
	out, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"OBJECT","properties":{}}`)
	}
	return out
}

func cleanSchema(schema map[string]any) {
	for _, key := range schemaBlacklist {
		delete(schema, key)
	}

	switch typeVal := schema["type"].(type) {
	case string:
		schema["type"] = strings.ToUpper(typeVal)
	case []any:
		for _, member := range typeVal {
			if s, ok := member.(string); ok && !strings.EqualFold(s, "null") {
				schema["type"] = strings.ToUpper(s)
				break
			}
		}
		if _, still := schema["type"].([]any); still {
			schema["type"] = "STRING"
		}
	}

	if t, _ := schema["type"].(string); t == "OBJECT" {
		if _, ok := schema["properties"]; !ok {
			schema["properties"] = map[string]any{}
		}
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		for _, value := range props {
			if nested, isMap := value.(map[string]any); isMap {
				cleanSchema(nested)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		cleanSchema(items)
	}
	if anyOf, ok := schema["anyOf"].([]any); ok {
		for _, member := range anyOf {
			if nested, isMap := member.(map[string]any); isMap {
				cleanSchema(nested)
			}
		}
	}
}
