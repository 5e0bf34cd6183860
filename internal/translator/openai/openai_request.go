// Package openai implements the OpenAI Chat Completions dialect: request
// conversion into the upstream Code Assist envelope and response writers for
// streaming chunks and one-shot bodies.
package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wenyu2333/gemini-relay/internal/cache"
	"github.com/wenyu2333/gemini-relay/internal/translator"
	"github.com/wenyu2333/gemini-relay/internal/translator/common"
)

// Dialect converts between OpenAI Chat Completions and the upstream format.
type Dialect struct {
	Names         *common.NameRegistry
	SigCache      *cache.SignatureCache
	PassSignature bool
}

// Name implements translator.Dialect.
func (d *Dialect) Name() string { return "openai" }

// ToUpstream converts an OpenAI chat request into the upstream envelope.
func (d *Dialect) ToUpstream(_ string, body []byte) (translator.Request, error) {
	root := gjson.ParseBytes(body)
	rawModel := root.Get("model").String()
	if rawModel == "" {
		return translator.Request{}, fmt.Errorf("model is required")
	}
	flags := common.ParseModelFlags(rawModel)
	model := flags.Model

	out := `{"model":"","project":"","request":{"contents":[]}}`
	out, _ = sjson.Set(out, "model", model)

	hasTools := root.Get("tools").IsArray() && len(root.Get("tools").Array()) > 0
	replaySig := common.ResolveSignature(d.SigCache, model, hasTools)

	var systemParts []string
	// tool_call id -> sanitized function name, for tool role messages.
	callNames := map[string]string{}

	contents := "[]"
	appendContent := func(role, partsJSON string) {
		content := `{"role":"","parts":[]}`
		content, _ = sjson.Set(content, "role", role)
		content, _ = sjson.SetRaw(content, "parts", partsJSON)
		contents, _ = sjson.SetRaw(contents, "-1", content)
	}
	lastRole := func() string {
		arr := gjson.Parse(contents).Array()
		if len(arr) == 0 {
			return ""
		}
		return arr[len(arr)-1].Get("role").String()
	}
	appendToLastUser := func(partJSON string) {
		arr := gjson.Parse(contents).Array()
		if len(arr) > 0 && arr[len(arr)-1].Get("role").String() == "user" {
			contents, _ = sjson.SetRaw(contents, fmt.Sprintf("%d.parts.-1", len(arr)-1), partJSON)
			return
		}
		appendContent("user", "["+partJSON+"]")
	}

	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		switch role {
		case "system", "developer":
			if text := flattenContentText(message.Get("content")); text != "" {
				systemParts = append(systemParts, text)
			}
		case "user":
			parts := userParts(message.Get("content"))
			if parts != "[]" {
				appendContent("user", parts)
			}
		case "assistant":
			parts := "[]"
			if reasoning := message.Get("reasoning_content").String(); reasoning != "" {
				part := `{"thought":true,"text":""}`
				part, _ = sjson.Set(part, "text", reasoning)
				part, _ = sjson.Set(part, "thoughtSignature", replaySig)
				parts, _ = sjson.SetRaw(parts, "-1", part)
			}
			if text := flattenContentText(message.Get("content")); text != "" {
				part, _ := sjson.Set(`{"text":""}`, "text", text)
				parts, _ = sjson.SetRaw(parts, "-1", part)
			}
			message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
				name := call.Get("function.name").String()
				safe := name
				if d.Names != nil {
					safe = d.Names.Sanitize(model, name)
				}
				if id := call.Get("id").String(); id != "" {
					callNames[id] = safe
				}
				part := `{"functionCall":{"name":"","args":{}}}`
				part, _ = sjson.Set(part, "functionCall.name", safe)
				if id := call.Get("id").String(); id != "" {
					part, _ = sjson.Set(part, "functionCall.id", id)
				}
				args := call.Get("function.arguments").String()
				if gjson.Valid(args) && gjson.Parse(args).IsObject() {
					part, _ = sjson.SetRaw(part, "functionCall.args", args)
				}
				parts, _ = sjson.SetRaw(parts, "-1", part)
				return true
			})
			if parts != "[]" {
				appendContent("model", parts)
			}
		case "tool":
			id := message.Get("tool_call_id").String()
			name := callNames[id]
			if name == "" {
				name = id
			}
			part := `{"functionResponse":{"name":"","response":{}}}`
			part, _ = sjson.Set(part, "functionResponse.name", name)
			if id != "" {
				part, _ = sjson.Set(part, "functionResponse.id", id)
			}
			result := flattenContentText(message.Get("content"))
			part, _ = sjson.Set(part, "functionResponse.response.result", result)
			// A tool result belongs to the user turn that answers the last
			// model turn; start one when the previous turn was a model turn.
			if lastRole() == "user" {
				appendToLastUser(part)
			} else {
				appendContent("user", "["+part+"]")
			}
		}
		return true
	})

	out, _ = sjson.SetRaw(out, "request.contents", contents)

	if len(systemParts) > 0 {
		instruction := `{"role":"user","parts":[]}`
		for _, text := range systemParts {
			part, _ := sjson.Set(`{"text":""}`, "text", text)
			instruction, _ = sjson.SetRaw(instruction, "parts.-1", part)
		}
		out, _ = sjson.SetRaw(out, "request.systemInstruction", instruction)
	}

	if toolsJSON := d.buildTools(model, root.Get("tools"), flags); toolsJSON != "" {
		out, _ = sjson.SetRaw(out, "request.tools", toolsJSON)
	}

	genConfig := buildGenerationConfig(root, flags)
	out, _ = sjson.SetRaw(out, "request.generationConfig", string(genConfig))

	body2 := []byte(out)
	body2 = common.AttachSignatureToCalls(body2, "request.contents", common.ResolveSignature(d.SigCache, model, hasTools))
	body2 = common.RebalanceSignatures(body2, "request.contents")
	body2 = common.AttachDefaultSafetySettings(body2, "request.safetySettings")

	return translator.Request{
		Model:    model,
		Flags:    flags,
		HasTools: hasTools,
		Stream:   root.Get("stream").Bool(),
		Payload:  body2,
	}, nil
}

// buildTools converts OpenAI tool declarations, sanitizing names and cleaning
// schemas. The -search marker appends a googleSearch tool.
func (d *Dialect) buildTools(model string, tools gjson.Result, flags common.ModelFlags) string {
	declarations := "[]"
	count := 0
	tools.ForEach(func(_, tool gjson.Result) bool {
		if tool.Get("type").String() != "function" {
			return true
		}
		fn := tool.Get("function")
		name := fn.Get("name").String()
		if name == "" {
			return true
		}
		safe := name
		if d.Names != nil {
			safe = d.Names.Sanitize(model, name)
		}
		decl := `{"name":""}`
		decl, _ = sjson.Set(decl, "name", safe)
		if desc := fn.Get("description").String(); desc != "" {
			decl, _ = sjson.Set(decl, "description", desc)
		}
		params := common.CleanParameters(json.RawMessage(fn.Get("parameters").Raw))
		decl, _ = sjson.SetRaw(decl, "parameters", string(params))
		declarations, _ = sjson.SetRaw(declarations, "-1", decl)
		count++
		return true
	})

	entries := "[]"
	if count > 0 {
		entry, _ := sjson.SetRaw(`{}`, "functionDeclarations", declarations)
		entries, _ = sjson.SetRaw(entries, "-1", entry)
	}
	if flags.Search {
		entries, _ = sjson.SetRaw(entries, "-1", `{"googleSearch":{}}`)
	}
	if entries == "[]" {
		return ""
	}
	return entries
}

func buildGenerationConfig(root gjson.Result, flags common.ModelFlags) []byte {
	cfg := "{}"
	if v := root.Get("temperature"); v.Exists() {
		cfg, _ = sjson.Set(cfg, "temperature", v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		cfg, _ = sjson.Set(cfg, "topP", v.Float())
	}
	if v := root.Get("top_k"); v.Exists() {
		cfg, _ = sjson.Set(cfg, "topK", v.Int())
	}
	if v := root.Get("max_completion_tokens"); v.Exists() {
		cfg, _ = sjson.Set(cfg, "maxOutputTokens", v.Int())
	} else if v := root.Get("max_tokens"); v.Exists() {
		cfg, _ = sjson.Set(cfg, "maxOutputTokens", v.Int())
	}
	if v := root.Get("stop"); v.Exists() {
		if v.IsArray() {
			cfg, _ = sjson.SetRaw(cfg, "stopSequences", v.Raw)
		} else if v.Type == gjson.String {
			cfg, _ = sjson.Set(cfg, "stopSequences.-1", v.String())
		}
	}
	return common.NormalizeGenerationConfig([]byte(cfg), flags)
}

// flattenContentText folds an OpenAI content field (string or part array)
// into plain text.
func flattenContentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var b strings.Builder
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			b.WriteString(part.Get("text").String())
		}
		return true
	})
	return b.String()
}

// userParts converts a user content field into upstream parts, keeping
// image_url data URLs as inlineData.
func userParts(content gjson.Result) string {
	parts := "[]"
	if content.Type == gjson.String {
		if content.String() == "" {
			return parts
		}
		part, _ := sjson.Set(`{"text":""}`, "text", content.String())
		parts, _ = sjson.SetRaw(parts, "-1", part)
		return parts
	}
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			p, _ := sjson.Set(`{"text":""}`, "text", part.Get("text").String())
			parts, _ = sjson.SetRaw(parts, "-1", p)
		case "image_url":
			url := part.Get("image_url.url").String()
			mime, data, ok := splitDataURL(url)
			if !ok {
				return true
			}
			p := `{"inlineData":{"mimeType":"","data":""}}`
			p, _ = sjson.Set(p, "inlineData.mimeType", mime)
			p, _ = sjson.Set(p, "inlineData.data", data)
			parts, _ = sjson.SetRaw(parts, "-1", p)
		}
		return true
	})
	return parts
}

func splitDataURL(url string) (mime, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "data:")
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return "", "", false
	}
	return rest[:semi], rest[semi+len(";base64,"):], true
}
