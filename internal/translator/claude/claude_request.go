// Package claude implements the Anthropic Messages dialect: request
// conversion into the upstream Code Assist envelope and response writers for
// the content_block event stream and one-shot bodies.
package claude

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

// Dialect converts between Anthropic Messages and the upstream format.
type Dialect struct {
	Names         *common.NameRegistry
	SigCache      *cache.SignatureCache
	PassSignature bool
}

// Name implements translator.Dialect.
func (d *Dialect) Name() string { return "claude" }

// ToUpstream converts a Messages request into the upstream envelope.
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

	// tool_use id -> sanitized name, for matching tool_result blocks.
	callNames := map[string]string{}

	contents := "[]"
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := "user"
		if message.Get("role").String() == "assistant" {
			role = "model"
		}
		parts := "[]"
		appendPart := func(partJSON string) {
			parts, _ = sjson.SetRaw(parts, "-1", partJSON)
		}

		content := message.Get("content")
		if content.Type == gjson.String {
			if content.String() != "" {
				part, _ := sjson.Set(`{"text":""}`, "text", content.String())
				appendPart(part)
			}
		} else {
			content.ForEach(func(_, block gjson.Result) bool {
				switch block.Get("type").String() {
				case "text":
					if text := block.Get("text").String(); text != "" {
						part, _ := sjson.Set(`{"text":""}`, "text", text)
						appendPart(part)
					}
				case "thinking":
					part := `{"thought":true,"text":""}`
					part, _ = sjson.Set(part, "text", block.Get("thinking").String())
					sig := block.Get("signature").String()
					if sig == "" {
						sig = replaySig
					}
					part, _ = sjson.Set(part, "thoughtSignature", sig)
					appendPart(part)
				case "tool_use":
					name := block.Get("name").String()
					safe := name
					if d.Names != nil {
						safe = d.Names.Sanitize(model, name)
					}
					id := block.Get("id").String()
					if id != "" {
						callNames[id] = safe
					}
					part := `{"functionCall":{"name":"","args":{}}}`
					part, _ = sjson.Set(part, "functionCall.name", safe)
					if id != "" {
						part, _ = sjson.Set(part, "functionCall.id", id)
					}
					if input := block.Get("input"); input.Exists() && input.IsObject() {
						part, _ = sjson.SetRaw(part, "functionCall.args", input.Raw)
					}
					appendPart(part)
				case "tool_result":
					id := block.Get("tool_use_id").String()
					name := callNames[id]
					if name == "" {
						name = id
					}
					part := `{"functionResponse":{"name":"","response":{}}}`
					part, _ = sjson.Set(part, "functionResponse.name", name)
					if id != "" {
						part, _ = sjson.Set(part, "functionResponse.id", id)
					}
					part, _ = sjson.Set(part, "functionResponse.response.result", toolResultText(block))
					appendPart(part)
				case "image":
					if block.Get("source.type").String() == "base64" {
						part := `{"inlineData":{"mimeType":"","data":""}}`
						part, _ = sjson.Set(part, "inlineData.mimeType", block.Get("source.media_type").String())
						part, _ = sjson.Set(part, "inlineData.data", block.Get("source.data").String())
						appendPart(part)
					}
				case "redacted_thinking":
					part, _ := sjson.Set(`{"text":""}`, "text", "[redacted thinking]")
					appendPart(part)
				}
				return true
			})
		}

		if parts == "[]" {
			return true
		}
		turn := `{"role":"","parts":[]}`
		turn, _ = sjson.Set(turn, "role", role)
		turn, _ = sjson.SetRaw(turn, "parts", parts)
		contents, _ = sjson.SetRaw(contents, "-1", turn)
		return true
	})
	out, _ = sjson.SetRaw(out, "request.contents", contents)

	if instruction := systemInstruction(root.Get("system")); instruction != "" {
		out, _ = sjson.SetRaw(out, "request.systemInstruction", instruction)
	}

	if toolsJSON := d.buildTools(model, root.Get("tools"), flags); toolsJSON != "" {
		out, _ = sjson.SetRaw(out, "request.tools", toolsJSON)
	}

	genConfig := buildGenerationConfig(root, flags)
	out, _ = sjson.SetRaw(out, "request.generationConfig", string(genConfig))

	body2 := []byte(out)
	body2 = common.AttachSignatureToCalls(body2, "request.contents", replaySig)
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

// toolResultText folds a tool_result content (string or block array) into
// plain text.
func toolResultText(block gjson.Result) string {
	content := block.Get("content")
	if content.Type == gjson.String {
		return content.String()
	}
	var texts []string
	content.ForEach(func(_, inner gjson.Result) bool {
		if inner.Get("type").String() == "text" {
			texts = append(texts, inner.Get("text").String())
		}
		return true
	})
	result := strings.Join(texts, "\n")
	if strings.TrimSpace(result) == "" {
		if block.Get("is_error").Bool() {
			return "Tool execution failed with no output."
		}
		return "Command executed successfully."
	}
	return result
}

func systemInstruction(system gjson.Result) string {
	var texts []string
	if system.Type == gjson.String {
		if system.String() != "" {
			texts = append(texts, system.String())
		}
	} else if system.IsArray() {
		system.ForEach(func(_, block gjson.Result) bool {
			if text := block.Get("text").String(); text != "" {
				texts = append(texts, text)
			}
			return true
		})
	}
	if len(texts) == 0 {
		return ""
	}
	instruction := `{"role":"user","parts":[]}`
	for _, text := range texts {
		part, _ := sjson.Set(`{"text":""}`, "text", text)
		instruction, _ = sjson.SetRaw(instruction, "parts.-1", part)
	}
	return instruction
}

func (d *Dialect) buildTools(model string, tools gjson.Result, flags common.ModelFlags) string {
	declarations := "[]"
	count := 0
	hasSearch := flags.Search
	tools.ForEach(func(_, tool gjson.Result) bool {
		name := tool.Get("name").String()
		if name == "web_search" || name == "google_search" || strings.HasPrefix(tool.Get("type").String(), "web_search") {
			hasSearch = true
			return true
		}
		if name == "" {
			return true
		}
		safe := name
		if d.Names != nil {
			safe = d.Names.Sanitize(model, name)
		}
		decl := `{"name":""}`
		decl, _ = sjson.Set(decl, "name", safe)
		if desc := tool.Get("description").String(); desc != "" {
			decl, _ = sjson.Set(decl, "description", desc)
		}
		params := common.CleanParameters(json.RawMessage(tool.Get("input_schema").Raw))
		decl, _ = sjson.SetRaw(decl, "parameters", string(params))
		declarations, _ = sjson.SetRaw(declarations, "-1", decl)
		count++
		return true
	})

	entries := "[]"
	if count > 0 {
		entry, _ := sjson.SetRaw(`{}`, "functionDeclarations", declarations)
		entries, _ = sjson.SetRaw(entries, "-1", entry)
	} else if hasSearch {
		// The upstream rejects googleSearch mixed with declarations.
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
	if v := root.Get("max_tokens"); v.Exists() {
		cfg, _ = sjson.Set(cfg, "maxOutputTokens", v.Int())
	}
	if v := root.Get("stop_sequences"); v.IsArray() {
		cfg, _ = sjson.SetRaw(cfg, "stopSequences", v.Raw)
	}
	if thinking := root.Get("thinking"); thinking.Exists() {
		if thinking.Get("type").String() == "enabled" {
			budget := thinking.Get("budget_tokens").Int()
			if budget <= 0 {
				budget = common.ThinkingBudgetUnlimited
			}
			cfg, _ = sjson.Set(cfg, "thinkingConfig.thinkingBudget", budget)
			cfg, _ = sjson.Set(cfg, "thinkingConfig.includeThoughts", true)
		} else {
			cfg, _ = sjson.Set(cfg, "thinkingConfig.thinkingBudget", common.ThinkingBudgetOff)
		}
	}
	return common.NormalizeGenerationConfig([]byte(cfg), flags)
}
