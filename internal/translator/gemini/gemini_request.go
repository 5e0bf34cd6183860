// Package gemini implements the Gemini generateContent dialect. Requests are
// nearly in upstream shape already; conversion is normalization: envelope
// wrapping, system-instruction renaming, tool sanitization and signature
// rebalancing.
package gemini

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wenyu2333/gemini-relay/internal/cache"
	"github.com/wenyu2333/gemini-relay/internal/translator"
	"github.com/wenyu2333/gemini-relay/internal/translator/common"
)

// Dialect normalizes Gemini generateContent requests for the upstream.
type Dialect struct {
	Names         *common.NameRegistry
	SigCache      *cache.SignatureCache
	PassSignature bool
}

// Name implements translator.Dialect.
func (d *Dialect) Name() string { return "gemini" }

// ToUpstream wraps a generateContent body into the upstream envelope. The
// model comes from the URL path for this dialect.
func (d *Dialect) ToUpstream(pathModel string, body []byte) (translator.Request, error) {
	if pathModel == "" {
		return translator.Request{}, fmt.Errorf("model is required")
	}
	flags := common.ParseModelFlags(pathModel)
	model := flags.Model

	raw := bytes.Clone(body)
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return translator.Request{}, fmt.Errorf("invalid request body")
	}

	// Some CLI clients ask for streaming via a body marker instead of the
	// streamGenerateContent path.
	bodyStream := gjson.GetBytes(raw, "_isStream").Bool()

	out := `{"model":"","project":"","request":{}}`
	out, _ = sjson.Set(out, "model", model)
	out, _ = sjson.SetRaw(out, "request", string(raw))
	out, _ = sjson.Delete(out, "request.model")
	out, _ = sjson.Delete(out, "request._isStream")

	if instruction := gjson.Get(out, "request.system_instruction"); instruction.Exists() {
		out, _ = sjson.SetRaw(out, "request.systemInstruction", instruction.Raw)
		out, _ = sjson.Delete(out, "request.system_instruction")
	}

	out = normalizeRoles(out)
	out = d.sanitizeTools(out, model)

	hasTools := gjson.Get(out, "request.tools").IsArray() && len(gjson.Get(out, "request.tools").Array()) > 0
	if flags.Search && !hasSearchTool(out) {
		out, _ = sjson.SetRaw(out, "request.tools.-1", `{"googleSearch":{}}`)
	}

	genConfig := gjson.Get(out, "request.generationConfig")
	normalized := common.NormalizeGenerationConfig([]byte(genConfig.Raw), flags)
	out, _ = sjson.SetRaw(out, "request.generationConfig", string(normalized))

	replaySig := common.ResolveSignature(d.SigCache, model, hasTools)
	payload := []byte(out)
	payload = common.AttachSignatureToCalls(payload, "request.contents", replaySig)
	payload = common.RebalanceSignatures(payload, "request.contents")
	payload = common.AttachDefaultSafetySettings(payload, "request.safetySettings")

	return translator.Request{
		Model:    model,
		Flags:    flags,
		HasTools: hasTools,
		Stream:   bodyStream,
		Payload:  payload,
	}, nil
}

// normalizeRoles defaults missing or invalid content roles to an alternating
// user/model sequence starting with user.
func normalizeRoles(out string) string {
	prevRole := ""
	idx := 0
	gjson.Get(out, "request.contents").ForEach(func(_, content gjson.Result) bool {
		role := content.Get("role").String()
		if role != "user" && role != "model" {
			newRole := "user"
			if prevRole == "user" {
				newRole = "model"
			}
			out, _ = sjson.Set(out, fmt.Sprintf("request.contents.%d.role", idx), newRole)
			role = newRole
		}
		prevRole = role
		idx++
		return true
	})
	return out
}

// sanitizeTools rewrites function declaration names through the registry and
// cleans parameter schemas. Both snake_case and camelCase declaration keys
// are accepted.
func (d *Dialect) sanitizeTools(out, model string) string {
	tools := gjson.Get(out, "request.tools")
	if !tools.IsArray() {
		return out
	}
	tools.ForEach(func(toolKey, tool gjson.Result) bool {
		for _, field := range []string{"functionDeclarations", "function_declarations"} {
			decls := tool.Get(field)
			if !decls.IsArray() {
				continue
			}
			decls.ForEach(func(declKey, decl gjson.Result) bool {
				base := fmt.Sprintf("request.tools.%d.functionDeclarations.%d", toolKey.Int(), declKey.Int())
				if field == "function_declarations" {
					base = fmt.Sprintf("request.tools.%d.function_declarations.%d", toolKey.Int(), declKey.Int())
				}
				if name := decl.Get("name").String(); name != "" && d.Names != nil {
					out, _ = sjson.Set(out, base+".name", d.Names.Sanitize(model, name))
				}
				if params := decl.Get("parameters"); params.Exists() {
					cleaned := common.CleanParameters(json.RawMessage(params.Raw))
					out, _ = sjson.SetRaw(out, base+".parameters", string(cleaned))
				}
				return true
			})
		}
		return true
	})
	return out
}

func hasSearchTool(out string) bool {
	found := false
	gjson.Get(out, "request.tools").ForEach(func(_, tool gjson.Result) bool {
		if tool.Get("googleSearch").Exists() || tool.Get("google_search").Exists() {
			found = true
			return false
		}
		return true
	})
	return found
}
