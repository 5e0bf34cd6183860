package common

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wenyu2333/gemini-relay/internal/cache"
)

// SentinelSignature is the upstream's validator bypass, used only when no
// cached or default signature exists.
const SentinelSignature = "skip_thought_signature_validator"

// defaultSignatures carries known-good per-model continuation tokens used
// before the cache has observed a live one.
var defaultSignatures = map[string]string{}

// ResolveSignature picks the signature to replay on historical parts for a
// model: the cached one when present, then a per-model default, then the
// sentinel.
func ResolveSignature(sigCache *cache.SignatureCache, model string, hasTools bool) string {
	if sigCache != nil {
		if entry, ok := sigCache.Get("", model, hasTools); ok && entry.Signature != "" {
			return entry.Signature
		}
	}
	if sig, ok := defaultSignatures[model]; ok && sig != "" {
		return sig
	}
	return SentinelSignature
}

// RebalanceSignatures repairs model turns whose parts arrived out of shape:
// standalone thoughtSignature parts (no text, call or data of their own) are
// folded onto the adjacent thought, functionCall or inlineData part, then
// dropped.
func RebalanceSignatures(body []byte, contentsPath string) []byte {
	contents := gjson.GetBytes(body, contentsPath)
	if !contents.IsArray() {
		return body
	}

	out := body
	contents.ForEach(func(contentKey, content gjson.Result) bool {
		if content.Get("role").String() != "model" {
			return true
		}
		parts := content.Get("parts")
		if !parts.IsArray() {
			return true
		}

		type partView struct {
			raw        string
			sig        string
			standalone bool
			carrier    bool
		}
		views := make([]partView, 0, 8)
		parts.ForEach(func(_, part gjson.Result) bool {
			sig := part.Get("thoughtSignature").String()
			hasPayload := part.Get("text").Exists() || part.Get("thought").Exists() ||
				part.Get("functionCall").Exists() || part.Get("inlineData").Exists() ||
				part.Get("functionResponse").Exists() || part.Get("fileData").Exists()
			views = append(views, partView{
				raw:        part.Raw,
				sig:        sig,
				standalone: sig != "" && !hasPayload,
				carrier: part.Get("thought").Bool() || part.Get("functionCall").Exists() ||
					part.Get("inlineData").Exists(),
			})
			return true
		})

		changed := false
		for i, view := range views {
			if !view.standalone {
				continue
			}
			// Prefer the previous carrier part, then the next one.
			target := -1
			for j := i - 1; j >= 0; j-- {
				if views[j].carrier {
					target = j
					break
				}
			}
			if target < 0 {
				for j := i + 1; j < len(views); j++ {
					if views[j].carrier {
						target = j
						break
					}
				}
			}
			if target >= 0 && gjson.Get(views[target].raw, "thoughtSignature").String() == "" {
				merged, err := sjson.Set(views[target].raw, "thoughtSignature", view.sig)
				if err == nil {
					views[target].raw = merged
				}
			}
			views[i].raw = ""
			changed = true
		}
		if !changed {
			return true
		}

		rebuilt := "[]"
		for _, view := range views {
			if view.raw == "" {
				continue
			}
			rebuilt, _ = sjson.SetRaw(rebuilt, "-1", view.raw)
		}
		path := fmt.Sprintf("%s.%d.parts", contentsPath, contentKey.Int())
		if updated, err := sjson.SetRawBytes(out, path, []byte(rebuilt)); err == nil {
			out = updated
		}
		return true
	})
	return out
}

// AttachSignatureToCalls writes the resolved signature onto every
// functionCall part of the final model turn that lacks one. Tool continuation
// requires a signature even when thinking is disabled.
func AttachSignatureToCalls(body []byte, contentsPath, signature string) []byte {
	if signature == "" {
		return body
	}
	contents := gjson.GetBytes(body, contentsPath)
	if !contents.IsArray() {
		return body
	}
	out := body
	contents.ForEach(func(contentKey, content gjson.Result) bool {
		if content.Get("role").String() != "model" {
			return true
		}
		content.Get("parts").ForEach(func(partKey, part gjson.Result) bool {
			if !part.Get("functionCall").Exists() {
				return true
			}
			if part.Get("thoughtSignature").String() != "" {
				return true
			}
			path := fmt.Sprintf("%s.%d.parts.%d.thoughtSignature", contentsPath, contentKey.Int(), partKey.Int())
			if updated, err := sjson.SetBytes(out, path, signature); err == nil {
				out = updated
			}
			return true
		})
		return true
	})
	return out
}
