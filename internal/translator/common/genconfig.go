package common

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Thinking budget sentinels shared by the dialect converters.
const (
	// ThinkingBudgetUnlimited lets the model spend freely.
	ThinkingBudgetUnlimited = -1
	// ThinkingBudgetOff disables thinking.
	ThinkingBudgetOff = 0
	// thinkingBudgetMax is the largest budget the upstream accepts.
	thinkingBudgetMax = 32768
)

// NormalizeGenerationConfig clamps sampler knobs in a generationConfig JSON
// object and applies the model's feature-flag thinking overrides. The input
// is the raw generationConfig object; the output replaces it.
func NormalizeGenerationConfig(raw []byte, flags ModelFlags) []byte {
	out := raw
	if len(out) == 0 || !gjson.ValidBytes(out) {
		out = []byte(`{}`)
	}

	if temp := gjson.GetBytes(out, "temperature"); temp.Exists() {
		out = clampFloat(out, "temperature", temp.Float(), 0, 2)
	}
	if topP := gjson.GetBytes(out, "topP"); topP.Exists() {
		out = clampFloat(out, "topP", topP.Float(), 0, 1)
	}
	if topK := gjson.GetBytes(out, "topK"); topK.Exists() {
		value := topK.Int()
		if value < 1 {
			value = 1
		}
		out, _ = sjson.SetBytes(out, "topK", value)
	}
	if maxTokens := gjson.GetBytes(out, "maxOutputTokens"); maxTokens.Exists() && maxTokens.Int() <= 0 {
		out, _ = sjson.DeleteBytes(out, "maxOutputTokens")
	}

	switch {
	case flags.NoThinking:
		out, _ = sjson.SetBytes(out, "thinkingConfig.thinkingBudget", ThinkingBudgetOff)
		out, _ = sjson.DeleteBytes(out, "thinkingConfig.includeThoughts")
	case flags.MaxThinking:
		out, _ = sjson.SetBytes(out, "thinkingConfig.thinkingBudget", thinkingBudgetMax)
		out, _ = sjson.SetBytes(out, "thinkingConfig.includeThoughts", true)
	default:
		if budget := gjson.GetBytes(out, "thinkingConfig.thinkingBudget"); budget.Exists() {
			value := budget.Int()
			if value < ThinkingBudgetUnlimited {
				value = ThinkingBudgetUnlimited
			}
			if value > thinkingBudgetMax {
				value = thinkingBudgetMax
			}
			out, _ = sjson.SetBytes(out, "thinkingConfig.thinkingBudget", value)
			if value != ThinkingBudgetOff {
				out, _ = sjson.SetBytes(out, "thinkingConfig.includeThoughts", true)
			}
		}
	}
	return out
}

func clampFloat(body []byte, path string, value, lo, hi float64) []byte {
	if value < lo {
		value = lo
	}
	if value > hi {
		value = hi
	}
	out, err := sjson.SetBytes(body, path, value)
	if err != nil {
		return body
	}
	return out
}

// AttachDefaultSafetySettings sets the permissive safety settings the
// upstream IDE clients send, unless the request already carries its own.
func AttachDefaultSafetySettings(body []byte, path string) []byte {
	if gjson.GetBytes(body, path).Exists() {
		return body
	}
	const settings = `[{"category":"HARM_CATEGORY_HARASSMENT","threshold":"OFF"},{"category":"HARM_CATEGORY_HATE_SPEECH","threshold":"OFF"},{"category":"HARM_CATEGORY_SEXUALLY_EXPLICIT","threshold":"OFF"},{"category":"HARM_CATEGORY_DANGEROUS_CONTENT","threshold":"OFF"},{"category":"HARM_CATEGORY_CIVIC_INTEGRITY","threshold":"OFF"}]`
	out, err := sjson.SetRawBytes(body, path, []byte(settings))
	if err != nil {
		return body
	}
	return out
}
