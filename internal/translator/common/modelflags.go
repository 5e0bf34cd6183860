package common

import "strings"

// Feature-prefix model names: a CLI-pool model name may carry prefixes and
// suffixes that toggle relay behavior without reaching the real API call.
const (
	fakeStreamPrefix     = "假流式/"
	antiTruncationPrefix = "流式抗截断/"

	maxThinkingSuffix = "-maxthinking"
	noThinkingSuffix  = "-nothinking"
	searchSuffix      = "-search"
)

// ModelFlags is the parsed form of a feature-prefixed model name.
type ModelFlags struct {
	// Model is the real upstream model name with all markers stripped.
	Model string

	// FakeStream requests the collect-then-replay streaming mode.
	FakeStream bool

	// AntiTruncation marks the stream for anti-truncation handling.
	AntiTruncation bool

	// MaxThinking forces the maximum thinking budget.
	MaxThinking bool

	// NoThinking forces thinking off.
	NoThinking bool

	// Search appends a googleSearch tool to the request.
	Search bool
}

// ParseModelFlags strips and records the feature markers of a model name.
func ParseModelFlags(name string) ModelFlags {
	flags := ModelFlags{}
	for {
		switch {
		case strings.HasPrefix(name, fakeStreamPrefix):
			flags.FakeStream = true
			name = strings.TrimPrefix(name, fakeStreamPrefix)
			continue
		case strings.HasPrefix(name, antiTruncationPrefix):
			flags.AntiTruncation = true
			name = strings.TrimPrefix(name, antiTruncationPrefix)
			continue
		}
		break
	}
	for {
		switch {
		case strings.HasSuffix(name, maxThinkingSuffix):
			flags.MaxThinking = true
			name = strings.TrimSuffix(name, maxThinkingSuffix)
			continue
		case strings.HasSuffix(name, noThinkingSuffix):
			flags.NoThinking = true
			name = strings.TrimSuffix(name, noThinkingSuffix)
			continue
		case strings.HasSuffix(name, searchSuffix):
			flags.Search = true
			name = strings.TrimSuffix(name, searchSuffix)
			continue
		}
		break
	}
	flags.Model = name
	return flags
}

// IsImageModel reports whether a model emits inline image data.
func IsImageModel(model string) bool {
	return strings.Contains(model, "-image")
}
