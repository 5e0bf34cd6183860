package streaming

import (
	"bytes"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wenyu2333/gemini-relay/internal/cache"
)

var dataPrefix = []byte("data: ")

// toolCallIDCounter provides process-wide unique tool call identifiers.
var toolCallIDCounter uint64

// Parser turns upstream SSE lines into neutral events. One parser serves one
// stream; it is pumped from a single goroutine and is not safe for concurrent
// use.
type Parser struct {
	model        string
	hasTools     bool
	isImageModel bool

	// ResolveToolName maps a sanitized tool name back to the caller's
	// original. Nil means identity.
	ResolveToolName func(string) string

	sigCache *cache.SignatureCache

	reasoning    strings.Builder
	reasoningSig string
	lastSig      string
	toolCalls    []ToolCall
	usage        *Usage
	finished     bool
}

// NewParser builds a parser for one streaming response. sigCache may be nil
// when signature caching is not wanted (e.g. replayed fake streams).
func NewParser(model string, hasTools, isImageModel bool, sigCache *cache.SignatureCache) *Parser {
	return &Parser{
		model:        model,
		hasTools:     hasTools,
		isImageModel: isImageModel,
		sigCache:     sigCache,
	}
}

// ParseLine consumes one line of the upstream body. Lines without the
// "data: " prefix are ignored. The returned events preserve upstream order.
func (p *Parser) ParseLine(line []byte) []Event {
	if p.finished {
		return nil
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return nil
	}
	if !gjson.ValidBytes(payload) {
		return nil
	}
	return p.parseChunk(gjson.ParseBytes(payload))
}

// ParseBody consumes a complete non-stream upstream response body, emitting
// the same events a one-chunk stream would.
func (p *Parser) ParseBody(body []byte) []Event {
	if p.finished || !gjson.ValidBytes(body) {
		return nil
	}
	events := p.parseChunk(gjson.ParseBytes(body))
	if !p.finished {
		events = append(events, p.finish("STOP")...)
	}
	return events
}

// parseChunk walks one upstream response chunk. The Code Assist wire wraps
// the Gemini body in a "response" envelope; bare bodies are accepted too.
func (p *Parser) parseChunk(root gjson.Result) []Event {
	response := root.Get("response")
	if !response.Exists() {
		if !root.Get("candidates").Exists() {
			return nil
		}
		response = root
	}

	var events []Event

	response.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		events = append(events, p.parsePart(part)...)
		return true
	})

	if usageResult := response.Get("usageMetadata"); usageResult.Exists() {
		p.usage = &Usage{
			Prompt:     usageResult.Get("promptTokenCount").Int(),
			Completion: usageResult.Get("candidatesTokenCount").Int(),
			Thoughts:   usageResult.Get("thoughtsTokenCount").Int(),
			Total:      usageResult.Get("totalTokenCount").Int(),
		}
	}

	if finishResult := response.Get("candidates.0.finishReason"); finishResult.Exists() && finishResult.String() != "" {
		events = append(events, p.finish(finishResult.String())...)
	}
	return events
}

func (p *Parser) parsePart(part gjson.Result) []Event {
	sig := part.Get("thoughtSignature").String()
	if sig == "" {
		sig = part.Get("thought_signature").String()
	}
	if sig != "" {
		p.lastSig = sig
	}

	if functionCall := part.Get("functionCall"); functionCall.Exists() {
		name := functionCall.Get("name").String()
		if p.ResolveToolName != nil {
			name = p.ResolveToolName(name)
		}
		args := functionCall.Get("args")
		argsJSON := "{}"
		if args.Exists() && args.Raw != "" {
			argsJSON = args.Raw
		}
		id := functionCall.Get("id").String()
		if id == "" {
			id = fmt.Sprintf("%s-%d-%d", name, time.Now().UnixNano(), atomic.AddUint64(&toolCallIDCounter, 1))
		}
		p.toolCalls = append(p.toolCalls, ToolCall{
			ID:        id,
			Name:      name,
			ArgsJSON:  argsJSON,
			Signature: p.lastSig,
		})
		return nil
	}

	if inlineData := part.Get("inlineData"); inlineData.Exists() || part.Get("inline_data").Exists() {
		if !inlineData.Exists() {
			inlineData = part.Get("inline_data")
		}
		data := inlineData.Get("data").String()
		if data == "" {
			return nil
		}
		mimeType := inlineData.Get("mimeType").String()
		if mimeType == "" {
			mimeType = inlineData.Get("mime_type").String()
		}
		if mimeType == "" {
			mimeType = "image/png"
		}
		return []Event{{Kind: EventText, Text: fmt.Sprintf("![image](data:%s;base64,%s)", mimeType, data)}}
	}

	if textResult := part.Get("text"); textResult.Exists() {
		text := textResult.String()
		if part.Get("thought").Bool() {
			p.reasoning.WriteString(text)
			if sig != "" {
				p.reasoningSig = sig
			}
			if text == "" && sig == "" {
				return nil
			}
			return []Event{{Kind: EventReasoning, Text: text, Signature: sig}}
		}
		if text == "" {
			return nil
		}
		return []Event{{Kind: EventText, Text: text}}
	}
	return nil
}

// finish flushes buffered tool calls, emits usage and the done event, and
// records the stream's reasoning signature in the cache.
func (p *Parser) finish(reason string) []Event {
	p.finished = true

	if p.sigCache != nil && p.model != "" {
		sig := p.reasoningSig
		if sig == "" {
			sig = p.lastSig
		}
		if sig != "" {
			p.sigCache.Set("", p.model, sig, p.reasoning.String(), cache.Options{
				HasTools:     p.hasTools && len(p.toolCalls) > 0,
				IsImageModel: p.isImageModel,
			})
		}
	}

	var events []Event
	if len(p.toolCalls) > 0 {
		events = append(events, Event{Kind: EventToolCalls, Calls: p.toolCalls})
	}
	if p.usage != nil {
		events = append(events, Event{Kind: EventUsage, Usage: p.usage})
	}
	events = append(events, Event{Kind: EventDone, FinishReason: reason})
	return events
}

// Finish force-terminates the stream when the upstream closed without a
// finish reason. It is a no-op after a natural finish.
func (p *Parser) Finish() []Event {
	if p.finished {
		return nil
	}
	return p.finish("STOP")
}

// Finished reports whether a done event has been emitted.
func (p *Parser) Finished() bool { return p.finished }
