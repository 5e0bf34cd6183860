package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// OpenAIChatCompletions handles POST /v1/chat/completions (and the /cli
// variant). Streaming is triggered by body stream:true.
func (h *Handler) OpenAIChatCompletions(pool string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.handleChat(c, pool, h.openaiDialect(), "", false)
	}
}

// ClaudeMessages handles POST /v1/messages (and the /cli variant).
func (h *Handler) ClaudeMessages(pool string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.handleChat(c, pool, h.claudeDialect(), "", false)
	}
}

// GeminiGenerate handles POST /v1beta/models/{model}:{action} (and the /cli
// variant). The action selects the response shape: streamGenerateContent
// always streams, generateContent streams only with ?alt=sse.
func (h *Handler) GeminiGenerate(pool string) gin.HandlerFunc {
	return func(c *gin.Context) {
		dialect := h.geminiDialect()
		model, action, ok := splitModelAction(c.Param("modelAction"))
		if !ok {
			writeError(c, dialect, http.StatusNotFound, "unknown model action", false)
			return
		}
		switch action {
		case "streamGenerateContent":
			h.handleChat(c, pool, dialect, model, true)
		case "generateContent":
			stream := strings.EqualFold(c.Query("alt"), "sse")
			h.handleChat(c, pool, dialect, model, stream)
		case "countTokens":
			h.GeminiCountTokens(c, pool, model)
		default:
			writeError(c, dialect, http.StatusNotFound, "unsupported action "+action, false)
		}
	}
}

// splitModelAction parses "/gemini-2.5-pro:generateContent" from the
// wildcard path segment.
func splitModelAction(path string) (model, action string, ok bool) {
	path = strings.TrimPrefix(path, "/")
	colon := strings.LastIndex(path, ":")
	if colon <= 0 || colon == len(path)-1 {
		return "", "", false
	}
	return path[:colon], path[colon+1:], true
}
