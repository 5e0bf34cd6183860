package handlers

import (
	"io"
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/wenyu2333/gemini-relay/internal/registry"
)

func poolModels(pool string) []*registry.ModelInfo {
	if pool == PoolGeminiCLI {
		return registry.GetGeminiCLIModels()
	}
	return registry.GetAntigravityModels()
}

// OpenAIModels answers GET /v1/models in the OpenAI list shape.
func (h *Handler) OpenAIModels(pool string) gin.HandlerFunc {
	return func(c *gin.Context) {
		models := poolModels(pool)
		data := make([]gin.H, 0, len(models))
		for _, m := range models {
			data = append(data, gin.H{
				"id":       m.ID,
				"object":   "model",
				"created":  m.Created,
				"owned_by": m.OwnedBy,
			})
		}
		c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
	}
}

// GeminiModels answers GET /v1beta/models in the Gemini list shape.
func (h *Handler) GeminiModels(pool string) gin.HandlerFunc {
	return func(c *gin.Context) {
		models := poolModels(pool)
		data := make([]gin.H, 0, len(models))
		for _, m := range models {
			data = append(data, gin.H{
				"name":                       "models/" + m.ID,
				"displayName":                m.DisplayName,
				"inputTokenLimit":            m.ContextLength,
				"outputTokenLimit":           m.MaxCompletionTokens,
				"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent", "countTokens"},
			})
		}
		c.JSON(http.StatusOK, gin.H{"models": data})
	}
}

// GeminiCountTokens proxies :countTokens for the Gemini dialect.
func (h *Handler) GeminiCountTokens(c *gin.Context, pool, model string) {
	dialect := h.geminiDialect()
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, dialect, http.StatusBadRequest, "failed to read request body", false)
		return
	}
	req, err := dialect.ToUpstream(model, body)
	if err != nil {
		writeError(c, dialect, http.StatusBadRequest, err.Error(), false)
		return
	}

	manager := h.Managers[pool]
	acct := manager.GetToken(c.Request.Context())
	if acct == nil {
		writeError(c, dialect, http.StatusServiceUnavailable, "no available account", false)
		return
	}
	resp, err := h.Clients[pool].CountTokens(c.Request.Context(), acct, req.Payload)
	if err != nil {
		status, message := errorStatus(err)
		writeError(c, dialect, status, message, false)
		return
	}
	c.JSON(http.StatusOK, gin.H{"totalTokens": gjson.GetBytes(resp, "totalTokens").Int()})
}

// Health answers GET /health.
func (h *Handler) Health() gin.HandlerFunc {
	return func(c *gin.Context) {
		pools := gin.H{}
		for name, manager := range h.Managers {
			pools[name] = gin.H{"active_accounts": manager.ActiveCount()}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "pools": pools})
	}
}

// Memory answers GET /v1/memory with process memory statistics.
func (h *Handler) Memory() gin.HandlerFunc {
	return func(c *gin.Context) {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		c.JSON(http.StatusOK, gin.H{
			"alloc_bytes":       stats.Alloc,
			"total_alloc_bytes": stats.TotalAlloc,
			"sys_bytes":         stats.Sys,
			"num_gc":            stats.NumGC,
			"goroutines":        runtime.NumGoroutine(),
		})
	}
}
