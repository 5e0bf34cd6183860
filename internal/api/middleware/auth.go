package middleware

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/wenyu2333/gemini-relay/internal/config"
)

// APIKeyAuth gates chat endpoints behind the configured API keys. Keys are
// accepted as a Bearer token, an x-api-key header, an x-goog-api-key header
// or the key query parameter (the Gemini SDK's convention). The config
// pointer is atomic so hot reloads apply without restarting the server.
func APIKeyAuth(cfg *atomic.Pointer[config.Config]) gin.HandlerFunc {
	return func(c *gin.Context) {
		current := cfg.Load()
		if len(current.APIKeys) == 0 {
			c.Next()
			return
		}
		if current.APIKeyValid(extractAPIKey(c)) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{
				"message": "invalid API key",
				"type":    "authentication_error",
			},
		})
	}
}

func extractAPIKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	if key := c.GetHeader("x-goog-api-key"); key != "" {
		return key
	}
	return c.Query("key")
}

// ManagementAuth gates the token admin endpoints behind the management key.
func ManagementAuth(cfg *atomic.Pointer[config.Config]) gin.HandlerFunc {
	return func(c *gin.Context) {
		current := cfg.Load()
		if current.ManagementKey == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"message": "management key not configured",
			})
			return
		}
		if extractAPIKey(c) != current.ManagementKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "invalid management key",
			})
			return
		}
		c.Next()
	}
}
