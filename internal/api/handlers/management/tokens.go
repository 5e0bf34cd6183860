// Package management implements the token administration surface. Every
// route addresses accounts by their opaque token id; raw refresh tokens
// appear only in the password-gated export/import payloads.
package management

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wenyu2333/gemini-relay/internal/account"
	"github.com/wenyu2333/gemini-relay/internal/config"
	"github.com/wenyu2333/gemini-relay/internal/store"
)

// Handler serves the token admin routes for one or more pools.
type Handler struct {
	Managers map[string]*account.Manager
}

func (h *Handler) manager(c *gin.Context) *account.Manager {
	pool := c.Param("pool")
	manager, ok := h.Managers[pool]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "unknown pool " + pool})
		return nil
	}
	return manager
}

// List answers GET /api/:pool/tokens.
func (h *Handler) List(c *gin.Context) {
	manager := h.manager(c)
	if manager == nil {
		return
	}
	views, err := manager.GetTokenList()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tokens": views})
}

// Add answers POST /api/:pool/tokens.
func (h *Handler) Add(c *gin.Context) {
	manager := h.manager(c)
	if manager == nil {
		return
	}
	var acct store.Account
	if err := c.ShouldBindJSON(&acct); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid account payload"})
		return
	}
	if err := manager.AddToken(&acct); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tokenId": manager.TokenID(&acct)})
}

// Update answers PUT /api/:pool/tokens/:id.
func (h *Handler) Update(c *gin.Context) {
	manager := h.manager(c)
	if manager == nil {
		return
	}
	var update account.TokenUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid update payload"})
		return
	}
	if err := manager.UpdateTokenByID(c.Param("id"), update); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Delete answers DELETE /api/:pool/tokens/:id.
func (h *Handler) Delete(c *gin.Context) {
	manager := h.manager(c)
	if manager == nil {
		return
	}
	if err := manager.DeleteTokenByID(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Refresh answers POST /api/:pool/tokens/:id/refresh.
func (h *Handler) Refresh(c *gin.Context) {
	manager := h.manager(c)
	if manager == nil {
		return
	}
	if err := manager.RefreshTokenByID(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// FetchProjectID answers POST /api/:pool/tokens/:id/project.
func (h *Handler) FetchProjectID(c *gin.Context) {
	manager := h.manager(c)
	if manager == nil {
		return
	}
	projectID, err := manager.FetchProjectIDForToken(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "message": err.Error()})
		return
	}
	if projectID == "" {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "project id unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "projectId": projectID})
}

// Export answers GET /api/:pool/tokens/export. The raw pool is sensitive;
// the route sits behind the management key like everything else here.
func (h *Handler) Export(c *gin.Context) {
	manager := h.manager(c)
	if manager == nil {
		return
	}
	accounts, err := manager.ExportTokens()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "accounts": accounts})
}

// Import answers POST /api/:pool/tokens/import.
func (h *Handler) Import(c *gin.Context) {
	manager := h.manager(c)
	if manager == nil {
		return
	}
	var payload struct {
		Accounts []*store.Account `json:"accounts"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid import payload"})
		return
	}
	if err := manager.ImportTokens(payload.Accounts); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "imported": len(payload.Accounts)})
}

// UpdateRotation answers PUT /api/:pool/rotation.
func (h *Handler) UpdateRotation(c *gin.Context) {
	manager := h.manager(c)
	if manager == nil {
		return
	}
	var payload struct {
		Strategy     config.RotationStrategy `json:"strategy"`
		RequestCount int                     `json:"requestCount"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid rotation payload"})
		return
	}
	manager.UpdateRotationConfig(payload.Strategy, payload.RequestCount)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
