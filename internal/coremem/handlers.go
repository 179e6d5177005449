package coremem

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dere/dere/internal/gateway/httpapi"
)

// Handlers exposes the core memory API.
type Handlers struct {
	service *Service
}

// NewHandlers creates the core memory HTTP handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes mounts the core memory routes.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	grp := r.Group("/memory/core")
	{
		grp.POST("/edit", h.edit)
		grp.GET("", h.get)
		grp.GET("/history", h.history)
		grp.POST("/rollback", h.rollback)
	}
}

func scopeFromQuery(c *gin.Context) Scope {
	return Scope{
		UserID:    c.Query("user_id"),
		SessionID: c.Query("session_id"),
	}
}

func (h *Handlers) edit(c *gin.Context) {
	var req EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	block, err := h.service.Edit(c.Request.Context(), req)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, block)
}

func (h *Handlers) get(c *gin.Context) {
	scope := scopeFromQuery(c)
	if blockType := c.Query("block_type"); blockType != "" {
		block, err := h.service.Get(c.Request.Context(), scope, BlockType(blockType))
		if err != nil {
			httpapi.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, block)
		return
	}

	blocks, err := h.service.List(c.Request.Context(), scope)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": blocks, "count": len(blocks)})
}

func (h *Handlers) history(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	versions, err := h.service.History(c.Request.Context(), scopeFromQuery(c),
		BlockType(c.Query("block_type")), limit)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions, "count": len(versions)})
}

func (h *Handlers) rollback(c *gin.Context) {
	var req struct {
		Scope     Scope     `json:"scope"`
		BlockType BlockType `json:"block_type"`
		Version   int       `json:"version"`
		Reason    string    `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	block, err := h.service.Rollback(c.Request.Context(), req.Scope, req.BlockType, req.Version, req.Reason)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, block)
}
