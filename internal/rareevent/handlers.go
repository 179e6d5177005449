package rareevent

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dere/dere/internal/gateway/httpapi"
)

// Handlers exposes rare events and the dashboard snapshot.
type Handlers struct {
	generator *Generator
	snapshots SnapshotProvider
}

// NewHandlers creates the rare event HTTP handlers.
func NewHandlers(generator *Generator, snapshots SnapshotProvider) *Handlers {
	return &Handlers{generator: generator, snapshots: snapshots}
}

// RegisterRoutes mounts the rare event and dashboard routes.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	grp := r.Group("/rare-events")
	{
		grp.GET("", h.list)
		grp.GET("/:id", h.get)
		grp.POST("/:id/shown", h.shown)
		grp.POST("/:id/dismiss", h.dismiss)
	}
	r.GET("/dashboard", h.dashboard)
}

func (h *Handlers) list(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		httpapi.BadRequest(c, "user_id is required")
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	events, err := h.generator.List(c.Request.Context(), userID, limit)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (h *Handlers) get(c *gin.Context) {
	event, err := h.generator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *Handlers) shown(c *gin.Context) {
	if err := h.generator.MarkShown(c.Request.Context(), c.Param("id")); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "shown"})
}

func (h *Handlers) dismiss(c *gin.Context) {
	if err := h.generator.MarkDismissed(c.Request.Context(), c.Param("id")); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "dismissed"})
}

func (h *Handlers) dashboard(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		httpapi.BadRequest(c, "user_id is required")
		return
	}

	snap, err := h.snapshots.Snapshot(c.Request.Context(), userID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
