package swarm

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dere/dere/internal/gateway/httpapi"
)

// Handlers exposes the swarm API.
type Handlers struct {
	coordinator *Coordinator
}

// NewHandlers creates the swarm HTTP handlers.
func NewHandlers(coordinator *Coordinator) *Handlers {
	return &Handlers{coordinator: coordinator}
}

// RegisterRoutes mounts the swarm routes.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	grp := r.Group("/swarm")
	{
		grp.POST("/create", h.createSwarm)
		grp.GET("", h.listSwarms)
		grp.GET("/:id", h.getSwarm)
		grp.POST("/:id/start", h.startSwarm)
		grp.POST("/:id/cancel", h.cancelSwarm)
		grp.POST("/:id/merge", h.mergeSwarm)
		grp.POST("/:id/wait", h.waitForAgents)
		grp.GET("/:id/agent/:name", h.getAgent)
		grp.GET("/:id/scratchpad", h.listScratchpad)
		grp.GET("/:id/scratchpad/:key", h.getScratchpad)
		grp.PUT("/:id/scratchpad/:key", h.putScratchpad)
		grp.DELETE("/:id/scratchpad/:key", h.deleteScratchpad)
	}
}

func (h *Handlers) createSwarm(c *gin.Context) {
	var req CreateSwarmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	sw, err := h.coordinator.CreateSwarm(c.Request.Context(), req)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, sw)
}

func (h *Handlers) listSwarms(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	swarms, err := h.coordinator.ListSwarms(c.Request.Context(), limit)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"swarms": swarms, "count": len(swarms)})
}

func (h *Handlers) getSwarm(c *gin.Context) {
	sw, err := h.coordinator.GetSwarm(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	agents, err := h.coordinator.ListAgents(c.Request.Context(), sw.ID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"swarm": sw, "agents": agents})
}

func (h *Handlers) startSwarm(c *gin.Context) {
	if err := h.coordinator.StartSwarm(c.Request.Context(), c.Param("id")); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (h *Handlers) cancelSwarm(c *gin.Context) {
	if err := h.coordinator.CancelSwarm(c.Request.Context(), c.Param("id")); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (h *Handlers) mergeSwarm(c *gin.Context) {
	var req struct {
		Target string   `json:"target"`
		Order  []string `json:"order"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpapi.BadRequest(c, "invalid request body: "+err.Error())
			return
		}
	}

	results, err := h.coordinator.MergeSwarm(c.Request.Context(), c.Param("id"), req.Target, req.Order)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handlers) waitForAgents(c *gin.Context) {
	var req struct {
		Agents         []string `json:"agents"`
		TimeoutSeconds int      `json:"timeout_seconds"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpapi.BadRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	agents, settled, err := h.coordinator.WaitForAgents(c.Request.Context(), c.Param("id"), req.Agents, timeout)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "settled": settled})
}

func (h *Handlers) getAgent(c *gin.Context) {
	agent, err := h.coordinator.GetAgent(c.Request.Context(), c.Param("id"), c.Param("name"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handlers) listScratchpad(c *gin.Context) {
	entries, err := h.coordinator.ScratchpadList(c.Request.Context(), c.Param("id"), c.Query("prefix"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (h *Handlers) getScratchpad(c *gin.Context) {
	entry, err := h.coordinator.ScratchpadGet(c.Request.Context(), c.Param("id"), c.Param("key"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handlers) putScratchpad(c *gin.Context) {
	var req struct {
		Value   json.RawMessage `json:"value"`
		AgentID string          `json:"agent_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	entry, err := h.coordinator.ScratchpadPut(c.Request.Context(), c.Param("id"), c.Param("key"), req.Value, req.AgentID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handlers) deleteScratchpad(c *gin.Context) {
	if err := h.coordinator.ScratchpadDelete(c.Request.Context(), c.Param("id"), c.Param("key")); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func intQuery(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
