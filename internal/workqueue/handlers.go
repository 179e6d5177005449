package workqueue

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dere/dere/internal/gateway/httpapi"
)

// Handlers exposes the work queue over HTTP. Every handler is one call
// into the service.
type Handlers struct {
	service *Service
}

// NewHandlers creates the work queue HTTP handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes mounts the work queue routes.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/work-queue/tasks")
	g.POST("", h.createTask)
	g.GET("", h.listTasks)
	g.GET("/ready", h.readyTasks)
	g.GET("/:id", h.getTask)
	g.PATCH("/:id", h.updateTask)
	g.DELETE("/:id", h.deleteTask)
	g.POST("/:id/claim", h.claimTask)
	g.POST("/:id/release", h.releaseTask)
	g.POST("/:id/follow-up", h.addFollowUp)
}

func (h *Handlers) createTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	task, err := h.service.CreateTask(c.Request.Context(), req)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *Handlers) listTasks(c *gin.Context) {
	f := Filter{
		WorkingDir: c.Query("working_dir"),
		Status:     TaskStatus(c.Query("status")),
		TaskType:   c.Query("task_type"),
		Limit:      intQuery(c, "limit", 100),
		Offset:     intQuery(c, "offset", 0),
	}
	if tags := c.Query("tags"); tags != "" {
		f.Tags = strings.Split(tags, ",")
	}
	tasks, err := h.service.ListTasks(c.Request.Context(), f)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (h *Handlers) readyTasks(c *gin.Context) {
	var callerTools []string
	if tools, ok := c.GetQuery("required_tools"); ok {
		callerTools = strings.Split(tools, ",")
	}
	tasks, err := h.service.GetReadyTasks(c.Request.Context(),
		c.Query("working_dir"), c.Query("task_type"), callerTools, intQuery(c, "limit", 20))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (h *Handlers) getTask(c *gin.Context) {
	task, err := h.service.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) claimTask(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id"`
		AgentID   string `json:"agent_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	task, err := h.service.ClaimTask(c.Request.Context(), c.Param("id"), req.SessionID, req.AgentID)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) releaseTask(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional on release.
	_ = c.ShouldBindJSON(&req)
	task, err := h.service.ReleaseTask(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) updateTask(c *gin.Context) {
	var req UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	task, newlyReady, err := h.service.UpdateTask(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task, "newly_ready": newlyReady})
}

func (h *Handlers) addFollowUp(c *gin.Context) {
	var req struct {
		ChildID string `json:"child_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if err := h.service.AddFollowUpTask(c.Request.Context(), c.Param("id"), req.ChildID); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) deleteTask(c *gin.Context) {
	if err := h.service.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
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
