package mission

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dere/dere/internal/gateway/httpapi"
)

// Handlers exposes missions over HTTP.
type Handlers struct {
	service *Service
}

// NewHandlers creates the mission HTTP handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes mounts the mission routes.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/missions")
	g.POST("", h.createMission)
	g.GET("", h.listMissions)
	g.GET("/:id", h.getMission)
	g.PATCH("/:id", h.updateMission)
	g.DELETE("/:id", h.deleteMission)
	g.POST("/:id/pause", h.pauseMission)
	g.POST("/:id/resume", h.resumeMission)
	g.POST("/:id/execute", h.executeMission)
	g.GET("/:id/executions", h.listExecutions)
	g.GET("/:id/executions/:exec_id", h.getExecution)
}

func (h *Handlers) createMission(c *gin.Context) {
	var req CreateMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	m, err := h.service.CreateMission(c.Request.Context(), req)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *Handlers) listMissions(c *gin.Context) {
	missions, err := h.service.ListMissions(c.Request.Context(), MissionStatus(c.Query("status")))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"missions": missions, "count": len(missions)})
}

func (h *Handlers) getMission(c *gin.Context) {
	m, err := h.service.GetMission(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handlers) updateMission(c *gin.Context) {
	var req UpdateMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	m, err := h.service.UpdateMission(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handlers) deleteMission(c *gin.Context) {
	if err := h.service.DeleteMission(c.Request.Context(), c.Param("id")); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) pauseMission(c *gin.Context) {
	m, err := h.service.PauseMission(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handlers) resumeMission(c *gin.Context) {
	m, err := h.service.ResumeMission(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handlers) executeMission(c *gin.Context) {
	var req struct {
		TriggeredBy string `json:"triggered_by"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := h.service.ExecuteNow(c.Request.Context(), c.Param("id"), req.TriggeredBy); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (h *Handlers) listExecutions(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	execs, err := h.service.ListExecutions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs, "count": len(execs)})
}

func (h *Handlers) getExecution(c *gin.Context) {
	e, err := h.service.GetExecution(c.Request.Context(), c.Param("id"), c.Param("exec_id"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}
