package pr

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handlers exposes one PR controller over HTTP.
type Handlers struct {
	controller *Controller
}

// NewHandlers creates the HTTP surface for one PR controller.
func NewHandlers(controller *Controller) *Handlers {
	return &Handlers{controller: controller}
}

// Register mounts the routes on a gin router group.
func (h *Handlers) Register(r *gin.RouterGroup) {
	r.POST("/open", h.handleOpen)
	r.POST("/event", h.handleEvent)
	r.POST("/session", h.handleSession)
	r.POST("/approve", h.handleApprove)
	r.POST("/rollback", h.handleRollback)
	r.GET("/status", h.handleStatus)
	r.GET("/transitions", h.handleTransitions)
	r.GET("/audit", h.handleAudit)
	r.GET("/rollback-info", h.handleRollbackInfo)
}

func (h *Handlers) handleOpen(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request body"})
		return
	}
	if err := h.controller.OnPROpened(c.Request.Context(), req); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrAlreadyOpen) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "state": h.controller.Status().State})
}

func (h *Handlers) handleEvent(c *gin.Context) {
	var ev PREvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request body"})
		return
	}
	if err := h.controller.HandleEvent(c.Request.Context(), ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "state": h.controller.Status().State})
}

func (h *Handlers) handleSession(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id"`
		OK        bool   `json:"ok"`
		Error     string `json:"error"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request body"})
		return
	}
	h.controller.OnSessionCallback(c.Request.Context(), req.SessionID, req.OK, req.Error)
	c.JSON(http.StatusOK, gin.H{"ok": true, "state": h.controller.Status().State})
}

func (h *Handlers) handleApprove(c *gin.Context) {
	var req struct {
		Approver string `json:"approver"`
		Approved bool   `json:"approved"`
		Reason   string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request body"})
		return
	}
	if err := h.controller.Approve(c.Request.Context(), req.Approver, req.Approved, req.Reason); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrNotAwaitingHuman) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "state": h.controller.Status().State})
}

func (h *Handlers) handleRollback(c *gin.Context) {
	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request body"})
		return
	}
	info, err := h.controller.Rollback(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "rollback": info})
}

func (h *Handlers) handleStatus(c *gin.Context) {
	status := h.controller.Status()
	c.JSON(http.StatusOK, gin.H{"state": status.State, "context": status.Context})
}

func (h *Handlers) handleTransitions(c *gin.Context) {
	transitions, err := h.controller.Transitions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions})
}

func (h *Handlers) handleAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	records, err := h.controller.AuditLog(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *Handlers) handleRollbackInfo(c *gin.Context) {
	info, ok, err := h.controller.RollbackInfo()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no rollback recorded"})
		return
	}
	c.JSON(http.StatusOK, info)
}
