package issue

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/agents"
	"github.com/autodev/autodev/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handlers exposes one issue controller over HTTP and websocket.
type Handlers struct {
	controller *Controller
	logger     *logger.Logger
}

// NewHandlers creates the HTTP surface for one issue controller.
func NewHandlers(controller *Controller, log *logger.Logger) *Handlers {
	return &Handlers{controller: controller, logger: log}
}

// Register mounts the routes on a gin router group.
func (h *Handlers) Register(r *gin.RouterGroup) {
	r.POST("/assign-agent", h.handleAssign)
	r.GET("/state", h.handleState)
	r.POST("/cancel", h.handleCancel)
	r.GET("/logs", h.handleLogs)
	r.GET("/transitions", h.handleTransitions)
	r.GET("/events/:session_id", h.handleSessionEvents)
	r.GET("/ws", h.handleWS)
}

func (h *Handlers) handleAssign(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request body"})
		return
	}
	agent, err := h.controller.AssignAgent(c.Request.Context(), req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrAlreadyAssigned) {
			status = http.StatusConflict
		}
		if errors.Is(err, agents.ErrUnknownAgent) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":    true,
		"state": h.controller.Status().State,
		"agent": gin.H{
			"id":        agent.ID,
			"name":      agent.Name,
			"tier":      agent.Tier,
			"framework": agent.Framework,
		},
	})
}

func (h *Handlers) handleState(c *gin.Context) {
	status := h.controller.Status()
	c.JSON(http.StatusOK, gin.H{
		"state":          status.State,
		"context":        status.Context,
		"can_transition": status.CanTransition,
	})
}

func (h *Handlers) handleCancel(c *gin.Context) {
	h.controller.Cancel(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ok": true, "state": h.controller.Status().State})
}

func (h *Handlers) handleLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	logs, err := h.controller.Logs(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *Handlers) handleTransitions(c *gin.Context) {
	transitions, err := h.controller.Transitions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions})
}

func (h *Handlers) handleSessionEvents(c *gin.Context) {
	events, err := h.controller.SessionEvents(c.Param("session_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handleWS attaches a real-time subscriber: a state snapshot on attach, then
// every agent event.
func (h *Handlers) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	sub := h.controller.Hub().Attach()
	defer h.controller.Hub().Detach(sub)

	status := h.controller.Status()
	if err := conn.WriteJSON(map[string]any{
		"type":    "state",
		"state":   status.State,
		"context": status.Context,
	}); err != nil {
		return
	}

	// Reader goroutine notices the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
