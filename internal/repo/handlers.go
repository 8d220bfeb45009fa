package repo

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/common/logger"
)

// Handlers exposes the repo controller over HTTP.
type Handlers struct {
	controller *Controller
	logger     *logger.Logger
}

// NewHandlers creates the HTTP surface for one repo controller.
func NewHandlers(controller *Controller, log *logger.Logger) *Handlers {
	return &Handlers{controller: controller, logger: log}
}

// Register mounts the routes on a gin router group.
func (h *Handlers) Register(r *gin.RouterGroup) {
	r.POST("/webhook/github", h.handleHostWebhook)
	r.POST("/webhook/beads", h.handleBacklogWebhook)
	r.GET("/issues", h.handleList)
	r.GET("/issues/ready", h.handleListReady)
	r.GET("/issues/blocked", h.handleListBlocked)
	r.GET("/issues/search", h.handleSearch)
	r.GET("/issues/:id", h.handleGet)
	r.GET("/sync-log", h.handleSyncLog)
}

// Webhooks acknowledge malformed bodies with 200 {ok:false} so the host does
// not retry them forever.
func (h *Handlers) handleHostWebhook(c *gin.Context) {
	var event HostIssueEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		h.logger.Warn("malformed host webhook", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"ok": false})
		return
	}
	if err := h.controller.OnHostIssue(c.Request.Context(), event); err != nil {
		h.logger.Error("host webhook processing failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"ok": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) handleBacklogWebhook(c *gin.Context) {
	var push BacklogPush
	if err := c.ShouldBindJSON(&push); err != nil {
		h.logger.Warn("malformed backlog webhook", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"ok": false})
		return
	}
	result, err := h.controller.OnBacklogPush(c.Request.Context(), push)
	if err != nil {
		h.logger.Error("backlog import failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"ok": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
}

func (h *Handlers) handleList(c *gin.Context) {
	issues, err := h.controller.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues})
}

func (h *Handlers) handleListReady(c *gin.Context) {
	issues, err := h.controller.ListReady()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues})
}

func (h *Handlers) handleListBlocked(c *gin.Context) {
	issues, err := h.controller.ListBlocked()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues})
}

func (h *Handlers) handleSearch(c *gin.Context) {
	term := c.Query("q")
	if term == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
		return
	}
	issues, err := h.controller.Search(term)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues})
}

func (h *Handlers) handleGet(c *gin.Context) {
	issue, err := h.controller.Get(c.Param("id"))
	if errors.Is(err, ErrIssueNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "issue not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, issue)
}

func (h *Handlers) handleSyncLog(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.controller.SyncLog(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
