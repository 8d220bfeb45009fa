// Package server assembles the HTTP surface: per-entity controller
// registries, ingress middleware, and route wiring.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/agents"
	"github.com/autodev/autodev/internal/common/config"
	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/events/bus"
	"github.com/autodev/autodev/internal/issue"
	"github.com/autodev/autodev/internal/persistence"
	"github.com/autodev/autodev/internal/pr"
	"github.com/autodev/autodev/internal/ratelimit"
	"github.com/autodev/autodev/internal/repo"
	"github.com/autodev/autodev/internal/sandbox"
	"github.com/autodev/autodev/internal/session"
)

// Options carries the shared dependencies every entity controller is built
// from. Repo, Limiter and Sessions may be nil; their surfaces are then
// disabled.
type Options struct {
	Config      *config.Config
	Bus         bus.EventBus
	PRHost      pr.HostAPI
	Roster      agents.Roster
	Connections agents.Connections
	Sandbox     sandbox.Client
	Gates       pr.GateLoader
	Limiter     *ratelimit.Limiter
	Sessions    *session.Store
	Repo        *repo.Controller
	Logger      *logger.Logger
}

// Server owns the entity registries and builds the gin router.
type Server struct {
	opts   Options
	issues *Registry
	prs    *Registry
}

// New creates a server with empty registries.
func New(opts Options) *Server {
	s := &Server{opts: opts}
	s.issues = NewRegistry(s.buildIssueHandler)
	s.prs = NewRegistry(s.buildPRHandler)
	return s
}

// Router assembles the full route tree.
func (s *Server) Router() *gin.Engine {
	cfg := s.opts.Config
	log := s.opts.Logger

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	api.Use(RateLimit(s.opts.Limiter, cfg.RateLimit.Limit,
		time.Duration(cfg.RateLimit.WindowSeconds)*time.Second, log))

	if s.opts.Repo != nil {
		repo.NewHandlers(s.opts.Repo, log).Register(api)
	}

	api.GET("/agents", s.handleAgents)
	api.POST("/sessions", s.handleCreateSession)
	api.DELETE("/sessions", s.handleRevokeSession)

	api.Any("/issues/:id/agent/*path", s.dispatch(s.issues))
	api.Any("/prs/:id/*path",
		SessionAuth(s.opts.Sessions, log, "/approve", "/rollback"),
		s.dispatch(s.prs))

	return router
}

// buildIssueHandler opens the per-issue database and mounts one issue
// controller behind its own sub-router.
func (s *Server) buildIssueHandler(ref string) (http.Handler, error) {
	cfg := s.opts.Config
	p, err := persistence.Open(cfg.Database.DataDir, "issue", ref)
	if err != nil {
		return nil, err
	}
	ctrl, err := issue.NewController(p, s.opts.Bus, s.opts.Roster, s.opts.Connections, s.opts.Sandbox, issue.Config{
		EntityRef:      ref,
		TimeoutSeconds: cfg.Execution.TimeoutSeconds,
		MaxSteps:       cfg.Execution.MaxSteps,
		MaxRetries:     cfg.Execution.MaxRetries,
	}, s.opts.Logger)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	engine := gin.New()
	issue.NewHandlers(ctrl, s.opts.Logger).Register(&engine.RouterGroup)
	return engine, nil
}

// buildPRHandler opens the per-PR database and mounts one PR controller
// behind its own sub-router.
func (s *Server) buildPRHandler(ref string) (http.Handler, error) {
	cfg := s.opts.Config
	p, err := persistence.Open(cfg.Database.DataDir, "pr", ref)
	if err != nil {
		return nil, err
	}
	ctrl, err := pr.NewController(p, s.opts.Bus, s.opts.PRHost, s.opts.Sandbox, s.opts.Gates, pr.Config{
		EntityRef:      ref,
		TimeoutSeconds: cfg.Execution.TimeoutSeconds,
		MaxSteps:       cfg.Execution.MaxSteps,
		MaxRetries:     cfg.Review.MaxRetries,
	}, s.opts.Logger)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	engine := gin.New()
	pr.NewHandlers(ctrl).Register(&engine.RouterGroup)
	return engine, nil
}

// dispatch forwards the request to the entity's own router, rewriting the
// path to the dispatched remainder.
func (s *Server) dispatch(reg *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		ref := c.Param("id")
		h, err := reg.Handler(ref)
		if err != nil {
			s.opts.Logger.Error("entity handler init failed",
				zap.String("ref", ref), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "entity unavailable"})
			return
		}
		req := c.Request.Clone(c.Request.Context())
		req.URL.Path = c.Param("path")
		if req.URL.Path == "" {
			req.URL.Path = "/"
		}
		h.ServeHTTP(c.Writer, req)
	}
}

func (s *Server) handleAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.opts.Roster.List()})
}

type createSessionRequest struct {
	UserID     string         `json:"user_id"`
	Email      string         `json:"email"`
	Name       string         `json:"name"`
	Data       map[string]any `json:"data"`
	TTLSeconds int            `json:"ttl_seconds"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	if s.opts.Sessions == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "sessions disabled"})
		return
	}
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	ttl := req.TTLSeconds
	if ttl <= 0 {
		ttl = s.opts.Config.Session.DefaultTTLSeconds
	}

	token := uuid.NewString()
	sess, err := s.opts.Sessions.Create(token, session.CreateParams{
		UserID:     req.UserID,
		Email:      req.Email,
		Name:       req.Name,
		Data:       req.Data,
		TTLSeconds: ttl,
	})
	if err != nil {
		s.opts.Logger.Error("session create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session create failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "session": sess})
}

func (s *Server) handleRevokeSession(c *gin.Context) {
	if s.opts.Sessions == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "sessions disabled"})
		return
	}
	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	if err := s.opts.Sessions.Revoke(token); err != nil {
		s.opts.Logger.Error("session revoke failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session revoke failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
