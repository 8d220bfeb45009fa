package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/ratelimit"
	"github.com/autodev/autodev/internal/session"
)

// RequestLogger logs every request at debug, promoting server errors.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.Int("bytes", c.Writer.Size()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("http request", fields...)
			return
		}
		log.Debug("http request", fields...)
	}
}

// RateLimit applies a per-client sliding window to every request. A failed
// limiter lookup fails open.
func RateLimit(limiter *ratelimit.Limiter, limit int, window time.Duration, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		res, err := limiter.Check(c.ClientIP(), "http", limit, window)
		if err != nil {
			log.Warn("rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(res.RetryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": res.RetryAfter,
			})
			return
		}
		c.Next()
	}
}

// SessionAuth requires a valid bearer session on the guarded subpaths of a
// dispatched entity route. Everything else passes through. A nil store
// disables the guard.
func SessionAuth(sessions *session.Store, log *logger.Logger, guarded ...string) gin.HandlerFunc {
	set := make(map[string]bool, len(guarded))
	for _, p := range guarded {
		set[p] = true
	}
	return func(c *gin.Context) {
		if sessions == nil || !set[c.Param("path")] {
			c.Next()
			return
		}
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		sess, err := sessions.Validate(token)
		if err != nil {
			log.Error("session lookup failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
			return
		}
		if sess == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired session"})
			return
		}
		c.Set("session", sess)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
