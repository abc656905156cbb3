package http

import (
	"log/slog"
	stdhttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"jobsched/internal/shared"
)

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		lvl := slog.LevelInfo
		if status >= 500 {
			lvl = slog.LevelError
		} else if status >= 400 {
			lvl = slog.LevelWarn
		}
		log.Log(c.Request.Context(), lvl, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"dur", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}

// rateLimit rejects requests over the limiter's budget with 429.
func rateLimit(l *rate.Limiter, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(stdhttp.StatusTooManyRequests, ErrorResponse{
				Code:    shared.KindConflict.String(),
				Message: "too many event notifications, retry later",
			})
			log.Warn("event notification throttled", "path", c.Request.URL.Path)
			return
		}
		c.Next()
	}
}
