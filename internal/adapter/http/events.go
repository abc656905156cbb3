package http

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/gin-gonic/gin"

	"jobsched/internal/domain"
)

// EventResponse reports the firing an event caused. Error is set when the
// job body failed; the request itself still succeeded.
type EventResponse struct {
	JobID      int64         `json:"job_id"`
	Status     domain.Status `json:"status"`
	DurationMS int64         `json:"duration_ms"`
	Error      string        `json:"error,omitempty"`
}

type AcceptedResponse struct {
	DeliveryID string `json:"delivery_id"`
	Event      string `json:"event"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *handler) notifyEvent(c *gin.Context) {
	out, err := h.Events.Notify(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	resp := EventResponse{JobID: out.JobID, Status: out.Status, DurationMS: out.Duration.Milliseconds()}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	c.JSON(stdhttp.StatusOK, resp)
}

func (h *handler) publishEvent(c *gin.Context) {
	name := c.Param("name")
	id, err := h.Bus.Publish(c.Request.Context(), name)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(stdhttp.StatusAccepted, AcceptedResponse{DeliveryID: id, Event: name})
}

func (h *handler) health(c *gin.Context) {
	if c.Query("verbose") != "true" || h.Store == nil {
		c.JSON(stdhttp.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{Status: "ok", Components: map[string]string{}}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy"
		h.log.Warn("health check failed", "check", "database", "error", err)
	} else {
		resp.Components["database"] = "healthy"
	}
	if h.Entries != nil {
		resp.Components["scheduler"] = fmt.Sprintf("%d entries", h.Entries())
	}

	code := stdhttp.StatusOK
	if resp.Status != "ok" {
		code = stdhttp.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}
