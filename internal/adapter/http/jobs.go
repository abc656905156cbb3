package http

import (
	"context"
	stdhttp "net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"jobsched/internal/domain"
	"jobsched/internal/lifecycle"
	"jobsched/internal/shared"
	"jobsched/internal/store"
)

// JobRequest is the body of POST /jobs and PUT /jobs/:id.
// ExecutionTime is RFC 3339; a time without zone is read in the server's zone.
type JobRequest struct {
	Name            string  `json:"name" binding:"required,max=255"`
	ExecutionTypeID int64   `json:"execution_type_id" binding:"required,gt=0"`
	JobTypeID       *int64  `json:"job_type_id" binding:"omitempty,gt=0"`
	EventMappingID  *int64  `json:"event_mapping_id" binding:"omitempty,gt=0"`
	ExecutionTime   *string `json:"execution_time"`
	Recurring       bool    `json:"recurring"`
	Priority        int     `json:"priority"`
}

var localLayouts = []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02T15:04"}

func (h *handler) spec(req JobRequest) (lifecycle.JobSpec, error) {
	spec := lifecycle.JobSpec{
		Name:            strings.TrimSpace(req.Name),
		ExecutionTypeID: req.ExecutionTypeID,
		JobTypeID:       req.JobTypeID,
		EventMappingID:  req.EventMappingID,
		Recurring:       req.Recurring,
		Priority:        req.Priority,
	}
	if req.ExecutionTime == nil || strings.TrimSpace(*req.ExecutionTime) == "" {
		return spec, nil
	}
	t, err := h.parseTime(strings.TrimSpace(*req.ExecutionTime))
	if err != nil {
		return spec, err
	}
	spec.ExecutionTime = &t
	return spec, nil
}

func (h *handler) parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, h.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, shared.Newf(shared.KindValidation, "execution_time %q is not a valid timestamp", s)
}

func idParam(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.Newf(shared.KindValidation, "invalid id %q", c.Param("id"))
	}
	return id, nil
}

func (h *handler) listJobs(c *gin.Context) {
	var f store.JobFilter
	if s := c.Query("status"); s != "" {
		st := domain.Status(s)
		f.Status = &st
	}
	jobs, err := h.Jobs.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	c.JSON(stdhttp.StatusOK, jobs)
}

func (h *handler) jobStatuses(c *gin.Context) {
	sts, err := h.Jobs.Statuses(c.Request.Context())
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if sts == nil {
		sts = []domain.Status{}
	}
	c.JSON(stdhttp.StatusOK, sts)
}

func (h *handler) getJob(c *gin.Context) {
	id, err := idParam(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	job, err := h.Jobs.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(stdhttp.StatusOK, job)
}

func (h *handler) createJob(c *gin.Context) {
	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.log, bindError(err))
		return
	}
	spec, err := h.spec(req)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	job, err := h.Jobs.Create(c.Request.Context(), spec)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(stdhttp.StatusCreated, job)
}

func (h *handler) updateJob(c *gin.Context) {
	id, err := idParam(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.log, bindError(err))
		return
	}
	spec, err := h.spec(req)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	job, err := h.Jobs.Update(c.Request.Context(), id, spec)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(stdhttp.StatusOK, job)
}

func (h *handler) deleteJob(c *gin.Context) {
	id, err := idParam(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if err := h.Jobs.Delete(c.Request.Context(), id); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

func (h *handler) rescheduleJob(c *gin.Context) {
	h.jobAction(c, h.Jobs.Reschedule)
}

func (h *handler) stopJob(c *gin.Context) {
	h.jobAction(c, h.Jobs.Cancel)
}

func (h *handler) jobAction(c *gin.Context, fn func(ctx context.Context, id int64) (domain.Job, error)) {
	id, err := idParam(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	job, err := fn(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(stdhttp.StatusOK, job)
}
