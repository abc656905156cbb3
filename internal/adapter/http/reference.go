package http

import (
	stdhttp "net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"jobsched/internal/domain"
	"jobsched/internal/shared"
)

type JobTypeRequest struct {
	Name        string         `json:"name" binding:"required,max=255"`
	Kind        domain.JobKind `json:"kind" binding:"required,oneof=CODE SCRIPT"`
	Script      string         `json:"script"`
	Description string         `json:"description"`
}

func (r JobTypeRequest) toDomain(id int64) (domain.JobType, error) {
	jt := domain.JobType{
		ID:          id,
		Name:        strings.TrimSpace(r.Name),
		Kind:        r.Kind,
		Script:      r.Script,
		Description: r.Description,
	}
	if jt.Kind == domain.KindScript && strings.TrimSpace(jt.Script) == "" {
		return jt, shared.Newf(shared.KindValidation, "Script can't be blank here")
	}
	if jt.Kind == domain.KindCode {
		jt.Script = ""
	}
	return jt, nil
}

type ExecutionTypeRequest struct {
	Name        string `json:"name" binding:"required,max=64"`
	Description string `json:"description"`
}

type EventMappingRequest struct {
	Name        string `json:"name" binding:"required,max=255"`
	Description string `json:"description"`
}

// respond writes v or the error.
func respond[T any](c *gin.Context, h *handler, code int, v T, err error) {
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(code, v)
}

// list writes a JSON array, never null.
func list[T any](c *gin.Context, h *handler, v []T, err error) {
	if v == nil {
		v = []T{}
	}
	respond(c, h, stdhttp.StatusOK, v, err)
}

func (h *handler) listJobTypes(c *gin.Context) {
	v, err := h.Reference.ListJobTypes(c.Request.Context())
	list(c, h, v, err)
}

func (h *handler) getJobType(c *gin.Context) {
	id, err := idParam(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	v, err := h.Reference.GetJobType(c.Request.Context(), id)
	respond(c, h, stdhttp.StatusOK, v, err)
}

func (h *handler) createJobType(c *gin.Context) {
	var req JobTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.log, bindError(err))
		return
	}
	jt, err := req.toDomain(0)
	if err == nil {
		err = h.Reference.CreateJobType(c.Request.Context(), &jt)
	}
	respond(c, h, stdhttp.StatusCreated, jt, err)
}

func (h *handler) updateJobType(c *gin.Context) {
	id, err := idParam(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	var req JobTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.log, bindError(err))
		return
	}
	jt, err := req.toDomain(id)
	if err == nil {
		err = h.Reference.UpdateJobType(c.Request.Context(), jt)
	}
	respond(c, h, stdhttp.StatusOK, jt, err)
}

func (h *handler) deleteJobType(c *gin.Context) {
	id, err := idParam(c)
	if err == nil {
		err = h.Reference.DeleteJobType(c.Request.Context(), id)
	}
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

func (h *handler) listExecutionTypes(c *gin.Context) {
	v, err := h.Reference.ListExecutionTypes(c.Request.Context())
	list(c, h, v, err)
}

func (h *handler) getExecutionType(c *gin.Context) {
	id, err := idParam(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	v, err := h.Reference.GetExecutionType(c.Request.Context(), id)
	respond(c, h, stdhttp.StatusOK, v, err)
}

func (h *handler) createExecutionType(c *gin.Context) {
	var req ExecutionTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.log, bindError(err))
		return
	}
	et := domain.ExecutionType{Name: domain.ExecutionKind(strings.TrimSpace(req.Name)), Description: req.Description}
	err := h.Reference.CreateExecutionType(c.Request.Context(), &et)
	respond(c, h, stdhttp.StatusCreated, et, err)
}

func (h *handler) listEventMappings(c *gin.Context) {
	v, err := h.Reference.ListEventMappings(c.Request.Context())
	list(c, h, v, err)
}

func (h *handler) getEventMapping(c *gin.Context) {
	id, err := idParam(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	v, err := h.Reference.GetEventMapping(c.Request.Context(), id)
	respond(c, h, stdhttp.StatusOK, v, err)
}

func (h *handler) createEventMapping(c *gin.Context) {
	var req EventMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.log, bindError(err))
		return
	}
	em := domain.EventMapping{Name: strings.TrimSpace(req.Name), Description: req.Description}
	err := h.Reference.CreateEventMapping(c.Request.Context(), &em)
	respond(c, h, stdhttp.StatusCreated, em, err)
}

func (h *handler) updateEventMapping(c *gin.Context) {
	id, err := idParam(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	var req EventMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.log, bindError(err))
		return
	}
	em := domain.EventMapping{ID: id, Name: strings.TrimSpace(req.Name), Description: req.Description}
	err = h.Reference.UpdateEventMapping(c.Request.Context(), em)
	respond(c, h, stdhttp.StatusOK, em, err)
}

func (h *handler) deleteEventMapping(c *gin.Context) {
	id, err := idParam(c)
	if err == nil {
		err = h.Reference.DeleteEventMapping(c.Request.Context(), id)
	}
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(stdhttp.StatusNoContent)
}
