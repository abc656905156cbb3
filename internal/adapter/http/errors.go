package http

import (
	"errors"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"jobsched/internal/shared"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusOf(k shared.Kind) int {
	switch k {
	case shared.KindNotFound:
		return stdhttp.StatusNotFound
	case shared.KindValidation:
		return stdhttp.StatusBadRequest
	case shared.KindConflict:
		return stdhttp.StatusConflict
	case shared.KindExecution:
		return stdhttp.StatusUnprocessableEntity
	case shared.KindTimeout:
		return stdhttp.StatusGatewayTimeout
	case shared.KindDependencyFailure:
		return stdhttp.StatusServiceUnavailable
	default:
		return stdhttp.StatusInternalServerError
	}
}

// writeError answers with the error's kind. Messages of infrastructure and
// unclassified errors never leave the process.
func writeError(c *gin.Context, log *slog.Logger, err error) {
	kind := shared.KindOf(err)
	msg := err.Error()
	if !shared.IsCallerFacing(err) {
		log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "kind", kind.String(), "error", err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(statusOf(kind), ErrorResponse{Code: kind.String(), Message: msg})
}

// bindError turns a binding failure into a readable validation error.
func bindError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return shared.Newf(shared.KindValidation, "invalid request body: %v", err)
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		switch fe.Tag() {
		case "required", "required_if":
			msgs = append(msgs, fe.Field()+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return shared.Newf(shared.KindValidation, "%s", strings.Join(msgs, "; "))
}
