package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/p-n-ai/pai-quota/internal/quota"
)

const (
	codeValidation      = "VALIDATION_ERROR"
	codeUserNotFound    = "USER_NOT_FOUND"
	codeInternal        = "INTERNAL_SERVER_ERROR"
	codeUnauthorized    = "UNAUTHORIZED"
	codeSweepInProgress = "SWEEP_IN_PROGRESS"
	codeUserExists      = "USER_EXISTS"
)

// errorBody is the JSON shape of every failure.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func validationError(msg string) errorBody {
	return errorBody{Error: codeValidation, Message: msg}
}

func internalError() errorBody {
	return errorBody{Error: codeInternal, Message: "An unexpected error occurred"}
}

// classify maps a service error to its status and body. Unknown errors
// are reported generically.
func classify(err error) (int, errorBody) {
	var (
		ve *quota.ValidationError
		qe *quota.QuotaExceededError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, validationError(ve.Error())
	case errors.As(err, &qe):
		return http.StatusForbidden, errorBody{Error: qe.Code, Message: qe.Message, Details: qe.Details()}
	case errors.Is(err, quota.ErrUserNotFound):
		return http.StatusNotFound, errorBody{Error: codeUserNotFound, Message: "User not found"}
	case errors.Is(err, quota.ErrUserExists):
		return http.StatusConflict, errorBody{Error: codeUserExists, Message: "A user with this email already exists"}
	case errors.Is(err, quota.ErrSweepInProgress):
		return http.StatusConflict, errorBody{Error: codeSweepInProgress, Message: "A monthly reset is already running"}
	}
	return http.StatusInternalServerError, internalError()
}

func (s *server) fail(c *gin.Context, err error) {
	status, body := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"user_id", c.Param("userId"),
			"error", err,
		)
	} else {
		s.logger.Debug("request rejected", "code", body.Error, "user_id", c.Param("userId"))
	}
	c.AbortWithStatusJSON(status, body)
}
