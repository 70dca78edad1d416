package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/stepwise/pkg/schema"
)

// ErrorPayload is the JSON shape of an API error.
type ErrorPayload struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Step        string         `json:"step,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

type errorBody struct {
	Error     ErrorPayload              `json:"error"`
	Execution *schema.WorkflowExecution `json:"execution,omitempty"`
}

// statusFor maps an error code to an HTTP status.
func statusFor(err error) int {
	switch schema.CodeOf(err) {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeAlreadyTerminal, schema.ErrCodeConcurrentModification, schema.ErrCodeVersionConflict:
		return http.StatusConflict
	case schema.ErrCodeFallbackExhausted, schema.ErrCodeValidationFailed:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeInvalidInput, schema.ErrCodeUnknownWorkflowType, schema.ErrCodeInvalidTransition:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func toErrorPayload(err error) ErrorPayload {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return ErrorPayload{
			Code:        engErr.Code,
			Message:     engErr.Message,
			ExecutionID: engErr.ExecutionID,
			Step:        engErr.Step,
			Details:     engErr.Details,
		}
	}
	return ErrorPayload{Code: "INTERNAL_ERROR", Message: err.Error()}
}

// handleError renders EngineErrors and echo errors as JSON.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := statusFor(err)
	payload := toErrorPayload(err)

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) && schema.CodeOf(err) == "" {
		status = httpErr.Code
		payload = ErrorPayload{Code: http.StatusText(status), Message: errorMessage(httpErr)}
	}
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request().Context(), "request failed", slog.String("error", err.Error()))
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(status)
	} else {
		writeErr = c.JSON(status, errorBody{Error: payload})
	}
	if writeErr != nil {
		s.logger.Warn("write error response", slog.String("error", writeErr.Error()))
	}
}

func errorMessage(httpErr *echo.HTTPError) string {
	if msg, ok := httpErr.Message.(string); ok {
		return msg
	}
	return http.StatusText(httpErr.Code)
}
