package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/concord/internal/service"
)

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error code and message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error sends a JSON error response.
func Error(c echo.Context, status int, code, message string) error {
	return c.JSON(status, ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

// errorJSON is an alias for Error (used by some handlers).
var errorJSON = Error

// mapServiceError translates a service error into its HTTP response.
// Anything that is not a *service.ServiceError is logged and reported as 500.
func mapServiceError(c echo.Context, err error) error {
	var se *service.ServiceError
	if !errors.As(err, &se) {
		slog.Error("unhandled error", "path", c.Path(), "error", err)
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(se, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(se, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(se, service.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(se, service.ErrConflict):
		status = http.StatusConflict
	case errors.Is(se, service.ErrUnauthorized):
		status = http.StatusUnauthorized
	}
	return errorJSON(c, status, se.Code, se.Message)
}

// paramID parses a snowflake path parameter.
func paramID(c echo.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	return id, err == nil
}

// parseIDs parses snowflakes sent as JSON strings.
func parseIDs(raw []string) ([]int64, bool) {
	ids := make([]int64, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}
