package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/paulhankin/grblplot/gcode"
	"github.com/paulhankin/grblplot/grbl"
	"github.com/paulhankin/grblplot/job"
	"github.com/paulhankin/grblplot/paths"
)

// APIError is the body of every error response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(status int, code, message string, cause error) *APIError {
	e := &APIError{Status: status, Code: code, Message: message}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// NewBadRequestError creates a 400 error.
func NewBadRequestError(message string, cause error) *APIError {
	return newError(http.StatusBadRequest, "BAD_REQUEST", message, cause)
}

// NewValidationError creates a 400 error for a missing or bad field.
func NewValidationError(field string, cause error) *APIError {
	return newError(http.StatusBadRequest, "VALIDATION_ERROR", "validation failed for field: "+field, cause)
}

// NewNotFoundError creates a 404 error.
func NewNotFoundError(resource, id string) *APIError {
	return newError(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("%s not found: %s", resource, id), nil)
}

// fromError maps errors of the plotting packages to responses. Errors it
// doesn't know become 500s.
func fromError(err error) *APIError {
	var apiErr *APIError
	var devErr *grbl.DeviceError
	var syntaxErr *gcode.SyntaxError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, job.ErrNotFound):
		return newError(http.StatusNotFound, "NOT_FOUND", "job not found", err)
	case errors.Is(err, job.ErrDeviceBusy):
		return newError(http.StatusConflict, "DEVICE_BUSY", "the plotter is in use", err)
	case errors.Is(err, job.ErrJobActive), errors.Is(err, grbl.ErrNotStreaming):
		return newError(http.StatusConflict, "CONFLICT", "not possible in the job's current state", err)
	case errors.Is(err, paths.ErrInvalidPageSize):
		return newError(http.StatusBadRequest, "VALIDATION_ERROR", "invalid page size", err)
	case errors.As(err, &syntaxErr), errors.Is(err, paths.ErrEmptyArtwork), errors.Is(err, gcode.ErrEmptyProgram):
		return newError(http.StatusUnprocessableEntity, "COMPILE_ERROR", "the file can't be plotted", err)
	case errors.As(err, &devErr):
		return newError(http.StatusUnprocessableEntity, "DEVICE_ERROR", "the device rejected the command", err)
	case errors.Is(err, grbl.ErrNoDevice):
		return newError(http.StatusServiceUnavailable, "NO_DEVICE", "no plotter connected", err)
	case errors.Is(err, grbl.ErrTimeout):
		return newError(http.StatusGatewayTimeout, "DEVICE_TIMEOUT", "the device didn't answer", err)
	}
	return newError(http.StatusInternalServerError, "INTERNAL_ERROR", "an unexpected error occurred", err)
}

// ErrorHandler renders errors returned by handlers as APIError JSON.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	apiErr := fromError(err)
	if errors.As(err, &he) {
		apiErr = &APIError{
			Status:  he.Code,
			Code:    "HTTP_ERROR",
			Message: fmt.Sprintf("%v", he.Message),
		}
	}
	if c.Request().Method == http.MethodHead {
		c.NoContent(apiErr.Status)
		return
	}
	c.JSON(apiErr.Status, apiErr)
}
