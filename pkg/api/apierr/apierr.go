// Package apierr maps engine errors onto the TES HTTP error body.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error is an error carrying its HTTP status. Handlers return these; the
// echo error handler renders them.
type Error struct {
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s / caused by: %+v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

type Option func(*Error) *Error

func WithError(err error) Option {
	return func(e *Error) *Error {
		e.Cause = err
		return e
	}
}

func build(status int, message string, opts []Option) *Error {
	e := &Error{Status: status, Message: message}
	for _, opt := range opts {
		e = opt(e)
	}
	return e
}

func BadRequest(message string, opts ...Option) *Error {
	return build(http.StatusBadRequest, message, opts)
}

func Unauthorized(message string, opts ...Option) *Error {
	if message == "" {
		message = "invalid or missing bearer token"
	}
	return build(http.StatusUnauthorized, message, opts)
}

func NotFound(opts ...Option) *Error {
	return build(http.StatusNotFound, "task not found", opts)
}

func InternalServerError(err error) *Error {
	return build(http.StatusInternalServerError, "internal server error", []Option{WithError(err)})
}

// Handler is the echo HTTPErrorHandler rendering *Error (and anything else)
// as an ErrorResponse. Causes are never leaked to clients; they go to the
// request logger only.
func Handler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "internal server error"

	apiErr := new(Error)
	httpErr := new(echo.HTTPError)
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.Status
		message = apiErr.Message
	case errors.As(err, &httpErr):
		status = httpErr.Code
		message = fmt.Sprint(httpErr.Message)
	}

	if status >= http.StatusInternalServerError {
		c.Logger().Error(err)
	}

	_ = c.JSON(status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
