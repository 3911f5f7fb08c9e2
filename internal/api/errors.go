package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-wanderchat/internal/database"
	"github.com/npezzotti/go-wanderchat/internal/server"
	"github.com/npezzotti/go-wanderchat/internal/types"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(code int) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    lower(http.StatusText(code)),
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound)
}

func NewInternalServerError(err error) *ApiError {
	e := newApiError(http.StatusInternalServerError)
	e.Err = err
	return e
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden)
}

func NewMethodNotAllowedError() *ApiError {
	return newApiError(http.StatusMethodNotAllowed)
}

func NewConflictError() *ApiError {
	return newApiError(http.StatusConflict)
}

// errorFor maps a chat server or store error to its HTTP form.
func errorFor(err error) *ApiError {
	switch {
	case errors.Is(err, types.ErrInvalidRoomId),
		errors.Is(err, server.ErrSelfConnection):
		return NewBadRequestError()
	case errors.Is(err, server.ErrNotParticipant),
		errors.Is(err, server.ErrNotConnected):
		return NewForbiddenError()
	case errors.Is(err, server.ErrNothingDeleted),
		errors.Is(err, database.ErrNotFound):
		return NewNotFoundError()
	case errors.Is(err, database.ErrAlreadyExists):
		return NewConflictError()
	default:
		return NewInternalServerError(err)
	}
}
