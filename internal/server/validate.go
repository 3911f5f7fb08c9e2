package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

var validate = validator.New()

// payload returns the single command carried by m, or nil.
func (m *ClientMessage) payload() any {
	switch {
	case m.Register != nil:
		return m.Register
	case m.Join != nil:
		return m.Join
	case m.Leave != nil:
		return m.Leave
	case m.Publish != nil:
		return m.Publish
	case m.History != nil:
		return m.History
	case m.ConnectionRequest != nil:
		return m.ConnectionRequest
	case m.ConnectionAccept != nil:
		return m.ConnectionAccept
	case m.ConnectionReject != nil:
		return m.ConnectionReject
	case m.ConnectionTeardown != nil:
		return m.ConnectionTeardown
	case m.Typing != nil:
		return m.Typing
	case m.Delete != nil:
		return m.Delete
	case m.BulkDelete != nil:
		return m.BulkDelete
	}
	return nil
}

// validationMessage flattens a validator error into a client facing string.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid message"
	}

	fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		return fmt.Sprintf("%s failed on %q", strings.ToLower(fe.Field()), fe.Tag())
	})
	return "invalid " + strings.Join(fields, ", ")
}
