package trust

import (
	"context"
	"errors"
	"net/http"

	"github.com/mbd888/trustgate/internal/erc8004"
	"github.com/mbd888/trustgate/internal/registration"
	"github.com/mbd888/trustgate/internal/validation"
)

// Error is the caller-facing description of a failed operation. Message
// never carries upstream details.
type Error struct {
	Status  int
	Code    string
	Message string
	Fields  validation.ValidationErrors
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Describe classifies an operation error.
func Describe(err error) *Error {
	var (
		verrs validation.ValidationErrors
		rerr  *registration.Error
	)
	switch {
	case errors.As(err, &verrs):
		return &Error{Status: http.StatusBadRequest, Code: "invalid_request", Message: verrs.Error(), Fields: verrs}
	case errors.As(err, &rerr):
		if rerr.Kind == registration.KindNotFound {
			return notFoundError()
		}
		return upstreamError()
	case errors.Is(err, erc8004.ErrNotFound):
		return notFoundError()
	case errors.Is(err, erc8004.ErrUpstream), errors.Is(err, context.DeadlineExceeded):
		return upstreamError()
	}
	return &Error{Status: http.StatusInternalServerError, Code: "internal_error", Message: "Internal error"}
}

func notFoundError() *Error {
	return &Error{Status: http.StatusNotFound, Code: "not_found", Message: "Agent registration not found"}
}

func upstreamError() *Error {
	return &Error{Status: http.StatusBadGateway, Code: "upstream_error", Message: "Registry or gateway unavailable"}
}
