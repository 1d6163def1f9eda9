package transport

import (
	"errors"
	"net/http"

	"pkt.systems/handd/internal/core"
)

// HTTPError converts a core.Failure into an HTTP-aware error struct.
// Handlers can wrap this in their own response writers.
type HTTPError struct {
	Status int
	Code   string
	Detail string
	Fields []string
}

// Options tune the status mapping.
type Options struct {
	// StrictAuthStatus answers bad_password with 401 instead of 400.
	StrictAuthStatus bool
}

// ToHTTP maps a core error into HTTP-friendly fields. Errors that are not a
// core.Failure report ok=false.
func ToHTTP(err error, opts Options) (*HTTPError, bool) {
	var failure core.Failure
	if !errors.As(err, &failure) {
		return nil, false
	}
	status := failure.HTTPStatus
	if status == 0 {
		status = defaultStatus(failure.Code)
	}
	if opts.StrictAuthStatus && failure.Code == core.CodeBadPassword {
		status = http.StatusUnauthorized
	}
	return &HTTPError{
		Status: status,
		Code:   failure.Code,
		Detail: failure.Detail,
		Fields: failure.Fields,
	}, true
}

func defaultStatus(code string) int {
	switch code {
	case core.CodeResourceExhausted, core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeNotReserved, core.CodeUnauthorized:
		return http.StatusConflict
	case core.CodeStoreFailure:
		return http.StatusBadGateway
	case core.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
