package core

import (
	"fmt"
	"net/http"
	"strings"
)

// Failure codes surfaced to callers.
const (
	CodeMissingParameters = "missing_parameters"
	CodeInvalidAction     = "invalid_action"
	CodeBadPassword       = "bad_password"
	CodeResourceExhausted = "resource_exhausted"
	CodeNotFound          = "not_found"
	CodeNotReserved       = "not_reserved"
	CodeUnauthorized      = "unauthorized"
	CodeStoreFailure      = "store_failure"
	CodeInvalidArgument   = "invalid_argument"
	CodeInternal          = "internal_error"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols.
type Failure struct {
	Code       string
	Detail     string
	Fields     []string // missing or invalid request fields
	HTTPStatus int      // optional hint for HTTP adapters
	Err        error
}

func (f Failure) Error() string {
	msg := f.Code
	if f.Detail != "" {
		msg = fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	if len(f.Fields) > 0 {
		msg += " [" + strings.Join(f.Fields, ", ") + "]"
	}
	return msg
}

// Is matches failures by code so errors.Is(err, ErrUnauthorized) works for any
// detail or field list.
func (f Failure) Is(target error) bool {
	t, ok := target.(Failure)
	return ok && t.Code == f.Code
}

func (f Failure) Unwrap() error { return f.Err }

// Sentinels for errors.Is comparisons.
var (
	ErrMissingParameters = Failure{Code: CodeMissingParameters, HTTPStatus: http.StatusBadRequest}
	ErrInvalidAction     = Failure{Code: CodeInvalidAction, HTTPStatus: http.StatusBadRequest}
	ErrBadPassword       = Failure{Code: CodeBadPassword, HTTPStatus: http.StatusBadRequest}
	ErrResourceExhausted = Failure{Code: CodeResourceExhausted, HTTPStatus: http.StatusNotFound}
	ErrNotFound          = Failure{Code: CodeNotFound, HTTPStatus: http.StatusNotFound}
	ErrNotReserved       = Failure{Code: CodeNotReserved, HTTPStatus: http.StatusConflict}
	ErrUnauthorized      = Failure{Code: CodeUnauthorized, HTTPStatus: http.StatusConflict}
	ErrStoreFailure      = Failure{Code: CodeStoreFailure, HTTPStatus: http.StatusBadGateway}
)

func storeFailure(op string, err error) error {
	return Failure{
		Code:       CodeStoreFailure,
		Detail:     fmt.Sprintf("%s: %v", op, err),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

func notFound(key string) error {
	return Failure{Code: CodeNotFound, Detail: fmt.Sprintf("slot %q does not exist", key), HTTPStatus: http.StatusNotFound}
}
