package transport

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"pkt.systems/handd/internal/core"
)

func TestToHTTPStatusTable(t *testing.T) {
	cases := []struct {
		code   string
		status int
	}{
		{core.CodeMissingParameters, http.StatusBadRequest},
		{core.CodeInvalidAction, http.StatusBadRequest},
		{core.CodeBadPassword, http.StatusBadRequest},
		{core.CodeResourceExhausted, http.StatusNotFound},
		{core.CodeNotFound, http.StatusNotFound},
		{core.CodeNotReserved, http.StatusConflict},
		{core.CodeUnauthorized, http.StatusConflict},
		{core.CodeStoreFailure, http.StatusBadGateway},
	}
	for _, tc := range cases {
		mapped, ok := ToHTTP(fmt.Errorf("wrapped: %w", core.Failure{Code: tc.code}), Options{})
		if !ok {
			t.Fatalf("%s: not mapped", tc.code)
		}
		if mapped.Status != tc.status || mapped.Code != tc.code {
			t.Fatalf("%s: got %d/%s, want %d", tc.code, mapped.Status, mapped.Code, tc.status)
		}
	}
}

func TestToHTTPHonoursHintAndStrictAuth(t *testing.T) {
	mapped, ok := ToHTTP(core.ErrStoreFailure, Options{})
	if !ok || mapped.Status != http.StatusBadGateway {
		t.Fatalf("unexpected mapping %+v", mapped)
	}
	strict, ok := ToHTTP(core.Failure{Code: core.CodeBadPassword, HTTPStatus: http.StatusBadRequest, Fields: []string{"password"}}, Options{StrictAuthStatus: true})
	if !ok || strict.Status != http.StatusUnauthorized || len(strict.Fields) != 1 {
		t.Fatalf("unexpected strict mapping %+v", strict)
	}
	if _, ok := ToHTTP(errors.New("plain"), Options{}); ok {
		t.Fatal("plain errors must not map")
	}
}
