package azure

import (
	"context"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/handd/internal/slotstore"
)

func TestAppendSASToken(t *testing.T) {
	cases := []struct {
		endpoint string
		sas      string
		want     string
	}{
		{endpoint: "https://acct.blob.core.windows.net", sas: "?sv=1&sig=x", want: "https://acct.blob.core.windows.net?sv=1&sig=x"},
		{endpoint: "https://acct.blob.core.windows.net/?comp=list", sas: "sv=1", want: "https://acct.blob.core.windows.net/?comp=list&sv=1"},
	}
	for _, tc := range cases {
		got, err := appendSASToken(tc.endpoint, tc.sas)
		if err != nil {
			t.Fatalf("append sas: %v", err)
		}
		if got != tc.want {
			t.Fatalf("appendSASToken(%q, %q) = %q, want %q", tc.endpoint, tc.sas, got, tc.want)
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{Container: "slots"}); err == nil {
		t.Fatal("expected account error")
	}
	if _, err := New(ctx, Config{Account: "acct"}); err == nil {
		t.Fatal("expected container error")
	}
	if _, err := New(ctx, Config{Account: "acct", Container: "slots"}); err == nil {
		t.Fatal("expected credential error")
	}
}

func TestResponseErrorClassification(t *testing.T) {
	if !isNotFound(&azcore.ResponseError{StatusCode: http.StatusNotFound}) {
		t.Fatal("404 should be not found")
	}
	if !isContainerExists(&azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}) {
		t.Fatal("container exists not detected")
	}
	if !slotstore.IsTransient(wrapError(&azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}, "azure: upload")) {
		t.Fatal("503 should be transient")
	}
	if slotstore.IsTransient(wrapError(&azcore.ResponseError{StatusCode: http.StatusForbidden}, "azure: upload")) {
		t.Fatal("403 should not be transient")
	}
}
