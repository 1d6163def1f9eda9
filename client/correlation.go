package client

import (
	"context"
	"net/http"

	"pkt.systems/handd/internal/correlation"
)

const headerCorrelationID = "X-Correlation-Id"

type correlationContextKey struct{}

// WithCorrelationID annotates ctx with a correlation identifier sent with
// every request made under it. Invalid identifiers are ignored.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	normalized, ok := correlation.Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, correlationContextKey{}, normalized)
}

// CorrelationIDFromContext extracts the correlation identifier carried by ctx.
func CorrelationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(correlationContextKey{}).(string); ok {
		return v
	}
	return ""
}

// CorrelationIDFromResponse reads the X-Correlation-Id header from resp.
func CorrelationIDFromResponse(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	return resp.Header.Get(headerCorrelationID)
}

func applyCorrelationHeader(ctx context.Context, req *http.Request) {
	if id := CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set(headerCorrelationID, id)
	}
}
