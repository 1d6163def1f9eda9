package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
)

// MaxIDLength bounds externally supplied correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns a context carrying id. Invalid ids leave ctx untouched.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the correlation id stored on ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Ensure attaches a freshly generated id unless ctx already carries one.
func Ensure(ctx context.Context) context.Context {
	if ID(ctx) != "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, Generate())
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new correlation identifier.
func Generate() string {
	return xid.New().String()
}
