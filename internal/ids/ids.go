package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// NewToken mints a lease capability token. Tokens are random UUIDv4 values so
// holders of one lease cannot predict the next.
func NewToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return id.String(), nil
}

// NewRequestID returns a time-ordered UUIDv7 for request tracking.
func NewRequestID() string {
	return uuid.Must(uuid.NewV7()).String()
}
