package slotstore

import (
	"context"
	"errors"
	"maps"
	"slices"
)

var (
	// ErrNotFound indicates the requested slot key does not exist.
	ErrNotFound = errors.New("slotstore: not found")
	// ErrExists indicates a slot with the same key is already provisioned.
	ErrExists = errors.New("slotstore: already exists")
)

// Record is the raw persisted shape of one slot: field name to a
// JSON-compatible value. A nil value is a stored null.
type Record map[string]any

// Patch lists fields to merge into an existing record. Fields not named are
// left untouched; a nil value stores null.
type Patch map[string]any

// Entry pairs a slot key with its record as returned by List.
type Entry struct {
	Key    string
	Record Record
}

//go:generate mockgen -source=store.go -destination=mock_slotstore/mock_slotstore.go -package mock_slotstore

// Store is the shared, last-write-wins slot store. It offers independent reads
// and writes only; there is no compare-and-swap.
type Store interface {
	// List returns every slot record. Order is backend defined.
	List(ctx context.Context) ([]Entry, error)
	// Get fetches one record by key or returns ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)
	// Update merges patch into the record stored under key. Missing keys
	// return ErrNotFound and are never created implicitly.
	Update(ctx context.Context, key string, patch Patch) error
	// Close releases backend resources.
	Close() error
}

// Provisioner is implemented by stores that can create slot records.
type Provisioner interface {
	// Create stores rec under key, returning ErrExists when key is taken.
	Create(ctx context.Context, key string, rec Record) error
}

// Clone returns a deep copy of r so callers never alias backend state.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge returns a copy of r with patch applied.
func (r Record) Merge(patch Patch) Record {
	out := r.Clone()
	if out == nil {
		out = make(Record, len(patch))
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

// Fields returns the patch field names in sorted order.
func (p Patch) Fields() []string {
	return slices.Sorted(maps.Keys(p))
}

// SortEntries orders entries by key for backends without a natural order.
func SortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case Record:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as a transient backend failure (timeouts,
// throttling, connection resets). Callers surface it the same way as any store
// failure; the mark only feeds logs and metrics.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked transient.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
