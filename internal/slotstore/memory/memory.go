package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"pkt.systems/handd/internal/slotstore"
)

// Store implements slotstore.Store in-memory; intended for tests and local dev.
// List returns entries sorted by key so scan order is deterministic.
type Store struct {
	mu    sync.RWMutex
	slots map[string]slotstore.Record

	writes atomic.Int64
	closed atomic.Bool
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{slots: make(map[string]slotstore.Record)}
}

// NewWithSlots returns a store seeded with the supplied records.
func NewWithSlots(seed map[string]slotstore.Record) *Store {
	s := New()
	for key, rec := range seed {
		s.slots[key] = rec.Clone()
	}
	return s
}

// Close satisfies slotstore.Store but requires no action for the in-memory store.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// Writes reports how many mutating calls (Update or Create) reached the store.
func (s *Store) Writes() int64 {
	return s.writes.Load()
}

// List returns a copy of every record ordered by key.
func (s *Store) List(_ context.Context) ([]slotstore.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]slotstore.Entry, 0, len(s.slots))
	for key, rec := range s.slots {
		out = append(out, slotstore.Entry{Key: key, Record: rec.Clone()})
	}
	slotstore.SortEntries(out)
	return out, nil
}

// Get returns a copy of the record stored under key.
func (s *Store) Get(_ context.Context, key string) (slotstore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.slots[key]
	if !ok {
		return nil, slotstore.ErrNotFound
	}
	return rec.Clone(), nil
}

// Update merges patch into the record stored under key.
func (s *Store) Update(_ context.Context, key string, patch slotstore.Patch) error {
	s.writes.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.slots[key]
	if !ok {
		return slotstore.ErrNotFound
	}
	s.slots[key] = rec.Merge(patch)
	return nil
}

// Create provisions a new record under key.
func (s *Store) Create(_ context.Context, key string, rec slotstore.Record) error {
	s.writes.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[key]; ok {
		return slotstore.ErrExists
	}
	if rec == nil {
		rec = slotstore.Record{}
	}
	s.slots[key] = rec.Clone()
	return nil
}

var (
	_ slotstore.Store       = (*Store)(nil)
	_ slotstore.Provisioner = (*Store)(nil)
)
