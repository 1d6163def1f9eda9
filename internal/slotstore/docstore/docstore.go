// Package docstore stores hand slots in a gocloud.dev docstore collection.
// Each slot is one document keyed by KeyField; updates use docstore Mods so
// the backend merges fields natively.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"gocloud.dev/docstore"
	_ "gocloud.dev/docstore/memdocstore"
	"gocloud.dev/gcerrors"

	"pkt.systems/handd/internal/slotstore"
)

// DefaultKeyField names the document field holding the slot key.
const DefaultKeyField = "key"

const revisionField = "DocstoreRevision"

// Config captures the collection to open.
type Config struct {
	// CollectionURL is any gocloud docstore URL whose driver is linked,
	// e.g. mem://slots/key.
	CollectionURL string
	// KeyField is the document key field; must match the collection's
	// key configuration. Defaults to DefaultKeyField.
	KeyField string
}

// Store implements slotstore.Store on a docstore collection.
type Store struct {
	coll     *docstore.Collection
	keyField string
	owned    bool
}

// Open opens the collection described by cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.CollectionURL) == "" {
		return nil, fmt.Errorf("docstore: collection url required")
	}
	coll, err := docstore.OpenCollection(ctx, cfg.CollectionURL)
	if err != nil {
		return nil, fmt.Errorf("docstore: open collection: %w", err)
	}
	s := New(coll, cfg.KeyField)
	s.owned = true
	return s, nil
}

// New wraps an already opened collection. The caller keeps ownership of coll.
func New(coll *docstore.Collection, keyField string) *Store {
	if keyField == "" {
		keyField = DefaultKeyField
	}
	return &Store{coll: coll, keyField: keyField}
}

// Close closes the collection when Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.coll.Close()
}

// List queries the whole collection. Documents without a string key are skipped.
func (s *Store) List(ctx context.Context) ([]slotstore.Entry, error) {
	iter := s.coll.Query().Get(ctx)
	defer iter.Stop()
	var out []slotstore.Entry
	for {
		doc := map[string]any{}
		err := iter.Next(ctx, doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classify("list", err)
		}
		key, ok := doc[s.keyField].(string)
		if !ok || key == "" {
			continue
		}
		out = append(out, slotstore.Entry{Key: key, Record: s.toRecord(doc)})
	}
	slotstore.SortEntries(out)
	return out, nil
}

// Get fetches a single slot document.
func (s *Store) Get(ctx context.Context, key string) (slotstore.Record, error) {
	doc := map[string]any{s.keyField: key}
	if err := s.coll.Get(ctx, doc); err != nil {
		return nil, classify("get", err)
	}
	return s.toRecord(doc), nil
}

// Update applies patch as docstore Mods. A nil patch value removes the field,
// which the slot codec reads back as null.
func (s *Store) Update(ctx context.Context, key string, patch slotstore.Patch) error {
	if len(patch) == 0 {
		return nil
	}
	mods := make(docstore.Mods, len(patch))
	for field, value := range patch {
		if field == s.keyField {
			return fmt.Errorf("docstore: cannot modify key field %q", field)
		}
		mods[docstore.FieldPath(field)] = value
	}
	doc := map[string]any{s.keyField: key}
	if err := s.coll.Update(ctx, doc, mods); err != nil {
		return classify("update", err)
	}
	return nil
}

// Create inserts a new slot document.
func (s *Store) Create(ctx context.Context, key string, rec slotstore.Record) error {
	doc := make(map[string]any, len(rec)+1)
	for field, value := range rec {
		if value == nil {
			continue
		}
		doc[field] = value
	}
	doc[s.keyField] = key
	if err := s.coll.Create(ctx, doc); err != nil {
		return classify("create", err)
	}
	return nil
}

func (s *Store) toRecord(doc map[string]any) slotstore.Record {
	rec := make(slotstore.Record, len(doc))
	for field, value := range doc {
		if field == s.keyField || field == revisionField {
			continue
		}
		rec[field] = value
	}
	return rec
}

func classify(op string, err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return slotstore.ErrNotFound
	case gcerrors.AlreadyExists:
		return slotstore.ErrExists
	case gcerrors.DeadlineExceeded, gcerrors.ResourceExhausted:
		return fmt.Errorf("docstore: %s: %w", op, slotstore.NewTransientError(err))
	}
	return fmt.Errorf("docstore: %s: %w", op, err)
}

var (
	_ slotstore.Store       = (*Store)(nil)
	_ slotstore.Provisioner = (*Store)(nil)
)
