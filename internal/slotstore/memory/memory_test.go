package memory

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/handd/internal/slotstore"
)

func TestUpdateMergesFields(t *testing.T) {
	store := NewWithSlots(map[string]slotstore.Record{
		"A": {"isReserved": false, "urlId": "room-a", "label": "front"},
	})
	ctx := context.Background()

	if err := store.Update(ctx, "A", slotstore.Patch{"isReserved": true, "token": "t1"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, err := store.Get(ctx, "A")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec["isReserved"] != true || rec["token"] != "t1" {
		t.Fatalf("patch not applied: %v", rec)
	}
	if rec["urlId"] != "room-a" || rec["label"] != "front" {
		t.Fatalf("unrelated fields lost: %v", rec)
	}
	if store.Writes() != 1 {
		t.Fatalf("expected 1 write, got %d", store.Writes())
	}
}

func TestUpdateMissingKey(t *testing.T) {
	store := New()
	err := store.Update(context.Background(), "ghost", slotstore.Patch{"heartbeat": int64(1)})
	if !errors.Is(err, slotstore.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Get(context.Background(), "ghost"); !errors.Is(err, slotstore.ErrNotFound) {
		t.Fatalf("update must not create records, got %v", err)
	}
}

func TestListSortedAndDetached(t *testing.T) {
	store := NewWithSlots(map[string]slotstore.Record{
		"B": {"urlId": "b"},
		"A": {"urlId": "a"},
		"C": {"urlId": "c"},
	})
	entries, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 || entries[0].Key != "A" || entries[1].Key != "B" || entries[2].Key != "C" {
		t.Fatalf("unexpected order: %+v", entries)
	}
	entries[0].Record["urlId"] = "mutated"
	rec, _ := store.Get(context.Background(), "A")
	if rec["urlId"] != "a" {
		t.Fatalf("list result aliased store state: %v", rec)
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	store := New()
	ctx := context.Background()
	if err := store.Create(ctx, "A", slotstore.Record{"urlId": "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, "A", slotstore.Record{"urlId": "other"}); !errors.Is(err, slotstore.ErrExists) {
		t.Fatalf("expected exists, got %v", err)
	}
}
