package docstore

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/handd/internal/slotstore"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{CollectionURL: "mem://slots/key"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateGetUpdate(t *testing.T) {
	store := openMem(t)
	ctx := context.Background()

	if err := store.Create(ctx, "A", slotstore.Record{"isReserved": false, "urlId": "room-a", "token": nil}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, "A", slotstore.Record{"urlId": "dup"}); !errors.Is(err, slotstore.ErrExists) {
		t.Fatalf("expected exists, got %v", err)
	}
	if err := store.Update(ctx, "A", slotstore.Patch{"isReserved": true, "token": "tok"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, err := store.Get(ctx, "A")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec["isReserved"] != true || rec["token"] != "tok" || rec["urlId"] != "room-a" {
		t.Fatalf("unexpected record %v", rec)
	}
	if _, ok := rec["key"]; ok {
		t.Fatalf("key field leaked into record: %v", rec)
	}
	if _, ok := rec[revisionField]; ok {
		t.Fatalf("revision leaked into record: %v", rec)
	}

	if err := store.Update(ctx, "A", slotstore.Patch{"token": nil}); err != nil {
		t.Fatalf("clear token: %v", err)
	}
	rec, err = store.Get(ctx, "A")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec["token"] != nil {
		t.Fatalf("expected token cleared, got %v", rec["token"])
	}
	if rec["urlId"] != "room-a" {
		t.Fatalf("urlId lost: %v", rec)
	}
}

func TestMissingKeys(t *testing.T) {
	store := openMem(t)
	ctx := context.Background()
	if _, err := store.Get(ctx, "ghost"); !errors.Is(err, slotstore.ErrNotFound) {
		t.Fatalf("expected not found on get, got %v", err)
	}
	if err := store.Update(ctx, "ghost", slotstore.Patch{"heartbeat": int64(5)}); !errors.Is(err, slotstore.ErrNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
}

func TestListSorted(t *testing.T) {
	store := openMem(t)
	ctx := context.Background()
	for _, key := range []string{"C", "A", "B"} {
		if err := store.Create(ctx, key, slotstore.Record{"urlId": "u-" + key}); err != nil {
			t.Fatalf("create %s: %v", key, err)
		}
	}
	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"A", "B", "C"} {
		if entries[i].Key != want || entries[i].Record["urlId"] != "u-"+want {
			t.Fatalf("entry %d = %+v, want key %s", i, entries[i], want)
		}
	}
}
