package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pkt.systems/handd/internal/clock"
	"pkt.systems/handd/internal/slotstore"
	"pkt.systems/handd/internal/slotstore/memory"
)

const testPassword = "classroom-secret"

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, seed map[string]slotstore.Record) (*Service, *memory.Store, *clock.Manual) {
	t.Helper()
	store := memory.NewWithSlots(seed)
	clk := clock.NewManual(testStart)
	svc := New(Config{Store: store, Clock: clk, Password: testPassword})
	return svc, store, clk
}

func twoFreeSlots() map[string]slotstore.Record {
	return map[string]slotstore.Record{
		"A": FreeRecord("url-a"),
		"B": FreeRecord("url-b"),
	}
}

func mustGet(t *testing.T, store slotstore.Store, key string) HandSlot {
	t.Helper()
	rec, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	slot, err := DecodeSlot(key, rec)
	if err != nil {
		t.Fatalf("decode %s: %v", key, err)
	}
	return slot
}

func TestReserveExclusiveUntilExhausted(t *testing.T) {
	seed := map[string]slotstore.Record{}
	for i := 0; i < 5; i++ {
		seed[fmt.Sprintf("hand-%d", i)] = FreeRecord(fmt.Sprintf("url-%d", i))
	}
	svc, _, _ := newTestService(t, seed)
	ctx := context.Background()

	seen := map[string]bool{}
	tokens := map[string]bool{}
	for i := 0; i < len(seed); i++ {
		res, err := svc.Reserve(ctx, ReserveCommand{Password: testPassword})
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if seen[res.Key] {
			t.Fatalf("slot %s returned twice", res.Key)
		}
		if res.Token == "" || tokens[res.Token] {
			t.Fatalf("expected fresh token, got %q", res.Token)
		}
		seen[res.Key] = true
		tokens[res.Token] = true
	}
	if _, err := svc.Reserve(ctx, ReserveCommand{Password: testPassword}); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
}

func TestReservePersistsClaim(t *testing.T) {
	svc, store, _ := newTestService(t, twoFreeSlots())
	res, err := svc.Reserve(context.Background(), ReserveCommand{Password: testPassword})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Key != "A" || res.URLID != "url-a" {
		t.Fatalf("unexpected reservation %+v", res)
	}
	slot := mustGet(t, store, "A")
	if !slot.IsReserved || slot.Token == nil || *slot.Token != res.Token {
		t.Fatalf("claim not persisted: %+v", slot)
	}
	if slot.Heartbeat != nil {
		t.Fatalf("fresh reservation must have null heartbeat, got %v", slot.Heartbeat)
	}
	if slot.ReservedAt == nil || !slot.ReservedAt.Equal(testStart) {
		t.Fatalf("unexpected reservedAt %v", slot.ReservedAt)
	}
}

func TestRenewAndReleaseRequireCurrentToken(t *testing.T) {
	svc, store, _ := newTestService(t, twoFreeSlots())
	ctx := context.Background()
	res, err := svc.Reserve(ctx, ReserveCommand{Password: testPassword})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	for _, wrong := range []string{"other", res.Token + "x", "00000000-0000-4000-8000-000000000000"} {
		if _, err := svc.Renew(ctx, res.Key, wrong); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("renew with %q: expected unauthorized, got %v", wrong, err)
		}
		if _, err := svc.Release(ctx, res.Key, wrong); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("release with %q: expected unauthorized, got %v", wrong, err)
		}
	}
	if slot := mustGet(t, store, res.Key); !slot.IsReserved || *slot.Token != res.Token {
		t.Fatalf("unauthorized calls changed the slot: %+v", slot)
	}
	if _, err := svc.Renew(ctx, res.Key, res.Token); err != nil {
		t.Fatalf("renew with current token: %v", err)
	}
	if _, err := svc.Release(ctx, res.Key, res.Token); err != nil {
		t.Fatalf("release with current token: %v", err)
	}
}

func TestNullTokenRejected(t *testing.T) {
	svc, _, _ := newTestService(t, map[string]slotstore.Record{
		"free":   FreeRecord("url-free"),
		"orphan": {FieldIsReserved: true, FieldToken: nil, FieldURLID: "url-orphan"},
	})
	ctx := context.Background()
	for _, key := range []string{"free", "orphan"} {
		for _, token := range []string{"anything", "null", "00000000-0000-4000-8000-000000000000"} {
			if _, err := svc.Renew(ctx, key, token); !errors.Is(err, ErrNotReserved) {
				t.Fatalf("renew %s/%s: expected not reserved, got %v", key, token, err)
			}
			if _, err := svc.Release(ctx, key, token); !errors.Is(err, ErrNotReserved) {
				t.Fatalf("release %s/%s: expected not reserved, got %v", key, token, err)
			}
		}
	}
}

func TestReleaseResetsSlot(t *testing.T) {
	svc, store, clk := newTestService(t, map[string]slotstore.Record{"A": FreeRecord("url-a")})
	ctx := context.Background()
	first, err := svc.Reserve(ctx, ReserveCommand{Password: testPassword})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clk.Advance(10 * time.Second)
	if _, err := svc.Renew(ctx, "A", first.Token); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if _, err := svc.Release(ctx, "A", first.Token); err != nil {
		t.Fatalf("release: %v", err)
	}
	slot := mustGet(t, store, "A")
	if slot.IsReserved || slot.Token != nil || slot.Heartbeat != nil || slot.ReservedAt != nil {
		t.Fatalf("release left lease state behind: %+v", slot)
	}
	if _, err := svc.Release(ctx, "A", first.Token); !errors.Is(err, ErrNotReserved) {
		t.Fatalf("second release: expected not reserved, got %v", err)
	}
	second, err := svc.Reserve(ctx, ReserveCommand{Password: testPassword})
	if err != nil {
		t.Fatalf("re-reserve: %v", err)
	}
	if second.Key != "A" || second.Token == first.Token {
		t.Fatalf("expected A with a new token, got %+v", second)
	}
}

func TestRenewMergesFields(t *testing.T) {
	svc, store, clk := newTestService(t, map[string]slotstore.Record{
		"A": {
			FieldIsReserved: false,
			FieldToken:      nil,
			FieldHeartbeat:  nil,
			FieldURLID:      "url-a",
			"room":          "lab-3",
			"capacity":      int64(4),
		},
	})
	ctx := context.Background()
	res, err := svc.Reserve(ctx, ReserveCommand{Password: testPassword})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	before, err := store.Get(ctx, "A")
	if err != nil {
		t.Fatalf("get before: %v", err)
	}
	clk.Advance(30 * time.Second)
	if _, err := svc.Renew(ctx, "A", res.Token); err != nil {
		t.Fatalf("renew: %v", err)
	}
	after, err := store.Get(ctx, "A")
	if err != nil {
		t.Fatalf("get after: %v", err)
	}
	for field, value := range before {
		if field == FieldHeartbeat {
			continue
		}
		if after[field] != value {
			t.Fatalf("field %s changed: %v -> %v", field, value, after[field])
		}
	}
	if len(after) != len(before) {
		t.Fatalf("field set changed: %v -> %v", before, after)
	}
	if after[FieldHeartbeat] != clock.Millis(testStart.Add(30*time.Second)) {
		t.Fatalf("unexpected heartbeat %v", after[FieldHeartbeat])
	}
}

func TestRenewHeartbeatNeverMovesBackwards(t *testing.T) {
	svc, store, clk := newTestService(t, map[string]slotstore.Record{"A": FreeRecord("url-a")})
	ctx := context.Background()
	res, err := svc.Reserve(ctx, ReserveCommand{Password: testPassword})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clk.Advance(time.Minute)
	if _, err := svc.Renew(ctx, "A", res.Token); err != nil {
		t.Fatalf("renew: %v", err)
	}
	clk.Set(testStart)
	out, err := svc.Renew(ctx, "A", res.Token)
	if err != nil {
		t.Fatalf("renew after clock skew: %v", err)
	}
	want := testStart.Add(time.Minute)
	if !out.Heartbeat.Equal(want) {
		t.Fatalf("heartbeat went backwards: %v", out.Heartbeat)
	}
	if slot := mustGet(t, store, "A"); !slot.Heartbeat.Equal(want) {
		t.Fatalf("stored heartbeat went backwards: %v", slot.Heartbeat)
	}
}

func TestConcreteScenario(t *testing.T) {
	svc, store, _ := newTestService(t, twoFreeSlots())
	ctx := context.Background()
	cmd := ReserveCommand{Password: testPassword}

	a, err := svc.Reserve(ctx, cmd)
	if err != nil || a.Key != "A" {
		t.Fatalf("first reserve: %+v %v", a, err)
	}
	if slot := mustGet(t, store, "A"); !slot.IsReserved {
		t.Fatal("A should be reserved")
	}
	b, err := svc.Reserve(ctx, cmd)
	if err != nil || b.Key != "B" {
		t.Fatalf("second reserve: %+v %v", b, err)
	}
	if _, err := svc.Reserve(ctx, cmd); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("third reserve: expected exhausted, got %v", err)
	}
	if _, err := svc.Keep(ctx, KeepCommand{Key: "A", Token: a.Token, Action: "FREE", Password: testPassword}); err != nil {
		t.Fatalf("release A: %v", err)
	}
	if slot := mustGet(t, store, "A"); !slot.Free() {
		t.Fatal("A should be free again")
	}
	again, err := svc.Reserve(ctx, cmd)
	if err != nil || again.Key != "A" {
		t.Fatalf("fourth reserve: %+v %v", again, err)
	}
}

func TestUnknownSlot(t *testing.T) {
	svc, _, _ := newTestService(t, twoFreeSlots())
	ctx := context.Background()
	if _, err := svc.Renew(ctx, "ghost", "tok"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("renew: expected not found, got %v", err)
	}
	if _, err := svc.ForceRelease(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("force release: expected not found, got %v", err)
	}
}

func TestForceReleaseIgnoresToken(t *testing.T) {
	svc, store, _ := newTestService(t, map[string]slotstore.Record{
		"orphan": {FieldIsReserved: true, FieldToken: nil, FieldURLID: "u"},
	})
	prev, err := svc.ForceRelease(context.Background(), "orphan")
	if err != nil {
		t.Fatalf("force release: %v", err)
	}
	if !prev.Orphaned() {
		t.Fatalf("expected previous state to be orphaned: %+v", prev)
	}
	if slot := mustGet(t, store, "orphan"); !slot.Free() || slot.URLID != "u" {
		t.Fatalf("unexpected slot after force release: %+v", slot)
	}
}

func TestDispatchUnknownActionIsInternal(t *testing.T) {
	svc, store, _ := newTestService(t, twoFreeSlots())
	_, err := svc.dispatch(context.Background(), ActionUnknown, "A", "tok")
	var failure Failure
	if !errors.As(err, &failure) || failure.Code != CodeInternal || failure.HTTPStatus != 500 {
		t.Fatalf("expected internal failure, got %v", err)
	}
	if store.Writes() != 0 {
		t.Fatalf("expected no store writes, got %d", store.Writes())
	}
}

type storeFault struct {
	slotstore.Store
	listErr   error
	updateErr error
}

func (s storeFault) List(ctx context.Context) ([]slotstore.Entry, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.Store.List(ctx)
}

func (s storeFault) Update(ctx context.Context, key string, patch slotstore.Patch) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	return s.Store.Update(ctx, key, patch)
}

func TestStoreErrorsSurfaceAsStoreFailure(t *testing.T) {
	boom := errors.New("connection reset by peer")
	base := memory.NewWithSlots(twoFreeSlots())
	ctx := context.Background()

	listing := New(Config{Store: storeFault{Store: base, listErr: boom}, Password: testPassword})
	if _, err := listing.Reserve(ctx, ReserveCommand{Password: testPassword}); !errors.Is(err, ErrStoreFailure) || !errors.Is(err, boom) {
		t.Fatalf("list failure: expected store failure wrapping cause, got %v", err)
	}
	writing := New(Config{Store: storeFault{Store: base, updateErr: boom}, Password: testPassword})
	if _, err := writing.Reserve(ctx, ReserveCommand{Password: testPassword}); !errors.Is(err, ErrStoreFailure) {
		t.Fatalf("write failure: expected store failure, got %v", err)
	}
	if base.Writes() != 0 {
		t.Fatalf("failed store must not have been written, writes=%d", base.Writes())
	}
}

// rivalStore simulates a concurrent reserver overwriting the first claim
// written to target.
type rivalStore struct {
	slotstore.Store
	target string
	fired  bool
}

func (r *rivalStore) Update(ctx context.Context, key string, patch slotstore.Patch) error {
	if err := r.Store.Update(ctx, key, patch); err != nil {
		return err
	}
	if key == r.target && !r.fired {
		if _, claiming := patch[FieldToken]; claiming {
			r.fired = true
			return r.Store.Update(ctx, key, slotstore.Patch{FieldToken: "rival-token"})
		}
	}
	return nil
}

func TestVerifyClaimsMovesToNextCandidate(t *testing.T) {
	store := &rivalStore{Store: memory.NewWithSlots(twoFreeSlots()), target: "A"}
	svc := New(Config{Store: store, Clock: clock.NewManual(testStart), Password: testPassword, VerifyClaims: true})
	res, err := svc.Reserve(context.Background(), ReserveCommand{Password: testPassword})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Key != "B" {
		t.Fatalf("expected fallback to B after losing A, got %s", res.Key)
	}
	if slot := mustGet(t, store, "A"); *slot.Token != "rival-token" {
		t.Fatalf("rival claim should stand, got %v", *slot.Token)
	}
}

func TestWithoutVerifyClaimsDoubleClaimGoesUnnoticed(t *testing.T) {
	store := &rivalStore{Store: memory.NewWithSlots(twoFreeSlots()), target: "A"}
	svc := New(Config{Store: store, Clock: clock.NewManual(testStart), Password: testPassword})
	res, err := svc.Reserve(context.Background(), ReserveCommand{Password: testPassword})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Key != "A" {
		t.Fatalf("expected A, got %s", res.Key)
	}
	if _, err := svc.Renew(context.Background(), "A", res.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("lost claim should be unauthorized on renew, got %v", err)
	}
}

func TestVerifyClaimsExhaustsCandidates(t *testing.T) {
	store := &rivalStore{Store: memory.NewWithSlots(map[string]slotstore.Record{"A": FreeRecord("u")}), target: "A"}
	svc := New(Config{Store: store, Password: testPassword, VerifyClaims: true})
	if _, err := svc.Reserve(context.Background(), ReserveCommand{Password: testPassword}); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected exhausted after losing the only slot, got %v", err)
	}
}
