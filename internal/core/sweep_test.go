package core

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"pkt.systems/handd/internal/clock"
	"pkt.systems/handd/internal/slotstore"
)

func sweepSeed() map[string]slotstore.Record {
	old := clock.Millis(testStart.Add(-10 * time.Minute))
	fresh := clock.Millis(testStart.Add(-10 * time.Second))
	return map[string]slotstore.Record{
		"active":  {FieldIsReserved: true, FieldToken: "t1", FieldReservedAt: old, FieldHeartbeat: fresh, FieldURLID: "u1"},
		"expired": {FieldIsReserved: true, FieldToken: "t2", FieldReservedAt: old, FieldHeartbeat: old, FieldURLID: "u2"},
		"free":    FreeRecord("u3"),
		"legacy":  {FieldIsReserved: true, FieldToken: "t4", FieldURLID: "u4"},
		"orphan":  {FieldIsReserved: true, FieldToken: nil, FieldReservedAt: old, FieldURLID: "u5"},
	}
}

func TestSweepReclaimsStaleOnly(t *testing.T) {
	svc, store, _ := newTestService(t, sweepSeed())
	report, err := svc.SweepStale(context.Background(), SweepOptions{Threshold: 2 * time.Minute})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 5 || report.Reserved != 4 {
		t.Fatalf("unexpected counts: %+v", report)
	}
	if !reflect.DeepEqual(report.Stale, []string{"expired"}) || !reflect.DeepEqual(report.Reclaimed, []string{"expired"}) {
		t.Fatalf("unexpected stale/reclaimed: %+v", report)
	}
	if !reflect.DeepEqual(report.Orphans, []string{"orphan"}) || !reflect.DeepEqual(report.Unaged, []string{"legacy"}) {
		t.Fatalf("unexpected orphans/unaged: %+v", report)
	}
	if slot := mustGet(t, store, "expired"); !slot.Free() || slot.URLID != "u2" {
		t.Fatalf("expired slot not reclaimed: %+v", slot)
	}
	if slot := mustGet(t, store, "orphan"); !slot.Orphaned() {
		t.Fatalf("orphan must be left alone without ReclaimOrphans: %+v", slot)
	}
	if slot := mustGet(t, store, "active"); !slot.IsReserved {
		t.Fatalf("active slot reclaimed: %+v", slot)
	}
}

func TestSweepReclaimOrphans(t *testing.T) {
	svc, store, _ := newTestService(t, sweepSeed())
	report, err := svc.SweepStale(context.Background(), SweepOptions{Threshold: 2 * time.Minute, ReclaimOrphans: true})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !reflect.DeepEqual(report.Reclaimed, []string{"expired", "orphan"}) {
		t.Fatalf("unexpected reclaimed: %v", report.Reclaimed)
	}
	if slot := mustGet(t, store, "orphan"); !slot.Free() {
		t.Fatalf("orphan not reclaimed: %+v", slot)
	}
}

func TestSweepDryRunWritesNothing(t *testing.T) {
	svc, store, _ := newTestService(t, sweepSeed())
	report, err := svc.SweepStale(context.Background(), SweepOptions{Threshold: 2 * time.Minute, ReclaimOrphans: true, DryRun: true})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.Reclaimed) != 0 || len(report.Stale) != 1 {
		t.Fatalf("unexpected dry run report: %+v", report)
	}
	if store.Writes() != 0 {
		t.Fatalf("dry run wrote %d times", store.Writes())
	}
}

func TestSweepSparesLeaseRenewedAfterScan(t *testing.T) {
	svc, store, _ := newTestService(t, sweepSeed())
	svc.store = &renewOnList{Store: store}
	report, err := svc.SweepStale(context.Background(), SweepOptions{Threshold: 2 * time.Minute})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.Reclaimed) != 0 {
		t.Fatalf("renewed lease was reclaimed: %+v", report)
	}
	if slot := mustGet(t, store, "expired"); !slot.IsReserved {
		t.Fatalf("expired slot should have survived its late renewal: %+v", slot)
	}
}

// renewOnList refreshes the "expired" heartbeat right after handing out the
// listing, modelling a holder that renews while the sweep runs.
type renewOnList struct {
	slotstore.Store
}

func (r *renewOnList) List(ctx context.Context) ([]slotstore.Entry, error) {
	entries, err := r.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	return entries, r.Store.Update(ctx, "expired", slotstore.Patch{FieldHeartbeat: clock.Millis(testStart)})
}

func TestSweepRejectsNonPositiveThreshold(t *testing.T) {
	svc, _, _ := newTestService(t, sweepSeed())
	if _, err := svc.SweepStale(context.Background(), SweepOptions{}); !errors.Is(err, Failure{Code: CodeInvalidArgument}) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

// countingGets records how many times each key is fetched.
type countingGets struct {
	slotstore.Store
	gets map[string]int
}

func (c *countingGets) Get(ctx context.Context, key string) (slotstore.Record, error) {
	c.gets[key]++
	return c.Store.Get(ctx, key)
}

func TestSweepReadsEachCandidateOnce(t *testing.T) {
	_, store, clk := newTestService(t, sweepSeed())
	counting := &countingGets{Store: store, gets: make(map[string]int)}
	svc := New(Config{Store: counting, Clock: clk, Password: "pw"})
	report, err := svc.SweepStale(context.Background(), SweepOptions{Threshold: 2 * time.Minute, ReclaimOrphans: true})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !reflect.DeepEqual(report.Reclaimed, []string{"expired", "orphan"}) {
		t.Fatalf("unexpected reclaimed: %+v", report)
	}
	for _, key := range report.Reclaimed {
		if counting.gets[key] != 1 {
			t.Fatalf("slot %s fetched %d times, want 1", key, counting.gets[key])
		}
		if slot := mustGet(t, store, key); !slot.Free() {
			t.Fatalf("slot %s still reserved: %+v", key, slot)
		}
	}
}
