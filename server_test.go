package handd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/handd/api"
	"pkt.systems/handd/internal/clock"
	"pkt.systems/handd/internal/core"
	"pkt.systems/handd/internal/slotstore"
	"pkt.systems/handd/internal/slotstore/memory"
)

const testPassword = "hands-up"

func writeSlotsFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slots.yaml")
	doc := "slots:\n  - key: hand-1\n    urlId: https://meet.example/1\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write slots file: %v", err)
	}
	return path
}

func startTestServer(t *testing.T, cfg Config, opts ...Option) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv, stop, err := StartServer(ctx, cfg, opts...)
	if err != nil {
		cancel()
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		_ = stop(context.Background())
		cancel()
	})
	return srv
}

func TestServerProvisionsAndServes(t *testing.T) {
	store := memory.New()
	srv := startTestServer(t, Config{
		Listen:         "127.0.0.1:0",
		Password:       testPassword,
		SlotsFile:      writeSlotsFile(t),
		DisableSweeper: true,
	}, WithStore(store))

	base := "http://" + srv.ListenerAddr().String()
	body, _ := json.Marshal(api.ReserveRequest{Password: testPassword})
	resp, err := http.Post(base+"/v1/reserve", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reserve status %d", resp.StatusCode)
	}
	var res api.ReserveResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Key != "hand-1" || res.URLID != "https://meet.example/1" {
		t.Fatalf("unexpected reservation %+v", res)
	}
}

func TestServerRejectsMissingSlotsFile(t *testing.T) {
	_, err := NewServer(Config{Password: testPassword, SlotsFile: filepath.Join(t.TempDir(), "absent.yaml")}, WithStore(memory.New()))
	if err == nil {
		t.Fatalf("expected error for missing slots file")
	}
}

func TestServerSweeperReclaimsStaleSlots(t *testing.T) {
	store := memory.NewWithSlots(nil)
	clk := clock.NewManual(time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC))
	srv := startTestServer(t, Config{
		Listen:          "127.0.0.1:0",
		Password:        testPassword,
		SlotsFile:       writeSlotsFile(t),
		StaleAfter:      time.Minute,
		SweeperInterval: 10 * time.Second,
	}, WithStore(store), WithClock(clk))

	ctx := context.Background()
	if _, err := srv.Service().Reserve(ctx, core.ReserveCommand{Password: testPassword}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	waitFor(t, func() bool { return clk.Waiters() > 0 })
	clk.Advance(2 * time.Minute)
	waitFor(t, func() bool {
		rec, err := store.Get(ctx, "hand-1")
		if err != nil {
			return false
		}
		slot, err := core.DecodeSlot("hand-1", rec)
		return err == nil && slot.Free()
	})
}

// stallingStore blocks List until its context ends, or until release is
// closed when ignoreCtx is set.
type stallingStore struct {
	*memory.Store
	ignoreCtx bool
	release   chan struct{}
	started   chan struct{}
	once      sync.Once
}

func newStallingStore(ignoreCtx bool) *stallingStore {
	return &stallingStore{
		Store:     memory.New(),
		ignoreCtx: ignoreCtx,
		release:   make(chan struct{}),
		started:   make(chan struct{}),
	}
}

func (s *stallingStore) List(ctx context.Context) ([]slotstore.Entry, error) {
	s.once.Do(func() { close(s.started) })
	if s.ignoreCtx {
		<-s.release
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.release:
		return nil, nil
	}
}

func startStallingServer(t *testing.T, store *stallingStore) func(context.Context) error {
	t.Helper()
	_, stop, err := StartServer(context.Background(), Config{
		Listen:          "127.0.0.1:0",
		Password:        testPassword,
		StaleAfter:      time.Minute,
		SweeperInterval: 10 * time.Millisecond,
	}, WithStore(store))
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	select {
	case <-store.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("sweeper never listed the store")
	}
	return stop
}

func stopWithin(t *testing.T, stop func(context.Context) error, deadline time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- stop(ctx) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("shutdown with %s deadline still blocked after 2s", deadline)
		return nil
	}
}

func TestShutdownCancelsInFlightSweep(t *testing.T) {
	store := newStallingStore(false)
	t.Cleanup(func() { close(store.release) })
	stop := startStallingServer(t, store)
	if err := stopWithin(t, stop, 200*time.Millisecond); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestShutdownHonorsDeadlineWhenStoreIgnoresContext(t *testing.T) {
	store := newStallingStore(true)
	t.Cleanup(func() { close(store.release) })
	stop := startStallingServer(t, store)
	err := stopWithin(t, stop, 200*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
