package inprocess

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/handd"
)

func TestInProcessReserveRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slots.yaml")
	if err := os.WriteFile(path, []byte("slots:\n  - key: one\n    urlId: u1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx := context.Background()
	cli, err := New(ctx, handd.Config{Store: "mem://", Password: "p", SlotsFile: path, DisableSweeper: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer cli.Close(ctx)

	lease, err := cli.Reserve(ctx)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if lease.Key != "one" || lease.URLID != "u1" {
		t.Fatalf("unexpected lease %+v", lease)
	}
	if _, err := cli.Release(ctx, lease.Key, lease.Token); err != nil {
		t.Fatalf("release: %v", err)
	}
}
