package slotstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestRecordMergeLeavesSourceUntouched(t *testing.T) {
	src := Record{"urlId": "room-1", "isReserved": false, "extra": map[string]any{"floor": "2"}}
	merged := src.Merge(Patch{"isReserved": true, "token": nil})

	if merged["isReserved"] != true {
		t.Fatalf("expected patched field, got %v", merged["isReserved"])
	}
	if v, ok := merged["token"]; !ok || v != nil {
		t.Fatalf("expected explicit null token, got %v (present=%v)", v, ok)
	}
	if src["isReserved"] != false {
		t.Fatal("merge mutated the source record")
	}
	if _, ok := src["token"]; ok {
		t.Fatal("merge added a field to the source record")
	}
	merged["extra"].(map[string]any)["floor"] = "3"
	if src["extra"].(map[string]any)["floor"] != "2" {
		t.Fatal("nested value aliased between source and merge result")
	}
}

func TestObjectNameRoundTrip(t *testing.T) {
	cases := []struct {
		prefix string
		key    string
		object string
	}{
		{prefix: "", key: "hand-a", object: "slots/hand-a.json"},
		{prefix: "/classroom/", key: "hand-a", object: "classroom/slots/hand-a.json"},
		{prefix: "p", key: "room 1/left", object: "p/slots/room%201%2Fleft.json"},
	}
	for _, tc := range cases {
		name, err := ObjectName(tc.prefix, tc.key)
		if err != nil {
			t.Fatalf("object name %q: %v", tc.key, err)
		}
		if name != tc.object {
			t.Fatalf("ObjectName(%q, %q) = %q, want %q", tc.prefix, tc.key, name, tc.object)
		}
		key, ok := KeyFromObject(tc.prefix, name)
		if !ok || key != tc.key {
			t.Fatalf("KeyFromObject(%q) = %q, %v", name, key, ok)
		}
	}
	if _, err := ObjectName("", " "); err == nil {
		t.Fatal("expected error for blank key")
	}
	if _, ok := KeyFromObject("", "slots/nested/x.json"); ok {
		t.Fatal("nested object should not map to a key")
	}
	if _, ok := KeyFromObject("", "other/x.json"); ok {
		t.Fatal("foreign object should not map to a key")
	}
}

func TestDecodeRecordKeepsNumbersExact(t *testing.T) {
	rec, err := DecodeRecord([]byte(`{"heartbeat":1712345678901,"token":null}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	n, ok := rec["heartbeat"].(json.Number)
	if !ok || n.String() != "1712345678901" {
		t.Fatalf("unexpected heartbeat %#v", rec["heartbeat"])
	}
	if v, ok := rec["token"]; !ok || v != nil {
		t.Fatalf("expected null token, got %#v", v)
	}
}

func TestTransientMarking(t *testing.T) {
	base := errors.New("connection reset")
	err := fmt.Errorf("list: %w", NewTransientError(base))
	if !IsTransient(err) {
		t.Fatal("expected wrapped transient error to be detected")
	}
	if !errors.Is(err, base) {
		t.Fatal("transient wrapper must unwrap")
	}
	if IsTransient(base) || NewTransientError(nil) != nil {
		t.Fatal("unexpected transient classification")
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "dns temporary", err: &net.DNSError{IsTemporary: true}, expected: true},
		{name: "net op timeout", err: &net.OpError{Err: fakeTimeoutErr{}}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "wrapped refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), expected: true},
		{name: "plain", err: errors.New("access denied"), expected: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsNetworkError(tc.err); got != tc.expected {
				t.Fatalf("IsNetworkError(%v) = %v, want %v", tc.err, got, tc.expected)
			}
		})
	}
}
