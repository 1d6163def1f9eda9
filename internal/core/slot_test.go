package core

import (
	"encoding/json"
	"testing"
	"time"

	"pkt.systems/handd/internal/slotstore"
)

func TestDecodeSlotNullAndAbsentAgree(t *testing.T) {
	absent, err := DecodeSlot("A", slotstore.Record{FieldURLID: "u"})
	if err != nil {
		t.Fatalf("decode absent: %v", err)
	}
	null, err := DecodeSlot("A", slotstore.Record{FieldURLID: "u", FieldIsReserved: nil, FieldToken: nil, FieldHeartbeat: nil})
	if err != nil {
		t.Fatalf("decode null: %v", err)
	}
	for _, slot := range []HandSlot{absent, null} {
		if slot.IsReserved || slot.Token != nil || slot.Heartbeat != nil || slot.URLID != "u" {
			t.Fatalf("unexpected slot %+v", slot)
		}
	}
}

func TestDecodeSlotNumericForms(t *testing.T) {
	const ms = int64(1712345678901)
	want := time.UnixMilli(ms).UTC()
	for _, value := range []any{ms, float64(ms), json.Number("1712345678901"), int(ms), "1712345678901"} {
		slot, err := DecodeSlot("A", slotstore.Record{FieldHeartbeat: value})
		if err != nil {
			t.Fatalf("decode %T: %v", value, err)
		}
		if slot.Heartbeat == nil || !slot.Heartbeat.Equal(want) {
			t.Fatalf("decode %T: heartbeat %v", value, slot.Heartbeat)
		}
	}
}

func TestDecodeSlotRejectsWrongTypes(t *testing.T) {
	bad := []slotstore.Record{
		{FieldIsReserved: "yes"},
		{FieldToken: 42},
		{FieldHeartbeat: "soon"},
		{FieldHeartbeat: true},
	}
	for _, rec := range bad {
		if _, err := DecodeSlot("A", rec); err == nil {
			t.Fatalf("expected error decoding %v", rec)
		}
	}
}

func TestDecodeSlotKeepsExtraFields(t *testing.T) {
	slot, err := DecodeSlot("A", slotstore.Record{FieldURLID: "u", "room": "lab"})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if slot.Extra["room"] != "lab" {
		t.Fatalf("extra field lost: %+v", slot)
	}
}

func TestEmptyTokenIsOrphan(t *testing.T) {
	slot, err := DecodeSlot("A", slotstore.Record{FieldIsReserved: true, FieldToken: ""})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !slot.Orphaned() {
		t.Fatalf("reserved slot with empty token should be orphaned: %+v", slot)
	}
}

func TestStaleUsesLatestTimestamp(t *testing.T) {
	now := testStart
	old := now.Add(-10 * time.Minute)
	recent := now.Add(-30 * time.Second)
	token := "t"
	cases := []struct {
		name  string
		slot  HandSlot
		stale bool
	}{
		{name: "free", slot: HandSlot{ReservedAt: &old}, stale: false},
		{name: "old reservation never renewed", slot: HandSlot{IsReserved: true, Token: &token, ReservedAt: &old}, stale: true},
		{name: "recent heartbeat", slot: HandSlot{IsReserved: true, Token: &token, ReservedAt: &old, Heartbeat: &recent}, stale: false},
		{name: "old heartbeat recent reservation", slot: HandSlot{IsReserved: true, Token: &token, ReservedAt: &recent, Heartbeat: &old}, stale: false},
		{name: "no timestamps", slot: HandSlot{IsReserved: true, Token: &token}, stale: false},
	}
	for _, tc := range cases {
		if got := tc.slot.Stale(now, 2*time.Minute); got != tc.stale {
			t.Fatalf("%s: stale = %v, want %v", tc.name, got, tc.stale)
		}
	}
}
