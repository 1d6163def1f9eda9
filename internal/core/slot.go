package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"pkt.systems/handd/internal/clock"
	"pkt.systems/handd/internal/slotstore"
)

// Persisted field names of a slot record.
const (
	FieldIsReserved = "isReserved"
	FieldToken      = "token"
	FieldHeartbeat  = "heartbeat"
	FieldReservedAt = "reservedAt"
	FieldURLID      = "urlId"
)

// HandSlot is the typed view of one slot record.
type HandSlot struct {
	Key        string
	IsReserved bool
	Token      *string
	Heartbeat  *time.Time
	ReservedAt *time.Time
	URLID      string
	// Extra holds fields this service does not interpret. They are never
	// written back; updates only patch the fields above.
	Extra map[string]any
}

// Free reports whether the slot can be claimed.
func (h HandSlot) Free() bool { return !h.IsReserved }

// Orphaned reports a slot marked reserved that no token can renew or release.
func (h HandSlot) Orphaned() bool { return h.IsReserved && h.Token == nil }

// LastSeen is the later of heartbeat and reservedAt, or nil when neither is set.
func (h HandSlot) LastSeen() *time.Time {
	switch {
	case h.Heartbeat == nil:
		return h.ReservedAt
	case h.ReservedAt == nil:
		return h.Heartbeat
	case h.Heartbeat.After(*h.ReservedAt):
		return h.Heartbeat
	default:
		return h.ReservedAt
	}
}

// Stale reports whether a reserved slot's liveness predates now-threshold.
// Slots without any timestamp are never stale.
func (h HandSlot) Stale(now time.Time, threshold time.Duration) bool {
	if !h.IsReserved {
		return false
	}
	seen := h.LastSeen()
	return seen != nil && seen.Before(now.Add(-threshold))
}

// DecodeSlot converts a raw record into a HandSlot. An absent field and a
// stored null decode the same way; an empty token is treated as null.
func DecodeSlot(key string, rec slotstore.Record) (HandSlot, error) {
	slot := HandSlot{Key: key}
	for field, value := range rec {
		var err error
		switch field {
		case FieldIsReserved:
			slot.IsReserved, err = decodeBool(value)
		case FieldToken:
			slot.Token, err = decodeToken(value)
		case FieldHeartbeat:
			slot.Heartbeat, err = decodeMillis(value)
		case FieldReservedAt:
			slot.ReservedAt, err = decodeMillis(value)
		case FieldURLID:
			slot.URLID, err = decodeString(value)
		default:
			if slot.Extra == nil {
				slot.Extra = make(map[string]any)
			}
			slot.Extra[field] = value
		}
		if err != nil {
			return HandSlot{}, fmt.Errorf("slot %q field %s: %w", key, field, err)
		}
	}
	return slot, nil
}

func reservePatch(token string, now time.Time) slotstore.Patch {
	return slotstore.Patch{
		FieldIsReserved: true,
		FieldToken:      token,
		FieldHeartbeat:  nil,
		FieldReservedAt: clock.Millis(now),
	}
}

func renewPatch(heartbeat time.Time) slotstore.Patch {
	return slotstore.Patch{FieldHeartbeat: clock.Millis(heartbeat)}
}

func releasePatch() slotstore.Patch {
	return slotstore.Patch{
		FieldIsReserved: false,
		FieldToken:      nil,
		FieldHeartbeat:  nil,
		FieldReservedAt: nil,
	}
}

// FreeRecord is the record written for a newly provisioned slot.
func FreeRecord(urlID string) slotstore.Record {
	return slotstore.Record{
		FieldIsReserved: false,
		FieldToken:      nil,
		FieldHeartbeat:  nil,
		FieldReservedAt: nil,
		FieldURLID:      urlID,
	}
}

func decodeBool(v any) (bool, error) {
	switch t := v.(type) {
	case nil:
		return false, nil
	case bool:
		return t, nil
	default:
		return false, fmt.Errorf("expected boolean, got %T", v)
	}
}

func decodeToken(v any) (*string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if t == "" {
			return nil, nil
		}
		return &t, nil
	default:
		return nil, fmt.Errorf("expected string or null, got %T", v)
	}
}

func decodeString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case int, int64, float64:
		return fmt.Sprint(t), nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

func decodeMillis(v any) (*time.Time, error) {
	var ms int64
	switch t := v.(type) {
	case nil:
		return nil, nil
	case int64:
		ms = t
	case int:
		ms = int64(t)
	case int32:
		ms = int64(t)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("invalid timestamp %v", t)
		}
		ms = int64(t)
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			f, ferr := t.Float64()
			if ferr != nil {
				return nil, fmt.Errorf("invalid timestamp %q", t.String())
			}
			n = int64(f)
		}
		ms = n
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q", t)
		}
		ms = n
	default:
		return nil, fmt.Errorf("expected epoch milliseconds, got %T", v)
	}
	ts := clock.FromMillis(ms)
	return &ts, nil
}
