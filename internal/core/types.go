package core

import (
	"strings"
	"time"
)

// Action is the closed set of token-gated operations a holder can request.
type Action uint8

const (
	// ActionUnknown is the zero value and never dispatched.
	ActionUnknown Action = iota
	// ActionRenew refreshes the lease heartbeat ("KEEP").
	ActionRenew
	// ActionRelease returns the slot to the pool ("FREE").
	ActionRelease
)

// String returns the wire name of the action.
func (a Action) String() string {
	switch a {
	case ActionRenew:
		return "KEEP"
	case ActionRelease:
		return "FREE"
	default:
		return "UNKNOWN"
	}
}

// ParseAction maps a wire action name to an Action, case-insensitively.
func ParseAction(name string) (Action, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "KEEP", "RENEW":
		return ActionRenew, true
	case "FREE", "RELEASE":
		return ActionRelease, true
	default:
		return ActionUnknown, false
	}
}

// ReserveCommand requests any free slot.
type ReserveCommand struct {
	Password string
}

// ReserveResult identifies the claimed slot and the capability token for it.
type ReserveResult struct {
	Key   string
	URLID string
	Token string
}

// KeepCommand is a token-gated request against one slot.
type KeepCommand struct {
	Key      string
	Token    string
	Action   string
	Password string
}

// KeepResult reports the outcome of Renew, Release or Keep.
type KeepResult struct {
	Key       string
	Action    Action
	Message   string
	Heartbeat *time.Time
}

// SweepOptions controls one staleness sweep.
type SweepOptions struct {
	// Threshold is the liveness window; reserved slots last seen before
	// now-Threshold are reclaimed.
	Threshold time.Duration
	// ReclaimOrphans also frees reserved slots that carry no token.
	ReclaimOrphans bool
	// DryRun reports what would be reclaimed without writing.
	DryRun bool
}

// SweepReport summarises a sweep. Key lists are in scan order.
type SweepReport struct {
	Scanned   int
	Reserved  int
	Stale     []string
	Orphans   []string
	Unaged    []string
	Reclaimed []string
	Failed    map[string]string
	Corrupt   []string
}
