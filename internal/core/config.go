package core

import (
	"pkt.systems/handd/internal/clock"
	"pkt.systems/handd/internal/slotstore"
	"pkt.systems/pslog"
)

// Config captures the dependencies and behavioural knobs of the reservation
// service. It is transport agnostic.
type Config struct {
	Store    slotstore.Store
	Clock    clock.Clock
	Logger   pslog.Logger
	Password string
	// VerifyClaims re-reads each claimed slot after writing it and moves on
	// to the next free candidate when another reserver overwrote the token.
	VerifyClaims bool
	// NewToken mints lease tokens; defaults to ids.NewToken.
	NewToken func() (string, error)
}
