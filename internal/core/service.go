package core

import (
	"context"

	"pkt.systems/handd/internal/clock"
	"pkt.systems/handd/internal/ids"
	"pkt.systems/handd/internal/slotstore"
	"pkt.systems/handd/internal/svcfields"
	"pkt.systems/pslog"
)

// Service implements the slot lease protocol on top of a slotstore.Store. It
// holds no lease state between calls.
type Service struct {
	store        slotstore.Store
	clock        clock.Clock
	logger       pslog.Logger
	password     string
	verifyClaims bool
	newToken     func() (string, error)
	metrics      *slotMetrics
}

// New constructs the core Service with sane defaults.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	newToken := cfg.NewToken
	if newToken == nil {
		newToken = ids.NewToken
	}
	return &Service{
		store:        cfg.Store,
		clock:        clk,
		logger:       logger,
		password:     cfg.Password,
		verifyClaims: cfg.VerifyClaims,
		newToken:     newToken,
		metrics:      newSlotMetrics(logger),
	}
}

// Store exposes the backing slot store.
func (s *Service) Store() slotstore.Store {
	return s.store
}

// Clock exposes the service clock.
func (s *Service) Clock() clock.Clock {
	return s.clock
}

func (s *Service) loggerFor(ctx context.Context, sys string) pslog.Logger {
	return svcfields.WithSubsystem(svcfields.FromContext(ctx, s.logger), sys)
}

// load re-reads and decodes one slot.
func (s *Service) load(ctx context.Context, key string) (HandSlot, error) {
	rec, err := s.store.Get(ctx, key)
	if err != nil {
		if isStoreNotFound(err) {
			return HandSlot{}, notFound(key)
		}
		return HandSlot{}, storeFailure("get slot", err)
	}
	slot, err := DecodeSlot(key, rec)
	if err != nil {
		return HandSlot{}, storeFailure("decode slot", err)
	}
	return slot, nil
}

// CheckPassword validates the shared secret for read-only surfaces.
func (s *Service) CheckPassword(password string) error {
	return CheckPassword(password, s.password)
}
