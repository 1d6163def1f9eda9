package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/handd/internal/slotstore"
)

// Reserve claims the first free slot in store iteration order and mints a
// fresh token for it. Two concurrent reservers can observe the same free slot
// and both write it; the store keeps the last write. With VerifyClaims the
// loser notices on re-read and tries the next candidate from its listing.
func (s *Service) Reserve(ctx context.Context, cmd ReserveCommand) (*ReserveResult, error) {
	begin := s.clock.Now()
	logger := s.loggerFor(ctx, "core.reserve")
	if err := ValidateReserve(cmd, s.password); err != nil {
		logger.Debug("hand.reserve.rejected", "error", err)
		s.metrics.recordReserve(ctx, s.clock.Now().Sub(begin), err)
		return nil, err
	}
	res, err := s.reserve(ctx)
	s.metrics.recordReserve(ctx, s.clock.Now().Sub(begin), err)
	if err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			logger.Info("hand.reserve.exhausted")
		} else {
			logger.Warn("hand.reserve.error", "error", err)
		}
		return nil, err
	}
	logger.Info("hand.reserve.success", "key", res.Key, "url_id", res.URLID)
	return res, nil
}

func (s *Service) reserve(ctx context.Context) (*ReserveResult, error) {
	logger := s.loggerFor(ctx, "core.reserve")
	entries, err := s.store.List(ctx)
	if err != nil {
		return nil, storeFailure("list slots", err)
	}
	for _, entry := range entries {
		slot, err := DecodeSlot(entry.Key, entry.Record)
		if err != nil {
			logger.Warn("hand.reserve.corrupt_slot", "key", entry.Key, "error", err)
			continue
		}
		if !slot.Free() {
			continue
		}
		token, err := s.newToken()
		if err != nil {
			return nil, Failure{Code: CodeInternal, Detail: err.Error(), HTTPStatus: http.StatusInternalServerError, Err: err}
		}
		if err := s.store.Update(ctx, entry.Key, reservePatch(token, s.clock.Now())); err != nil {
			if isStoreNotFound(err) {
				logger.Debug("hand.reserve.vanished", "key", entry.Key)
				continue
			}
			return nil, storeFailure("claim slot", err)
		}
		if s.verifyClaims {
			held, err := s.holdsClaim(ctx, entry.Key, token)
			if err != nil {
				return nil, err
			}
			if !held {
				s.metrics.recordDoubleClaim(ctx)
				logger.Warn("hand.reserve.double_claim", "key", entry.Key)
				continue
			}
		}
		return &ReserveResult{Key: entry.Key, URLID: slot.URLID, Token: token}, nil
	}
	return nil, Failure{Code: CodeResourceExhausted, Detail: "no free slot available", HTTPStatus: http.StatusNotFound}
}

func (s *Service) holdsClaim(ctx context.Context, key, token string) (bool, error) {
	slot, err := s.load(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return slot.IsReserved && slot.Token != nil && *slot.Token == token, nil
}

// Renew refreshes the heartbeat of a slot held with token. The heartbeat
// never moves backwards.
func (s *Service) Renew(ctx context.Context, key, token string) (*KeepResult, error) {
	begin := s.clock.Now()
	res, err := s.renew(ctx, key, token)
	s.metrics.recordKeep(ctx, ActionRenew, s.clock.Now().Sub(begin), err)
	logger := s.loggerFor(ctx, "core.renew")
	if err != nil {
		logger.Debug("hand.renew.error", "key", key, "error", err)
		return nil, err
	}
	logger.Debug("hand.renew.success", "key", key, "heartbeat", *res.Heartbeat)
	return res, nil
}

func (s *Service) renew(ctx context.Context, key, token string) (*KeepResult, error) {
	if err := validateTarget(key, token); err != nil {
		return nil, err
	}
	slot, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := authorize(slot, token); err != nil {
		return nil, err
	}
	heartbeat := s.clock.Now()
	if slot.Heartbeat != nil && heartbeat.Before(*slot.Heartbeat) {
		heartbeat = *slot.Heartbeat
	}
	if err := s.store.Update(ctx, key, renewPatch(heartbeat)); err != nil {
		if isStoreNotFound(err) {
			return nil, notFound(key)
		}
		return nil, storeFailure("write heartbeat", err)
	}
	return &KeepResult{Key: key, Action: ActionRenew, Message: "heartbeat updated", Heartbeat: &heartbeat}, nil
}

// Release returns a slot held with token to the pool.
func (s *Service) Release(ctx context.Context, key, token string) (*KeepResult, error) {
	begin := s.clock.Now()
	res, err := s.release(ctx, key, token)
	s.metrics.recordKeep(ctx, ActionRelease, s.clock.Now().Sub(begin), err)
	logger := s.loggerFor(ctx, "core.release")
	if err != nil {
		logger.Debug("hand.release.error", "key", key, "error", err)
		return nil, err
	}
	logger.Info("hand.release.success", "key", key)
	return res, nil
}

func (s *Service) release(ctx context.Context, key, token string) (*KeepResult, error) {
	if err := validateTarget(key, token); err != nil {
		return nil, err
	}
	slot, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := authorize(slot, token); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, key, releasePatch()); err != nil {
		if isStoreNotFound(err) {
			return nil, notFound(key)
		}
		return nil, storeFailure("release slot", err)
	}
	return &KeepResult{Key: key, Action: ActionRelease, Message: "slot released"}, nil
}

// Keep validates a holder request and dispatches it to Renew or Release.
func (s *Service) Keep(ctx context.Context, cmd KeepCommand) (*KeepResult, error) {
	action, err := ValidateKeep(cmd, s.password)
	if err != nil {
		s.loggerFor(ctx, "core.keep").Debug("hand.keep.rejected", "key", cmd.Key, "error", err)
		return nil, err
	}
	return s.dispatch(ctx, action, cmd.Key, cmd.Token)
}

func (s *Service) dispatch(ctx context.Context, action Action, key, token string) (*KeepResult, error) {
	switch action {
	case ActionRenew:
		return s.Renew(ctx, key, token)
	case ActionRelease:
		return s.Release(ctx, key, token)
	default:
		return nil, Failure{Code: CodeInternal, Detail: fmt.Sprintf("no handler for action %s", action), HTTPStatus: http.StatusInternalServerError}
	}
}

// ForceRelease frees a slot without token checks. It is the administrative
// path used by the sweeper and operators, never by holders. The previous
// state of the slot is returned.
func (s *Service) ForceRelease(ctx context.Context, key string) (*HandSlot, error) {
	logger := s.loggerFor(ctx, "core.admin")
	if key == "" {
		return nil, Failure{Code: CodeMissingParameters, Detail: "missing required parameters", Fields: []string{"key"}, HTTPStatus: http.StatusBadRequest}
	}
	slot, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.forceRelease(ctx, slot); err != nil {
		return nil, err
	}
	logger.Info("hand.force_release.success", "key", key, "was_reserved", slot.IsReserved, "orphaned", slot.Orphaned())
	return &slot, nil
}

// forceRelease writes the FREE state over a slot the caller has just loaded.
func (s *Service) forceRelease(ctx context.Context, slot HandSlot) error {
	if err := s.store.Update(ctx, slot.Key, releasePatch()); err != nil {
		if isStoreNotFound(err) {
			return notFound(slot.Key)
		}
		return storeFailure("force release", err)
	}
	return nil
}

// Slots lists every decodable slot in store order. Corrupt records are
// logged and skipped.
func (s *Service) Slots(ctx context.Context) ([]HandSlot, error) {
	entries, err := s.store.List(ctx)
	if err != nil {
		return nil, storeFailure("list slots", err)
	}
	logger := s.loggerFor(ctx, "core.slots")
	out := make([]HandSlot, 0, len(entries))
	for _, entry := range entries {
		slot, err := DecodeSlot(entry.Key, entry.Record)
		if err != nil {
			logger.Warn("hand.slots.corrupt_slot", "key", entry.Key, "error", err)
			continue
		}
		out = append(out, slot)
	}
	return out, nil
}

func isStoreNotFound(err error) bool {
	return errors.Is(err, slotstore.ErrNotFound)
}
