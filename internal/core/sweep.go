package core

import (
	"context"
	"net/http"
	"time"
)

// SweepStale force-releases reserved slots whose liveness predates
// opts.Threshold. Orphans (reserved with no token) are reported and only
// reclaimed with opts.ReclaimOrphans. Each candidate is re-read before it is
// released so a holder that renewed after the listing keeps its lease.
func (s *Service) SweepStale(ctx context.Context, opts SweepOptions) (*SweepReport, error) {
	if opts.Threshold <= 0 {
		return nil, Failure{Code: CodeInvalidArgument, Detail: "sweep threshold must be positive", Fields: []string{"threshold"}, HTTPStatus: http.StatusBadRequest}
	}
	logger := s.loggerFor(ctx, "core.sweep")
	entries, err := s.store.List(ctx)
	if err != nil {
		return nil, storeFailure("list slots", err)
	}
	now := s.clock.Now()
	report := &SweepReport{Scanned: len(entries)}
	for _, entry := range entries {
		slot, err := DecodeSlot(entry.Key, entry.Record)
		if err != nil {
			report.Corrupt = append(report.Corrupt, entry.Key)
			logger.Warn("hand.sweep.corrupt_slot", "key", entry.Key, "error", err)
			continue
		}
		if !slot.IsReserved {
			continue
		}
		report.Reserved++
		var reclaim bool
		switch {
		case slot.Orphaned():
			report.Orphans = append(report.Orphans, slot.Key)
			logger.Warn("hand.sweep.orphan", "key", slot.Key)
			reclaim = opts.ReclaimOrphans
		case slot.Stale(now, opts.Threshold):
			report.Stale = append(report.Stale, slot.Key)
			reclaim = true
		case slot.LastSeen() == nil:
			report.Unaged = append(report.Unaged, slot.Key)
		}
		if !reclaim || opts.DryRun {
			continue
		}
		released, err := s.reclaim(ctx, slot, now, opts.Threshold)
		if err != nil {
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[slot.Key] = err.Error()
			logger.Warn("hand.sweep.reclaim_failed", "key", slot.Key, "error", err)
			continue
		}
		if released {
			report.Reclaimed = append(report.Reclaimed, slot.Key)
			s.metrics.recordReclaim(ctx, slot.Orphaned())
			logger.Info("hand.sweep.reclaimed", "key", slot.Key, "orphan", slot.Orphaned())
		}
	}
	logger.Debug("hand.sweep.complete",
		"scanned", report.Scanned,
		"reserved", report.Reserved,
		"stale", len(report.Stale),
		"orphans", len(report.Orphans),
		"reclaimed", len(report.Reclaimed),
		"dry_run", opts.DryRun,
	)
	return report, nil
}

// reclaim re-reads slot and releases it only if it is still the same lease
// in the same condition observed during the scan.
func (s *Service) reclaim(ctx context.Context, seen HandSlot, now time.Time, threshold time.Duration) (bool, error) {
	current, err := s.load(ctx, seen.Key)
	if err != nil {
		return false, err
	}
	if !current.IsReserved || !sameToken(current.Token, seen.Token) {
		return false, nil
	}
	if !current.Orphaned() && !current.Stale(now, threshold) {
		return false, nil
	}
	if err := s.forceRelease(ctx, current); err != nil {
		return false, err
	}
	return true, nil
}

func sameToken(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
