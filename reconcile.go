package chatsync

import (
	"context"
	"log/slog"
	"time"
)

// ReconcileConfig tunes the two-phase reconciliation that retires an
// optimistic turn once its durable copy is visible.
type ReconcileConfig struct {
	// SettleDelay is the wait between finalizing a turn and the first
	// durable refresh, giving the server time to persist.
	SettleDelay time.Duration

	// ConfirmInterval is the wait between confirmation attempts while
	// the durable copy has not appeared yet.
	ConfirmInterval time.Duration

	// ConfirmTimeout is the upper bound after which the optimistic
	// turn is discarded even without a confirmed durable copy.
	ConfirmTimeout time.Duration

	// ClearLinger delays the clear after confirmation so consumers do
	// not observe the turn vanish before the refreshed history lands.
	ClearLinger time.Duration

	// StaleAfter bounds how long a turn may stay streaming before the
	// janitor discards it.
	StaleAfter time.Duration
}

// DefaultReconcileConfig mirrors the settle timings the chat surface
// was tuned with.
func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		SettleDelay:     800 * time.Millisecond,
		ConfirmInterval: time.Second,
		ConfirmTimeout:  30 * time.Second,
		ClearLinger:     time.Second,
		StaleAfter:      2 * time.Minute,
	}
}

// reconciler runs the two-phase commit over a finalized turn.
//
// Phase 1: the turn is finalized and, after the settle delay, the
// durable cache is refreshed.
//
// Phase 2: the optimistic turn is discarded only once the durable copy
// is confirmed present by id (temporary or remapped), not merely by
// elapsed time. The confirm timeout is a fallback upper bound.
type reconciler struct {
	store   *OptimisticTurnStore
	remap   *Remapper
	history *PaginatedHistoryCache
	bus     *Bus
	logger  *slog.Logger
	cfg     ReconcileConfig
}

// run reconciles one finalized turn. Blocking; the engine runs it on
// its own goroutine. Respect ctx so engine shutdown stops the timers.
func (r *reconciler) run(ctx context.Context, turnID string) {
	if !sleep(ctx, r.cfg.SettleDelay) {
		return
	}

	deadline := time.Now().Add(r.cfg.ConfirmTimeout)
	for {
		if err := r.history.Refetch(ctx); err != nil {
			r.logger.Warn("durable refresh failed", "turn", turnID, "error", err)
		} else {
			r.bus.publish(HistoryRefreshedEvent())
		}

		realID := r.remap.RealID(turnID)
		if r.history.ContainsID(realID) || r.history.ContainsID(turnID) {
			sleep(ctx, r.cfg.ClearLinger)
			if r.store.ClearIf(realID) || r.store.ClearIf(turnID) {
				r.bus.publish(TurnReconciledEvent(realID))
			}
			return
		}

		if time.Now().After(deadline) {
			// Fallback upper bound: the durable copy never showed up.
			r.logger.Warn("durable copy not confirmed, discarding optimistic turn", "turn", turnID)
			if r.store.ClearIf(realID) || r.store.ClearIf(turnID) {
				r.bus.publish(TurnReconciledEvent(realID))
			}
			return
		}
		if !sleep(ctx, r.cfg.ConfirmInterval) {
			return
		}
	}
}

// sweepStale discards a turn that has been streaming longer than the
// stale bound: a hung stream that never reached Done.
func (r *reconciler) sweepStale(now time.Time) {
	snap := r.store.Snapshot()
	if snap == nil || snap.State != TurnStreaming {
		return
	}
	if now.Sub(snap.Timestamp) < r.cfg.StaleAfter {
		return
	}
	if r.store.ClearIf(snap.ID) {
		r.logger.Warn("discarding stale streaming turn", "turn", snap.ID)
		r.bus.publish(TurnUpdatedEvent(snap.ID))
	}
}

// sleep waits for d or until ctx is done; returns false on cancel.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
