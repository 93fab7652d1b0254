package pool

import (
	"time"

	"go.uber.org/zap"

	"gfx.cafe/gfx/txpool/lib/instrumentation/prom"
)

// Release gives w back to the pool. It never fails and releasing the same wrapper twice is a no-op.
// Wrappers shared under an affinity are released once, when the unit of work ends.
func (T *Manager) Release(w *Wrapper, affinity any) {
	if w == nil {
		return
	}
	if !w.releasing.CompareAndSwap(false, true) {
		return
	}

	switch w.Location() {
	case LocationFreePool, LocationWaiterPool, LocationFreeTLS:
		w.releasing.Store(false)
		return
	}
	if s := w.State(); s == StateNew || s == StateInactive {
		w.releasing.Store(false)
		return
	}

	T.enter()
	defer T.exit()

	now := T.clock.Now()
	shared := w.sharedKey() != nil
	prom.Operation.Hold(T.labels.ToOperation(shared)).Observe(float64(w.holdTime(now)) / float64(time.Millisecond))

	loc := w.Location()
	if loc.worker() {
		T.releaseWorker(w)
	} else {
		if loc == LocationSharedPool {
			T.removeShared(w, affinity)
		}
		w.setLocation(LocationNotInPool)

		if T.poolingDisabled || T.shutdown.Load() || w.aborted() {
			T.discard(w, true)
		} else {
			T.partitionOf(w).returnToFreePool(w)
		}
	}

	T.quiesceIfPossible()
}

func (T *Manager) removeShared(w *Wrapper, affinity any) {
	shared := T.shared.Load()
	if affinity != nil && shared.bucket(affinity).Remove(w) {
		return
	}
	shared.remove(w)
}

func (T *Manager) releaseWorker(w *Wrapper) {
	reason := T.rejectReason(w)
	if reason == "" && (T.poolingDisabled || T.shutdown.Load() || w.aborted()) {
		reason = "disabled"
	}
	if reason != "" {
		T.log.Debug("destroying worker wrapper on release", zap.Stringer("wrapper", w.ID), zap.String("reason", reason))
		T.discard(w, true)
		return
	}

	if !T.workers.enabled() {
		T.workers.remove(w)
		w.setLocation(LocationNotInPool)
		T.partitionOf(w).returnToFreePool(w)
		return
	}

	if err := w.cleanup(T.clock.Now()); err != nil {
		T.diag.Capture(err, zap.String("pool", T.name), zap.Stringer("wrapper", w.ID))
		T.discard(w, true)
		return
	}
	w.releasing.Store(false)

	if T.waiting.Load() > 0 {
		handed, reject := func() (bool, bool) {
			T.waitMu.Lock()
			defer T.waitMu.Unlock()

			if T.rejected(w) {
				return false, true
			}
			if T.waiterCount <= len(T.handoff) {
				return false, false
			}
			T.workers.remove(w)
			return T.handOffLocked(w), false
		}()
		if reject {
			T.discardRejected(w)
			return
		}
		if handed {
			return
		}
	}

	// checked again, a purge may have started while w was cleaned up
	T.workers.enter()
	reject := T.rejected(w)
	ok := !reject && T.workers.free(w)
	T.workers.exit()

	if reject {
		T.discardRejected(w)
		return
	}
	if !ok {
		T.publish(T.partitionOf(w), w)
		return
	}
	if T.waiting.Load() > 0 {
		// a waiter may have missed it, let one steal or victimize it
		T.notifyOne()
	}
}

// quiesceIfPossible finishes a requested quiesce once the last resource is gone.
func (T *Manager) quiesceIfPossible() {
	if !T.quiescing.Load() || T.quiesced.Load() || T.total.Load() > 0 {
		return
	}
	if T.quiesced.CompareAndSwap(false, true) {
		T.stopReaper()
		T.log.Info("pool quiesced")
	}
}
