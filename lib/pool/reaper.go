package pool

import (
	"time"

	"go.uber.org/zap"

	"gfx.cafe/gfx/txpool/lib/instrumentation/prom"
)

func (T *Manager) reapNeeded() bool {
	if T.agedTimeout.Load() > 0 {
		return T.total.Load() > 0
	}
	return T.unusedTimeout.Load() > 0 && T.total.Load() > T.minConnections.Load()
}

// ensureReaper schedules the reaper if it is not already scheduled and there is something to reap.
func (T *Manager) ensureReaper() {
	if T.reaperArmed.Load() {
		return
	}

	T.reaperMu.Lock()
	defer T.reaperMu.Unlock()

	if T.reaperTask != nil || T.closed() {
		return
	}
	d := time.Duration(T.reapTime.Load())
	if d <= 0 || !T.reapNeeded() {
		return
	}

	T.reaperTask = T.scheduler.Schedule(T.reapTask, d)
	T.reaperArmed.Store(true)
}

func (T *Manager) reapTask() {
	func() {
		T.reaperMu.Lock()
		defer T.reaperMu.Unlock()

		T.reaperTask = nil
		T.reaperArmed.Store(false)
	}()

	T.Reap()
	T.ensureReaper()
}

func (T *Manager) stopReaper() {
	T.reaperMu.Lock()
	defer T.reaperMu.Unlock()

	if T.reaperTask != nil {
		T.reaperTask.Stop()
		T.reaperTask = nil
	}
	T.reaperArmed.Store(false)
}

// restartReaper reschedules the reaper after a timing property changed.
func (T *Manager) restartReaper() {
	T.stopReaper()
	T.ensureReaper()
}

// Reap evicts idle wrappers that aged out, or sat unused too long while the pool is above its minimum. Returns the
// number of wrappers evicted. Overlapping runs are skipped.
func (T *Manager) Reap() int {
	if !T.reaping.CompareAndSwap(false, true) {
		return 0
	}
	defer T.reaping.Store(false)

	T.enter()
	defer T.exit()

	now := T.clock.Now()
	aged := time.Duration(T.agedTimeout.Load())
	unused := time.Duration(T.unusedTimeout.Load())
	min := T.minConnections.Load()

	evict := func(w *Wrapper) bool {
		if w.agedOut(now, aged) {
			return true
		}
		return unused > 0 && T.total.Load() > min && w.idleFor(now) > unused
	}

	var victims []*Wrapper
	for _, p := range T.getPartitions() {
		func() {
			p.mu.Lock()
			defer p.mu.Unlock()

			kept := p.free[:0]
			for _, w := range p.free {
				if evict(w) {
					w.setLocation(LocationNotInPool)
					T.total.Add(-1)
					victims = append(victims, w)
					continue
				}
				kept = append(kept, w)
			}
			clear(p.free[len(kept):])
			p.free = kept
		}()
	}

	if T.workers.count() > 0 {
		T.workers.pause(0, func() {
			victims = append(victims, T.workers.collect(func(w *Wrapper) bool {
				if evict(w) {
					T.total.Add(-1)
					return true
				}
				return false
			})...)
		})
	}

	for _, w := range victims {
		_, _ = T.destroyWrapper(w)
		prom.Pool.Reaped(T.labels).Inc()
		T.notifyOne()
	}

	if len(victims) > 0 {
		T.observe()
		T.log.Debug("reaped idle resources", zap.Int("count", len(victims)), zap.Int64("total", T.total.Load()))
	}
	return len(victims)
}
