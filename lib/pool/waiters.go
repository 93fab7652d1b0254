package pool

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"gfx.cafe/gfx/txpool/lib/instrumentation/prom"
)

// waitSlack is the remaining budget below which a waiter gives up instead of sleeping again.
const waitSlack = 10 * time.Millisecond

func (T *Manager) notifyOneLocked() {
	if len(T.queue) == 0 {
		return
	}
	c := T.queue[0]
	T.queue = slices.Delete(T.queue, 0, 1)
	c <- struct{}{}
}

func (T *Manager) notifyAllLocked() {
	for _, c := range T.queue {
		c <- struct{}{}
	}
	clear(T.queue)
	T.queue = T.queue[:0]
}

func (T *Manager) notifyOne() {
	T.waitMu.Lock()
	defer T.waitMu.Unlock()

	T.notifyOneLocked()
}

func (T *Manager) notifyAll() {
	T.waitMu.Lock()
	defer T.waitMu.Unlock()

	T.notifyAllLocked()
}

// handOffLocked gives w to a waiter if one is owed a wrapper.
func (T *Manager) handOffLocked(w *Wrapper) bool {
	if T.waiterCount <= len(T.handoff) {
		return false
	}
	w.setLocation(LocationWaiterPool)
	T.handoff = append(T.handoff, w)
	T.notifyOneLocked()
	return true
}

// publish makes a cleaned up wrapper available again, to a waiter if one is owed, otherwise on p's stack. w is checked
// again under the lock it is published under, a purge may have started while it was being cleaned up.
func (T *Manager) publish(p *FreePool, w *Wrapper) {
	if T.waiting.Load() > 0 {
		published := func() bool {
			T.waitMu.Lock()
			defer T.waitMu.Unlock()

			if T.rejected(w) {
				return false
			}
			if T.handOffLocked(w) {
				return true
			}
			if !p.pushUsable(w) {
				return false
			}
			T.notifyOneLocked()
			return true
		}()
		if !published {
			T.discardRejected(w)
		}
		return
	}

	if !p.pushUsable(w) {
		T.discardRejected(w)
		return
	}

	// a waiter may have queued after the check above
	if T.waiting.Load() > 0 {
		T.notifyOne()
	}
}

func (T *Manager) discardRejected(w *Wrapper) {
	T.log.Debug("destroying wrapper on release", zap.Stringer("wrapper", w.ID), zap.String("reason", T.rejectReason(w)))
	T.discard(w, true)
}

// drainHandOffLocked moves wrappers nobody is waiting for anymore back to their partitions.
func (T *Manager) drainHandOffLocked() {
	for len(T.handoff) > T.waiterCount {
		w := T.handoff[len(T.handoff)-1]
		T.handoff[len(T.handoff)-1] = nil
		T.handoff = T.handoff[:len(T.handoff)-1]
		T.partitionOf(w).push(w)
	}
}

// takeHandOffLocked picks a wrapper off the hand off list. A match is returned as w. If nothing matches the oldest
// entry is returned as victim. Entries that can no longer be used are returned as discards.
func (T *Manager) takeHandOffLocked(req *Request, hash uint32) (w *Wrapper, victim *Wrapper, discards []*Wrapper) {
	T.handoff = slices.DeleteFunc(T.handoff, func(candidate *Wrapper) bool {
		if w != nil {
			return false
		}
		if T.rejected(candidate) {
			discards = append(discards, candidate)
			return true
		}
		if T.matches(req, hash, candidate) {
			w = candidate
			return true
		}
		if candidate.doNotReuse.Load() {
			discards = append(discards, candidate)
			return true
		}
		return false
	})
	if w != nil {
		w.setLocation(LocationNotInPool)
		return
	}
	if len(T.handoff) > 0 {
		victim = T.handoff[0]
		T.handoff = slices.Delete(T.handoff, 0, 1)
		victim.setLocation(LocationNotInPool)
	}
	return
}

// recheckLocked takes the oldest idle wrapper of the first non empty partition.
func (T *Manager) recheckLocked(req *Request, hash uint32) (w *Wrapper, victim *Wrapper) {
	for _, p := range T.getPartitions() {
		candidate := p.takeOldest()
		if candidate == nil {
			continue
		}
		if T.matches(req, hash, candidate) {
			p.hits.Add(1)
			return candidate, nil
		}
		return nil, candidate
	}
	return nil, nil
}

// sleepLocked waits for a notification, the timeout or ctx. waitMu is released while asleep.
// Returns whether a notification was consumed.
func (T *Manager) sleepLocked(ctx context.Context, timeout time.Duration) (woken bool) {
	c, _ := T.chans.Get().(chan struct{})
	if c == nil {
		c = make(chan struct{}, 1)
	}
	T.queue = append(T.queue, c)

	T.waitMu.Unlock()
	T.exit()

	var timeoutC <-chan time.Time
	if timeout >= 0 {
		timer := T.clock.Timer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var received bool
	select {
	case <-c:
		received = true
	case <-timeoutC:
	case <-ctx.Done():
	}

	T.enter()
	T.waitMu.Lock()

	if i := slices.Index(T.queue, c); i != -1 {
		T.queue = slices.Delete(T.queue, i, i+1)
	} else {
		// we were popped, the token is already in the channel
		if !received {
			<-c
		}
		woken = true
	}
	T.chans.Put(c)
	return
}

// stealFromWorkers takes a matching FreeTLS wrapper from any worker. Failing that, a saturated pool takes any FreeTLS
// wrapper as a victim. ok is false if the workers stayed busy.
func (T *Manager) stealFromWorkers(req *Request, hash uint32) (w, victim *Wrapper, ok bool) {
	if T.workers.count() == 0 {
		return nil, nil, true
	}
	ok = T.workers.pause(0, func() {
		w = T.workers.steal(func(c *Wrapper) bool {
			return T.matches(req, hash, c)
		})
		if w == nil && T.saturated() {
			victim = T.workers.steal(func(*Wrapper) bool {
				return true
			})
		}
	})
	return
}

// waitForConnection blocks until a wrapper or a slot frees up. A nil wrapper with a nil error means the caller now holds
// a slot and should create a resource.
func (T *Manager) waitForConnection(ctx context.Context, req *Request, hash uint32) (*Wrapper, error) {
	T.waitMu.Lock()

	if w, victim := T.recheckLocked(req, hash); w != nil || victim != nil {
		T.waitMu.Unlock()
		if victim != nil {
			T.destroyVictim(victim, req)
		}
		return w, nil
	}

	start := T.clock.Now()
	T.waiterCount++
	T.waiting.Store(int64(T.waiterCount))
	T.observe()

	// leave must be called with waitMu held
	leave := func(woken bool) {
		T.waiterCount--
		T.waiting.Store(int64(T.waiterCount))
		T.drainHandOffLocked()
		if woken || len(T.handoff) > 0 || !T.saturated() {
			// pass on anything we did not use
			T.notifyOneLocked()
		}
		T.waitMu.Unlock()
		T.observe()
	}

	var woken bool
	for {
		// registered before stealing, so a worker freeing into its cache from here on notifies us
		var busy bool
		if T.workers.count() > 0 {
			T.waitMu.Unlock()
			w, victim, ok := T.stealFromWorkers(req, hash)
			T.waitMu.Lock()
			if w != nil || victim != nil {
				leave(woken)
				if victim != nil {
					T.destroyVictim(victim, req)
				}
				return w, nil
			}
			busy = !ok
		}

		if T.closed() {
			leave(false)
			return nil, fmt.Errorf("%w: pool %q closed while waiting", ErrPoolDisabled, T.name)
		}

		w, victim, discards := T.takeHandOffLocked(req, hash)
		if w == nil && victim == nil && T.takeSlot() {
			leave(false)
			T.discardAll(discards)
			return nil, nil
		}
		if w == nil && victim == nil {
			w, victim = T.recheckLocked(req, hash)
		}
		if w != nil || victim != nil {
			leave(false)
			T.discardAll(discards)
			if victim != nil {
				T.destroyVictim(victim, req)
			}
			return w, nil
		}

		if err := ctx.Err(); err != nil {
			leave(woken)
			T.discardAll(discards)
			return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
		}

		timeout := T.connectionTimeout()
		if timeout == 0 || (timeout > 0 && timeout-T.clock.Since(start) <= waitSlack) {
			leave(woken)
			T.discardAll(discards)
			return nil, T.waitTimedOut(T.clock.Since(start))
		}

		if len(discards) > 0 {
			T.waitMu.Unlock()
			T.discardAll(discards)
			T.waitMu.Lock()
			continue
		}

		sleep := waitForever
		if timeout > 0 {
			sleep = max(timeout-T.clock.Since(start), 0)
		}
		if busy && (sleep < 0 || sleep > pauseExtra) {
			sleep = pauseExtra
		}
		woken = T.sleepLocked(ctx, sleep)
	}
}

func (T *Manager) waitTimedOut(waited time.Duration) error {
	prom.Pool.WaitTimeouts(T.labels).Inc()
	T.log.Error("timed out waiting for a resource",
		zap.Duration("waited", waited),
		zap.Int64("total", T.total.Load()),
		zap.Int64("max", T.maxConnections.Load()),
	)
	return fmt.Errorf("%w: pool %q after %s", ErrWaitTimeout, T.name, waited)
}
