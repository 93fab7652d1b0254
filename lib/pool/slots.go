package pool

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gfx.cafe/gfx/txpool/lib/instrumentation/prom"
)

func (T *Manager) saturated() bool {
	max := T.maxConnections.Load()
	return max > 0 && T.total.Load() >= max
}

// takeSlot reserves room for one more resource.
func (T *Manager) takeSlot() bool {
	if T.saturated() {
		return false
	}

	T.counterMu.Lock()
	defer T.counterMu.Unlock()

	if T.saturated() {
		return false
	}
	T.total.Add(1)
	return true
}

// releaseSlot gives back room for one resource and wakes one waiter.
func (T *Manager) releaseSlot() {
	func() {
		T.waitMu.Lock()
		defer T.waitMu.Unlock()

		T.total.Add(-1)
		T.notifyOneLocked()
	}()

	T.observe()
}

// createWrapper creates a resource in a slot the caller already holds. The slot is released if creation fails.
func (T *Manager) createWrapper(ctx context.Context, req *Request, hash uint32) (*Wrapper, error) {
	r, err := req.Factory.Create(ctx, req.Subject, req.Descriptor)
	if err != nil {
		T.releaseSlot()
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	if r == nil {
		T.releaseSlot()
		return nil, fmt.Errorf("%w: factory returned no resource", ErrAllocationFailed)
	}

	now := T.clock.Now()
	w := newWrapper(req.Subject, req.Descriptor, hash, T.generation.Load(), now)
	if err = w.attach(r, now); err != nil {
		T.releaseSlot()
		return nil, err
	}

	partitions := T.getPartitions()
	i := hash % uint32(len(partitions))
	w.partition.Store(int32(i))
	partitions[i].assigned.Add(1)

	T.index.add(r, w)

	prom.Pool.Created(T.labels).Inc()
	T.observe()
	T.log.Debug("created resource", zap.Stringer("wrapper", w.ID), zap.Int64("total", T.total.Load()))

	T.ensureReaper()
	return w, nil
}

// destroyWrapper destroys w once. It does not touch the slot count. Errors are sent to the diagnostic sink and returned.
func (T *Manager) destroyWrapper(w *Wrapper) (bool, error) {
	if !w.destroyed.CompareAndSwap(false, true) {
		return false, nil
	}

	T.workers.remove(w)
	w.setLocation(LocationNotInPool)

	if inUse(w) {
		T.log.Warn("destroying resource that is still in use", zap.Stringer("wrapper", w.ID))
	}

	r := w.Resource()
	err := w.destroy()
	T.index.remove(r)
	T.partitionOf(w).assigned.Add(-1)

	prom.Pool.Destroyed(T.labels).Inc()

	if err != nil {
		T.diag.Capture(err, zap.String("pool", T.name), zap.Stringer("wrapper", w.ID))
	}
	return true, err
}

// discard destroys w and, if freeSlot, gives its slot back.
func (T *Manager) discard(w *Wrapper, freeSlot bool) {
	ok, _ := T.destroyWrapper(w)
	if ok && freeSlot && !w.uncounted.Load() {
		T.releaseSlot()
	}
}

// discardAll destroys every wrapper and frees the slots. Returns the combined destroy errors.
func (T *Manager) discardAll(wrappers []*Wrapper) error {
	var err error
	for _, w := range wrappers {
		ok, derr := T.destroyWrapper(w)
		err = multierr.Append(err, derr)
		if ok && !w.uncounted.Load() {
			T.releaseSlot()
		}
	}
	return err
}

func victimCause(w *Wrapper, req *Request) VictimCause {
	s := subjectsEqual(w.subject, req.Subject)
	d := descriptorsEqual(w.desc, req.Descriptor)
	switch {
	case !s && !d:
		return VictimBoth
	case !s:
		return VictimSubject
	case !d:
		return VictimDescriptor
	default:
		return VictimAdapter
	}
}

// destroyVictim destroys an idle wrapper that could not serve req. The caller keeps its slot.
func (T *Manager) destroyVictim(victim *Wrapper, req *Request) {
	cause := victimCause(victim, req)
	T.victims[cause].Add(1)
	T.partitionOf(victim).victims[cause].Add(1)
	prom.Pool.Victims(T.labels.ToVictim(cause.String())).Inc()

	T.log.Debug("claimed victim", zap.Stringer("wrapper", victim.ID), zap.Stringer("cause", cause))
	_, _ = T.destroyWrapper(victim)
}

// claimVictim takes the oldest idle wrapper, starting from partition start. A match is returned as w, anything else as
// victim for the caller to destroy.
func (T *Manager) claimVictim(req *Request, hash uint32, start int) (w *Wrapper, victim *Wrapper) {
	partitions := T.getPartitions()
	for i := range partitions {
		p := partitions[(start+i)%len(partitions)]
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
