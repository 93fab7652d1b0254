package pool

import (
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// FreePool is one hash partition of idle wrappers. The most recently returned wrapper is on top of the stack, the oldest at index 0.
type FreePool struct {
	m     *Manager
	index int

	free []*Wrapper
	mu   sync.Mutex

	assigned atomic.Int64
	hits     atomic.Int64
	misses   atomic.Int64
	victims  [VictimCauseCount]atomic.Int64
}

func newFreePool(m *Manager, index int) *FreePool {
	return &FreePool{
		m:     m,
		index: index,
	}
}

func (T *FreePool) pushLocked(w *Wrapper) {
	w.setLocation(LocationFreePool)
	T.free = append(T.free, w)
}

func (T *FreePool) push(w *Wrapper) {
	T.mu.Lock()
	defer T.mu.Unlock()

	T.pushLocked(w)
}

// pushUsable pushes w unless the pool rejects it. The check and the push happen under the partition lock, so a purge
// either sees w on the stack or w sees the purge.
func (T *FreePool) pushUsable(w *Wrapper) bool {
	T.mu.Lock()
	defer T.mu.Unlock()

	if T.m.rejected(w) {
		return false
	}
	T.pushLocked(w)
	return true
}

func (T *FreePool) pop() *Wrapper {
	T.mu.Lock()
	defer T.mu.Unlock()

	if len(T.free) == 0 {
		return nil
	}
	w := T.free[len(T.free)-1]
	T.free[len(T.free)-1] = nil
	T.free = T.free[:len(T.free)-1]
	w.setLocation(LocationNotInPool)
	return w
}

// takeOldestLocked removes the bottom of the stack.
func (T *FreePool) takeOldestLocked() *Wrapper {
	if len(T.free) == 0 {
		return nil
	}
	w := T.free[0]
	T.free = slices.Delete(T.free, 0, 1)
	w.setLocation(LocationNotInPool)
	return w
}

func (T *FreePool) takeOldest() *Wrapper {
	T.mu.Lock()
	defer T.mu.Unlock()

	return T.takeOldestLocked()
}

// takeAll empties the stack, oldest first.
func (T *FreePool) takeAll() []*Wrapper {
	T.mu.Lock()
	defer T.mu.Unlock()

	free := T.free
	T.free = nil
	for _, w := range free {
		w.setLocation(LocationNotInPool)
	}
	return free
}

func (T *FreePool) size() int {
	T.mu.Lock()
	defer T.mu.Unlock()

	return len(T.free)
}

// getFreeConnection pops the top wrapper and checks it outside the lock. On a miss it scans the rest of the stack.
func (T *FreePool) getFreeConnection(req *Request, hash uint32) *Wrapper {
	top := T.pop()
	if top == nil {
		T.misses.Add(1)
		return nil
	}

	if T.m.matches(req, hash, top) {
		T.hits.Add(1)
		return top
	}

	var found *Wrapper
	var discards []*Wrapper
	func() {
		T.m.waitMu.Lock()
		defer T.m.waitMu.Unlock()
		T.mu.Lock()
		defer T.mu.Unlock()

		var candidates []Resource
		var wrappers []*Wrapper
		for i := len(T.free) - 1; i >= 0; i-- {
			w := T.free[i]
			if T.m.rejected(w) {
				w.doNotReuse.Store(true)
			}
			if w.doNotReuse.Load() {
				continue
			}
			if w.hash == hash {
				candidates = append(candidates, w.Resource())
				wrappers = append(wrappers, w)
			}
		}

		if len(candidates) > 0 {
			match, err := req.Factory.Match(candidates, req.Subject, req.Descriptor)
			if err != nil {
				for _, w := range wrappers {
					w.doNotReuse.Store(true)
				}
				T.m.diag.Capture(err, zap.String("pool", T.m.name))
			} else if match != nil {
				if i := slices.Index(candidates, match); i != -1 {
					found = wrappers[i]
				}
			}
		}

		T.free = slices.DeleteFunc(T.free, func(w *Wrapper) bool {
			if w == found {
				w.setLocation(LocationNotInPool)
				return true
			}
			if w.doNotReuse.Load() {
				w.setLocation(LocationNotInPool)
				discards = append(discards, w)
				return true
			}
			return false
		})

		if top.doNotReuse.Load() {
			discards = append(discards, top)
			return
		}
		if !T.m.handOffLocked(top) {
			T.pushLocked(top)
		}
	}()

	for _, w := range discards {
		T.m.discard(w, true)
	}

	if found != nil {
		T.hits.Add(1)
	} else {
		T.misses.Add(1)
	}
	return found
}

// returnToFreePool cleans w up and publishes it, or destroys it if it can no longer be used.
func (T *FreePool) returnToFreePool(w *Wrapper) {
	m := T.m

	if reason := m.rejectReason(w); reason != "" {
		m.log.Debug("destroying wrapper on release", zap.Stringer("wrapper", w.ID), zap.String("reason", reason))
		m.discard(w, true)
		return
	}

	if err := w.cleanup(m.clock.Now()); err != nil {
		m.diag.Capture(err, zap.String("pool", m.name), zap.Stringer("wrapper", w.ID))
		m.discard(w, true)
		return
	}

	w.releasing.Store(false)
	m.publish(T, w)
}
