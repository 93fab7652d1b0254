package pool

import "sync"

// resourceIndex maps every live physical resource to its wrapper.
type resourceIndex struct {
	wrappers map[Resource]*Wrapper
	mu       sync.RWMutex
}

func (T *resourceIndex) add(r Resource, w *Wrapper) {
	T.mu.Lock()
	defer T.mu.Unlock()

	if T.wrappers == nil {
		T.wrappers = make(map[Resource]*Wrapper)
	}
	T.wrappers[r] = w
}

func (T *resourceIndex) remove(r Resource) {
	if r == nil {
		return
	}

	T.mu.Lock()
	defer T.mu.Unlock()

	delete(T.wrappers, r)
}

func (T *resourceIndex) lookup(r Resource) *Wrapper {
	T.mu.RLock()
	defer T.mu.RUnlock()

	return T.wrappers[r]
}

func (T *resourceIndex) snapshot() []*Wrapper {
	T.mu.RLock()
	defer T.mu.RUnlock()

	wrappers := make([]*Wrapper, 0, len(T.wrappers))
	for _, w := range T.wrappers {
		wrappers = append(wrappers, w)
	}
	return wrappers
}

func (T *resourceIndex) count(fn func(w *Wrapper) bool) int {
	T.mu.RLock()
	defer T.mu.RUnlock()

	var n int
	for _, w := range T.wrappers {
		if fn(w) {
			n++
		}
	}
	return n
}

func inUse(w *Wrapper) bool {
	s := w.State()
	return s == StateActiveInUse || s == StateTranWrapperInUse
}
