package pool

import (
	"hash/maphash"
	"slices"
	"sync"
)

// SharedPool holds in use wrappers that callers with the same affinity may share.
type SharedPool interface {
	// Get returns a wrapper reserved for affinity that matches subject and desc, or nil.
	Get(affinity any, subject Subject, desc Descriptor, enforceSerialReuse bool) *Wrapper
	Put(affinity any, w *Wrapper)
	Remove(w *Wrapper) bool
	Wrappers() []*Wrapper
}

type sharedEntry struct {
	affinity any
	wrapper  *Wrapper
}

type sharedBucket struct {
	entries []sharedEntry
	mu      sync.Mutex
}

func newSharedBucket() SharedPool {
	return new(sharedBucket)
}

func (T *sharedBucket) Get(affinity any, subject Subject, desc Descriptor, enforceSerialReuse bool) *Wrapper {
	T.mu.Lock()
	defer T.mu.Unlock()

	for _, e := range T.entries {
		if e.affinity != affinity || e.wrapper.Stale() {
			continue
		}
		w := e.wrapper
		if !subjectsEqual(w.subject, subject) || !descriptorsEqual(w.desc, desc) {
			continue
		}
		if enforceSerialReuse && w.Handles() > 0 {
			continue
		}
		return w
	}
	return nil
}

func (T *sharedBucket) Put(affinity any, w *Wrapper) {
	T.mu.Lock()
	defer T.mu.Unlock()

	T.entries = append(T.entries, sharedEntry{
		affinity: affinity,
		wrapper:  w,
	})
}

func (T *sharedBucket) Remove(w *Wrapper) bool {
	T.mu.Lock()
	defer T.mu.Unlock()

	i := slices.IndexFunc(T.entries, func(e sharedEntry) bool {
		return e.wrapper == w
	})
	if i == -1 {
		return false
	}
	T.entries = slices.Delete(T.entries, i, i+1)
	return true
}

func (T *sharedBucket) Wrappers() []*Wrapper {
	T.mu.Lock()
	defer T.mu.Unlock()

	wrappers := make([]*Wrapper, 0, len(T.entries))
	for _, e := range T.entries {
		wrappers = append(wrappers, e.wrapper)
	}
	return wrappers
}

var _ SharedPool = (*sharedBucket)(nil)

type sharedBuckets struct {
	seed    maphash.Seed
	buckets []SharedPool
}

func newSharedBuckets(n int, fn func() SharedPool) *sharedBuckets {
	b := &sharedBuckets{
		seed:    maphash.MakeSeed(),
		buckets: make([]SharedPool, n),
	}
	for i := range b.buckets {
		b.buckets[i] = fn()
	}
	return b
}

// bucket returns the bucket for affinity. affinity must be comparable.
func (T *sharedBuckets) bucket(affinity any) SharedPool {
	h := maphash.Comparable(T.seed, affinity)
	return T.buckets[h%uint64(len(T.buckets))]
}

func (T *sharedBuckets) remove(w *Wrapper) bool {
	if b := T.bucket(w.sharedKey()); b.Remove(w) {
		return true
	}
	for _, b := range T.buckets {
		if b.Remove(w) {
			return true
		}
	}
	return false
}

func (T *sharedBuckets) wrappers() []*Wrapper {
	var wrappers []*Wrapper
	for _, b := range T.buckets {
		wrappers = append(wrappers, b.Wrappers()...)
	}
	return wrappers
}
