package pool

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	pauseGrace = 20 * time.Millisecond
	pauseExtra = 100 * time.Millisecond
)

type workerCache struct {
	key      any
	epoch    uint64
	wrappers []*Wrapper
	// removed from the cache table, must not be bound to
	dead bool
	mu   sync.Mutex
}

func (T *workerCache) indexOf(w *Wrapper) int {
	return slices.Index(T.wrappers, w)
}

func (T *workerCache) removeAt(i int) {
	T.wrappers[i].cache.Store(nil)
	T.wrappers = slices.Delete(T.wrappers, i, i+1)
}

// workerCaches is the worker local tier. Every worker gets a small cache of wrappers it reserved before.
type workerCaches struct {
	size   atomic.Int64
	cached atomic.Int64

	caches map[any]*workerCache
	mu     sync.RWMutex

	pausing  atomic.Bool
	active   atomic.Int64
	epoch    atomic.Uint64
	pauseMu  sync.Mutex
	resumeMu sync.Mutex
	resume   *sync.Cond
}

func newWorkerCaches(size int) *workerCaches {
	c := &workerCaches{}
	c.resume = sync.NewCond(&c.resumeMu)
	c.size.Store(int64(size))
	return c
}

func (T *workerCaches) enabled() bool {
	return T.size.Load() > 0
}

// enter marks a worker local operation as active. It blocks while the caches are paused.
func (T *workerCaches) enter() {
	for {
		if T.pausing.Load() {
			T.resumeMu.Lock()
			for T.pausing.Load() {
				T.resume.Wait()
			}
			T.resumeMu.Unlock()
		}

		T.active.Add(1)
		if !T.pausing.Load() {
			return
		}
		T.active.Add(-1)
	}
}

func (T *workerCaches) exit() {
	T.active.Add(-1)
}

// pause stops new worker local operations and runs fn once at most allowed are still active.
// Returns false if the workers stayed busy and fn was skipped.
func (T *workerCaches) pause(allowed int64, fn func()) bool {
	T.pauseMu.Lock()
	defer T.pauseMu.Unlock()

	func() {
		T.resumeMu.Lock()
		defer T.resumeMu.Unlock()
		T.pausing.Store(true)
	}()
	defer func() {
		T.resumeMu.Lock()
		defer T.resumeMu.Unlock()
		T.pausing.Store(false)
		T.resume.Broadcast()
	}()

	if T.active.Load() > allowed {
		time.Sleep(pauseGrace)
		if T.active.Load() > allowed {
			time.Sleep(pauseExtra)
			if T.active.Load() > allowed {
				return false
			}
		}
	}

	T.epoch.Add(1)
	fn()
	return true
}

func (T *workerCaches) lookup(worker any) *workerCache {
	T.mu.RLock()
	defer T.mu.RUnlock()

	return T.caches[worker]
}

func (T *workerCaches) get(worker any) *workerCache {
	if c := T.lookup(worker); c != nil {
		return c
	}

	T.mu.Lock()
	defer T.mu.Unlock()

	if c, ok := T.caches[worker]; ok {
		return c
	}
	if T.caches == nil {
		T.caches = make(map[any]*workerCache)
	}
	c := &workerCache{
		key:   worker,
		epoch: T.epoch.Load(),
	}
	T.caches[worker] = c
	return c
}

// reserve looks for a wrapper in the worker's cache. A SharedTLS wrapper with the same affinity wins over a FreeTLS one.
// FreeTLS wrappers which reject reports as unusable are taken out and returned for the caller to discard.
func (T *workerCaches) reserve(worker any, req *Request, hash uint32, reject func(w *Wrapper) bool) (w *Wrapper, shared bool, rejected []*Wrapper) {
	c := T.lookup(worker)
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if epoch := T.epoch.Load(); c.epoch != epoch {
		c.wrappers = slices.DeleteFunc(c.wrappers, func(w *Wrapper) bool {
			return w.destroyed.Load() || w.cache.Load() != c
		})
		c.epoch = epoch
	}

	if req.shared() {
		for _, candidate := range c.wrappers {
			if candidate.Location() != LocationSharedTLS || candidate.Stale() || candidate.sharedKey() != req.Affinity {
				continue
			}
			if !subjectsEqual(candidate.subject, req.Subject) || !descriptorsEqual(candidate.desc, req.Descriptor) {
				continue
			}
			if req.EnforceSerialReuse && candidate.Handles() > 0 {
				continue
			}
			return candidate, true, rejected
		}
	}

	for i := len(c.wrappers) - 1; i >= 0; i-- {
		candidate := c.wrappers[i]
		if candidate.Location() != LocationFreeTLS {
			continue
		}

		if reject(candidate) {
			if candidate.casLocation(LocationFreeTLS, LocationNotInPool) {
				T.cached.Add(-1)
				c.removeAt(i)
				rejected = append(rejected, candidate)
			}
			continue
		}

		if candidate.hash != hash {
			continue
		}
		match, err := req.Factory.Match([]Resource{candidate.Resource()}, req.Subject, req.Descriptor)
		if err != nil {
			candidate.doNotReuse.Store(true)
			if candidate.casLocation(LocationFreeTLS, LocationNotInPool) {
				T.cached.Add(-1)
				c.removeAt(i)
				rejected = append(rejected, candidate)
			}
			continue
		}
		if match == nil {
			continue
		}

		if candidate.casLocation(LocationFreeTLS, LocationNotInPool) {
			T.cached.Add(-1)
			return candidate, false, rejected
		}
	}

	return nil, false, rejected
}

// bind puts w in the worker's cache with location loc. Returns false if the cache is full.
func (T *workerCaches) bind(worker any, w *Wrapper, loc Location) bool {
	if !T.enabled() {
		return false
	}

	for {
		c := T.get(worker)
		ok, retry := func() (bool, bool) {
			c.mu.Lock()
			defer c.mu.Unlock()

			if c.dead {
				return false, true
			}
			if w.cache.Load() == c {
				w.setLocation(loc)
				return true, false
			}
			if int64(len(c.wrappers)) >= T.size.Load() {
				return false, false
			}
			c.wrappers = append(c.wrappers, w)
			w.cache.Store(c)
			w.setLocation(loc)
			return true, false
		}()
		if !retry {
			return ok
		}
	}
}

// free parks an in use wrapper in its cache as FreeTLS. Returns false if the wrapper is no longer cached.
func (T *workerCaches) free(w *Wrapper) bool {
	c := w.cache.Load()
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead || c.indexOf(w) == -1 {
		return false
	}
	w.setLocation(LocationFreeTLS)
	T.cached.Add(1)
	return true
}

func (T *workerCaches) remove(w *Wrapper) {
	c := w.cache.Load()
	if c == nil {
		return
	}

	empty := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()

		if i := c.indexOf(w); i != -1 {
			if w.casLocation(LocationFreeTLS, LocationNotInPool) {
				T.cached.Add(-1)
			}
			c.removeAt(i)
		}
		return len(c.wrappers) == 0
	}()
	if !empty {
		return
	}

	T.mu.Lock()
	defer T.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.wrappers) == 0 && T.caches[c.key] == c {
		c.dead = true
		delete(T.caches, c.key)
	}
}

// collect takes every FreeTLS wrapper fn selects out of the caches.
func (T *workerCaches) collect(fn func(w *Wrapper) bool) []*Wrapper {
	T.mu.RLock()
	defer T.mu.RUnlock()

	var collected []*Wrapper
	for _, c := range T.caches {
		func() {
			c.mu.Lock()
			defer c.mu.Unlock()

			for i := len(c.wrappers) - 1; i >= 0; i-- {
				w := c.wrappers[i]
				if w.Location() != LocationFreeTLS || !fn(w) {
					continue
				}
				if w.casLocation(LocationFreeTLS, LocationNotInPool) {
					T.cached.Add(-1)
					c.removeAt(i)
					collected = append(collected, w)
				}
			}
		}()
	}
	return collected
}

// steal takes the first FreeTLS wrapper of any worker that match accepts.
func (T *workerCaches) steal(match func(w *Wrapper) bool) *Wrapper {
	T.mu.RLock()
	defer T.mu.RUnlock()

	for _, c := range T.caches {
		w := func() *Wrapper {
			c.mu.Lock()
			defer c.mu.Unlock()

			for i := len(c.wrappers) - 1; i >= 0; i-- {
				w := c.wrappers[i]
				if w.Location() != LocationFreeTLS || !match(w) {
					continue
				}
				if w.casLocation(LocationFreeTLS, LocationNotInPool) {
					T.cached.Add(-1)
					c.removeAt(i)
					return w
				}
			}
			return nil
		}()
		if w != nil {
			return w
		}
	}
	return nil
}

func (T *workerCaches) count() int64 {
	return T.cached.Load()
}
