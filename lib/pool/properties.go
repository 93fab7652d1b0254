package pool

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// SetMaxConnections changes the resource cap. Shrinking destroys idle wrappers first, then flags in use wrappers to be
// destroyed on release. 0 = unlimited
func (T *Manager) SetMaxConnections(n int) {
	if n < 0 {
		n = 0
	}
	old := T.maxConnections.Swap(int64(n))
	if old == int64(n) {
		return
	}
	T.log.Info("max connections changed", zap.Int64("old", old), zap.Int("new", n))

	if n == 0 || (old != 0 && int64(n) > old) {
		T.notifyAll()
		return
	}

	excess := T.total.Load() - int64(n)
	for excess > 0 {
		var w *Wrapper
		for _, p := range T.getPartitions() {
			if w = p.takeOldest(); w != nil {
				break
			}
		}
		if w == nil {
			break
		}
		T.discard(w, true)
		excess--
	}

	if excess <= 0 {
		return
	}
	for _, w := range T.index.snapshot() {
		if excess <= 0 {
			break
		}
		if !inUse(w) || w.destroyPending.Load() {
			continue
		}
		w.destroyPending.Store(true)
		excess--
	}
}

func (T *Manager) SetMinConnections(n int) {
	if n < 0 {
		n = 0
	}
	old := T.minConnections.Swap(int64(n))
	T.log.Info("min connections changed", zap.Int64("old", old), zap.Int("new", n))
	T.ensureReaper()
}

// SetConnectionTimeout changes how long reservations wait. < 0 = wait forever, 0 = fail right away
func (T *Manager) SetConnectionTimeout(d time.Duration) {
	if d < 0 {
		d = waitForever
	}
	old := time.Duration(T.connTimeout.Swap(int64(d)))
	T.log.Info("connection timeout changed", zap.Duration("old", old), zap.Duration("new", d))

	// waiters re-read their deadline
	T.notifyAll()
}

// SetReapTime changes the reaper interval. <= 0 = disable
func (T *Manager) SetReapTime(d time.Duration) {
	if d < 0 {
		d = 0
	}
	old := time.Duration(T.reapTime.Swap(int64(d)))
	T.log.Info("reap time changed", zap.Duration("old", old), zap.Duration("new", d))
	T.restartReaper()
}

// SetUnusedTimeout changes the idle limit. <= 0 = disable
func (T *Manager) SetUnusedTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	old := time.Duration(T.unusedTimeout.Swap(int64(d)))
	T.log.Info("unused timeout changed", zap.Duration("old", old), zap.Duration("new", d))
	T.ensureReaper()
}

// SetAgedTimeout changes the age limit. <= 0 = disable
func (T *Manager) SetAgedTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	old := time.Duration(T.agedTimeout.Swap(int64(d)))
	T.log.Info("aged timeout changed", zap.Duration("old", old), zap.Duration("new", d))
	T.ensureReaper()
}

func (T *Manager) SetPurgePolicy(policy PurgePolicy) error {
	switch policy {
	case PurgeEntirePool, PurgeFailingConnectionOnly, PurgeValidateAllConnections:
	default:
		return fmt.Errorf("unknown purge policy %q", policy)
	}
	old := T.purgePolicy.Swap(policy)
	T.log.Info("purge policy changed", zap.Any("old", old), zap.String("new", string(policy)))
	return nil
}

// SetMaxPerWorker caps how many resources one worker may hold. 0 = unlimited
func (T *Manager) SetMaxPerWorker(n int) {
	if n < 0 {
		n = 0
	}
	old := T.maxPerWorker.Swap(int64(n))
	T.log.Info("max per worker changed", zap.Int64("old", old), zap.Int("new", n))
}

// SetMaxPartitions rebuilds the free pool partitions. It is vetoed with ErrVetoed while requests are in flight.
func (T *Manager) SetMaxPartitions(n int) error {
	if n <= 0 {
		return fmt.Errorf("max partitions must be positive, got %d", n)
	}

	err := T.changeShape(func() {
		var free []*Wrapper
		for _, p := range T.getPartitions() {
			free = append(free, p.takeAll()...)
		}
		// oldest first keeps the victim order
		sort.SliceStable(free, func(i, j int) bool {
			return free[i].unusedSince().Before(free[j].unusedSince())
		})

		partitions := make([]*FreePool, n)
		for i := range partitions {
			partitions[i] = newFreePool(T, i)
		}

		for _, w := range T.index.snapshot() {
			i := w.hash % uint32(n)
			w.partition.Store(int32(i))
			partitions[i].assigned.Add(1)
		}
		for _, w := range free {
			partitions[w.partition.Load()].pushLocked(w)
		}

		T.partitions.Store(&partitions)
	})
	if err != nil {
		return err
	}

	T.log.Info("max partitions changed", zap.Int("new", n))
	return nil
}

// SetMaxSharedBuckets rehashes the shared pool. It is vetoed with ErrVetoed while requests are in flight.
func (T *Manager) SetMaxSharedBuckets(n int) error {
	if n <= 0 {
		return fmt.Errorf("max shared buckets must be positive, got %d", n)
	}

	err := T.changeShape(func() {
		old := T.shared.Load()
		buckets := newSharedBuckets(n, T.newSharedPool)
		for _, w := range old.wrappers() {
			affinity := w.sharedKey()
			buckets.bucket(affinity).Put(affinity, w)
		}
		T.shared.Store(buckets)
	})
	if err != nil {
		return err
	}

	T.log.Info("max shared buckets changed", zap.Int("new", n))
	return nil
}

// SetWorkerCacheSize purges the pool and resizes the worker caches. 0 = disable
// It is vetoed with ErrVetoed while requests are in flight.
func (T *Manager) SetWorkerCacheSize(n int) error {
	if n < 0 {
		n = 0
	}

	var purgeErr error
	err := T.changeShape(func() {
		purgeErr = T.purge(context.Background(), PurgeNormal)
		T.workers.size.Store(int64(n))
	})
	if err != nil {
		return err
	}

	T.log.Info("worker cache size changed", zap.Int("new", n))
	return purgeErr
}
