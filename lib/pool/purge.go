package pool

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gfx.cafe/gfx/txpool/lib/instrumentation/prom"
)

// purgeParallelism bounds concurrent destroys in immediate and abort purges.
const purgeParallelism = 8

// claimFree takes every idle wrapper out of the hand off list and the partitions. The hand off list goes first, a
// waiter leaving moves its unused wrappers onto a partition.
func (T *Manager) claimFree() []*Wrapper {
	var claimed []*Wrapper
	func() {
		T.waitMu.Lock()
		defer T.waitMu.Unlock()

		for _, w := range T.handoff {
			w.setLocation(LocationNotInPool)
			if w.purgePending.CompareAndSwap(false, true) {
				claimed = append(claimed, w)
			}
		}
		clear(T.handoff)
		T.handoff = T.handoff[:0]
	}()

	for _, p := range T.getPartitions() {
		for _, w := range p.takeAll() {
			if w.purgePending.CompareAndSwap(false, true) {
				claimed = append(claimed, w)
			}
		}
	}
	return claimed
}

// claimWorkerFree takes every FreeTLS wrapper with the worker caches paused.
func (T *Manager) claimWorkerFree() []*Wrapper {
	if T.workers.count() == 0 {
		return nil
	}

	var claimed []*Wrapper
	T.workers.pause(0, func() {
		claimed = T.workers.collect(func(w *Wrapper) bool {
			return w.purgePending.CompareAndSwap(false, true)
		})
	})
	return claimed
}

// PurgePoolContents destroys every idle wrapper. Wrappers in use die on release, or right away with PurgeImmediate
// and PurgeAbort.
func (T *Manager) PurgePoolContents(ctx context.Context, mode PurgeMode) error {
	ctx, span := T.tracer.Start(ctx, "txpool.PurgePoolContents", trace.WithAttributes(
		attribute.String("pool", T.name),
		attribute.String("mode", mode.String()),
	))
	defer span.End()

	T.enter()
	defer T.exit()

	err := T.purge(ctx, mode)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (T *Manager) purge(ctx context.Context, mode PurgeMode) error {
	T.generation.Add(1)
	prom.Pool.Purges(T.labels).Inc()

	free := T.claimFree()
	free = append(free, T.claimWorkerFree()...)

	T.log.Info("purging pool",
		zap.Stringer("mode", mode),
		zap.Int("idle", len(free)),
		zap.Uint64("generation", T.generation.Load()),
	)

	if mode == PurgeNormal {
		return T.discardAll(free)
	}

	var errs error
	var g errgroup.Group
	g.SetLimit(purgeParallelism)
	for _, w := range free {
		g.Go(func() error {
			if mode == PurgeAbort {
				if _, err := w.abort(); err != nil {
					T.diag.Capture(err, zap.String("pool", T.name), zap.Stringer("wrapper", w.ID))
				}
			}
			T.discard(w, true)
			return nil
		})
	}
	_ = g.Wait()

	for _, w := range T.index.snapshot() {
		if !inUse(w) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}

		if mode == PurgeAbort {
			ok, err := w.abort()
			if err != nil {
				errs = multierr.Append(errs, err)
			}
			if ok {
				continue
			}
		}

		w.stale.Store(true)
		w.destroyPending.Store(true)
		if w.uncounted.CompareAndSwap(false, true) {
			T.releaseSlot()
		}
	}

	return errs
}

// FatalError reports that w failed in a way that may affect other resources of the pool. The purge policy decides what
// happens to the rest of the pool.
func (T *Manager) FatalError(ctx context.Context, factory Factory, w *Wrapper, affinity any) {
	var aborted bool
	if w != nil {
		aborted = w.aborted()
		if !aborted {
			w.MarkStale()
		}
		if w.Location() == LocationSharedPool {
			T.removeShared(w, affinity)
			w.setLocation(LocationUnsharedPool)
		}
	}

	policy := T.getPurgePolicy()
	T.log.Warn("fatal resource error", zap.String("policy", string(policy)), zap.Bool("aborted", aborted))

	validator, validates := factory.(Validator)

	switch policy {
	case PurgeEntirePool:
		if aborted {
			return
		}
		T.generation.Add(1)
		prom.Pool.Purges(T.labels).Inc()
		free := T.claimFree()
		free = append(free, T.claimWorkerFree()...)
		_ = T.discardAll(free)
	case PurgeValidateAllConnections:
		for _, other := range T.index.snapshot() {
			other.pretest.Store(true)
		}
		if validates && !aborted {
			T.validateConnections(ctx, validator)
		}
	default:
		if validates && !aborted {
			T.validateConnections(ctx, validator)
		}
	}
}

// ValidateConnections runs every idle wrapper through the factory's validator and destroys the invalid ones. Returns
// the number destroyed.
func (T *Manager) ValidateConnections(ctx context.Context, factory Factory) int {
	validator, ok := factory.(Validator)
	if !ok {
		return 0
	}

	T.enter()
	defer T.exit()

	return T.validateConnections(ctx, validator)
}

func (T *Manager) validateConnections(ctx context.Context, validator Validator) int {
	var destroyed int
	for _, p := range T.getPartitions() {
		taken := p.takeAll()
		if len(taken) == 0 {
			continue
		}

		kept := taken[:0]
		for _, w := range taken {
			if T.valid(ctx, validator, w) {
				w.pretest.Store(false)
				kept = append(kept, w)
				continue
			}
			T.discard(w, true)
			destroyed++
		}

		// a purge may have run while the partition was being validated
		var rejected []*Wrapper
		func() {
			p.mu.Lock()
			defer p.mu.Unlock()

			survivors := kept[:0]
			for _, w := range kept {
				if T.rejected(w) {
					rejected = append(rejected, w)
					continue
				}
				w.setLocation(LocationFreePool)
				survivors = append(survivors, w)
			}
			p.free = append(survivors, p.free...)
		}()
		for _, w := range rejected {
			T.discardRejected(w)
		}

		if T.waiting.Load() > 0 {
			T.notifyAll()
		}
	}

	if destroyed > 0 {
		T.log.Info("destroyed invalid resources", zap.Int("count", destroyed))
	}
	return destroyed
}
