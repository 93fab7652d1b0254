package pool

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Quiesce stops admitting reservations and destroys idle wrappers. The pool is quiesced once the last held wrapper is
// released.
func (T *Manager) Quiesce() {
	if !T.quiescing.CompareAndSwap(false, true) {
		return
	}
	T.log.Info("quiescing pool", zap.Int64("total", T.total.Load()))

	T.generation.Add(1)
	free := T.claimFree()
	free = append(free, T.claimWorkerFree()...)
	_ = T.discardAll(free)

	T.notifyAll()
	T.quiesceIfPossible()
}

func (T *Manager) Quiesced() bool {
	return T.quiesced.Load()
}

// Shutdown closes the pool. Waiters fail with ErrPoolDisabled and idle wrappers are destroyed. Held wrappers are
// destroyed on release, or right away if DestroyInUseOnShutdown is set.
func (T *Manager) Shutdown(ctx context.Context) error {
	if !T.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	T.log.Info("shutting down pool", zap.Int64("total", T.total.Load()))

	T.stopReaper()
	T.notifyAll()

	free := T.claimFree()
	free = append(free, T.workers.collect(func(*Wrapper) bool {
		return true
	})...)
	err := T.discardAll(free)

	if T.destroyInUseOnShutdown {
		for _, w := range T.index.snapshot() {
			if !inUse(w) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = multierr.Append(err, ctxErr)
				break
			}
			w.destroyPending.Store(true)
			err = multierr.Append(err, w.destroyResource())
		}
	}

	if err != nil {
		T.log.Warn("errors while shutting down pool", zap.Error(err))
	}
	return err
}
