package pool

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"gfx.cafe/gfx/txpool/lib/instrumentation/prom"
)

// Reserve hands out a wrapper that can serve req. Errors wrap ErrAllocationFailed, ErrWaitTimeout or ErrPoolDisabled.
func (T *Manager) Reserve(ctx context.Context, req Request) (w *Wrapper, err error) {
	ctx, span := T.tracer.Start(ctx, "txpool.Reserve", trace.WithAttributes(
		attribute.String("pool", T.name),
		attribute.Bool("shared", req.shared()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("wrapper", w.ID.String()))
		}
		span.End()
	}()

	if err = T.admit(); err != nil {
		return nil, err
	}
	if req.Factory == nil {
		return nil, fmt.Errorf("%w: request has no factory", ErrAllocationFailed)
	}

	T.enter()
	defer T.exit()

	start := T.clock.Now()

	worker, hasWorker := workerFrom(ctx)
	if hasWorker {
		if err = T.checkWorkerLimit(worker); err != nil {
			return nil, err
		}
	}

	hash := computeHash(req.Subject, req.Descriptor)

	w, err = T.reserve(ctx, &req, hash, worker, hasWorker)
	if err != nil {
		return nil, err
	}

	dur := T.clock.Since(start)
	prom.Operation.Reserve(T.labels.ToOperation(req.shared())).Observe(float64(dur) / float64(time.Millisecond))
	T.log.Debug("reserved resource", zap.Stringer("wrapper", w.ID), zap.Stringer("location", w.Location()), zap.Duration("took", dur))
	return w, nil
}

func (T *Manager) checkWorkerLimit(worker any) error {
	limit := T.maxPerWorker.Load()
	if limit <= 0 {
		return nil
	}

	held := T.index.count(func(w *Wrapper) bool {
		return inUse(w) && w.ownedBy(worker)
	})
	if int64(held) >= limit {
		return fmt.Errorf("%w: %w: holding %d", ErrAllocationFailed, ErrWorkerLimit, held)
	}
	return nil
}

func (T *Manager) reserve(ctx context.Context, req *Request, hash uint32, worker any, hasWorker bool) (*Wrapper, error) {
	if hasWorker && T.workers.enabled() {
		T.workers.enter()
		w, shared, rejected := T.workers.reserve(worker, req, hash, T.rejected)
		T.workers.exit()

		for _, r := range rejected {
			T.discard(r, true)
		}

		if shared {
			return w, nil
		}
		if w != nil {
			return T.handOut(ctx, req, hash, w, worker, hasWorker)
		}
	}

	if req.shared() {
		if w := T.shared.Load().bucket(req.Affinity).Get(req.Affinity, req.Subject, req.Descriptor, req.EnforceSerialReuse); w != nil {
			return w, nil
		}
	}

	w, err := T.fromPartition(ctx, req, hash)
	if err != nil {
		return nil, err
	}
	return T.handOut(ctx, req, hash, w, worker, hasWorker)
}

func (T *Manager) fromPartition(ctx context.Context, req *Request, hash uint32) (*Wrapper, error) {
	p := T.partitionFor(hash)

	if T.waiting.Load() == 0 && !T.poolingDisabled {
		if w := p.getFreeConnection(req, hash); w != nil {
			return w, nil
		}

		if T.saturated() {
			w, victim := T.claimVictim(req, hash, p.index)
			if w != nil {
				return w, nil
			}
			if victim != nil {
				T.destroyVictim(victim, req)
				return T.createOrWait(ctx, req, hash, true)
			}
		}
	}

	return T.createOrWait(ctx, req, hash, false)
}

// createOrWait creates a resource if there is room, otherwise waits. claimed means the caller already holds a slot.
func (T *Manager) createOrWait(ctx context.Context, req *Request, hash uint32, claimed bool) (*Wrapper, error) {
	if !claimed && !T.takeSlot() {
		w, err := T.waitForConnection(ctx, req, hash)
		if err != nil {
			return nil, err
		}
		if w != nil {
			return w, nil
		}
	}

	return T.createWrapper(ctx, req, hash)
}

func (T *Manager) valid(ctx context.Context, v Validator, w *Wrapper) bool {
	invalid, err := v.InvalidResources(ctx, []Resource{w.Resource()})
	if err != nil {
		T.diag.Capture(err, zap.String("pool", T.name), zap.Stringer("wrapper", w.ID))
		return false
	}
	return len(invalid) == 0
}

// handOut validates w if needed, marks it in use and binds it to the tier the request belongs in.
func (T *Manager) handOut(ctx context.Context, req *Request, hash uint32, w *Wrapper, worker any, hasWorker bool) (*Wrapper, error) {
	if v, ok := req.Factory.(Validator); ok && (T.validateOnReserve || w.pretest.Load()) {
		if !T.valid(ctx, v, w) {
			T.log.Debug("resource failed validation, recreating", zap.Stringer("wrapper", w.ID))
			_, _ = T.destroyWrapper(w)

			var err error
			w, err = T.createWrapper(ctx, req, hash)
			if err != nil {
				return nil, err
			}
			if !T.valid(ctx, v, w) {
				T.discard(w, true)
				return nil, fmt.Errorf("%w: resource failed validation", ErrAllocationFailed)
			}
		}
		w.pretest.Store(false)
	}

	var owner any
	if hasWorker {
		owner = worker
	}
	if err := w.markInUse(T.clock.Now(), owner); err != nil {
		T.discard(w, true)
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	if req.shared() {
		w.share(req.Affinity)
		if hasWorker && T.workers.bind(worker, w, LocationSharedTLS) {
			return w, nil
		}
		T.shared.Load().bucket(req.Affinity).Put(req.Affinity, w)
		w.setLocation(LocationSharedPool)
		return w, nil
	}

	if hasWorker && T.workers.bind(worker, w, LocationUnsharedTLS) {
		return w, nil
	}
	w.setLocation(LocationUnsharedPool)
	return w, nil
}
