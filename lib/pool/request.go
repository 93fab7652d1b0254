package pool

import "context"

type Request struct {
	Factory    Factory
	Subject    Subject
	Descriptor Descriptor

	// Affinity is the unit of work the resource is reserved for. nil = none.
	// Values must be comparable.
	Affinity any

	// Shareable allows callers with the same Affinity to share one resource.
	Shareable bool

	// EnforceSerialReuse refuses to share a resource that still has an open handle.
	EnforceSerialReuse bool
}

func (T *Request) shared() bool {
	return T.Affinity != nil && T.Shareable
}

type workerKey struct{}

// WithWorker binds ctx to a worker. Reservations made with the same worker share a worker cache.
// The worker must be comparable.
func WithWorker(ctx context.Context, worker any) context.Context {
	return context.WithValue(ctx, workerKey{}, worker)
}

func workerFrom(ctx context.Context) (any, bool) {
	worker := ctx.Value(workerKey{})
	return worker, worker != nil
}
