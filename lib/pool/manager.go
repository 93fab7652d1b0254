package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"gfx.cafe/gfx/txpool/lib/instrumentation/prom"
)

// Manager hands out pooled resources. All pool state lives here, there are no package level singletons.
type Manager struct {
	name                   string
	validateOnReserve      bool
	poolingDisabled        bool
	destroyInUseOnShutdown bool
	newSharedPool          func() SharedPool

	log       *zap.Logger
	clock     clock.Clock
	scheduler Scheduler
	diag      DiagnosticSink
	tracer    trace.Tracer
	labels    prom.PoolLabels

	total     atomic.Int64
	counterMu sync.Mutex

	waitMu      sync.Mutex
	waiterCount int
	waiting     atomic.Int64
	handoff     []*Wrapper
	queue       []chan struct{}
	chans       sync.Pool

	partitions atomic.Pointer[[]*FreePool]
	shared     atomic.Pointer[sharedBuckets]
	workers    *workerCaches
	index      resourceIndex
	generation atomic.Uint64

	activeRequests atomic.Int64
	shapeChanging  atomic.Bool
	shapeMu        sync.Mutex
	shapeCond      *sync.Cond

	disabled  atomic.Bool
	quiescing atomic.Bool
	quiesced  atomic.Bool
	shutdown  atomic.Bool
	reaping   atomic.Bool

	reaperTask  Cancelable
	reaperArmed atomic.Bool
	reaperMu    sync.Mutex

	maxConnections atomic.Int64
	minConnections atomic.Int64
	connTimeout    atomic.Int64
	reapTime       atomic.Int64
	unusedTimeout  atomic.Int64
	agedTimeout    atomic.Int64
	maxPerWorker   atomic.Int64
	purgePolicy    atomic.Value

	victims [VictimCauseCount]atomic.Int64
}

func NewManager(config Config) *Manager {
	config = config.withDefaults()

	m := &Manager{
		name:                   config.Name,
		validateOnReserve:      config.ValidateOnReserve,
		poolingDisabled:        config.PoolingDisabled,
		destroyInUseOnShutdown: config.DestroyInUseOnShutdown,
		newSharedPool:          config.NewSharedPool,

		log:       config.Logger.With(zap.String("pool", config.Name)),
		clock:     config.Clock,
		scheduler: config.Scheduler,
		diag:      config.Diagnostics,
		tracer:    config.TracerProvider.Tracer("gfx.cafe/gfx/txpool/lib/pool"),
		labels: prom.PoolLabels{
			Pool: config.Name,
		},

		workers: newWorkerCaches(config.WorkerCacheSize),
	}
	m.shapeCond = sync.NewCond(&m.shapeMu)

	partitions := make([]*FreePool, config.MaxPartitions)
	for i := range partitions {
		partitions[i] = newFreePool(m, i)
	}
	m.partitions.Store(&partitions)
	m.shared.Store(newSharedBuckets(config.MaxSharedBuckets, config.NewSharedPool))

	m.maxConnections.Store(int64(config.MaxConnections))
	m.minConnections.Store(int64(config.MinConnections))
	m.connTimeout.Store(int64(connectionTimeout(config.ConnectionTimeout)))
	m.reapTime.Store(int64(disabledIfNegative(config.ReapTime)))
	m.unusedTimeout.Store(int64(disabledIfNegative(config.UnusedTimeout)))
	m.agedTimeout.Store(int64(disabledIfNegative(config.AgedTimeout)))
	m.maxPerWorker.Store(int64(config.MaxPerWorker))
	m.purgePolicy.Store(config.PurgePolicy)

	return m
}

func (T *Manager) Name() string {
	return T.name
}

func (T *Manager) getPartitions() []*FreePool {
	return *T.partitions.Load()
}

func (T *Manager) partitionFor(hash uint32) *FreePool {
	partitions := T.getPartitions()
	return partitions[hash%uint32(len(partitions))]
}

func (T *Manager) partitionOf(w *Wrapper) *FreePool {
	partitions := T.getPartitions()
	return partitions[int(w.partition.Load())%len(partitions)]
}

func (T *Manager) connectionTimeout() time.Duration {
	return time.Duration(T.connTimeout.Load())
}

func (T *Manager) getPurgePolicy() PurgePolicy {
	return T.purgePolicy.Load().(PurgePolicy)
}

func (T *Manager) closed() bool {
	return T.shutdown.Load() || T.quiescing.Load()
}

func (T *Manager) admit() error {
	switch {
	case T.shutdown.Load():
		return fmt.Errorf("%w: pool %q is shut down", ErrPoolDisabled, T.name)
	case T.quiescing.Load():
		return fmt.Errorf("%w: pool %q is quiescing", ErrPoolDisabled, T.name)
	case T.disabled.Load():
		return fmt.Errorf("%w: pool %q is disabled", ErrPoolDisabled, T.name)
	default:
		return nil
	}
}

// Disable rejects new reservations until Enable is called. Held wrappers are unaffected.
func (T *Manager) Disable() {
	if T.disabled.CompareAndSwap(false, true) {
		T.log.Info("pool disabled")
	}
}

func (T *Manager) Enable() {
	if T.disabled.CompareAndSwap(true, false) {
		T.log.Info("pool enabled")
	}
}

// enter registers an in flight request. It blocks while the pool shape is changing.
func (T *Manager) enter() {
	for {
		if T.shapeChanging.Load() {
			func() {
				T.shapeMu.Lock()
				defer T.shapeMu.Unlock()

				for T.shapeChanging.Load() {
					T.shapeCond.Wait()
				}
			}()
		}

		T.activeRequests.Add(1)
		if !T.shapeChanging.Load() {
			return
		}
		T.exit()
	}
}

func (T *Manager) exit() {
	T.activeRequests.Add(-1)
}

// changeShape runs fn with no request in flight, or returns ErrVetoed.
func (T *Manager) changeShape(fn func()) error {
	T.shapeMu.Lock()
	defer T.shapeMu.Unlock()

	T.shapeChanging.Store(true)
	defer func() {
		T.shapeChanging.Store(false)
		T.shapeCond.Broadcast()
	}()

	if n := T.activeRequests.Load(); n > 0 {
		return fmt.Errorf("%w: %d in flight", ErrVetoed, n)
	}

	fn()
	return nil
}

// rejectReason returns why w may not go back into the pool, or "" if it may.
func (T *Manager) rejectReason(w *Wrapper) string {
	switch {
	case w.stale.Load():
		return "stale"
	case w.doNotReuse.Load():
		return "do not reuse"
	case w.destroyPending.Load():
		return "destroy pending"
	case w.generation < T.generation.Load():
		return "purged"
	case w.agedOut(T.clock.Now(), time.Duration(T.agedTimeout.Load())):
		return "aged"
	case T.closed():
		return "closed"
	default:
		return ""
	}
}

func (T *Manager) rejected(w *Wrapper) bool {
	return T.rejectReason(w) != ""
}

// matches reports whether w can serve req. A failing match flags w so it is never reused, as does a wrapper the pool
// rejects.
func (T *Manager) matches(req *Request, hash uint32, w *Wrapper) bool {
	if T.rejected(w) {
		w.doNotReuse.Store(true)
		return false
	}
	if w.hash != hash {
		return false
	}
	r := w.Resource()
	if r == nil {
		return false
	}
	match, err := req.Factory.Match([]Resource{r}, req.Subject, req.Descriptor)
	if err != nil {
		w.doNotReuse.Store(true)
		T.diag.Capture(err, zap.String("pool", T.name), zap.Stringer("wrapper", w.ID))
		return false
	}
	return match != nil && match == r
}

// Lookup returns the wrapper that owns r, or nil.
func (T *Manager) Lookup(r Resource) *Wrapper {
	return T.index.lookup(r)
}

func (T *Manager) Total() int64 {
	return T.total.Load()
}

func (T *Manager) observe() {
	prom.Pool.Total(T.labels).Set(float64(T.total.Load()))
	prom.Pool.Waiters(T.labels).Set(float64(T.waiting.Load()))

	var free int
	for _, p := range T.getPartitions() {
		free += p.size()
	}
	prom.Pool.Free(T.labels).Set(float64(free + int(T.workers.count())))
}
