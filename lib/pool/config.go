package pool

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/caddyserver/caddy/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultMaxPartitions     = 4
	DefaultMaxSharedBuckets  = 8
	DefaultConnectionTimeout = 180 * time.Second
	DefaultReapTime          = 180 * time.Second
	DefaultUnusedTimeout     = 1800 * time.Second
)

type Config struct {
	// Name labels the pool in logs and metrics
	Name string `json:"name,omitempty"`

	// MaxConnections caps the number of live resources.
	// 0 = unlimited
	MaxConnections int `json:"max_connections,omitempty"`
	// MinConnections is the number of resources the reaper will not evict for being unused
	MinConnections int `json:"min_connections,omitempty"`

	// ConnectionTimeout is how long a reservation may wait for a resource.
	// 0 = default, < 0 = wait forever
	ConnectionTimeout caddy.Duration `json:"connection_timeout,omitempty"`
	// ReapTime is the interval between reaper runs.
	// 0 = default, < 0 = disable
	ReapTime caddy.Duration `json:"reap_time,omitempty"`
	// UnusedTimeout is how long a resource may sit idle before the reaper evicts it.
	// 0 = default, < 0 = disable
	UnusedTimeout caddy.Duration `json:"unused_timeout,omitempty"`
	// AgedTimeout is how long a resource may live at all.
	// 0 = disable
	AgedTimeout caddy.Duration `json:"aged_timeout,omitempty"`

	PurgePolicy PurgePolicy `json:"purge_policy,omitempty"`

	// MaxPartitions is the number of free pool partitions
	MaxPartitions int `json:"max_partitions,omitempty"`
	// MaxSharedBuckets is the number of shared pool buckets
	MaxSharedBuckets int `json:"max_shared_buckets,omitempty"`

	// WorkerCacheSize is how many resources each worker may keep in its cache.
	// 0 = disable worker caches
	WorkerCacheSize int `json:"worker_cache_size,omitempty"`
	// MaxPerWorker is how many resources a single worker may hold at once.
	// 0 = unlimited
	MaxPerWorker int `json:"max_per_worker,omitempty"`

	// ValidateOnReserve validates every resource before it is handed out. Requires a factory that implements Validator
	ValidateOnReserve bool `json:"validate_on_reserve,omitempty"`
	// PoolingDisabled destroys every resource on release
	PoolingDisabled bool `json:"pooling_disabled,omitempty"`
	// DestroyInUseOnShutdown destroys resources that are still held when the pool shuts down
	DestroyInUseOnShutdown bool `json:"destroy_in_use_on_shutdown,omitempty"`

	Logger         *zap.Logger          `json:"-"`
	Clock          clock.Clock          `json:"-"`
	Scheduler      Scheduler            `json:"-"`
	Diagnostics    DiagnosticSink       `json:"-"`
	NewSharedPool  func() SharedPool    `json:"-"`
	TracerProvider trace.TracerProvider `json:"-"`
}

func (T Config) withDefaults() Config {
	if T.Logger == nil {
		T.Logger = zap.NewNop()
	}
	if T.Clock == nil {
		T.Clock = clock.New()
	}
	if T.Scheduler == nil {
		T.Scheduler = clockScheduler{clock: T.Clock}
	}
	if T.Diagnostics == nil {
		T.Diagnostics = logSink{log: T.Logger}
	}
	if T.NewSharedPool == nil {
		T.NewSharedPool = newSharedBucket
	}
	if T.TracerProvider == nil {
		T.TracerProvider = otel.GetTracerProvider()
	}
	if T.MaxPartitions <= 0 {
		T.MaxPartitions = DefaultMaxPartitions
	}
	if T.MaxSharedBuckets <= 0 {
		T.MaxSharedBuckets = DefaultMaxSharedBuckets
	}
	if T.ConnectionTimeout == 0 {
		T.ConnectionTimeout = caddy.Duration(DefaultConnectionTimeout)
	}
	if T.ReapTime == 0 {
		T.ReapTime = caddy.Duration(DefaultReapTime)
	}
	if T.UnusedTimeout == 0 {
		T.UnusedTimeout = caddy.Duration(DefaultUnusedTimeout)
	}
	if T.PurgePolicy == "" {
		T.PurgePolicy = PurgeEntirePool
	}
	if T.MaxConnections < 0 {
		T.MaxConnections = 0
	}
	if T.MinConnections < 0 {
		T.MinConnections = 0
	}
	return T
}

// disabledIfNegative maps the configured duration to the runtime value, where 0 means off.
func disabledIfNegative(d caddy.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// waitForever is the runtime connection timeout for callers that never give up.
const waitForever time.Duration = -1

func connectionTimeout(d caddy.Duration) time.Duration {
	if d < 0 {
		return waitForever
	}
	return time.Duration(d)
}
