package bench

import (
	"fmt"
	"os"
	"time"

	"github.com/caddyserver/caddy/v2"
	"gopkg.in/yaml.v3"

	"gfx.cafe/gfx/txpool/lib/factories/memory"
	"gfx.cafe/gfx/txpool/lib/pool"
)

type File struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

type Scenario struct {
	Name string `yaml:"name"`

	// Workers is the number of concurrent callers
	Workers int `yaml:"workers"`
	// Iterations is the number of reservations per worker
	Iterations int `yaml:"iterations"`
	// Hold is how long each reservation is held
	Hold time.Duration `yaml:"hold"`

	// Subjects and Descriptors are the number of distinct users and parameter sets requested
	Subjects    int `yaml:"subjects"`
	Descriptors int `yaml:"descriptors"`

	// SharedEvery makes every nth reservation of a worker shareable under the worker's affinity. 0 = never
	SharedEvery int `yaml:"shared_every"`
	// PurgeEvery purges the pool periodically. 0 = never
	PurgeEvery time.Duration `yaml:"purge_every"`
	// WorkerCaches binds every caller to its own worker
	WorkerCaches bool `yaml:"worker_caches"`

	Pool    PoolScenario    `yaml:"pool"`
	Factory FactoryScenario `yaml:"factory"`
}

type PoolScenario struct {
	MaxConnections    int           `yaml:"max_connections"`
	MinConnections    int           `yaml:"min_connections"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	UnusedTimeout     time.Duration `yaml:"unused_timeout"`
	AgedTimeout       time.Duration `yaml:"aged_timeout"`
	MaxPartitions     int           `yaml:"max_partitions"`
	WorkerCacheSize   int           `yaml:"worker_cache_size"`
	MaxPerWorker      int           `yaml:"max_per_worker"`
	ValidateOnReserve bool          `yaml:"validate_on_reserve"`
	PurgePolicy       string        `yaml:"purge_policy"`
}

type FactoryScenario struct {
	Latency     time.Duration `yaml:"latency"`
	FailureRate float64       `yaml:"failure_rate"`
	InvalidRate float64       `yaml:"invalid_rate"`
}

func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	for i := range f.Scenarios {
		if err := f.Scenarios[i].validate(); err != nil {
			return nil, fmt.Errorf("scenario %d: %w", i, err)
		}
	}
	return &f, nil
}

func (T *Scenario) validate() error {
	if T.Name == "" {
		return fmt.Errorf("missing name")
	}
	if T.Workers <= 0 {
		T.Workers = 1
	}
	if T.Iterations <= 0 {
		T.Iterations = 1
	}
	if T.Subjects <= 0 {
		T.Subjects = 1
	}
	if T.Descriptors <= 0 {
		T.Descriptors = 1
	}
	if T.SharedEvery < 0 {
		return fmt.Errorf("shared_every must not be negative")
	}
	if T.Factory.FailureRate < 0 || T.Factory.FailureRate > 1 {
		return fmt.Errorf("factory.failure_rate must be in [0, 1]")
	}
	if T.Factory.InvalidRate < 0 || T.Factory.InvalidRate > 1 {
		return fmt.Errorf("factory.invalid_rate must be in [0, 1]")
	}
	switch pool.PurgePolicy(T.Pool.PurgePolicy) {
	case "", pool.PurgeEntirePool, pool.PurgeFailingConnectionOnly, pool.PurgeValidateAllConnections:
	default:
		return fmt.Errorf("unknown purge policy %q", T.Pool.PurgePolicy)
	}
	return nil
}

func (T *Scenario) poolConfig() pool.Config {
	return pool.Config{
		Name:              T.Name,
		MaxConnections:    T.Pool.MaxConnections,
		MinConnections:    T.Pool.MinConnections,
		ConnectionTimeout: caddy.Duration(T.Pool.ConnectionTimeout),
		UnusedTimeout:     caddy.Duration(T.Pool.UnusedTimeout),
		AgedTimeout:       caddy.Duration(T.Pool.AgedTimeout),
		MaxPartitions:     T.Pool.MaxPartitions,
		WorkerCacheSize:   T.Pool.WorkerCacheSize,
		MaxPerWorker:      T.Pool.MaxPerWorker,
		ValidateOnReserve: T.Pool.ValidateOnReserve,
		PurgePolicy:       pool.PurgePolicy(T.Pool.PurgePolicy),
	}
}

func (T *Scenario) factoryConfig() memory.Config {
	return memory.Config{
		Latency:     caddy.Duration(T.Factory.Latency),
		FailureRate: T.Factory.FailureRate,
		InvalidRate: T.Factory.InvalidRate,
	}
}
