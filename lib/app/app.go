package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/caddyserver/caddy/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gfx.cafe/gfx/txpool/lib/factories"
	"gfx.cafe/gfx/txpool/lib/pool"
)

const DefaultShutdownTimeout = 30 * time.Second

type PoolConfig struct {
	pool.Config

	Factory json.RawMessage `json:"factory" caddy:"namespace=txpool.factories inline_key=factory"`
}

type Config struct {
	Pools []PoolConfig `json:"pools"`

	// StatLogPeriod logs pool stats periodically. 0 = off
	StatLogPeriod caddy.Duration `json:"stat_log_period,omitempty"`
	// ShutdownTimeout bounds how long Stop waits for pools to shut down
	ShutdownTimeout caddy.Duration `json:"shutdown_timeout,omitempty"`

	Tracing *TracingConfig `json:"tracing,omitempty"`
}

func init() {
	caddy.RegisterModule((*App)(nil))
}

// Pool is a named pool with the factory it was configured with.
type Pool struct {
	*pool.Manager

	Factory factories.Factory
}

// Request returns a request for this pool's factory.
func (T *Pool) Request(subject pool.Subject, desc pool.Descriptor) pool.Request {
	return pool.Request{
		Factory:    T.Factory,
		Subject:    subject,
		Descriptor: desc,
	}
}

type App struct {
	Config

	pools map[string]*Pool
	order []*Pool

	tracing *tracing
	done    chan struct{}
	log     *zap.Logger
}

func (T *App) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID: "txpool",
		New: func() caddy.Module {
			return new(App)
		},
	}
}

func (T *App) Provision(ctx caddy.Context) error {
	T.log = ctx.Logger(T)

	if T.Tracing != nil {
		var err error
		T.tracing, err = newTracing(ctx, *T.Tracing)
		if err != nil {
			return fmt.Errorf("setting up tracing: %w", err)
		}
	}

	T.pools = make(map[string]*Pool, len(T.Pools))
	T.order = make([]*Pool, 0, len(T.Pools))
	for i := range T.Pools {
		config := &T.Pools[i]
		if config.Name == "" {
			return fmt.Errorf("pool %d has no name", i)
		}
		if _, ok := T.pools[config.Name]; ok {
			return fmt.Errorf("duplicate pool %q", config.Name)
		}
		if config.Factory == nil {
			return fmt.Errorf("pool %q has no factory", config.Name)
		}

		val, err := ctx.LoadModule(config, "Factory")
		if err != nil {
			return fmt.Errorf("loading factory module for pool %q: %v", config.Name, err)
		}

		managerConfig := config.Config
		managerConfig.Logger = T.log
		if T.tracing != nil {
			managerConfig.TracerProvider = T.tracing.provider
		}

		p := &Pool{
			Manager: pool.NewManager(managerConfig),
			Factory: val.(factories.Factory),
		}
		T.pools[config.Name] = p
		T.order = append(T.order, p)
	}

	return nil
}

// Pool returns the pool with the given name.
func (T *App) Pool(name string) (*Pool, bool) {
	p, ok := T.pools[name]
	return p, ok
}

func (T *App) Start() error {
	T.done = make(chan struct{})
	if T.StatLogPeriod > 0 {
		go T.logStats(time.Duration(T.StatLogPeriod), T.done)
	}

	T.log.Info("txpool started", zap.Int("pools", len(T.order)))
	return nil
}

func (T *App) logStats(period time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, p := range T.order {
				T.log.Info(p.Stats().String())
			}
		case <-done:
			return
		}
	}
}

func (T *App) Stop() error {
	if T.done != nil {
		close(T.done)
		T.done = nil
	}

	timeout := time.Duration(T.ShutdownTimeout)
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	for _, p := range T.order {
		err = multierr.Append(err, p.Shutdown(ctx))
	}
	return err
}

func (T *App) Cleanup() error {
	if T.tracing == nil {
		return nil
	}
	return T.tracing.shutdown(context.Background())
}

var _ caddy.Module = (*App)(nil)
var _ caddy.Provisioner = (*App)(nil)
var _ caddy.App = (*App)(nil)
var _ caddy.CleanerUpper = (*App)(nil)
