package memory

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/caddyserver/caddy/v2"
	"go.uber.org/zap"

	"gfx.cafe/gfx/txpool/lib/factories"
	"gfx.cafe/gfx/txpool/lib/pool"
)

var (
	ErrCreateFailed = errors.New("simulated create failure")
	ErrClosed       = errors.New("resource closed")
)

func init() {
	caddy.RegisterModule((*Factory)(nil))
}

type Config struct {
	// Latency is added to every Create
	Latency caddy.Duration `json:"latency,omitempty"`
	// FailureRate is the chance in [0, 1] that Create fails
	FailureRate float64 `json:"failure_rate,omitempty"`
	// InvalidRate is the chance in [0, 1] that a resource fails validation
	InvalidRate float64 `json:"invalid_rate,omitempty"`
}

// Factory creates in memory resources. It is meant for benchmarks and tests of the pool itself.
type Factory struct {
	Config

	created   atomic.Int64
	destroyed atomic.Int64

	log *zap.Logger
}

func New(config Config, log *zap.Logger) *Factory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Factory{
		Config: config,
		log:    log,
	}
}

func (*Factory) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID: "txpool.factories.memory",
		New: func() caddy.Module {
			return new(Factory)
		},
	}
}

func (T *Factory) Provision(ctx caddy.Context) error {
	T.log = ctx.Logger(T)

	if T.FailureRate < 0 || T.FailureRate > 1 {
		return fmt.Errorf("failure_rate must be in [0, 1], got %v", T.FailureRate)
	}
	if T.InvalidRate < 0 || T.InvalidRate > 1 {
		return fmt.Errorf("invalid_rate must be in [0, 1], got %v", T.InvalidRate)
	}
	return nil
}

func (T *Factory) Create(ctx context.Context, subject pool.Subject, desc pool.Descriptor) (pool.Resource, error) {
	if T.Latency > 0 {
		timer := time.NewTimer(time.Duration(T.Latency))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	if T.FailureRate > 0 && rand.Float64() < T.FailureRate {
		return nil, ErrCreateFailed
	}

	c := &Conn{
		ID:      T.created.Add(1),
		factory: T,
		subject: subject,
		desc:    desc,
	}
	T.log.Debug("created memory resource", zap.Int64("id", c.ID))
	return c, nil
}

func (T *Factory) Match(candidates []pool.Resource, subject pool.Subject, desc pool.Descriptor) (pool.Resource, error) {
	return factories.Match(candidates, subject, desc)
}

func (T *Factory) InvalidResources(_ context.Context, resources []pool.Resource) ([]pool.Resource, error) {
	var invalid []pool.Resource
	for _, r := range resources {
		c, ok := r.(*Conn)
		if !ok {
			return nil, fmt.Errorf("unexpected resource %T", r)
		}
		if c.closed.Load() || c.aborted.Load() || c.invalid.Load() {
			invalid = append(invalid, r)
			continue
		}
		if T.InvalidRate > 0 && rand.Float64() < T.InvalidRate {
			c.invalid.Store(true)
			invalid = append(invalid, r)
		}
	}
	return invalid, nil
}

// Created returns how many resources were created.
func (T *Factory) Created() int64 {
	return T.created.Load()
}

// Live returns how many created resources were not destroyed yet.
func (T *Factory) Live() int64 {
	return T.created.Load() - T.destroyed.Load()
}

var _ factories.Factory = (*Factory)(nil)
var _ pool.Validator = (*Factory)(nil)
var _ caddy.Provisioner = (*Factory)(nil)
