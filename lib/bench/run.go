package bench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gfx.cafe/gfx/txpool/lib/auth/credentials"
	"gfx.cafe/gfx/txpool/lib/descriptor"
	"gfx.cafe/gfx/txpool/lib/factories/memory"
	"gfx.cafe/gfx/txpool/lib/instrumentation/prom"
	"gfx.cafe/gfx/txpool/lib/pool"
)

type Result struct {
	Scenario   string
	Completed  int64
	Failed     int64
	Timeouts   int64
	Elapsed    time.Duration
	MaxReserve time.Duration
	Created    int64
	Stats      pool.Stats
}

func (T Result) String() string {
	var rate float64
	if T.Elapsed > 0 {
		rate = float64(T.Completed) / T.Elapsed.Seconds()
	}
	return fmt.Sprintf("%s: completed=%d failed=%d timeouts=%d created=%d elapsed=%s rate=%.0f/s max_reserve=%s\n%s",
		T.Scenario, T.Completed, T.Failed, T.Timeouts, T.Created, T.Elapsed, rate, T.MaxReserve, T.Stats)
}

// Run drives one scenario against a fresh pool backed by the memory factory. Timeouts and simulated failures are
// counted, any other reservation error is returned.
func Run(ctx context.Context, s Scenario, log *zap.Logger) (Result, error) {
	if err := s.validate(); err != nil {
		return Result{}, err
	}
	log = log.With(zap.String("scenario", s.Name))

	factory := memory.New(s.factoryConfig(), log.Named("factory"))
	config := s.poolConfig()
	config.Logger = log
	m := pool.NewManager(config)

	subjects := make([]pool.Subject, s.Subjects)
	for i := range subjects {
		subjects[i] = credentials.FromString(fmt.Sprintf("user%d", i), "bench")
	}
	descs := make([]pool.Descriptor, s.Descriptors)
	for i := range descs {
		descs[i] = descriptor.FromMap(map[string]string{
			"application_name": fmt.Sprintf("bench%d", i),
		})
	}

	labels := prom.BenchLabels{
		Scenario: s.Name,
	}
	var completed, failed, timeouts, maxReserve atomic.Int64

	var unexpected error
	var unexpectedMu sync.Mutex
	expected := func(err error) bool {
		if errors.Is(err, pool.ErrWaitTimeout) {
			timeouts.Add(1)
			return true
		}
		if errors.Is(err, memory.ErrCreateFailed) {
			return true
		}
		return s.Factory.InvalidRate > 0 && errors.Is(err, pool.ErrAllocationFailed)
	}

	stop := make(chan struct{})
	purged := make(chan struct{})
	if s.PurgeEvery > 0 {
		go func() {
			defer close(purged)

			ticker := time.NewTicker(s.PurgeEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := m.PurgePoolContents(ctx, pool.PurgeNormal); err != nil {
						log.Warn("purge failed", zap.Error(err))
					}
				case <-stop:
					return
				}
			}
		}()
	} else {
		close(purged)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.Workers; i++ {
		g.Go(func() error {
			wctx := gctx
			if s.WorkerCaches {
				wctx = pool.WithWorker(gctx, i)
			}

			for j := 0; j < s.Iterations; j++ {
				if err := gctx.Err(); err != nil {
					return err
				}

				k := i + j
				req := pool.Request{
					Factory:    factory,
					Subject:    subjects[k%len(subjects)],
					Descriptor: descs[(k/len(subjects))%len(descs)],
				}
				if s.SharedEvery > 0 && j%s.SharedEvery == 0 {
					req.Affinity = i
					req.Shareable = true
				}

				reserveStart := time.Now()
				w, err := m.Reserve(wctx, req)
				took := int64(time.Since(reserveStart))
				for {
					current := maxReserve.Load()
					if took <= current || maxReserve.CompareAndSwap(current, took) {
						break
					}
				}

				if err != nil {
					failed.Add(1)
					prom.Bench.Failed(labels).Inc()
					if !expected(err) {
						unexpectedMu.Lock()
						unexpected = multierr.Append(unexpected, err)
						unexpectedMu.Unlock()
					}
					continue
				}

				if s.Hold > 0 {
					timer := time.NewTimer(s.Hold)
					select {
					case <-timer.C:
					case <-gctx.Done():
						timer.Stop()
					}
				}

				m.Release(w, req.Affinity)
				completed.Add(1)
				prom.Bench.Completed(labels).Inc()
			}
			return nil
		})
	}
	werr := g.Wait()
	elapsed := time.Since(start)

	close(stop)
	<-purged

	res := Result{
		Scenario:   s.Name,
		Completed:  completed.Load(),
		Failed:     failed.Load(),
		Timeouts:   timeouts.Load(),
		Elapsed:    elapsed,
		MaxReserve: time.Duration(maxReserve.Load()),
		Created:    factory.Created(),
		Stats:      m.Stats(),
	}

	unexpectedMu.Lock()
	defer unexpectedMu.Unlock()
	return res, multierr.Combine(werr, unexpected, m.Shutdown(context.Background()))
}
