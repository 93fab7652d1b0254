package bench

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const scenarios = `
scenarios:
  - name: contended
    workers: 8
    iterations: 50
    hold: 100us
    subjects: 2
    descriptors: 2
    shared_every: 5
    worker_caches: true
    pool:
      max_connections: 4
      connection_timeout: 10s
      worker_cache_size: 1
      max_partitions: 2
    factory:
      latency: 50us
  - name: flaky
    workers: 4
    iterations: 25
    pool:
      max_connections: 2
      connection_timeout: 10s
      validate_on_reserve: true
    factory:
      failure_rate: 0.2
      invalid_rate: 0.2
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(scenarios))
	require.NoError(t, err)
	require.Len(t, f.Scenarios, 2)

	s := f.Scenarios[0]
	assert.Equal(t, "contended", s.Name)
	assert.Equal(t, 100*time.Microsecond, s.Hold)
	assert.Equal(t, 10*time.Second, s.Pool.ConnectionTimeout)
	assert.True(t, s.WorkerCaches)

	config := s.poolConfig()
	assert.Equal(t, 4, config.MaxConnections)
	assert.Equal(t, 2, config.MaxPartitions)

	flaky := f.Scenarios[1]
	assert.Equal(t, 1, flaky.Subjects)
	assert.InDelta(t, 0.2, flaky.factoryConfig().FailureRate, 1e-9)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse([]byte("scenarios:\n  - workers: 1\n"))
	require.Error(t, err)

	_, err = Parse([]byte("scenarios:\n  - name: x\n    factory:\n      failure_rate: 2\n"))
	require.Error(t, err)

	_, err = Parse([]byte("scenarios:\n  - name: x\n    pool:\n      purge_policy: sometimes\n"))
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	f, err := Parse([]byte(scenarios))
	require.NoError(t, err)

	for _, s := range f.Scenarios {
		t.Run(s.Name, func(t *testing.T) {
			res, err := Run(context.Background(), s, zaptest.NewLogger(t))
			require.NoError(t, err)

			assert.Equal(t, int64(s.Workers*s.Iterations), res.Completed+res.Failed)
			assert.Equal(t, int64(0), res.Timeouts)
			assert.LessOrEqual(t, res.Stats.Total, int64(s.Pool.MaxConnections))
			assert.Equal(t, 0, res.Stats.Waiters)
			assert.Equal(t, 0, res.Stats.InUse)
			assert.Contains(t, res.String(), s.Name+": completed=")
		})
	}
}

func TestRunPurging(t *testing.T) {
	s := Scenario{
		Name:       "purging",
		Workers:    4,
		Iterations: 100,
		Hold:       50 * time.Microsecond,
		PurgeEvery: time.Millisecond,
		Pool: PoolScenario{
			MaxConnections:    2,
			ConnectionTimeout: 10 * time.Second,
		},
	}

	res, err := Run(context.Background(), s, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, int64(400), res.Completed)
}

func TestFlags(t *testing.T) {
	fs := pflag.NewFlagSet("bench", pflag.ContinueOnError)
	addFlags(fs)
	require.NoError(t, fs.Parse([]string{"-s", "bench.yaml", "--only", "flaky", "-v"}))

	path, err := fs.GetString("scenarios")
	require.NoError(t, err)
	assert.Equal(t, "bench.yaml", path)

	verbose, err := fs.GetBool("verbose")
	require.NoError(t, err)
	assert.True(t, verbose)
}
