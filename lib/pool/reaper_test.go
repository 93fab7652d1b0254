package pool

import (
	"context"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reserveAndRelease(t *testing.T, m *Manager, f Factory, subjects ...string) []*Wrapper {
	t.Helper()

	var held []*Wrapper
	for _, subject := range subjects {
		w, err := m.Reserve(context.Background(), request(f, subject))
		require.NoError(t, err)
		held = append(held, w)
	}
	for _, w := range held {
		m.Release(w, nil)
	}
	return held
}

func TestReapUnusedKeepsMin(t *testing.T) {
	m, mock := newMockManager(t, Config{
		MinConnections: 1,
		UnusedTimeout:  caddy.Duration(time.Minute),
		ReapTime:       -1,
	})
	f := new(testFactory)

	reserveAndRelease(t, m, f, "alice", "bob", "carol")
	assert.Equal(t, 0, m.Reap())

	mock.Add(2 * time.Minute)
	assert.Equal(t, 2, m.Reap())

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, 1, stats.Free)
}

func TestReapAged(t *testing.T) {
	m, mock := newMockManager(t, Config{
		AgedTimeout: caddy.Duration(time.Minute),
		ReapTime:    -1,
	})
	f := new(testFactory)
	ctx := context.Background()

	idle := reserveAndRelease(t, m, f, "alice")[0]
	held, err := m.Reserve(ctx, request(f, "bob"))
	require.NoError(t, err)

	mock.Add(time.Minute)
	assert.Equal(t, 1, m.Reap())
	assert.Equal(t, StateInactive, idle.State())
	assert.Equal(t, StateActiveInUse, held.State())

	m.Release(held, nil)
	assert.Equal(t, StateInactive, held.State())
	assert.Equal(t, int64(0), m.Total())
}

func TestReaperScheduled(t *testing.T) {
	m, mock := newMockManager(t, Config{
		UnusedTimeout: caddy.Duration(30 * time.Second),
		ReapTime:      caddy.Duration(time.Minute),
	})
	f := new(testFactory)

	reserveAndRelease(t, m, f, "alice")
	mock.Add(time.Minute)

	require.Eventually(t, func() bool {
		return m.Total() == 0
	}, time.Second, time.Millisecond)
}

func TestReapWorkerCaches(t *testing.T) {
	m, mock := newMockManager(t, Config{
		WorkerCacheSize: 2,
		UnusedTimeout:   caddy.Duration(time.Minute),
		ReapTime:        -1,
	})
	f := new(testFactory)

	w, err := m.Reserve(WithWorker(context.Background(), "worker"), request(f, "alice"))
	require.NoError(t, err)
	m.Release(w, nil)
	require.Equal(t, LocationFreeTLS, w.Location())

	mock.Add(2 * time.Minute)
	assert.Equal(t, 1, m.Reap())
	assert.Equal(t, int64(0), m.Total())
	assert.Equal(t, int64(0), m.Stats().WorkerFree)
}

func TestPurgeNormal(t *testing.T) {
	m, _ := newMockManager(t, Config{})
	f := new(testFactory)
	ctx := context.Background()

	idle := reserveAndRelease(t, m, f, "alice")[0]
	held, err := m.Reserve(ctx, request(f, "bob"))
	require.NoError(t, err)

	require.NoError(t, m.PurgePoolContents(ctx, PurgeNormal))
	assert.Equal(t, StateInactive, idle.State())
	assert.Equal(t, int64(1), m.Total())

	m.Release(held, nil)
	assert.Equal(t, StateInactive, held.State())
	assert.Equal(t, int64(0), m.Total())
}

func TestPurgeImmediateFreesSlots(t *testing.T) {
	m, _ := newMockManager(t, Config{MaxConnections: 1})
	f := new(testFactory)
	ctx := context.Background()

	held, err := m.Reserve(ctx, request(f, "alice"))
	require.NoError(t, err)

	require.NoError(t, m.PurgePoolContents(ctx, PurgeImmediate))
	assert.True(t, held.Stale())
	assert.Equal(t, int64(0), m.Total())

	fresh, err := m.Reserve(ctx, request(f, "alice"))
	require.NoError(t, err)
	assert.NotSame(t, held, fresh)
	assert.Equal(t, int64(1), m.Total())

	// the stale wrapper already gave its slot back
	m.Release(held, nil)
	assert.Equal(t, StateInactive, held.State())
	assert.Equal(t, int64(1), m.Total())
}

func TestPurgeAbort(t *testing.T) {
	m, _ := newMockManager(t, Config{})
	f := new(testFactory)
	ctx := context.Background()

	held, err := m.Reserve(ctx, request(f, "alice"))
	require.NoError(t, err)
	r := held.Resource().(*testResource)

	require.NoError(t, m.PurgePoolContents(ctx, PurgeAbort))
	assert.True(t, r.Aborted())

	m.Release(held, nil)
	assert.Equal(t, StateInactive, held.State())
	assert.Equal(t, int64(0), m.Total())
	assert.Equal(t, int32(0), r.destroys.Load())
}

func TestFatalErrorEntirePool(t *testing.T) {
	m, _ := newMockManager(t, Config{})
	f := new(testFactory)
	ctx := context.Background()

	idle := reserveAndRelease(t, m, f, "alice")[0]
	failed, err := m.Reserve(ctx, request(f, "bob"))
	require.NoError(t, err)

	m.FatalError(ctx, f, failed, nil)
	assert.True(t, failed.Stale())
	assert.Equal(t, StateInactive, idle.State())
	assert.Equal(t, int64(1), m.Total())

	m.Release(failed, nil)
	assert.Equal(t, int64(0), m.Total())
}

func TestFatalErrorFailingOnly(t *testing.T) {
	m, _ := newMockManager(t, Config{PurgePolicy: PurgeFailingConnectionOnly})
	f := new(testFactory)
	ctx := context.Background()

	idle := reserveAndRelease(t, m, f, "alice")[0]
	failed, err := m.Reserve(ctx, request(f, "bob"))
	require.NoError(t, err)

	m.FatalError(ctx, f, failed, nil)
	assert.Equal(t, StateActiveFree, idle.State())

	m.Release(failed, nil)
	assert.Equal(t, StateInactive, failed.State())
	assert.Equal(t, int64(1), m.Total())
}

func TestFatalErrorValidateAll(t *testing.T) {
	m, _ := newMockManager(t, Config{PurgePolicy: PurgeValidateAllConnections})
	f := new(validatingFactory)
	ctx := context.Background()

	idle := reserveAndRelease(t, m, f, "alice", "bob")
	f.invalidate(idle[0].Resource())

	failed, err := m.Reserve(ctx, request(f, "carol"))
	require.NoError(t, err)

	m.FatalError(ctx, f, failed, nil)
	assert.Equal(t, StateInactive, idle[0].State())
	assert.Equal(t, StateActiveFree, idle[1].State())
	assert.Equal(t, int64(2), m.Total())
}

func TestValidateConnections(t *testing.T) {
	m, _ := newMockManager(t, Config{})
	f := new(validatingFactory)
	ctx := context.Background()

	idle := reserveAndRelease(t, m, f, "alice", "bob", "carol")
	f.invalidate(idle[1].Resource())

	assert.Equal(t, 1, m.ValidateConnections(ctx, f))
	assert.Equal(t, int64(2), m.Total())
	assert.Equal(t, 2, m.Stats().Free)

	assert.Equal(t, 0, m.ValidateConnections(ctx, new(testFactory)))
}
