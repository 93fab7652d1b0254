package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedFactory returns a factory whose resources block in Cleanup until the returned func is called.
func gatedFactory(t *testing.T) (*testFactory, func()) {
	f := &testFactory{gate: newCleanupGate()}
	open := sync.OnceFunc(func() {
		close(f.gate.open)
	})
	t.Cleanup(open)
	return f, open
}

func TestReleaseOverlappingPurge(t *testing.T) {
	for _, worker := range []bool{false, true} {
		name := "partition"
		if worker {
			name = "worker"
		}
		t.Run(name, func(t *testing.T) {
			m := newTestManager(t, Config{WorkerCacheSize: 1})
			f, open := gatedFactory(t)

			ctx := context.Background()
			if worker {
				ctx = WithWorker(ctx, "worker-1")
			}

			w, err := m.Reserve(ctx, request(f, "alice"))
			require.NoError(t, err)

			released := make(chan struct{})
			go func() {
				defer close(released)
				m.Release(w, nil)
			}()
			<-f.gate.entered

			require.NoError(t, m.PurgePoolContents(context.Background(), PurgeNormal))
			open()
			<-released

			assert.Equal(t, StateInactive, w.State())
			assert.Equal(t, int64(0), m.Total())
			assert.Equal(t, 0, m.Stats().Free)
			assert.Equal(t, int64(0), m.Stats().WorkerFree)

			again, err := m.Reserve(ctx, request(f, "alice"))
			require.NoError(t, err)
			assert.NotSame(t, w, again)
			assert.Equal(t, int32(2), f.created.Load())
		})
	}
}

func TestReleaseOverlappingPurgeWithWaiter(t *testing.T) {
	m := newTestManager(t, Config{
		MaxConnections:    1,
		ConnectionTimeout: caddy.Duration(5 * time.Second),
	})
	f, open := gatedFactory(t)

	w, err := m.Reserve(context.Background(), request(f, "alice"))
	require.NoError(t, err)

	got := make(chan *Wrapper, 1)
	go func() {
		next, err := m.Reserve(context.Background(), request(f, "alice"))
		assert.NoError(t, err)
		got <- next
	}()
	require.Eventually(t, func() bool {
		return m.Stats().Waiters == 1
	}, time.Second, time.Millisecond)

	go m.Release(w, nil)
	<-f.gate.entered

	require.NoError(t, m.PurgePoolContents(context.Background(), PurgeNormal))
	open()

	select {
	case next := <-got:
		require.NotNil(t, next)
		assert.NotSame(t, w, next)
		assert.Equal(t, StateInactive, w.State())
		assert.Equal(t, int64(1), m.Total())
	case <-time.After(3 * time.Second):
		t.Fatal("waiter never got a resource")
	}
}

func TestStaleGenerationNeverReissued(t *testing.T) {
	m, _ := newMockManager(t, Config{})
	f := new(testFactory)

	w := reserveAndRelease(t, m, f, "alice")[0]
	require.Equal(t, 1, m.Stats().Free)

	// as if a purge ran without seeing w
	m.generation.Add(1)

	again, err := m.Reserve(context.Background(), request(f, "alice"))
	require.NoError(t, err)
	assert.NotSame(t, w, again)
	assert.Equal(t, StateInactive, w.State())
	assert.Equal(t, int64(1), m.Total())
}

func TestSlowCleanupDoesNotBlockReaders(t *testing.T) {
	m := newTestManager(t, Config{MaxPerWorker: 2})
	f, open := gatedFactory(t)

	w, err := m.Reserve(context.Background(), request(f, "alice"))
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		defer close(released)
		m.Release(w, nil)
	}()
	<-f.gate.entered

	done := make(chan Stats, 1)
	go func() {
		// the worker limit check reads the state of every wrapper
		other, err := m.Reserve(WithWorker(context.Background(), "worker-1"), request(f, "bob"))
		assert.NoError(t, err)
		assert.NotSame(t, w, other)
		done <- m.Stats()
	}()

	select {
	case s := <-done:
		assert.Equal(t, int64(2), s.Total)
		assert.Equal(t, 1, s.InUse)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked behind a resource cleanup")
	}

	open()
	<-released
}

func TestReserveWaitsForShapeChange(t *testing.T) {
	m, _ := newMockManager(t, Config{})
	f := new(testFactory)
	w := reserveAndRelease(t, m, f, "alice")[0]

	rebuilding := make(chan struct{})
	commit := make(chan struct{})
	shaped := make(chan error, 1)
	go func() {
		shaped <- m.changeShape(func() {
			close(rebuilding)
			<-commit
		})
	}()
	<-rebuilding

	reserved := make(chan *Wrapper, 1)
	go func() {
		got, err := m.Reserve(context.Background(), request(f, "alice"))
		assert.NoError(t, err)
		reserved <- got
	}()

	select {
	case <-reserved:
		t.Fatal("reserve ran while the pool shape was changing")
	case <-time.After(50 * time.Millisecond):
	}

	close(commit)
	require.NoError(t, <-shaped)

	select {
	case got := <-reserved:
		assert.Same(t, w, got)
		assert.Equal(t, int32(1), f.created.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("reserve never resumed after the shape change")
	}
}
