package memory

import (
	"context"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gfx.cafe/gfx/txpool/lib/auth/credentials"
	"gfx.cafe/gfx/txpool/lib/descriptor"
	"gfx.cafe/gfx/txpool/lib/pool"
)

func TestCreateLatencyCanceled(t *testing.T) {
	f := New(Config{Latency: caddy.Duration(time.Hour)}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Create(ctx, nil, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), f.Created())
}

func TestCreateFailure(t *testing.T) {
	f := New(Config{FailureRate: 1}, nil)

	_, err := f.Create(context.Background(), nil, nil)
	require.ErrorIs(t, err, ErrCreateFailed)
}

func TestConnLifeCycle(t *testing.T) {
	f := New(Config{}, nil)

	r, err := f.Create(context.Background(), nil, nil)
	require.NoError(t, err)
	c := r.(*Conn)

	require.NoError(t, c.Cleanup())
	assert.Equal(t, int64(1), c.Uses())
	assert.Equal(t, int64(1), f.Live())

	invalid, err := f.InvalidResources(context.Background(), []pool.Resource{c})
	require.NoError(t, err)
	assert.Empty(t, invalid)

	require.NoError(t, c.Abort())
	assert.True(t, c.Aborted())
	assert.Equal(t, int64(0), f.Live())
	require.ErrorIs(t, c.Destroy(), ErrClosed)
	require.ErrorIs(t, c.Cleanup(), ErrClosed)

	invalid, err = f.InvalidResources(context.Background(), []pool.Resource{c})
	require.NoError(t, err)
	assert.Len(t, invalid, 1)
}

func TestWithManager(t *testing.T) {
	f := New(Config{}, zaptest.NewLogger(t))
	m := pool.NewManager(pool.Config{
		Name:              "memory",
		MaxConnections:    4,
		ValidateOnReserve: true,
		Logger:            zaptest.NewLogger(t),
	})
	ctx := context.Background()

	alice := credentials.FromString("alice", "secret")
	public := descriptor.FromMap(map[string]string{"search_path": "public"})
	other := descriptor.FromMap(map[string]string{"search_path": "other"})

	req := pool.Request{
		Factory:    f,
		Subject:    alice,
		Descriptor: public,
	}

	w, err := m.Reserve(ctx, req)
	require.NoError(t, err)
	m.Release(w, nil)

	// equal but distinct subject and descriptor values reuse the resource
	again, err := m.Reserve(ctx, pool.Request{
		Factory:    f,
		Subject:    credentials.FromString("alice", "secret"),
		Descriptor: descriptor.FromMap(map[string]string{"search_path": "public"}),
	})
	require.NoError(t, err)
	assert.Same(t, w, again)
	assert.Equal(t, int64(1), again.Resource().(*Conn).Uses())

	req.Descriptor = other
	fresh, err := m.Reserve(ctx, req)
	require.NoError(t, err)
	assert.NotSame(t, w, fresh)

	m.Release(again, nil)
	m.Release(fresh, nil)
	assert.Equal(t, int64(2), f.Live())

	// an invalidated resource is replaced on the next reservation
	w.Resource().(*Conn).Invalidate()
	req.Descriptor = public
	replaced, err := m.Reserve(ctx, req)
	require.NoError(t, err)
	assert.NotSame(t, w, replaced)
	assert.Equal(t, int64(3), f.Created())
	assert.Equal(t, int64(2), f.Live())

	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, int64(1), f.Live())

	m.Release(replaced, nil)
	assert.Equal(t, int64(0), f.Live())
}
