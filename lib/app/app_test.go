package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/caddyserver/caddy/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gfx.cafe/gfx/txpool/lib/auth/credentials"
	"gfx.cafe/gfx/txpool/lib/factories/memory"
)

func TestParseSampler(t *testing.T) {
	for _, rate := range []string{"never", "ALWAYS", "0.25", "50"} {
		_, err := parseSampler(rate)
		assert.NoError(t, err, rate)
	}
	for _, rate := range []string{"sometimes", "-1", "250"} {
		_, err := parseSampler(rate)
		assert.Error(t, err, rate)
	}
}

func TestProvision(t *testing.T) {
	raw := []byte(`{
		"stat_log_period": "1m",
		"pools": [
			{
				"name": "main",
				"max_connections": 2,
				"connection_timeout": "1s",
				"factory": {"factory": "memory", "latency": "1ms"}
			}
		]
	}`)

	var a App
	require.NoError(t, json.Unmarshal(raw, &a))
	require.Len(t, a.Pools, 1)
	assert.Equal(t, 2, a.Pools[0].MaxConnections)

	ctx, cancel := caddy.NewContext(caddy.Context{Context: context.Background()})
	defer cancel()

	require.NoError(t, a.Provision(ctx))
	require.NoError(t, a.Start())

	p, ok := a.Pool("main")
	require.True(t, ok)
	_, ok = p.Factory.(*memory.Factory)
	require.True(t, ok)

	w, err := p.Reserve(context.Background(), p.Request(credentials.FromString("alice", "pw"), nil))
	require.NoError(t, err)
	p.Release(w, nil)
	assert.Equal(t, int64(1), p.Total())

	require.NoError(t, a.Stop())
	assert.True(t, p.Stats().Shutdown)
	assert.Equal(t, int64(0), p.Total())
}

func TestProvisionDuplicate(t *testing.T) {
	raw := []byte(`{
		"pools": [
			{"name": "main", "factory": {"factory": "memory"}},
			{"name": "main", "factory": {"factory": "memory"}}
		]
	}`)

	var a App
	require.NoError(t, json.Unmarshal(raw, &a))

	ctx, cancel := caddy.NewContext(caddy.Context{Context: context.Background()})
	defer cancel()

	require.ErrorContains(t, a.Provision(ctx), "duplicate pool")
}
