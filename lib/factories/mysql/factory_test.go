package mysql_factory

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gfx.cafe/gfx/txpool/lib/auth/credentials"
	"gfx.cafe/gfx/txpool/lib/descriptor"
	"gfx.cafe/gfx/txpool/lib/pool"
)

func TestConnConfig(t *testing.T) {
	f := &Factory{
		Config: Config{
			DSN: "base:basepw@tcp(localhost:3306)/app?charset=utf8mb4",
		},
	}
	require.NoError(t, f.parse())

	config, err := f.connConfig(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "base", config.User)
	assert.Equal(t, "basepw", config.Passwd)
	assert.Equal(t, "app", config.DBName)

	params := descriptor.FromMap(map[string]string{"time_zone": "'+00:00'"})
	config, err = f.connConfig(credentials.FromString("alice", "secret"), params)
	require.NoError(t, err)
	assert.Equal(t, "alice", config.User)
	assert.Equal(t, "secret", config.Passwd)
	assert.Equal(t, "'+00:00'", config.Params["time_zone"])

	assert.Equal(t, "base", f.config.User)
	assert.NotContains(t, f.config.Params, "time_zone")
}

func TestParseInvalid(t *testing.T) {
	f := &Factory{
		Config: Config{
			DSN: "no slash here",
		},
	}
	require.Error(t, f.parse())
}

type fakeConn struct {
	valid  bool
	pinged int
	resets int
	closed bool
}

func (T *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, driver.ErrSkip
}

func (T *fakeConn) Close() error {
	T.closed = true
	return nil
}

func (T *fakeConn) Begin() (driver.Tx, error) {
	return nil, driver.ErrSkip
}

func (T *fakeConn) IsValid() bool {
	return T.valid
}

func (T *fakeConn) Ping(context.Context) error {
	T.pinged++
	return nil
}

func (T *fakeConn) ResetSession(context.Context) error {
	T.resets++
	return nil
}

func TestConn(t *testing.T) {
	f := &Factory{log: zaptest.NewLogger(t)}
	fc := &fakeConn{valid: true}
	c := &Conn{conn: fc, timeout: time.Second}

	invalid, err := f.InvalidResources(context.Background(), []pool.Resource{c})
	require.NoError(t, err)
	assert.Empty(t, invalid)
	assert.Equal(t, 1, fc.pinged)

	require.NoError(t, c.Cleanup())
	assert.Equal(t, 1, fc.resets)

	fc.valid = false
	invalid, err = f.InvalidResources(context.Background(), []pool.Resource{c})
	require.NoError(t, err)
	assert.Len(t, invalid, 1)
	assert.Equal(t, 1, fc.pinged)

	require.NoError(t, c.Destroy())
	assert.True(t, fc.closed)
}
