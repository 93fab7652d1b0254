package pgx_factory

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"gfx.cafe/gfx/txpool/lib/pool"
)

type Conn struct {
	conn    *pgx.Conn
	subject pool.Subject
	desc    pool.Descriptor
	reset   string
	timeout time.Duration

	aborted atomic.Bool
}

// Conn returns the underlying connection. It must not be closed by the caller.
func (T *Conn) Conn() *pgx.Conn {
	return T.conn
}

func (T *Conn) Subject() pool.Subject {
	return T.subject
}

func (T *Conn) Descriptor() pool.Descriptor {
	return T.desc
}

func (T *Conn) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, T.timeout)
	defer cancel()

	return T.conn.Ping(ctx)
}

// Cleanup rolls back a transaction left open by the caller and runs the reset query.
func (T *Conn) Cleanup() error {
	ctx, cancel := context.WithTimeout(context.Background(), T.timeout)
	defer cancel()

	if T.conn.PgConn().TxStatus() != txStatusIdle {
		if _, err := T.conn.Exec(ctx, "ROLLBACK"); err != nil {
			return err
		}
	}
	if T.reset == "" {
		return nil
	}
	_, err := T.conn.Exec(ctx, T.reset)
	return err
}

func (T *Conn) Destroy() error {
	ctx, cancel := context.WithTimeout(context.Background(), T.timeout)
	defer cancel()

	return T.conn.Close(ctx)
}

// Abort closes the socket without terminating the session.
func (T *Conn) Abort() error {
	T.aborted.Store(true)
	return T.conn.PgConn().Conn().Close()
}

func (T *Conn) Aborted() bool {
	return T.aborted.Load() || T.conn.IsClosed()
}

var _ pool.Resource = (*Conn)(nil)
var _ pool.Aborter = (*Conn)(nil)
