package mysql_factory

import (
	"context"
	"database/sql/driver"
	"errors"
	"time"

	"gfx.cafe/gfx/txpool/lib/pool"
)

var ErrInvalid = errors.New("connection is no longer valid")

type Conn struct {
	conn    driver.Conn
	subject pool.Subject
	desc    pool.Descriptor
	timeout time.Duration
}

// Conn returns the underlying driver connection. It must not be closed by the caller.
func (T *Conn) Conn() driver.Conn {
	return T.conn
}

func (T *Conn) Subject() pool.Subject {
	return T.subject
}

func (T *Conn) Descriptor() pool.Descriptor {
	return T.desc
}

func (T *Conn) validate(ctx context.Context) error {
	if v, ok := T.conn.(driver.Validator); ok && !v.IsValid() {
		return ErrInvalid
	}
	p, ok := T.conn.(driver.Pinger)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, T.timeout)
	defer cancel()

	return p.Ping(ctx)
}

func (T *Conn) Cleanup() error {
	r, ok := T.conn.(driver.SessionResetter)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), T.timeout)
	defer cancel()

	return r.ResetSession(ctx)
}

func (T *Conn) Destroy() error {
	return T.conn.Close()
}

var _ pool.Resource = (*Conn)(nil)
