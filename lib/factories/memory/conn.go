package memory

import (
	"sync/atomic"

	"gfx.cafe/gfx/txpool/lib/pool"
)

type Conn struct {
	ID int64

	factory *Factory
	subject pool.Subject
	desc    pool.Descriptor

	uses    atomic.Int64
	closed  atomic.Bool
	aborted atomic.Bool
	invalid atomic.Bool
}

func (T *Conn) Subject() pool.Subject {
	return T.subject
}

func (T *Conn) Descriptor() pool.Descriptor {
	return T.desc
}

// Uses returns how many times the resource was cleaned up after use.
func (T *Conn) Uses() int64 {
	return T.uses.Load()
}

// Invalidate makes the resource fail its next validation.
func (T *Conn) Invalidate() {
	T.invalid.Store(true)
}

func (T *Conn) Cleanup() error {
	if T.closed.Load() {
		return ErrClosed
	}
	T.uses.Add(1)
	return nil
}

func (T *Conn) Destroy() error {
	if !T.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	T.factory.destroyed.Add(1)
	return nil
}

func (T *Conn) Abort() error {
	T.aborted.Store(true)
	return T.Destroy()
}

func (T *Conn) Aborted() bool {
	return T.aborted.Load()
}

var _ pool.Resource = (*Conn)(nil)
var _ pool.Aborter = (*Conn)(nil)
