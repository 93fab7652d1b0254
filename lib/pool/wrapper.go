package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Wrapper owns one physical Resource and tracks its life cycle while it is pooled.
type Wrapper struct {
	ID uuid.UUID

	subject    Subject
	desc       Descriptor
	hash       uint32
	created    time.Time
	generation uint64

	partition atomic.Int32
	location  atomic.Int32

	releasing      atomic.Bool
	stale          atomic.Bool
	doNotReuse     atomic.Bool
	destroyPending atomic.Bool
	purgePending   atomic.Bool
	pretest        atomic.Bool
	uncounted      atomic.Bool
	destroyed      atomic.Bool

	cache atomic.Pointer[workerCache]

	resource   Resource
	state      State
	unused     time.Time
	holdStart  time.Time
	handles    int
	affinity   any
	tranKind   TranKind
	enlistment Enlistment
	// worker that holds the wrapper, nil when none
	owner any
	// affinity the wrapper was shared under
	shareKey any
	// resource was already destroyed out from under the wrapper
	gone bool
	mu   sync.Mutex
}

func newWrapper(subject Subject, desc Descriptor, hash uint32, generation uint64, now time.Time) *Wrapper {
	w := &Wrapper{
		ID:         uuid.New(),
		subject:    subject,
		desc:       desc,
		hash:       hash,
		created:    now,
		generation: generation,
		state:      StateNew,
	}
	w.location.Store(int32(LocationNotInPool))
	return w
}

func (T *Wrapper) illegal(op string, state State) error {
	return fmt.Errorf("%w: %s from %s", ErrIllegalState, op, state)
}

func (T *Wrapper) attach(r Resource, now time.Time) error {
	T.mu.Lock()
	defer T.mu.Unlock()

	if T.state != StateNew && T.state != StateInactive {
		return T.illegal("attach", T.state)
	}

	T.resource = r
	T.state = StateActiveFree
	T.unused = now
	T.gone = false
	return nil
}

func (T *Wrapper) markInUse(now time.Time, owner any) error {
	T.mu.Lock()
	defer T.mu.Unlock()

	if T.state != StateActiveFree {
		return T.illegal("reserve", T.state)
	}

	T.state = StateActiveInUse
	T.holdStart = now
	T.owner = owner
	return nil
}

// BeginTransaction enlists the resource in a unit of work. The wrapper must be in use.
func (T *Wrapper) BeginTransaction(ctx context.Context, kind TranKind, enlistment Enlistment, affinity any) error {
	T.mu.Lock()
	defer T.mu.Unlock()

	if T.state != StateActiveInUse {
		return T.illegal("begin transaction", T.state)
	}
	if T.stale.Load() {
		return fmt.Errorf("%w: %s", ErrStale, T.ID)
	}

	if enlistment != nil {
		if err := enlistment.Enlist(ctx, T.resource); err != nil {
			return err
		}
	}

	T.state = StateTranWrapperInUse
	T.tranKind = kind
	T.enlistment = enlistment
	T.affinity = affinity
	return nil
}

// CompleteTransaction delists the resource and returns the wrapper to ActiveInUse.
func (T *Wrapper) CompleteTransaction(commit bool) error {
	T.mu.Lock()
	defer T.mu.Unlock()

	if T.state != StateTranWrapperInUse {
		return T.illegal("complete transaction", T.state)
	}

	var err error
	if T.enlistment != nil {
		err = T.enlistment.Delist(T.resource, commit)
	}

	T.state = StateActiveInUse
	T.tranKind = TranNone
	T.enlistment = nil
	T.affinity = nil
	return err
}

// cleanup resets per use accounting. The wrapper is ActiveFree afterward even if the resource fails to clean up.
// The resource is called without holding the wrapper lock.
func (T *Wrapper) cleanup(now time.Time) error {
	r, err := func() (Resource, error) {
		T.mu.Lock()
		defer T.mu.Unlock()

		if T.state == StateNew || T.state == StateInactive {
			return nil, T.illegal("cleanup", T.state)
		}

		T.handles = 0
		T.holdStart = time.Time{}
		T.affinity = nil
		T.tranKind = TranNone
		T.enlistment = nil
		T.owner = nil
		T.shareKey = nil
		T.unused = now
		T.state = StateActiveFree

		if T.gone {
			return nil, nil
		}
		return T.resource, nil
	}()
	if err != nil || r == nil {
		return err
	}
	return r.Cleanup()
}

// destroy releases the physical resource. Destroying an in use wrapper is allowed.
func (T *Wrapper) destroy() error {
	r, err := func() (Resource, error) {
		T.mu.Lock()
		defer T.mu.Unlock()

		if T.state == StateNew || T.state == StateInactive {
			return nil, T.illegal("destroy", T.state)
		}

		r := T.resource
		T.resource = nil
		T.state = StateInactive
		T.owner = nil
		T.affinity = nil
		T.shareKey = nil
		T.enlistment = nil

		if T.gone {
			return nil, nil
		}
		T.gone = true
		return r, nil
	}()
	if err != nil || r == nil {
		return err
	}
	return r.Destroy()
}

// take marks the resource gone and returns it, or nil if it already was.
func (T *Wrapper) take() Resource {
	T.mu.Lock()
	defer T.mu.Unlock()

	if T.gone || T.resource == nil {
		return nil
	}
	T.gone = true
	return T.resource
}

// destroyResource tears the resource down without changing state. Used to kill in use resources on shutdown.
func (T *Wrapper) destroyResource() error {
	if r := T.take(); r != nil {
		return r.Destroy()
	}
	return nil
}

func (T *Wrapper) aborted() bool {
	if a, ok := T.Resource().(Aborter); ok {
		return a.Aborted()
	}
	return false
}

func (T *Wrapper) abort() (bool, error) {
	a, ok := func() (Aborter, bool) {
		T.mu.Lock()
		defer T.mu.Unlock()

		a, ok := T.resource.(Aborter)
		if !ok || T.gone {
			return nil, false
		}
		T.gone = true
		return a, true
	}()
	if !ok {
		return false, nil
	}
	return true, a.Abort()
}

func (T *Wrapper) agedOut(now time.Time, aged time.Duration) bool {
	return aged > 0 && now.Sub(T.created) >= aged
}

func (T *Wrapper) unusedSince() time.Time {
	T.mu.Lock()
	defer T.mu.Unlock()

	return T.unused
}

func (T *Wrapper) idleFor(now time.Time) time.Duration {
	return now.Sub(T.unusedSince())
}

func (T *Wrapper) holdTime(now time.Time) time.Duration {
	T.mu.Lock()
	defer T.mu.Unlock()

	if T.holdStart.IsZero() {
		return 0
	}
	return now.Sub(T.holdStart)
}

func (T *Wrapper) share(affinity any) {
	T.mu.Lock()
	defer T.mu.Unlock()

	T.affinity = affinity
	T.shareKey = affinity
}

func (T *Wrapper) sharedKey() any {
	T.mu.Lock()
	defer T.mu.Unlock()

	return T.shareKey
}

func (T *Wrapper) ownedBy(owner any) bool {
	T.mu.Lock()
	defer T.mu.Unlock()

	return T.owner != nil && T.owner == owner
}

func (T *Wrapper) setLocation(l Location) {
	T.location.Store(int32(l))
}

func (T *Wrapper) casLocation(from, to Location) bool {
	return T.location.CompareAndSwap(int32(from), int32(to))
}

func (T *Wrapper) Resource() Resource {
	T.mu.Lock()
	defer T.mu.Unlock()

	return T.resource
}

func (T *Wrapper) State() State {
	T.mu.Lock()
	defer T.mu.Unlock()

	return T.state
}

func (T *Wrapper) Location() Location {
	return Location(T.location.Load())
}

func (T *Wrapper) Hash() uint32 {
	return T.hash
}

func (T *Wrapper) Subject() Subject {
	return T.subject
}

func (T *Wrapper) Descriptor() Descriptor {
	return T.desc
}

func (T *Wrapper) Created() time.Time {
	return T.created
}

func (T *Wrapper) Affinity() any {
	T.mu.Lock()
	defer T.mu.Unlock()

	return T.affinity
}

func (T *Wrapper) TranKind() TranKind {
	T.mu.Lock()
	defer T.mu.Unlock()

	return T.tranKind
}

func (T *Wrapper) Handles() int {
	T.mu.Lock()
	defer T.mu.Unlock()

	return T.handles
}

func (T *Wrapper) AddHandle() {
	T.mu.Lock()
	defer T.mu.Unlock()

	T.handles++
}

func (T *Wrapper) RemoveHandle() {
	T.mu.Lock()
	defer T.mu.Unlock()

	if T.handles > 0 {
		T.handles--
	}
}

// MarkStale flags the wrapper to be destroyed when it is released.
func (T *Wrapper) MarkStale() {
	T.stale.Store(true)
}

func (T *Wrapper) Stale() bool {
	return T.stale.Load()
}

func (T *Wrapper) String() string {
	return fmt.Sprintf("wrapper(%s, %s, %s)", T.ID, T.State(), T.Location())
}
