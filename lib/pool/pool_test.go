package pool

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type testKey string

func (T testKey) Equal(other Subject) bool {
	o, ok := other.(testKey)
	return ok && o == T
}

func (T testKey) Hash() uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(T))
	return h.Sum32()
}

type testDesc string

func (T testDesc) Equal(other Descriptor) bool {
	o, ok := other.(testDesc)
	return ok && o == T
}

func (T testDesc) Hash() uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(T))
	return h.Sum32()
}

type testResource struct {
	id      int32
	subject Subject
	desc    Descriptor

	cleanups   atomic.Int32
	destroys   atomic.Int32
	aborted    atomic.Bool
	cleanupErr error
	gate       *cleanupGate
}

func (T *testResource) Cleanup() error {
	T.cleanups.Add(1)
	if T.gate != nil {
		T.gate.wait()
	}
	return T.cleanupErr
}

// cleanupGate holds every Cleanup until opened.
type cleanupGate struct {
	entered chan struct{}
	open    chan struct{}
}

func newCleanupGate() *cleanupGate {
	return &cleanupGate{
		entered: make(chan struct{}, 1),
		open:    make(chan struct{}),
	}
}

func (T *cleanupGate) wait() {
	select {
	case T.entered <- struct{}{}:
	default:
	}
	<-T.open
}

func (T *testResource) Destroy() error {
	T.destroys.Add(1)
	return nil
}

func (T *testResource) Abort() error {
	T.aborted.Store(true)
	return nil
}

func (T *testResource) Aborted() bool {
	return T.aborted.Load()
}

var _ Resource = (*testResource)(nil)
var _ Aborter = (*testResource)(nil)

type testFactory struct {
	created   atomic.Int32
	createErr error
	matchErr  error
	gate      *cleanupGate
}

func (T *testFactory) Create(_ context.Context, subject Subject, desc Descriptor) (Resource, error) {
	if T.createErr != nil {
		return nil, T.createErr
	}
	return &testResource{
		id:      T.created.Add(1),
		subject: subject,
		desc:    desc,
		gate:    T.gate,
	}, nil
}

func (T *testFactory) Match(candidates []Resource, subject Subject, desc Descriptor) (Resource, error) {
	if T.matchErr != nil {
		return nil, T.matchErr
	}
	for _, candidate := range candidates {
		r := candidate.(*testResource)
		if subjectsEqual(r.subject, subject) && descriptorsEqual(r.desc, desc) {
			return r, nil
		}
	}
	return nil, nil
}

var _ Factory = (*testFactory)(nil)

// validatingFactory treats resources marked with invalidate as dead.
type validatingFactory struct {
	testFactory

	// every resource is invalid
	allInvalid atomic.Bool
	invalid    map[Resource]bool
	mu         sync.Mutex
}

func (T *validatingFactory) invalidate(r Resource) {
	T.mu.Lock()
	defer T.mu.Unlock()

	if T.invalid == nil {
		T.invalid = make(map[Resource]bool)
	}
	T.invalid[r] = true
}

func (T *validatingFactory) InvalidResources(_ context.Context, resources []Resource) ([]Resource, error) {
	T.mu.Lock()
	defer T.mu.Unlock()

	var invalid []Resource
	for _, r := range resources {
		if T.allInvalid.Load() || T.invalid[r] {
			invalid = append(invalid, r)
		}
	}
	return invalid, nil
}

var _ Validator = (*validatingFactory)(nil)

type testSink struct {
	errs []error
	mu   sync.Mutex
}

func (T *testSink) Capture(err error, _ ...zap.Field) {
	T.mu.Lock()
	defer T.mu.Unlock()

	T.errs = append(T.errs, err)
}

func (T *testSink) count() int {
	T.mu.Lock()
	defer T.mu.Unlock()

	return len(T.errs)
}

var _ DiagnosticSink = (*testSink)(nil)

var errTest = errors.New("test")

func newTestManager(t *testing.T, config Config) *Manager {
	t.Helper()

	if config.Logger == nil {
		config.Logger = zaptest.NewLogger(t)
	}
	m := NewManager(config)
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return m
}

func newMockManager(t *testing.T, config Config) (*Manager, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	config.Clock = mock
	return newTestManager(t, config), mock
}

func request(f Factory, subject string) Request {
	return Request{
		Factory:    f,
		Subject:    testKey(subject),
		Descriptor: testDesc("default"),
	}
}
