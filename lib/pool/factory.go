package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Resource is one physical pooled resource. Implementations must be comparable (usually a pointer),
// resources key the resource index.
type Resource interface {
	// Cleanup resets per use state so the resource can be handed out again.
	Cleanup() error
	// Destroy tears the resource down. It is never called twice.
	Destroy() error
}

// Subject is the security context a resource was created for.
type Subject interface {
	Equal(other Subject) bool
	Hash() uint32
}

// Descriptor holds the request properties a resource was created for.
type Descriptor interface {
	Equal(other Descriptor) bool
	Hash() uint32
}

type Factory interface {
	Create(ctx context.Context, subject Subject, desc Descriptor) (Resource, error)
	// Match returns the candidate that can serve the request, or nil. Returning an error marks the
	// candidates as unusable.
	Match(candidates []Resource, subject Subject, desc Descriptor) (Resource, error)
}

// Validator is implemented by factories that can test resources for liveness.
type Validator interface {
	InvalidResources(ctx context.Context, resources []Resource) ([]Resource, error)
}

// Aborter is implemented by resources that can be killed without a graceful close.
type Aborter interface {
	Abort() error
	Aborted() bool
}

type Cancelable interface {
	Stop() bool
}

// Scheduler runs the reaper.
type Scheduler interface {
	Schedule(task func(), delay time.Duration) Cancelable
}

// DiagnosticSink receives failures that are swallowed by the pool. Capture must not panic.
type DiagnosticSink interface {
	Capture(err error, fields ...zap.Field)
}

func subjectsEqual(a, b Subject) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

func descriptorsEqual(a, b Descriptor) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

// computeHash combines the subject and descriptor hashes. A missing half counts as 1.
func computeHash(subject Subject, desc Descriptor) uint32 {
	var s, d uint32 = 1, 1
	if subject != nil {
		s = subject.Hash()
	}
	if desc != nil {
		d = desc.Hash()
	}
	return s/2 + d/2
}
