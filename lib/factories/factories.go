package factories

import (
	"fmt"

	"github.com/caddyserver/caddy/v2"

	"gfx.cafe/gfx/txpool/lib/auth/credentials"
	"gfx.cafe/gfx/txpool/lib/descriptor"
	"gfx.cafe/gfx/txpool/lib/pool"
)

// Factory is a resource factory loaded from the txpool.factories namespace.
type Factory interface {
	caddy.Module
	pool.Factory
}

// Keyed resources remember the subject and descriptor they were created for.
type Keyed interface {
	Subject() pool.Subject
	Descriptor() pool.Descriptor
}

// Match returns the first candidate created for an equal subject and descriptor.
func Match(candidates []pool.Resource, subject pool.Subject, desc pool.Descriptor) (pool.Resource, error) {
	for _, candidate := range candidates {
		k, ok := candidate.(Keyed)
		if !ok {
			return nil, fmt.Errorf("resource %T does not carry its key", candidate)
		}
		if subjectsEqual(k.Subject(), subject) && descriptorsEqual(k.Descriptor(), desc) {
			return candidate, nil
		}
	}
	return nil, nil
}

func subjectsEqual(a, b pool.Subject) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

func descriptorsEqual(a, b pool.Descriptor) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

// Credentials returns the credential subject, or nil if there is none.
func Credentials(subject pool.Subject) (*credentials.Subject, error) {
	if subject == nil {
		return nil, nil
	}
	creds, ok := subject.(*credentials.Subject)
	if !ok {
		return nil, fmt.Errorf("unsupported subject type %T", subject)
	}
	return creds, nil
}

// Params returns the parameter descriptor, or nil if there is none.
func Params(desc pool.Descriptor) (*descriptor.Params, error) {
	if desc == nil {
		return nil, nil
	}
	params, ok := desc.(*descriptor.Params)
	if !ok {
		return nil, fmt.Errorf("unsupported descriptor type %T", desc)
	}
	return params, nil
}
