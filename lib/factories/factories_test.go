package factories

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gfx.cafe/gfx/txpool/lib/auth/credentials"
	"gfx.cafe/gfx/txpool/lib/descriptor"
	"gfx.cafe/gfx/txpool/lib/pool"
)

type keyed struct {
	subject pool.Subject
	desc    pool.Descriptor
}

func (T *keyed) Cleanup() error { return nil }
func (T *keyed) Destroy() error { return nil }
func (T *keyed) Subject() pool.Subject { return T.subject }
func (T *keyed) Descriptor() pool.Descriptor { return T.desc }

type unkeyed struct{}

func (T *unkeyed) Cleanup() error { return nil }
func (T *unkeyed) Destroy() error { return nil }

func TestMatch(t *testing.T) {
	alice := credentials.FromString("alice", "pw")
	bob := credentials.FromString("bob", "pw")
	params := descriptor.FromMap(map[string]string{"search_path": "public"})

	a := &keyed{subject: alice, desc: params}
	b := &keyed{subject: bob, desc: params}
	n := &keyed{}

	match, err := Match([]pool.Resource{a, b, n}, credentials.FromString("bob", "pw"), params)
	require.NoError(t, err)
	assert.Same(t, b, match)

	match, err = Match([]pool.Resource{a, b, n}, nil, nil)
	require.NoError(t, err)
	assert.Same(t, n, match)

	match, err = Match([]pool.Resource{a, b}, alice, nil)
	require.NoError(t, err)
	assert.Nil(t, match)

	_, err = Match([]pool.Resource{&unkeyed{}}, alice, params)
	require.Error(t, err)
}

func TestAccessors(t *testing.T) {
	creds, err := Credentials(nil)
	require.NoError(t, err)
	assert.Nil(t, creds)

	alice := credentials.FromString("alice", "pw")
	creds, err = Credentials(alice)
	require.NoError(t, err)
	assert.Same(t, alice, creds)

	params, err := Params(nil)
	require.NoError(t, err)
	assert.Nil(t, params)

	_, err = Params(descriptorFunc(0))
	require.Error(t, err)
}

type descriptorFunc int

func (descriptorFunc) Equal(pool.Descriptor) bool { return false }
func (descriptorFunc) Hash() uint32 { return 0 }
