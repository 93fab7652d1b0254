package descriptor

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/minio/sha256-simd"

	"gfx.cafe/gfx/txpool/lib/pool"
)

type Param struct {
	Key   string
	Value string
}

// Params is an immutable set of request properties, sorted by key. A resource created for one Params can serve any
// request with equal Params.
type Params struct {
	params      []Param
	fingerprint [sha256.Size]byte
}

// New builds Params from key value pairs. Later pairs override earlier ones with the same key.
func New(kv ...string) (*Params, error) {
	if len(kv)%2 != 0 {
		return nil, fmt.Errorf("odd number of key value arguments: %d", len(kv))
	}
	m := make(map[string]string, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return FromMap(m), nil
}

func FromMap(m map[string]string) *Params {
	p := &Params{
		params: make([]Param, 0, len(m)),
	}
	for _, key := range slices.Sorted(maps.Keys(m)) {
		p.params = append(p.params, Param{
			Key:   key,
			Value: m[key],
		})
	}

	hash := sha256.New()
	for _, param := range p.params {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(param.Key)))
		hash.Write(l[:])
		hash.Write([]byte(param.Key))
		binary.BigEndian.PutUint32(l[:], uint32(len(param.Value)))
		hash.Write(l[:])
		hash.Write([]byte(param.Value))
	}
	copy(p.fingerprint[:], hash.Sum(nil))

	return p
}

func (T *Params) Get(key string) (string, bool) {
	i, ok := slices.BinarySearchFunc(T.params, key, func(p Param, key string) int {
		return strings.Compare(p.Key, key)
	})
	if !ok {
		return "", false
	}
	return T.params[i].Value, true
}

func (T *Params) Len() int {
	return len(T.params)
}

// Params returns a copy of the sorted parameters.
func (T *Params) Params() []Param {
	return slices.Clone(T.params)
}

func (T *Params) Map() map[string]string {
	m := make(map[string]string, len(T.params))
	for _, param := range T.params {
		m[param.Key] = param.Value
	}
	return m
}

// Equal treats a nil *Params and a nil pool.Descriptor as equal to each other.
func (T *Params) Equal(other pool.Descriptor) bool {
	o, ok := other.(*Params)
	if T == nil || o == nil {
		return T == nil && o == nil && (ok || other == nil)
	}
	return T == o || T.fingerprint == o.fingerprint
}

// Hash of a nil *Params is 1, the same as a missing one.
func (T *Params) Hash() uint32 {
	if T == nil {
		return 1
	}
	return binary.BigEndian.Uint32(T.fingerprint[:4])
}

func (T *Params) String() string {
	if T == nil {
		return "<nil>"
	}
	var b strings.Builder
	for i, param := range T.params {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(param.Key)
		b.WriteByte('=')
		b.WriteString(param.Value)
	}
	return b.String()
}

var _ pool.Descriptor = (*Params)(nil)
