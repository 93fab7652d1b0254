package credentials

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"slices"
	"strings"

	"github.com/minio/sha256-simd"

	"gfx.cafe/gfx/txpool/lib/pool"
)

var ErrNoCleartext = errors.New("credentials have no cleartext password")

type SecretKind byte

const (
	SecretCleartext SecretKind = iota + 1
	SecretMD5
)

type Secret struct {
	Kind  SecretKind
	Value []byte
}

// Subject is a principal with its private and public credential sets. Two subjects are equal if their principals and
// both sets are equal, regardless of order.
type Subject struct {
	Principal string
	Private   []Secret
	Public    []string

	fingerprint [sha256.Size]byte
}

func New(principal string, private []Secret, public []string) *Subject {
	s := &Subject{
		Principal: principal,
		Private:   slices.Clone(private),
		Public:    slices.Clone(public),
	}
	slices.SortFunc(s.Private, func(a, b Secret) int {
		if a.Kind != b.Kind {
			return int(a.Kind) - int(b.Kind)
		}
		return bytes.Compare(a.Value, b.Value)
	})
	slices.Sort(s.Public)

	hash := sha256.New()
	hash.Write([]byte(s.Principal))
	hash.Write([]byte{0})
	for _, secret := range s.Private {
		hash.Write([]byte{byte(secret.Kind)})
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(secret.Value)))
		hash.Write(l[:])
		hash.Write(secret.Value)
	}
	hash.Write([]byte{0})
	for _, public := range s.Public {
		hash.Write([]byte(public))
		hash.Write([]byte{0})
	}
	copy(s.fingerprint[:], hash.Sum(nil))

	return s
}

// FromString builds a subject from a user and password. Passwords of the form md5<hex> are stored as md5 hashes.
func FromString(user, password string) *Subject {
	if password == "" {
		return New(user, nil, nil)
	}
	if hexHash, ok := strings.CutPrefix(password, "md5"); ok {
		if hash, err := hex.DecodeString(hexHash); err == nil {
			return New(user, []Secret{{Kind: SecretMD5, Value: hash}}, nil)
		}
	}
	return New(user, []Secret{{Kind: SecretCleartext, Value: []byte(password)}}, nil)
}

// Password returns the first cleartext password.
func (T *Subject) Password() (string, error) {
	for _, secret := range T.Private {
		if secret.Kind == SecretCleartext {
			return string(secret.Value), nil
		}
	}
	return "", ErrNoCleartext
}

func (T *Subject) Fingerprint() [sha256.Size]byte {
	return T.fingerprint
}

// Equal treats a nil *Subject and a nil pool.Subject as equal to each other.
func (T *Subject) Equal(other pool.Subject) bool {
	o, ok := other.(*Subject)
	if T == nil || o == nil {
		return T == nil && o == nil && (ok || other == nil)
	}
	return T == o || T.fingerprint == o.fingerprint
}

// Hash of a nil *Subject is 1, the same as a missing one.
func (T *Subject) Hash() uint32 {
	if T == nil {
		return 1
	}
	return binary.BigEndian.Uint32(T.fingerprint[:4])
}

func (T *Subject) String() string {
	if T == nil {
		return "<nil>"
	}
	return T.Principal
}

var _ pool.Subject = (*Subject)(nil)
