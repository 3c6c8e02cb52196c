// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxIdentityLen = 36

var (
	ErrIdentityEmpty   = errors.New("identity empty")
	ErrIdentityTooLong = errors.New("identity too long")
)

// Identity is the authenticated user handle supplied by the auth layer at
// connection time. Opaque to this subsystem beyond equality and ordering.
type Identity string

// Before reports whether i sorts before other under the fixed total order
// used to break negotiation glare. Lexicographic over the raw handle.
func (i Identity) Before(other Identity) bool {
	return i < other
}

// NewIdentity is a tiny helper to avoid ad-hoc conversions in adapters.
func NewIdentity(raw string) (Identity, error) {
	if len(raw) == 0 {
		return "", ErrIdentityEmpty
	}
	if len(raw) > MaxIdentityLen {
		return "", ErrIdentityTooLong
	}
	return Identity(raw), nil
}
