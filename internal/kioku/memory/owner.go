// Package memory implements the companion memory subsystem: a bounded
// per-session short-term buffer, an embedding-indexed long-term store,
// the policy that promotes exchanges from one to the other, and the
// session lifecycle that ties them together.
//
// Every operation is scoped to an OwnerKey. Nothing written under one
// (companion, user) pair is ever visible under another.
package memory

import (
	"fmt"
	"strings"
)

// OwnerKey identifies the (companion, user) pair that owns a session and
// every memory record derived from it.
type OwnerKey struct {
	CompanionID string
	UserID      string
}

// Validate reports ErrInvalidOwner when either half of the key is blank.
func (o OwnerKey) Validate() error {
	if strings.TrimSpace(o.CompanionID) == "" || strings.TrimSpace(o.UserID) == "" {
		return fmt.Errorf("%w: companion=%q user=%q", ErrInvalidOwner, o.CompanionID, o.UserID)
	}
	return nil
}

// String renders the key as "companion:user".
func (o OwnerKey) String() string {
	return o.CompanionID + ":" + o.UserID
}

// key is the collision-free map key for o; String is ambiguous when an ID
// itself contains a colon.
func (o OwnerKey) key() string {
	return o.CompanionID + "\x00" + o.UserID
}
