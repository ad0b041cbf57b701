// Package idgen generates the time-ordered identifiers used for every
// persisted record so that primary-key order matches creation order without
// a separate sequence column.
package idgen

import "github.com/google/uuid"

// New returns a fresh UUIDv7. UUIDv7 embeds a millisecond timestamp in its
// high bits, so IDs sort lexically in creation order.
func New() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the global random source errors, which
		// the standard library source never does in practice.
		return uuid.New()
	}
	return id
}

// NewString returns New().String().
func NewString() string {
	return New().String()
}
