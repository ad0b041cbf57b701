// Package apperrors collects the sentinel errors shared across the
// dispatch-plane components. Callers should compare with errors.Is, never
// string-match error messages.
package apperrors

import "errors"

var (
	// ErrSignatureInvalid is returned when an inbound webhook's HMAC
	// signature does not match the configured shared secret.
	ErrSignatureInvalid = errors.New("webhook: signature invalid")

	// ErrDuplicateIdempotency is returned when a job with the same
	// (repo, ref, host) triple is already pending or running.
	ErrDuplicateIdempotency = errors.New("job: duplicate idempotency key")

	// ErrNotClaimable is returned when a job is no longer pending at the
	// moment a claim is attempted (lost the race to another agent, or was
	// cancelled).
	ErrNotClaimable = errors.New("job: not claimable")

	// ErrNotAssignedToYou is returned when an agent tries to ack a job
	// that is running but assigned to a different agent.
	ErrNotAssignedToYou = errors.New("job: not assigned to this agent")

	// ErrAlreadyTerminal is returned when a state-changing call targets a
	// job that has already reached a terminal status. Callers should treat
	// this as an idempotent no-op, not a failure.
	ErrAlreadyTerminal = errors.New("job: already terminal")

	// ErrAgentUnknown is returned when an agent heartbeats or acks with an
	// id the Store has no record of (e.g. after the Store was wiped).
	ErrAgentUnknown = errors.New("agent: unknown")

	// ErrNotFound is returned when a lookup by id finds no record.
	ErrNotFound = errors.New("not found")

	// ErrStoreTransient wraps a retryable Store failure (connection error,
	// write-deadline exceeded). Callers should retry with backoff on reads
	// and surface 503 on writes.
	ErrStoreTransient = errors.New("store: transient error")

	// ErrConfig marks a fatal configuration problem detected at startup.
	ErrConfig = errors.New("config error")
)

// Kind buckets an error into a small set of categories the HTTP layer uses
// to pick a status code. It walks the chain with errors.Is rather than
// comparing err directly, so wrapped errors still classify correctly.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrDuplicateIdempotency):
		return "duplicate_idempotency"
	case errors.Is(err, ErrNotClaimable):
		return "not_claimable"
	case errors.Is(err, ErrNotAssignedToYou):
		return "not_assigned_to_you"
	case errors.Is(err, ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, ErrAgentUnknown):
		return "agent_unknown"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStoreTransient):
		return "store_transient"
	case errors.Is(err, ErrConfig):
		return "config_error"
	default:
		return "internal"
	}
}
