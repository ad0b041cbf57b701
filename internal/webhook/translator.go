// Package webhook turns an inbound GitHub-style push webhook into jobs.
// ingest is a pure function apart from its two side effects (signature
// verification, which has none, and the Queue enqueue fan-out): given the
// same body and bindings it always resolves to the same set of (repo, ref,
// host) triples.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/deploybot/controller/internal/apperrors"
	"github.com/deploybot/controller/internal/config"
	"github.com/deploybot/controller/internal/store"
)

// Queue is the subset of queue.Queue the translator fans jobs out through.
type Queue interface {
	Enqueue(ctx context.Context, repo, ref, host, payload string) (*store.Job, error)
}

// Bindings is the subset of config.Loader the translator needs.
type Bindings interface {
	Bindings() []config.RepoBinding
}

// Translator verifies and parses inbound GitHub push webhooks and fans
// them out into jobs, one per distinct host across all matched bindings.
type Translator struct {
	secret   string
	bindings Bindings
	queue    Queue
}

// New returns a Translator that verifies inbound signatures against
// secret.
func New(secret string, bindings Bindings, queue Queue) *Translator {
	return &Translator{secret: secret, bindings: bindings, queue: queue}
}

// pushEvent is the subset of the GitHub push webhook payload this
// controller cares about.
type pushEvent struct {
	Ref        string `json:"ref"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Ingest verifies signature against body using constant-time HMAC-SHA256
// comparison, then — for push events only — resolves the repo/ref against
// the configured bindings and enqueues one job per matched host. Duplicate
// idempotency collisions are silently skipped, not treated as an error,
// since a webhook can legitimately be retried or a push can match multiple
// overlapping bindings. Returns the ids of jobs actually created.
func (t *Translator) Ingest(ctx context.Context, body []byte, signatureHeader, eventType string) ([]uuid.UUID, error) {
	if !verifySignature(t.secret, body, signatureHeader) {
		return nil, apperrors.ErrSignatureInvalid
	}

	if eventType != "push" {
		return nil, nil
	}

	var evt pushEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("webhook: parse push event: %w", err)
	}
	if evt.Ref == "" || evt.Repository.FullName == "" {
		return nil, nil
	}

	hosts := config.Match(t.bindings.Bindings(), evt.Repository.FullName, evt.Ref)
	if len(hosts) == 0 {
		return nil, nil
	}

	var created []uuid.UUID
	for _, host := range hosts {
		job, err := t.queue.Enqueue(ctx, evt.Repository.FullName, evt.Ref, host, string(body))
		if err != nil {
			if errors.Is(err, apperrors.ErrDuplicateIdempotency) {
				continue
			}
			return created, fmt.Errorf("webhook: enqueue for host %s: %w", host, err)
		}
		created = append(created, job.ID)
	}
	return created, nil
}

// verifySignature checks header against the HMAC-SHA256 of body using
// secret, in the "sha256=<hex>" format GitHub and Stripe both use.
// Comparison is constant-time via hmac.Equal so response timing cannot
// leak information about the correct signature.
func verifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := mac.Sum(nil)

	return hmac.Equal(got, want)
}
