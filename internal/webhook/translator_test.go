package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploybot/controller/internal/apperrors"
	"github.com/deploybot/controller/internal/config"
	"github.com/deploybot/controller/internal/store"
)

type fakeBindings struct{ bindings []config.RepoBinding }

func (f fakeBindings) Bindings() []config.RepoBinding { return f.bindings }

type fakeQueue struct {
	calls []string
	fail  map[string]error
}

func (f *fakeQueue) Enqueue(_ context.Context, repo, ref, host, payload string) (*store.Job, error) {
	if err, ok := f.fail[host]; ok {
		return nil, err
	}
	f.calls = append(f.calls, host)
	job := &store.Job{Repo: repo, Ref: ref, Host: host}
	job.ID = uuid.New()
	return job, nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestTranslator_RejectsBadSignature(t *testing.T) {
	q := &fakeQueue{}
	tr := New("secret", fakeBindings{}, q)

	body := []byte(`{"ref":"refs/heads/main","repository":{"full_name":"acme/widgets"}}`)
	_, err := tr.Ingest(context.Background(), body, "sha256=deadbeef", "push")
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)
	assert.Empty(t, q.calls)
}

func TestTranslator_FansOutOneJobPerHost(t *testing.T) {
	q := &fakeQueue{}
	bindings := fakeBindings{bindings: []config.RepoBinding{
		{Repository: "acme/widgets", Hosts: []string{"web-1", "web-2"}, DeployOnPush: true, Branches: []string{"main"}},
	}}
	tr := New("secret", bindings, q)

	body := []byte(`{"ref":"refs/heads/main","repository":{"full_name":"acme/widgets"}}`)
	ids, err := tr.Ingest(context.Background(), body, sign("secret", body), "push")
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.ElementsMatch(t, []string{"web-1", "web-2"}, q.calls)
}

func TestTranslator_IgnoresNonPushEvents(t *testing.T) {
	q := &fakeQueue{}
	tr := New("secret", fakeBindings{}, q)

	body := []byte(`{}`)
	ids, err := tr.Ingest(context.Background(), body, sign("secret", body), "ping")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, q.calls)
}

func TestTranslator_SkipsDuplicateIdempotencySilently(t *testing.T) {
	q := &fakeQueue{fail: map[string]error{"web-1": apperrors.ErrDuplicateIdempotency}}
	bindings := fakeBindings{bindings: []config.RepoBinding{
		{Repository: "acme/widgets", Hosts: []string{"web-1", "web-2"}, DeployOnPush: true},
	}}
	tr := New("secret", bindings, q)

	body := []byte(`{"ref":"refs/heads/main","repository":{"full_name":"acme/widgets"}}`)
	ids, err := tr.Ingest(context.Background(), body, sign("secret", body), "push")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}
