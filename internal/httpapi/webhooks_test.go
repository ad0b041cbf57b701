package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/deploybot/controller/internal/apperrors"
)

type fakeTranslator struct {
	ids []uuid.UUID
	err error
}

func (f *fakeTranslator) Ingest(context.Context, []byte, string, string) ([]uuid.UUID, error) {
	return f.ids, f.err
}

type fakeHTTPMetrics struct {
	subscriberOpens, subscriberCloses int
	webhookAccepts, webhookRejects    int
}

func (f *fakeHTTPMetrics) LogSubscriberOpened() { f.subscriberOpens++ }
func (f *fakeHTTPMetrics) LogSubscriberClosed() { f.subscriberCloses++ }
func (f *fakeHTTPMetrics) WebhookAccepted()     { f.webhookAccepts++ }
func (f *fakeHTTPMetrics) WebhookRejected()     { f.webhookRejects++ }

func TestWebhookHandler_BadSignatureReturns401(t *testing.T) {
	m := &fakeHTTPMetrics{}
	h := NewWebhookHandler(&fakeTranslator{err: apperrors.ErrSignatureInvalid}, m, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/github", strings.NewReader(`{}`))
	w := httptest.NewRecorder()

	h.GitHub(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 1, m.webhookRejects)
	assert.Equal(t, 0, m.webhookAccepts)
}

func TestWebhookHandler_SuccessReturns201WithJobIDs(t *testing.T) {
	m := &fakeHTTPMetrics{}
	h := NewWebhookHandler(&fakeTranslator{ids: []uuid.UUID{uuid.New(), uuid.New()}}, m, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/github", strings.NewReader(`{"ref":"refs/heads/main"}`))
	w := httptest.NewRecorder()

	h.GitHub(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, m.webhookAccepts)
	assert.Equal(t, 0, m.webhookRejects)
}
