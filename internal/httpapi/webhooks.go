package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deploybot/controller/internal/apperrors"
)

// WebhookTranslator is the subset of webhook.Translator the HTTP layer
// calls into.
type WebhookTranslator interface {
	Ingest(ctx context.Context, body []byte, signatureHeader, eventType string) ([]uuid.UUID, error)
}

// WebhookHandler serves inbound push webhooks.
type WebhookHandler struct {
	translator WebhookTranslator
	metrics    Metrics
	logger     *zap.Logger
}

// NewWebhookHandler returns a handler bound to translator. m may be nil.
func NewWebhookHandler(translator WebhookTranslator, m Metrics, logger *zap.Logger) *WebhookHandler {
	if m == nil {
		m = noopMetrics{}
	}
	return &WebhookHandler{translator: translator, metrics: m, logger: logger.Named("webhook_handler")}
}

// GitHub handles POST /v1/webhooks/github.
func (h *WebhookHandler) GitHub(w http.ResponseWriter, r *http.Request) {
	body, err := readAll(r)
	if err != nil {
		ErrBadRequest(w, "failed to read request body")
		return
	}

	ids, err := h.translator.Ingest(r.Context(), body, r.Header.Get("X-Hub-Signature-256"), r.Header.Get("X-GitHub-Event"))
	if err != nil {
		if errors.Is(err, apperrors.ErrSignatureInvalid) {
			h.metrics.WebhookRejected()
			writeDomainError(w, apperrors.ErrSignatureInvalid)
			return
		}
		h.logger.Error("webhook ingest failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	h.metrics.WebhookAccepted()

	jobIDs := make([]string, len(ids))
	for i, id := range ids {
		jobIDs[i] = id.String()
	}
	Created(w, envelope{"job_ids": jobIDs})
}
