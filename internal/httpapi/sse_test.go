package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestJobHandler_StreamLogsClosesOnTerminalSentinel(t *testing.T) {
	m := &fakeHTTPMetrics{}
	h := NewJobHandler(&fakeJobQueue{}, &fakeJobStore{}, &fakeCanceler{}, &fakeLogBroker{}, m, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/x/logs/stream", nil)
	req = withURLParams(req, map[string]string{"id": uuid.New().String()})
	w := httptest.NewRecorder()

	h.StreamLogs(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "event: closed"))
	assert.Equal(t, 1, m.subscriberOpens)
	assert.Equal(t, 1, m.subscriberCloses)
}

func TestJobHandler_StreamLogsRejectsBadFromSequence(t *testing.T) {
	h := NewJobHandler(&fakeJobQueue{}, &fakeJobStore{}, &fakeCanceler{}, &fakeLogBroker{}, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/x/logs/stream?from_sequence=notanumber", nil)
	req = withURLParams(req, map[string]string{"id": uuid.New().String()})
	w := httptest.NewRecorder()

	h.StreamLogs(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
