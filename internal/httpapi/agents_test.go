package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deploybot/controller/internal/agentregistry"
	"github.com/deploybot/controller/internal/apperrors"
	"github.com/deploybot/controller/internal/logbroker"
	"github.com/deploybot/controller/internal/store"
)

type fakeRegistry struct {
	registered  *store.Agent
	heartbeatJob *store.Job
	heartbeatErr error
	completeJob  *store.Job
	completeErr  error
	listViews    []agentregistry.AgentView
}

func (f *fakeRegistry) Register(context.Context, string, []string, string) (*store.Agent, error) {
	if f.registered == nil {
		f.registered = &store.Agent{}
		f.registered.ID = uuid.New()
	}
	return f.registered, nil
}

func (f *fakeRegistry) Heartbeat(context.Context, uuid.UUID) (*store.Job, error) {
	return f.heartbeatJob, f.heartbeatErr
}

func (f *fakeRegistry) Complete(context.Context, uuid.UUID, uuid.UUID, string, string, string) (*store.Job, error) {
	return f.completeJob, f.completeErr
}

func (f *fakeRegistry) List(context.Context) ([]agentregistry.AgentView, error) {
	return f.listViews, nil
}

type fakeLogBroker struct {
	published []string
}

func (f *fakeLogBroker) PublishChunk(_ context.Context, _ uuid.UUID, stream string, _ []byte) error {
	f.published = append(f.published, stream)
	return nil
}

func (f *fakeLogBroker) Subscribe(context.Context, uuid.UUID, uint64) (<-chan logbroker.Event, func(), error) {
	ch := make(chan logbroker.Event, 1)
	ch <- logbroker.Event{Closed: true}
	close(ch)
	return ch, func() {}, nil
}

func withURLParams(r *http.Request, params map[string]string) *http.Request {
	ctx := chi.NewRouteContext()
	for k, v := range params {
		ctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}

func TestAgentHandler_RegisterRequiresHostname(t *testing.T) {
	h := NewAgentHandler(&fakeRegistry{}, &fakeLogBroker{}, zap.NewNop())
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/register", strings.NewReader(`{}`))
	w := httptest.NewRecorder()

	h.Register(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentHandler_HeartbeatUnknownAgentReturns404(t *testing.T) {
	reg := &fakeRegistry{heartbeatErr: apperrors.ErrAgentUnknown}
	h := NewAgentHandler(reg, &fakeLogBroker{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/agents/"+uuid.New().String()+"/heartbeat", nil)
	req = withURLParams(req, map[string]string{"id": uuid.New().String()})
	w := httptest.NewRecorder()

	h.Heartbeat(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAgentHandler_AckAlreadyTerminalReturns200(t *testing.T) {
	job := &store.Job{Status: store.JobStatusCancelled}
	job.ID = uuid.New()
	reg := &fakeRegistry{completeJob: job, completeErr: apperrors.ErrAlreadyTerminal}
	h := NewAgentHandler(reg, &fakeLogBroker{}, zap.NewNop())

	body := `{"status":"success"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/x/jobs/y", strings.NewReader(body))
	req = withURLParams(req, map[string]string{"id": uuid.New().String(), "job_id": uuid.New().String()})
	w := httptest.NewRecorder()

	h.Ack(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	assert.Equal(t, "already_terminal", parsed["data"].(map[string]any)["status"])
}

func TestAgentHandler_AckRejectsNonTerminalStatus(t *testing.T) {
	h := NewAgentHandler(&fakeRegistry{}, &fakeLogBroker{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/agents/x/jobs/y", strings.NewReader(`{"status":"running"}`))
	req = withURLParams(req, map[string]string{"id": uuid.New().String(), "job_id": uuid.New().String()})
	w := httptest.NewRecorder()

	h.Ack(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentHandler_LogsForwardsToBroker(t *testing.T) {
	lb := &fakeLogBroker{}
	h := NewAgentHandler(&fakeRegistry{}, lb, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/agents/x/jobs/y/logs?stream=stderr", strings.NewReader("boom"))
	req = withURLParams(req, map[string]string{"id": uuid.New().String(), "job_id": uuid.New().String()})
	w := httptest.NewRecorder()

	h.Logs(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"stderr"}, lb.published)
}
