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
	"github.com/deploybot/controller/internal/store"
)

type fakeJobQueue struct {
	job *store.Job
	err error
}

func (f *fakeJobQueue) Enqueue(context.Context, string, string, string, string) (*store.Job, error) {
	return f.job, f.err
}

type fakeJobStore struct {
	job  *store.Job
	err  error
	jobs []store.Job
}

func (f *fakeJobStore) GetByID(context.Context, uuid.UUID) (*store.Job, error) { return f.job, f.err }
func (f *fakeJobStore) List(context.Context, string, int, int) ([]store.Job, error) {
	return f.jobs, nil
}

type fakeCanceler struct {
	job *store.Job
	err error
}

func (f *fakeCanceler) Cancel(context.Context, uuid.UUID, string) (*store.Job, error) {
	return f.job, f.err
}

func newJob() *store.Job {
	j := &store.Job{Repo: "acme/widgets", Ref: "refs/heads/main", Host: "web-1", Status: store.JobStatusPending}
	j.ID = uuid.New()
	return j
}

func TestJobHandler_CreateRejectsDuplicateIdempotency(t *testing.T) {
	h := NewJobHandler(&fakeJobQueue{err: apperrors.ErrDuplicateIdempotency}, &fakeJobStore{}, &fakeCanceler{}, &fakeLogBroker{}, nil, zap.NewNop())

	body := `{"repo":"acme/widgets","ref":"refs/heads/main","host":"web-1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.Create(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestJobHandler_CreateRequiresFields(t *testing.T) {
	h := NewJobHandler(&fakeJobQueue{}, &fakeJobStore{}, &fakeCanceler{}, &fakeLogBroker{}, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{}`))
	w := httptest.NewRecorder()

	h.Create(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobHandler_GetByIDNotFound(t *testing.T) {
	h := NewJobHandler(&fakeJobQueue{}, &fakeJobStore{err: apperrors.ErrNotFound}, &fakeCanceler{}, &fakeLogBroker{}, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/x", nil)
	req = withURLParams(req, map[string]string{"id": uuid.New().String()})
	w := httptest.NewRecorder()

	h.GetByID(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobHandler_CancelAlreadyTerminalIsNoopOK(t *testing.T) {
	job := newJob()
	job.Status = store.JobStatusCancelled
	h := NewJobHandler(&fakeJobQueue{}, &fakeJobStore{}, &fakeCanceler{job: job, err: apperrors.ErrAlreadyTerminal}, &fakeLogBroker{}, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodDelete, "/v1/jobs/x", nil)
	req = withURLParams(req, map[string]string{"id": uuid.New().String()})
	w := httptest.NewRecorder()

	h.Cancel(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJobHandler_ListReturnsItems(t *testing.T) {
	h := NewJobHandler(&fakeJobQueue{}, &fakeJobStore{jobs: []store.Job{*newJob(), *newJob()}}, &fakeCanceler{}, &fakeLogBroker{}, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	w := httptest.NewRecorder()

	h.List(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
