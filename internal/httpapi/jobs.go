package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deploybot/controller/internal/apperrors"
	"github.com/deploybot/controller/internal/logbroker"
	"github.com/deploybot/controller/internal/store"
)

// JobQueue is the subset of queue.Queue the HTTP layer uses to create jobs
// directly (bypassing the webhook translator).
type JobQueue interface {
	Enqueue(ctx context.Context, repo, ref, host, payload string) (*store.Job, error)
}

// JobStore is the subset of store.JobStore the HTTP layer reads from.
type JobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*store.Job, error)
	List(ctx context.Context, host string, limit, offset int) ([]store.Job, error)
}

// JobCanceler is the subset of dispatcher.Dispatcher the HTTP layer uses
// for the admin cancel path.
type JobCanceler interface {
	Cancel(ctx context.Context, jobID uuid.UUID, reason string) (*store.Job, error)
}

// LogBroker is the subset of logbroker.Broker the HTTP layer uses to
// publish agent-submitted chunks and to serve the SSE stream.
type LogBroker interface {
	PublishChunk(ctx context.Context, jobID uuid.UUID, stream string, bytes []byte) error
	Subscribe(ctx context.Context, jobID uuid.UUID, fromSequence uint64) (<-chan logbroker.Event, func(), error)
}

// JobHandler groups the job-facing HTTP endpoints.
type JobHandler struct {
	queue    JobQueue
	store    JobStore
	canceler JobCanceler
	logs     LogBroker
	metrics  Metrics
	logger   *zap.Logger
}

// NewJobHandler returns a handler wired to its collaborators. m may be nil.
func NewJobHandler(q JobQueue, s JobStore, c JobCanceler, logs LogBroker, m Metrics, logger *zap.Logger) *JobHandler {
	if m == nil {
		m = noopMetrics{}
	}
	return &JobHandler{queue: q, store: s, canceler: c, logs: logs, metrics: m, logger: logger.Named("job_handler")}
}

type jobResponse struct {
	ID              string  `json:"id"`
	Repo            string  `json:"repo"`
	Ref             string  `json:"ref"`
	Host            string  `json:"host"`
	Status          string  `json:"status"`
	AssignedAgentID *string `json:"assigned_agent_id,omitempty"`
	AssignedAt      *string `json:"assigned_at,omitempty"`
	CompletedAt     *string `json:"completed_at,omitempty"`
	Result          string  `json:"result,omitempty"`
	Error           string  `json:"error,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

func jobToResponse(j store.Job) jobResponse {
	resp := jobResponse{
		ID:        j.ID.String(),
		Repo:      j.Repo,
		Ref:       j.Ref,
		Host:      j.Host,
		Status:    j.Status,
		Result:    j.Result,
		Error:     j.Error,
		CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if j.AssignedAgentID != nil {
		s := j.AssignedAgentID.String()
		resp.AssignedAgentID = &s
	}
	if j.AssignedAt != nil {
		s := j.AssignedAt.UTC().Format(time.RFC3339)
		resp.AssignedAt = &s
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}

type createJobRequest struct {
	Repo    string `json:"repo"`
	Ref     string `json:"ref"`
	Host    string `json:"host"`
	Payload string `json:"payload"`
}

// Create handles POST /v1/jobs.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Repo == "" || req.Ref == "" || req.Host == "" {
		ErrBadRequest(w, "repo, ref and host are required")
		return
	}

	job, err := h.queue.Enqueue(r.Context(), req.Repo, req.Ref, req.Host, req.Payload)
	if err != nil {
		if errors.Is(err, apperrors.ErrDuplicateIdempotency) {
			writeDomainError(w, apperrors.ErrDuplicateIdempotency)
			return
		}
		h.logger.Error("create job failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, jobToResponse(*job))
}

// GetByID handles GET /v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("get job failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, jobToResponse(*job))
}

// List handles GET /v1/jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	host := r.URL.Query().Get("host")

	jobs, err := h.store.List(r.Context(), host, limit, offset)
	if err != nil {
		h.logger.Error("list jobs failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]jobResponse, len(jobs))
	for i, j := range jobs {
		items[i] = jobToResponse(j)
	}
	Ok(w, items)
}

// Cancel handles DELETE /v1/jobs/{id}.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled by admin"
	}

	job, err := h.canceler.Cancel(r.Context(), id, reason)
	if err != nil {
		if errors.Is(err, apperrors.ErrAlreadyTerminal) {
			Ok(w, envelope{"status": "already_terminal", "job": jobToResponse(*job)})
			return
		}
		writeDomainError(w, err)
		return
	}
	Ok(w, jobToResponse(*job))
}
