package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deploybot/controller/internal/agentregistry"
	"github.com/deploybot/controller/internal/apperrors"
	"github.com/deploybot/controller/internal/store"
)

// AgentRegistry is the subset of agentregistry.Registry the HTTP layer
// calls into.
type AgentRegistry interface {
	Register(ctx context.Context, hostname string, capabilities []string, token string) (*store.Agent, error)
	Heartbeat(ctx context.Context, agentID uuid.UUID) (*store.Job, error)
	Complete(ctx context.Context, agentID, jobID uuid.UUID, terminalStatus, result, errDetail string) (*store.Job, error)
	List(ctx context.Context) ([]agentregistry.AgentView, error)
}

// AgentHandler groups the agent-facing and admin-facing agent endpoints.
type AgentHandler struct {
	registry AgentRegistry
	logs     LogBroker
	logger   *zap.Logger
}

// NewAgentHandler returns a handler bound to registry.
func NewAgentHandler(registry AgentRegistry, logs LogBroker, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{registry: registry, logs: logs, logger: logger.Named("agent_handler")}
}

type registerRequest struct {
	Hostname     string   `json:"hostname"`
	Capabilities []string `json:"capabilities"`
	Token        string   `json:"token"`
}

type agentResponse struct {
	ID              string `json:"id"`
	Hostname        string `json:"hostname"`
	Capabilities    string `json:"capabilities"`
	RegisteredAt    string `json:"registered_at"`
	LastHeartbeatAt string `json:"last_heartbeat_at"`
	Status          string `json:"status,omitempty"`
}

func agentToResponse(a store.Agent, status string) agentResponse {
	return agentResponse{
		ID:              a.ID.String(),
		Hostname:        a.Hostname,
		Capabilities:    a.Capabilities,
		RegisteredAt:    a.RegisteredAt.UTC().Format(time.RFC3339),
		LastHeartbeatAt: a.LastHeartbeatAt.UTC().Format(time.RFC3339),
		Status:          status,
	}
}

// Register handles POST /v1/agents/register.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Hostname == "" {
		ErrBadRequest(w, "hostname is required")
		return
	}

	agent, err := h.registry.Register(r.Context(), req.Hostname, req.Capabilities, req.Token)
	if err != nil {
		h.logger.Error("register failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, agentToResponse(*agent, store.AgentStatusOnline))
}

type heartbeatResponse struct {
	Job *jobResponse `json:"job,omitempty"`
}

// Heartbeat handles POST /v1/agents/{id}/heartbeat.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	job, err := h.registry.Heartbeat(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperrors.ErrAgentUnknown) {
			writeDomainError(w, apperrors.ErrAgentUnknown)
			return
		}
		h.logger.Error("heartbeat failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := heartbeatResponse{}
	if job != nil {
		jr := jobToResponse(*job)
		resp.Job = &jr
	}
	Ok(w, resp)
}

type ackRequest struct {
	Status string `json:"status"`
	Result string `json:"result"`
	Error  string `json:"error"`
}

// Ack handles POST /v1/agents/{id}/jobs/{job_id}.
func (h *AgentHandler) Ack(w http.ResponseWriter, r *http.Request) {
	agentID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	jobID, ok := parseUUID(w, r, "job_id")
	if !ok {
		return
	}

	var req ackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !store.IsTerminal(req.Status) {
		ErrBadRequest(w, "status must be a terminal status")
		return
	}

	job, err := h.registry.Complete(r.Context(), agentID, jobID, req.Status, req.Result, req.Error)
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

// Logs handles POST /v1/agents/{id}/jobs/{job_id}/logs — a chunked body of
// raw bytes representing one stream's output, forwarded to the log broker
// as a single chunk per request.
func (h *AgentHandler) Logs(w http.ResponseWriter, r *http.Request) {
	_, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	jobID, ok := parseUUID(w, r, "job_id")
	if !ok {
		return
	}

	stream := r.URL.Query().Get("stream")
	if stream == "" {
		stream = store.LogStreamStdout
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	body, err := readAll(r)
	if err != nil {
		ErrBadRequest(w, "failed to read log body")
		return
	}

	if err := h.logs.PublishChunk(r.Context(), jobID, stream, body); err != nil {
		h.logger.Error("publish log chunk failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// List handles GET /v1/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.registry.List(r.Context())
	if err != nil {
		h.logger.Error("list agents failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]agentResponse, len(views))
	for i, v := range views {
		items[i] = agentToResponse(v.Agent, v.Status)
	}
	Ok(w, items)
}

// Hosts handles GET /v1/hosts — distinct hostnames with their current
// derived status (capabilities are not included), most recently registered
// row wins when a hostname has re-registered.
func (h *AgentHandler) Hosts(w http.ResponseWriter, r *http.Request) {
	views, err := h.registry.List(r.Context())
	if err != nil {
		h.logger.Error("list hosts failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	type hostView struct {
		Hostname string `json:"hostname"`
		Status   string `json:"status"`
	}
	seen := make(map[string]bool)
	var hosts []hostView
	for _, v := range views {
		if seen[v.Hostname] {
			continue
		}
		seen[v.Hostname] = true
		hosts = append(hosts, hostView{Hostname: v.Hostname, Status: v.Status})
	}
	Ok(w, hosts)
}

func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}
