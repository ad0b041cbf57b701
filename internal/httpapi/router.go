package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig holds every dependency NewRouter needs to build the full
// HTTP surface, gathered into one struct since the handler constructors
// take several narrow interfaces each.
type RouterConfig struct {
	Agents    AgentRegistry
	JobQueue  JobQueue
	JobStore  JobStore
	Canceler  JobCanceler
	Logs      LogBroker
	Webhook   WebhookTranslator
	DB        Pinger
	Metrics   Metrics
	Registry  *prometheus.Registry
	Logger    *zap.Logger
}

// NewRouter builds the Chi router implementing the versioned /v1/* ingress
// surface plus health and metrics endpoints.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	agentHandler := NewAgentHandler(cfg.Agents, cfg.Logs, cfg.Logger)
	jobHandler := NewJobHandler(cfg.JobQueue, cfg.JobStore, cfg.Canceler, cfg.Logs, cfg.Metrics, cfg.Logger)
	webhookHandler := NewWebhookHandler(cfg.Webhook, cfg.Metrics, cfg.Logger)
	healthHandler := NewHealthHandler(cfg.DB)

	r.Get("/health", healthHandler.Live)
	r.Get("/healthz", healthHandler.Live)
	r.Get("/readyz", healthHandler.Ready)
	if cfg.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/agents/register", agentHandler.Register)
		r.Get("/agents", agentHandler.List)
		r.Post("/agents/{id}/heartbeat", agentHandler.Heartbeat)
		r.Post("/agents/{id}/jobs/{job_id}", agentHandler.Ack)
		r.Post("/agents/{id}/jobs/{job_id}/logs", agentHandler.Logs)

		r.Get("/hosts", agentHandler.Hosts)

		r.Post("/jobs", jobHandler.Create)
		r.Get("/jobs", jobHandler.List)
		r.Get("/jobs/{id}", jobHandler.GetByID)
		r.Delete("/jobs/{id}", jobHandler.Cancel)
		r.Get("/jobs/{id}/logs/stream", jobHandler.StreamLogs)

		r.Post("/webhooks/github", webhookHandler.GitHub)
	})

	return r
}
