// Package metrics exposes the controller's prometheus counters and gauges
// and wires them into the narrow Metrics interfaces that dispatcher and
// httpapi expect, so instrumentation stays optional and swappable in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector this controller registers. It satisfies
// dispatcher.Metrics directly.
type Metrics struct {
	jobsDispatched   prometheus.Counter
	jobsCompleted    *prometheus.CounterVec
	jobsOrphaned     prometheus.Counter
	queueDepth       prometheus.GaugeFunc
	agentsOnline     prometheus.GaugeFunc
	logSubscribers   prometheus.Gauge
	webhooksAccepted prometheus.Counter
	webhooksRejected prometheus.Counter
}

// QueueDepthFunc is called on every /metrics scrape to report current
// queue depth without the queue needing to push updates.
type QueueDepthFunc func() int

// AgentsOnlineFunc reports the current count of agents considered online.
type AgentsOnlineFunc func() int

// New registers all collectors against reg and returns a Metrics ready to
// wire into dispatcher.New and the httpapi router. Passing a
// nil depth/online func reports zero for that gauge.
func New(reg prometheus.Registerer, queueDepth QueueDepthFunc, agentsOnline AgentsOnlineFunc) *Metrics {
	if queueDepth == nil {
		queueDepth = func() int { return 0 }
	}
	if agentsOnline == nil {
		agentsOnline = func() int { return 0 }
	}

	factory := promauto.With(reg)
	return &Metrics{
		jobsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "deploybot_jobs_dispatched_total",
			Help: "Total number of jobs handed to an agent via claim or heartbeat offer.",
		}),
		jobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deploybot_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal status, labeled by that status.",
		}, []string{"status"}),
		jobsOrphaned: factory.NewCounter(prometheus.CounterOpts{
			Name: "deploybot_jobs_orphan_reclaimed_total",
			Help: "Total number of running jobs reclaimed after exceeding the orphan timeout.",
		}),
		queueDepth: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "deploybot_queue_depth",
			Help: "Number of jobs currently pending dispatch across all hosts.",
		}, func() float64 { return float64(queueDepth()) }),
		agentsOnline: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "deploybot_agents_online",
			Help: "Number of agents whose last heartbeat is within the online threshold.",
		}, func() float64 { return float64(agentsOnline()) }),
		logSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deploybot_log_subscribers",
			Help: "Number of currently open log stream subscriptions.",
		}),
		webhooksAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "deploybot_webhooks_accepted_total",
			Help: "Total number of inbound webhooks that passed signature verification.",
		}),
		webhooksRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "deploybot_webhooks_rejected_total",
			Help: "Total number of inbound webhooks rejected for an invalid signature.",
		}),
	}
}

// JobDispatched satisfies dispatcher.Metrics.
func (m *Metrics) JobDispatched() { m.jobsDispatched.Inc() }

// JobCompleted satisfies dispatcher.Metrics.
func (m *Metrics) JobCompleted(status string) { m.jobsCompleted.WithLabelValues(status).Inc() }

// JobOrphanReclaimed satisfies dispatcher.Metrics.
func (m *Metrics) JobOrphanReclaimed() { m.jobsOrphaned.Inc() }

// LogSubscriberOpened increments the open-subscription gauge.
func (m *Metrics) LogSubscriberOpened() { m.logSubscribers.Inc() }

// LogSubscriberClosed decrements the open-subscription gauge.
func (m *Metrics) LogSubscriberClosed() { m.logSubscribers.Dec() }

// WebhookAccepted records a webhook that passed signature verification.
func (m *Metrics) WebhookAccepted() { m.webhooksAccepted.Inc() }

// WebhookRejected records a webhook rejected for a bad signature.
func (m *Metrics) WebhookRejected() { m.webhooksRejected.Inc() }
