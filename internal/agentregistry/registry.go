// Package agentregistry tracks worker registration and liveness. Status is
// never stored as a column — it is always derived from last_heartbeat_at at
// read time, per the no-write-amplification requirement: a busy fleet
// heartbeating every few seconds would otherwise turn every heartbeat into
// a write-amplifying status-column update.
package agentregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deploybot/controller/internal/clock"
	"github.com/deploybot/controller/internal/store"
)

// Defaults for liveness thresholds and sweep cadence, overridable via
// Config.
const (
	DefaultStaleAfter   = 30 * time.Second
	DefaultOfflineAfter = 120 * time.Second
	DefaultSweepEvery   = 10 * time.Second
)

// Dispatcher is the subset of dispatcher.Dispatcher the registry delegates
// to on heartbeat (offer work) and ack (complete work). Defined here to
// avoid an import cycle — dispatcher never needs to know about agents.
type Dispatcher interface {
	Offer(ctx context.Context, host string, agentID uuid.UUID) (*store.Job, error)
	OnComplete(ctx context.Context, agentID, jobID uuid.UUID, terminalStatus, result, errDetail string) (*store.Job, error)
}

// Store is the subset of store.AgentStore the registry needs.
type Store interface {
	Register(ctx context.Context, hostname, capabilitiesJSON, token string, now time.Time) (*store.Agent, error)
	TouchHeartbeat(ctx context.Context, id uuid.UUID, now time.Time) error
	GetByID(ctx context.Context, id uuid.UUID) (*store.Agent, error)
	List(ctx context.Context) ([]store.Agent, error)
}

// Config tunes liveness thresholds.
type Config struct {
	StaleAfter   time.Duration
	OfflineAfter time.Duration
	SweepEvery   time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = DefaultOfflineAfter
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = DefaultSweepEvery
	}
	return c
}

// Registry implements register/heartbeat/complete and the background
// liveness sweep.
type Registry struct {
	store      Store
	dispatcher Dispatcher
	clock      clock.Clock
	cfg        Config
	log        *zap.Logger

	mu          sync.RWMutex
	lastOnSweep map[uuid.UUID]string // previous derived status, for transition logging

	sched gocron.Scheduler
}

// New returns a Registry. Call StartSweeper to begin the background
// liveness scan.
func New(s Store, d Dispatcher, c clock.Clock, cfg Config, log *zap.Logger) *Registry {
	if c == nil {
		c = clock.System{}
	}
	return &Registry{
		store:       s,
		dispatcher:  d,
		clock:       c,
		cfg:         cfg.withDefaults(),
		log:         log,
		lastOnSweep: make(map[uuid.UUID]string),
	}
}

// Register always inserts a fresh agent row and returns its new id. An
// older row for the same hostname, if any, is left untouched — it simply
// ages out of the "online" derivation once its heartbeats stop.
func (r *Registry) Register(ctx context.Context, hostname string, capabilities []string, token string) (*store.Agent, error) {
	capJSON, err := json.Marshal(capabilities)
	if err != nil {
		return nil, fmt.Errorf("agentregistry: marshal capabilities: %w", err)
	}
	agent, err := r.store.Register(ctx, hostname, string(capJSON), token, r.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("agentregistry: register: %w", err)
	}
	r.log.Info("agent registered", zap.String("agent_id", agent.ID.String()), zap.String("hostname", hostname))
	return agent, nil
}

// Heartbeat records liveness and offers the agent at most one job in
// return. Returns apperrors.ErrAgentUnknown if the agent id does not exist.
func (r *Registry) Heartbeat(ctx context.Context, agentID uuid.UUID) (*store.Job, error) {
	now := r.clock.Now()
	if err := r.store.TouchHeartbeat(ctx, agentID, now); err != nil {
		return nil, fmt.Errorf("agentregistry: heartbeat: %w", err)
	}

	agent, err := r.store.GetByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("agentregistry: heartbeat: reload agent: %w", err)
	}

	job, err := r.dispatcher.Offer(ctx, agent.Hostname, agentID)
	if err != nil {
		return nil, fmt.Errorf("agentregistry: heartbeat: offer: %w", err)
	}
	return job, nil
}

// Complete delegates a worker's job outcome report to the Dispatcher.
func (r *Registry) Complete(ctx context.Context, agentID, jobID uuid.UUID, terminalStatus, result, errDetail string) (*store.Job, error) {
	return r.dispatcher.OnComplete(ctx, agentID, jobID, terminalStatus, result, errDetail)
}

// DerivedStatus classifies an agent's liveness from its last heartbeat
// timestamp relative to now, per the thresholds in Config.
func (r *Registry) DerivedStatus(agent store.Agent, now time.Time) string {
	since := now.Sub(agent.LastHeartbeatAt)
	switch {
	case since < r.cfg.StaleAfter:
		return store.AgentStatusOnline
	case since < r.cfg.OfflineAfter:
		return store.AgentStatusStale
	default:
		return store.AgentStatusOffline
	}
}

// List returns every known agent along with its derived status, for the
// read-only /v1/agents and /v1/hosts endpoints.
func (r *Registry) List(ctx context.Context) ([]AgentView, error) {
	agents, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("agentregistry: list: %w", err)
	}
	now := r.clock.Now()
	views := make([]AgentView, len(agents))
	for i, a := range agents {
		views[i] = AgentView{Agent: a, Status: r.DerivedStatus(a, now)}
	}
	return views, nil
}

// AgentView pairs a persisted Agent row with its derived status.
type AgentView struct {
	store.Agent
	Status string
}

// StartSweeper starts the recurring liveness scan in singleton mode — a
// slow scan is never allowed to overlap with the next tick. The sweep's
// role is to detect online/stale/offline transitions for logging and
// notification side effects; it never writes a status column, since status
// is always computed at read time.
func (r *Registry) StartSweeper(ctx context.Context, onTransition func(agent store.Agent, from, to string)) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("agentregistry: create scheduler: %w", err)
	}
	r.sched = sched

	_, err = sched.NewJob(
		gocron.DurationJob(r.cfg.SweepEvery),
		gocron.NewTask(func() {
			r.sweepOnce(ctx, onTransition)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithTags("agent-liveness-sweep"),
	)
	if err != nil {
		return fmt.Errorf("agentregistry: schedule sweep: %w", err)
	}

	sched.Start()
	return nil
}

// StopSweeper stops the background scan.
func (r *Registry) StopSweeper() error {
	if r.sched == nil {
		return nil
	}
	return r.sched.Shutdown()
}

func (r *Registry) sweepOnce(ctx context.Context, onTransition func(agent store.Agent, from, to string)) {
	agents, err := r.store.List(ctx)
	if err != nil {
		r.log.Warn("liveness sweep: list agents failed", zap.Error(err))
		return
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		to := r.DerivedStatus(a, now)
		from, known := r.lastOnSweep[a.ID]
		r.lastOnSweep[a.ID] = to
		if known && from != to && onTransition != nil {
			onTransition(a, from, to)
		}
	}
}
