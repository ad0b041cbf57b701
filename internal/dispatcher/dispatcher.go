// Package dispatcher implements the job state machine: offering pending
// work to heartbeating agents, recording worker acks, and the admin cancel
// path. Every transition is persisted in the Store before it is visible
// anywhere else.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deploybot/controller/internal/apperrors"
	"github.com/deploybot/controller/internal/clock"
	"github.com/deploybot/controller/internal/store"
)

// DefaultRunningJobOrphanTimeout is how long a job may stay running with no
// ack before the orphan sweeper presumes the worker crashed and requeues
// it. At-least-once delivery: the re-run of the same job is the worker's
// responsibility to make idempotent.
const DefaultRunningJobOrphanTimeout = time.Hour

// DefaultOrphanSweepEvery is the sweep cadence.
const DefaultOrphanSweepEvery = 5 * time.Minute

// Store is the subset of store.JobStore the Dispatcher needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*store.Job, error)
	Complete(ctx context.Context, jobID, agentID uuid.UUID, terminalStatus, result, errDetail string, now time.Time) (*store.Job, error)
	Cancel(ctx context.Context, jobID uuid.UUID, reason string, now time.Time) (*store.Job, error)
	ReclaimOrphans(ctx context.Context, orphanTimeout time.Duration, now time.Time) ([]store.Job, error)
}

// Queue is the subset of queue.Queue the Dispatcher needs.
type Queue interface {
	TryClaim(ctx context.Context, host string, agentID uuid.UUID) (*store.Job, error)
	Cancel(host string, jobID uuid.UUID)
	OnTerminal(repo, ref, host string)
	Reinject(job store.Job)
}

// LogBroker is the subset of logbroker.Broker the Dispatcher needs.
type LogBroker interface {
	Close(jobID uuid.UUID)
}

// Config tunes orphan reclaim behavior.
type Config struct {
	RunningJobOrphanTimeout time.Duration
	SweepEvery              time.Duration
}

func (c Config) withDefaults() Config {
	if c.RunningJobOrphanTimeout <= 0 {
		c.RunningJobOrphanTimeout = DefaultRunningJobOrphanTimeout
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = DefaultOrphanSweepEvery
	}
	return c
}

// Dispatcher ties the Queue and Store together into the job state machine.
type Dispatcher struct {
	store    Store
	queue    Queue
	logs     LogBroker
	clock    clock.Clock
	cfg      Config
	log      *zap.Logger
	metrics  Metrics
	notifier Notifier

	sched gocron.Scheduler
}

// Metrics is the subset of metrics.Collector the Dispatcher updates.
// Optional: a nil-safe no-op is used if not provided.
type Metrics interface {
	JobDispatched()
	JobCompleted(status string)
	JobOrphanReclaimed()
}

type noopMetrics struct{}

func (noopMetrics) JobDispatched()      {}
func (noopMetrics) JobCompleted(string) {}
func (noopMetrics) JobOrphanReclaimed() {}

// Notifier is the subset of notifier.Notifier the Dispatcher calls on job
// terminal transitions. Optional: a nil-safe no-op is used if not provided.
type Notifier interface {
	JobTerminal(ctx context.Context, jobID, repo, host, status string)
}

type noopNotifier struct{}

func (noopNotifier) JobTerminal(context.Context, string, string, string, string) {}

// New returns a Dispatcher.
func New(s Store, q Queue, logs LogBroker, c clock.Clock, cfg Config, m Metrics, n Notifier, log *zap.Logger) *Dispatcher {
	if c == nil {
		c = clock.System{}
	}
	if m == nil {
		m = noopMetrics{}
	}
	if n == nil {
		n = noopNotifier{}
	}
	return &Dispatcher{
		store:    s,
		queue:    q,
		logs:     logs,
		clock:    c,
		cfg:      cfg.withDefaults(),
		log:      log,
		metrics:  m,
		notifier: n,
	}
}

// Offer hands an agent at most one job: the next claimable job for its
// host, if any.
func (d *Dispatcher) Offer(ctx context.Context, host string, agentID uuid.UUID) (*store.Job, error) {
	job, err := d.queue.TryClaim(ctx, host, agentID)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: offer: %w", err)
	}
	if job != nil {
		d.metrics.JobDispatched()
		d.log.Info("job dispatched",
			zap.String("job_id", job.ID.String()),
			zap.String("agent_id", agentID.String()),
			zap.String("host", host),
		)
	}
	return job, nil
}

// OnComplete records a worker's report of a job's terminal outcome.
// Verifies the job is currently running and assigned to agentID; a
// mismatch returns apperrors.ErrNotAssignedToYou, a re-ack of an
// already-terminal job returns apperrors.ErrAlreadyTerminal with the
// stored job so the caller can return the persisted detail as a no-op.
func (d *Dispatcher) OnComplete(ctx context.Context, agentID, jobID uuid.UUID, terminalStatus, result, errDetail string) (*store.Job, error) {
	job, err := d.store.Complete(ctx, jobID, agentID, terminalStatus, result, errDetail, d.clock.Now())
	if err != nil && err != apperrors.ErrAlreadyTerminal {
		return job, err
	}

	if err == nil {
		d.queue.OnTerminal(job.Repo, job.Ref, job.Host)
		d.logs.Close(job.ID)
		d.metrics.JobCompleted(terminalStatus)
		d.notifier.JobTerminal(ctx, job.ID.String(), job.Repo, job.Host, terminalStatus)
		d.log.Info("job completed",
			zap.String("job_id", job.ID.String()),
			zap.String("status", terminalStatus),
		)
	}
	return job, err
}

// Cancel terminalizes a job regardless of assignment — the admin path. It
// does not preempt a worker already executing the job; a later ack simply
// returns apperrors.ErrAlreadyTerminal, which is harmless.
func (d *Dispatcher) Cancel(ctx context.Context, jobID uuid.UUID, reason string) (*store.Job, error) {
	job, err := d.store.Cancel(ctx, jobID, reason, d.clock.Now())
	if err != nil && err != apperrors.ErrAlreadyTerminal {
		return job, err
	}
	if err == nil {
		d.queue.Cancel(job.Host, job.ID)
		d.queue.OnTerminal(job.Repo, job.Ref, job.Host)
		d.logs.Close(job.ID)
		d.notifier.JobTerminal(ctx, job.ID.String(), job.Repo, job.Host, store.JobStatusCancelled)
		d.log.Info("job cancelled", zap.String("job_id", job.ID.String()), zap.String("reason", reason))
	}
	return job, err
}

// StartOrphanSweeper starts the recurring scan that requeues jobs left
// running past RunningJobOrphanTimeout, in gocron singleton mode so a slow
// scan never overlaps with the next tick.
func (d *Dispatcher) StartOrphanSweeper(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("dispatcher: create scheduler: %w", err)
	}
	d.sched = sched

	_, err = sched.NewJob(
		gocron.DurationJob(d.cfg.SweepEvery),
		gocron.NewTask(func() {
			d.sweepOnce(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithTags("job-orphan-sweep"),
	)
	if err != nil {
		return fmt.Errorf("dispatcher: schedule sweep: %w", err)
	}

	sched.Start()
	return nil
}

// StopOrphanSweeper stops the background scan.
func (d *Dispatcher) StopOrphanSweeper() error {
	if d.sched == nil {
		return nil
	}
	return d.sched.Shutdown()
}

func (d *Dispatcher) sweepOnce(ctx context.Context) {
	reclaimed, err := d.store.ReclaimOrphans(ctx, d.cfg.RunningJobOrphanTimeout, d.clock.Now())
	if err != nil {
		d.log.Warn("orphan sweep failed", zap.Error(err))
		return
	}
	for _, job := range reclaimed {
		d.queue.Reinject(job)
		d.metrics.JobOrphanReclaimed()
		d.log.Warn("job reclaimed as orphan", zap.String("job_id", job.ID.String()))
	}
}
