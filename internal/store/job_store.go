package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/deploybot/controller/internal/apperrors"
)

// JobStore is the GORM-backed implementation of the Store's job
// operations: insert_job, claim_job, complete_job, cancel_job, plus the
// recovery scan run once at startup.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore returns a JobStore backed by db.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// Insert creates a new pending job. Fails with apperrors.ErrDuplicateIdempotency
// if a non-terminal job already exists for the same (repo, ref, host)
// triple. The existence check and the insert happen in one transaction so
// concurrent inserts for the same triple cannot both succeed.
func (s *JobStore) Insert(ctx context.Context, repo, ref, host, payload string, now time.Time) (*Job, error) {
	var job *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		err := tx.Model(&Job{}).
			Where("repo = ? AND ref = ? AND host = ? AND status NOT IN ?", repo, ref, host,
				[]string{JobStatusSuccess, JobStatusFailed, JobStatusCancelled}).
			Count(&existing).Error
		if err != nil {
			return fmt.Errorf("check idempotency: %w", err)
		}
		if existing > 0 {
			return apperrors.ErrDuplicateIdempotency
		}

		job = &Job{
			Repo:    repo,
			Ref:     ref,
			Host:    host,
			Status:  JobStatusPending,
			Payload: payload,
		}
		job.CreatedAt = now
		job.UpdatedAt = now
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrDuplicateIdempotency) {
			return nil, apperrors.ErrDuplicateIdempotency
		}
		return nil, fmt.Errorf("store: insert job: %w", err)
	}
	return job, nil
}

// Claim is the compare-and-swap that assigns a pending job to an agent. It
// succeeds only if the job is still pending; otherwise it returns
// apperrors.ErrNotClaimable so the caller (Queue.TryClaim) can try the next
// job in the partition.
func (s *JobStore) Claim(ctx context.Context, jobID, agentID uuid.UUID, now time.Time) (*Job, error) {
	result := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status = ?", jobID, JobStatusPending).
		Updates(map[string]interface{}{
			"status":            JobStatusRunning,
			"assigned_agent_id": agentID,
			"assigned_at":       now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("store: claim job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, apperrors.ErrNotClaimable
	}

	var job Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return nil, fmt.Errorf("store: reload claimed job: %w", err)
	}
	return &job, nil
}

// Complete transitions a running job assigned to agentID into a terminal
// status. A re-ack of an already-terminal job is an idempotent no-op: the
// caller gets apperrors.ErrAlreadyTerminal along with the already-persisted
// job so it can return the stored detail. A job running under a different
// agent returns apperrors.ErrNotAssignedToYou.
func (s *JobStore) Complete(ctx context.Context, jobID, agentID uuid.UUID, terminalStatus, result, errDetail string, now time.Time) (*Job, error) {
	if !IsTerminal(terminalStatus) {
		return nil, fmt.Errorf("store: complete job: %q is not a terminal status", terminalStatus)
	}

	dbResult := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status = ? AND assigned_agent_id = ?", jobID, JobStatusRunning, agentID).
		Updates(map[string]interface{}{
			"status":       terminalStatus,
			"completed_at": now,
			"result":       result,
			"error":        errDetail,
		})
	if dbResult.Error != nil {
		return nil, fmt.Errorf("store: complete job: %w", dbResult.Error)
	}

	if dbResult.RowsAffected > 0 {
		var job Job
		if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
			return nil, fmt.Errorf("store: reload completed job: %w", err)
		}
		return &job, nil
	}

	// CAS missed. Load the current row to classify why.
	var job Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("store: complete job: load current: %w", err)
	}
	if IsTerminal(job.Status) {
		return &job, apperrors.ErrAlreadyTerminal
	}
	return &job, apperrors.ErrNotAssignedToYou
}

// Cancel terminalizes a job from pending or running regardless of
// assignment. Returns apperrors.ErrAlreadyTerminal if the job is already
// terminal, apperrors.ErrNotFound if it does not exist.
func (s *JobStore) Cancel(ctx context.Context, jobID uuid.UUID, reason string, now time.Time) (*Job, error) {
	dbResult := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status IN ?", jobID, []string{JobStatusPending, JobStatusRunning}).
		Updates(map[string]interface{}{
			"status":       JobStatusCancelled,
			"completed_at": now,
			"error":        reason,
		})
	if dbResult.Error != nil {
		return nil, fmt.Errorf("store: cancel job: %w", dbResult.Error)
	}

	var job Job
	if dbResult.RowsAffected > 0 {
		if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
			return nil, fmt.Errorf("store: reload cancelled job: %w", err)
		}
		return &job, nil
	}

	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("store: cancel job: load current: %w", err)
	}
	return &job, apperrors.ErrAlreadyTerminal
}

// GetByID returns a single job by id.
func (s *JobStore) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	return &job, nil
}

// List returns jobs ordered by creation time, newest first, optionally
// filtered by host.
func (s *JobStore) List(ctx context.Context, host string, limit, offset int) ([]Job, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Offset(offset)
	if host != "" {
		q = q.Where("host = ?", host)
	}
	var jobs []Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	return jobs, nil
}

// RecoverNonTerminal runs once at startup. It requeues any job that has
// been running past orphanTimeout (worker presumed crashed) back to
// pending, then returns every pending job — the requeued ones and the ones
// that were already pending — ordered by created_at so the caller can
// reinject them into the Queue in original submission order.
func (s *JobStore) RecoverNonTerminal(ctx context.Context, orphanTimeout time.Duration, now time.Time) ([]Job, error) {
	cutoff := now.Add(-orphanTimeout)

	err := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("status = ? AND assigned_at < ?", JobStatusRunning, cutoff).
		Updates(map[string]interface{}{
			"status":            JobStatusPending,
			"assigned_agent_id": nil,
			"assigned_at":       nil,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("store: reclaim orphaned jobs: %w", err)
	}

	var pending []Job
	if err := s.db.WithContext(ctx).
		Where("status = ?", JobStatusPending).
		Order("created_at ASC").
		Find(&pending).Error; err != nil {
		return nil, fmt.Errorf("store: list pending jobs: %w", err)
	}
	return pending, nil
}

// ReclaimOrphans is the runtime counterpart of RecoverNonTerminal's sweep
// half, run periodically by the Dispatcher's orphan sweeper. It returns the
// jobs it just moved back to pending so the caller can reinject them into
// the Queue.
func (s *JobStore) ReclaimOrphans(ctx context.Context, orphanTimeout time.Duration, now time.Time) ([]Job, error) {
	cutoff := now.Add(-orphanTimeout)

	var orphaned []Job
	if err := s.db.WithContext(ctx).
		Where("status = ? AND assigned_at < ?", JobStatusRunning, cutoff).
		Find(&orphaned).Error; err != nil {
		return nil, fmt.Errorf("store: find orphaned jobs: %w", err)
	}
	if len(orphaned) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(orphaned))
	for i, j := range orphaned {
		ids[i] = j.ID
	}

	err := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id IN ? AND status = ?", ids, JobStatusRunning).
		Updates(map[string]interface{}{
			"status":            JobStatusPending,
			"assigned_agent_id": nil,
			"assigned_at":       nil,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("store: reclaim orphaned jobs: %w", err)
	}

	for i := range orphaned {
		orphaned[i].Status = JobStatusPending
		orphaned[i].AssignedAgentID = nil
		orphaned[i].AssignedAt = nil
	}
	return orphaned, nil
}
