// Package queue holds the in-memory, host-partitioned FIFO of pending jobs.
// It is a rebuildable cache over the durable Store, not a source of truth:
// on startup it is populated from Store.RecoverNonTerminal, and every
// enqueue/claim is confirmed against the Store before the in-memory
// structure is mutated.
package queue

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deploybot/controller/internal/apperrors"
	"github.com/deploybot/controller/internal/store"
)

// idempotencyKey is the (repo, ref, host) triple that uniquely identifies a
// non-terminal job.
type idempotencyKey struct {
	repo, ref, host string
}

// entry is one queued job, kept minimal — the Store remains the source of
// truth for the full Job record.
type entry struct {
	jobID uuid.UUID
	key   idempotencyKey
}

// Store is the subset of store.JobStore the Queue needs. Defined here so
// tests can substitute a fake without importing GORM.
type Store interface {
	Insert(ctx context.Context, repo, ref, host, payload string, now time.Time) (*store.Job, error)
	Claim(ctx context.Context, jobID, agentID uuid.UUID, now time.Time) (*store.Job, error)
}

// Queue is safe for concurrent use. A single mutex covers both the
// per-host partitions and the idempotency index; TryClaim releases it
// before calling into the Store so no I/O ever happens while the lock is
// held.
type Queue struct {
	store Store
	clock func() time.Time

	mu         sync.Mutex
	partitions map[string]*list.List // host -> *list.List of *entry, FIFO by created_at
	index      map[idempotencyKey]uuid.UUID
}

// New returns an empty Queue backed by s. now defaults to time.Now if nil.
func New(s Store, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		store:      s,
		clock:      now,
		partitions: make(map[string]*list.List),
		index:      make(map[idempotencyKey]uuid.UUID),
	}
}

// Enqueue inserts a job through the Store (authoritative idempotency check)
// and, on success, adds it to the in-memory host partition. The in-memory
// index is checked first as a fast-path rejection, but a Store-level
// rejection is what actually decides the outcome.
func (q *Queue) Enqueue(ctx context.Context, repo, ref, host, payload string) (*store.Job, error) {
	key := idempotencyKey{repo: repo, ref: ref, host: host}

	q.mu.Lock()
	if _, exists := q.index[key]; exists {
		q.mu.Unlock()
		return nil, apperrors.ErrDuplicateIdempotency
	}
	q.mu.Unlock()

	job, err := q.store.Insert(ctx, repo, ref, host, payload, q.clock())
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushLocked(host, entry{jobID: job.ID, key: key})
	return job, nil
}

// Reinject adds a job that is already pending in the Store directly into
// the in-memory structure, without going through Store.Insert again. Used
// at startup to rebuild the queue from Store.RecoverNonTerminal, and by the
// orphan sweeper to put reclaimed jobs back in rotation.
func (q *Queue) Reinject(job store.Job) {
	key := idempotencyKey{repo: job.Repo, ref: job.Ref, host: job.Host}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushLocked(job.Host, entry{jobID: job.ID, key: key})
}

func (q *Queue) pushLocked(host string, e entry) {
	part, ok := q.partitions[host]
	if !ok {
		part = list.New()
		q.partitions[host] = part
	}
	part.PushBack(e)
	q.index[e.key] = e.jobID
}

// TryClaim pops the head of host's partition and attempts to claim it for
// agentID. If the Store's CAS fails (another agent already claimed it, or
// it was cancelled), it tries the next head, and so on, until the
// partition is empty. Returns nil, nil if there is nothing claimable.
func (q *Queue) TryClaim(ctx context.Context, host string, agentID uuid.UUID) (*store.Job, error) {
	for {
		e, ok := q.popHead(host)
		if !ok {
			return nil, nil
		}

		job, err := q.store.Claim(ctx, e.jobID, agentID, q.clock())
		if err == nil {
			// The index entry stays until OnTerminal: a running job still
			// holds its (repo, ref, host) key.
			return job, nil
		}
		if err == apperrors.ErrNotClaimable {
			// Lost the race or it was cancelled underneath us; the entry is
			// already popped, so just drop it and try the next head.
			q.removeFromIndex(e.key)
			continue
		}
		return nil, fmt.Errorf("queue: try claim: %w", err)
	}
}

func (q *Queue) popHead(host string) (entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	part, ok := q.partitions[host]
	if !ok || part.Len() == 0 {
		return entry{}, false
	}
	front := part.Front()
	part.Remove(front)
	return front.Value.(entry), true
}

func (q *Queue) removeFromIndex(key idempotencyKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.index, key)
}

// Cancel removes a queued (not yet claimed) job from its partition and the
// idempotency index. No-op if the job was already claimed or never
// queued — in that case the Dispatcher's cancel path acts on the Store
// directly.
func (q *Queue) Cancel(host string, jobID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	part, ok := q.partitions[host]
	if !ok {
		return
	}
	for el := part.Front(); el != nil; el = el.Next() {
		e := el.Value.(entry)
		if e.jobID == jobID {
			part.Remove(el)
			delete(q.index, e.key)
			return
		}
	}
}

// OnTerminal releases the idempotency index entry for a job that has
// reached a terminal status, so a future enqueue of the same (repo, ref,
// host) triple is no longer rejected by the in-memory fast path. The
// authoritative check still happens against the Store.
func (q *Queue) OnTerminal(repo, ref, host string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.index, idempotencyKey{repo: repo, ref: ref, host: host})
}

// Depth returns the number of queued (unclaimed) jobs across all hosts,
// used by the metrics gauge.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, part := range q.partitions {
		total += part.Len()
	}
	return total
}
