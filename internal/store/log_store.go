package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LogStore is the durable append log behind LogBroker. Chunks are
// persisted one row per sequence number, never rewritten.
type LogStore struct {
	db *gorm.DB
}

// NewLogStore returns a LogStore backed by db.
func NewLogStore(db *gorm.DB) *LogStore {
	return &LogStore{db: db}
}

// Append persists a single log chunk. Sequence must already be assigned by
// the caller (LogBroker owns the monotonic counter per job).
func (s *LogStore) Append(ctx context.Context, chunk LogChunk) error {
	if err := s.db.WithContext(ctx).Create(&chunk).Error; err != nil {
		return fmt.Errorf("store: append log chunk: %w", err)
	}
	return nil
}

// Read returns every chunk for jobID with sequence >= fromSequence, in
// sequence order. Used both for the "replay persisted log before live
// tail" path in LogBroker.Subscribe and for the Store-read fallback when a
// subscriber's fromSequence predates the in-memory ring's tail.
func (s *LogStore) Read(ctx context.Context, jobID uuid.UUID, fromSequence uint64) ([]LogChunk, error) {
	var chunks []LogChunk
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND sequence >= ?", jobID, fromSequence).
		Order("sequence ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("store: read log chunks: %w", err)
	}
	return chunks, nil
}

// DeleteOlderThan removes every log chunk timestamped before cutoff,
// regardless of job status. Retention policy (how far back cutoff reaches)
// is the caller's responsibility; no background job in this repository
// calls it. Returns the number of rows removed.
func (s *LogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&LogChunk{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: delete old log chunks: %w", res.Error)
	}
	return res.RowsAffected, nil
}
