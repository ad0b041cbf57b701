package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"

	"github.com/deploybot/controller/internal/apperrors"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{
		Driver:   "sqlite",
		DSN:      "file::memory:?cache=shared",
		Logger:   zapNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestJobStore_InsertRejectsDuplicateIdempotency(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	_, err := db.Jobs.Insert(ctx, "acme/widgets", "refs/heads/main", "web-1", "{}", now)
	require.NoError(t, err)

	_, err = db.Jobs.Insert(ctx, "acme/widgets", "refs/heads/main", "web-1", "{}", now)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateIdempotency)
}

func TestJobStore_InsertAllowsAfterTerminal(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	job, err := db.Jobs.Insert(ctx, "acme/widgets", "refs/heads/main", "web-1", "{}", now)
	require.NoError(t, err)

	_, err = db.Jobs.Cancel(ctx, job.ID, "superseded", now)
	require.NoError(t, err)

	_, err = db.Jobs.Insert(ctx, "acme/widgets", "refs/heads/main", "web-1", "{}", now)
	assert.NoError(t, err)
}

func TestJobStore_ClaimIsCompareAndSwap(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	job, err := db.Jobs.Insert(ctx, "acme/widgets", "refs/heads/main", "web-1", "{}", now)
	require.NoError(t, err)

	agentA := idOf(t)
	agentB := idOf(t)

	claimed, err := db.Jobs.Claim(ctx, job.ID, agentA, now)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, claimed.Status)

	_, err = db.Jobs.Claim(ctx, job.ID, agentB, now)
	assert.ErrorIs(t, err, apperrors.ErrNotClaimable)
}

func TestJobStore_CompleteRequiresAssignedAgent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	job, err := db.Jobs.Insert(ctx, "acme/widgets", "refs/heads/main", "web-1", "{}", now)
	require.NoError(t, err)
	agentA := idOf(t)
	agentB := idOf(t)
	_, err = db.Jobs.Claim(ctx, job.ID, agentA, now)
	require.NoError(t, err)

	_, err = db.Jobs.Complete(ctx, job.ID, agentB, JobStatusSuccess, "", "", now)
	assert.ErrorIs(t, err, apperrors.ErrNotAssignedToYou)

	_, err = db.Jobs.Complete(ctx, job.ID, agentA, JobStatusSuccess, "ok", "", now)
	assert.NoError(t, err)

	// Re-ack is an idempotent no-op.
	_, err = db.Jobs.Complete(ctx, job.ID, agentA, JobStatusFailed, "", "boom", now)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyTerminal)
}

func TestJobStore_RecoverNonTerminalReclaimsOrphans(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	job, err := db.Jobs.Insert(ctx, "acme/widgets", "refs/heads/main", "web-1", "{}", now.Add(-2*time.Hour))
	require.NoError(t, err)
	agent := idOf(t)
	_, err = db.Jobs.Claim(ctx, job.ID, agent, now.Add(-90*time.Minute))
	require.NoError(t, err)

	pending, err := db.Jobs.RecoverNonTerminal(ctx, time.Hour, now)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, job.ID, pending[0].ID)
	assert.Equal(t, JobStatusPending, pending[0].Status)
}

func TestAgentStore_TouchHeartbeatUnknownAgent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.Agents.TouchHeartbeat(ctx, idOf(t), time.Now())
	assert.ErrorIs(t, err, apperrors.ErrAgentUnknown)
}

func TestAgentStore_RegisterDoesNotReplaceOlderHostnameRow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	first, err := db.Agents.Register(ctx, "worker-1", "[]", "", now)
	require.NoError(t, err)
	second, err := db.Agents.Register(ctx, "worker-1", "[]", "", now)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)

	all, err := db.Agents.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestChatStore_SessionAndMessagesRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	session, err := db.Chat.CreateSession(ctx, "deploy troubleshooting")
	require.NoError(t, err)

	_, err = db.Chat.AppendMessage(ctx, session.ID, "user", "why did acme/widgets fail?")
	require.NoError(t, err)
	_, err = db.Chat.AppendMessage(ctx, session.ID, "assistant", "the last run failed on host worker-1")
	require.NoError(t, err)

	msgs, err := db.Chat.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)

	got, err := db.Chat.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "deploy troubleshooting", got.Title)
}

func TestChatStore_GetSessionNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Chat.GetSession(context.Background(), idOf(t))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
