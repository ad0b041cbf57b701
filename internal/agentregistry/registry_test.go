package agentregistry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deploybot/controller/internal/apperrors"
	"github.com/deploybot/controller/internal/clock"
	"github.com/deploybot/controller/internal/store"
)

type fakeAgentStore struct {
	agents map[uuid.UUID]*store.Agent
}

func newFakeAgentStore() *fakeAgentStore {
	return &fakeAgentStore{agents: make(map[uuid.UUID]*store.Agent)}
}

func (f *fakeAgentStore) Register(_ context.Context, hostname, capsJSON, token string, now time.Time) (*store.Agent, error) {
	id, _ := uuid.NewV7()
	a := &store.Agent{Hostname: hostname, Capabilities: capsJSON, RegisteredAt: now, LastHeartbeatAt: now}
	a.ID = id
	f.agents[id] = a
	return a, nil
}

func (f *fakeAgentStore) TouchHeartbeat(_ context.Context, id uuid.UUID, now time.Time) error {
	a, ok := f.agents[id]
	if !ok {
		return apperrors.ErrAgentUnknown
	}
	a.LastHeartbeatAt = now
	return nil
}

func (f *fakeAgentStore) GetByID(_ context.Context, id uuid.UUID) (*store.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, apperrors.ErrAgentUnknown
	}
	return a, nil
}

func (f *fakeAgentStore) List(_ context.Context) ([]store.Agent, error) {
	out := make([]store.Agent, 0, len(f.agents))
	for _, a := range f.agents {
		out = append(out, *a)
	}
	return out, nil
}

type fakeDispatcher struct {
	offered *store.Job
}

func (f *fakeDispatcher) Offer(context.Context, string, uuid.UUID) (*store.Job, error) {
	return f.offered, nil
}

func (f *fakeDispatcher) OnComplete(context.Context, uuid.UUID, uuid.UUID, string, string, string) (*store.Job, error) {
	return nil, nil
}

func TestRegistry_HeartbeatUnknownAgent(t *testing.T) {
	s := newFakeAgentStore()
	r := New(s, &fakeDispatcher{}, clock.System{}, Config{}, zap.NewNop())

	_, err := r.Heartbeat(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrAgentUnknown)
}

func TestRegistry_DerivedStatusThresholds(t *testing.T) {
	fc := clock.NewFixed(time.Now())
	s := newFakeAgentStore()
	r := New(s, &fakeDispatcher{}, fc, Config{StaleAfter: 30 * time.Second, OfflineAfter: 120 * time.Second}, zap.NewNop())

	agent, err := r.Register(context.Background(), "web-1", nil, "")
	require.NoError(t, err)

	assert.Equal(t, store.AgentStatusOnline, r.DerivedStatus(*agent, fc.Now()))
	assert.Equal(t, store.AgentStatusStale, r.DerivedStatus(*agent, fc.Now().Add(45*time.Second)))
	assert.Equal(t, store.AgentStatusOffline, r.DerivedStatus(*agent, fc.Now().Add(200*time.Second)))
}

func TestRegistry_RegisterNeverDeletesOlderRow(t *testing.T) {
	s := newFakeAgentStore()
	r := New(s, &fakeDispatcher{}, clock.System{}, Config{}, zap.NewNop())
	ctx := context.Background()

	first, err := r.Register(ctx, "web-1", nil, "")
	require.NoError(t, err)
	second, err := r.Register(ctx, "web-1", nil, "")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
