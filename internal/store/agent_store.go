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

// AgentStore is the GORM-backed implementation of the Store's agent
// operations: upsert_agent, touch_heartbeat, list_agents.
type AgentStore struct {
	db *gorm.DB
}

// NewAgentStore returns an AgentStore backed by db.
func NewAgentStore(db *gorm.DB) *AgentStore {
	return &AgentStore{db: db}
}

// Register always inserts a fresh row with a new id, even if a row with the
// same hostname already exists — older agents for the same hostname are not
// deleted, only aged out by the derived-status liveness computation.
func (s *AgentStore) Register(ctx context.Context, hostname, capabilitiesJSON, token string, now time.Time) (*Agent, error) {
	agent := &Agent{
		Hostname:        hostname,
		Capabilities:    capabilitiesJSON,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
		Token:           EncryptedString(token),
	}
	if err := s.db.WithContext(ctx).Create(agent).Error; err != nil {
		return nil, fmt.Errorf("store: register agent: %w", err)
	}
	return agent, nil
}

// TouchHeartbeat advances last_heartbeat_at for an existing agent.
// Returns apperrors.ErrAgentUnknown if the agent id does not exist (e.g.
// the Store was wiped since the agent last registered).
func (s *AgentStore) TouchHeartbeat(ctx context.Context, id uuid.UUID, now time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&Agent{}).
		Where("id = ?", id).
		Update("last_heartbeat_at", now)
	if result.Error != nil {
		return fmt.Errorf("store: touch heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrAgentUnknown
	}
	return nil
}

// GetByID returns a single agent by id.
func (s *AgentStore) GetByID(ctx context.Context, id uuid.UUID) (*Agent, error) {
	var agent Agent
	err := s.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrAgentUnknown
		}
		return nil, fmt.Errorf("store: get agent: %w", err)
	}
	return &agent, nil
}

// List returns every known agent, most recently registered first, for
// derived-status computation and the hosts/agents read endpoints.
func (s *AgentStore) List(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	return agents, nil
}
