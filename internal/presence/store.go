// Package presence tracks agent availability.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/store"
)

// Store reads and writes agent presence. Agents without a record are offline.
type Store struct {
	repo   store.Repository
	logger *slog.Logger
	now    func() time.Time

	// cycleMu serializes read-modify-write cycles within this process.
	cycleMu sync.Mutex
}

// NewStore creates a presence store backed by repo.
func NewStore(repo store.Repository, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetStatus records status for agentID, replacing any previous value.
func (s *Store) SetStatus(ctx context.Context, agentID string, status domain.PresenceStatus) (*domain.AgentPresence, error) {
	if agentID == "" {
		return nil, domain.NewError(domain.CodeInvalidInput, "agent id is required")
	}
	if !status.Valid() {
		return nil, domain.NewError(domain.CodeInvalidInput, "unknown presence status "+string(status))
	}

	p := &domain.AgentPresence{AgentID: agentID, Status: status, UpdatedAt: s.now()}
	if err := s.repo.UpsertPresence(ctx, p); err != nil {
		return nil, fmt.Errorf("set presence: %w", err)
	}

	s.logger.Info("presence updated", "agent_id", agentID, "status", status)
	return p, nil
}

// Get returns the presence record for agentID, synthesizing an offline
// record for agents that never reported.
func (s *Store) Get(ctx context.Context, agentID string) (*domain.AgentPresence, error) {
	if agentID == "" {
		return nil, domain.NewError(domain.CodeInvalidInput, "agent id is required")
	}
	p, err := s.repo.GetPresence(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}
	if p == nil {
		return domain.OfflinePresence(agentID), nil
	}
	return p, nil
}

// GetStatus returns the agent's current status.
func (s *Store) GetStatus(ctx context.Context, agentID string) (domain.PresenceStatus, error) {
	p, err := s.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	return p.Status, nil
}

// ListOnline returns the ids of agents currently online, sorted.
func (s *Store) ListOnline(ctx context.Context) ([]string, error) {
	records, err := s.repo.ListPresence(ctx, domain.PresenceOnline)
	if err != nil {
		return nil, fmt.Errorf("list online agents: %w", err)
	}
	ids := make([]string, 0, len(records))
	for _, p := range records {
		ids = append(ids, p.AgentID)
	}
	sort.Strings(ids)
	return ids, nil
}

// CycleStatus advances the agent to the next status in the
// offline -> online -> busy -> offline rotation.
func (s *Store) CycleStatus(ctx context.Context, agentID string) (*domain.AgentPresence, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	current, err := s.GetStatus(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return s.SetStatus(ctx, agentID, domain.NextPresence(current))
}
