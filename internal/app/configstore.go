package app

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"g13lab/config"
	"g13lab/internal/domain"
	"g13lab/internal/ports"
)

// ConfigStore holds the live agent configurations. Readers always get a
// copy; writers go through UpdateAgent, which validates before committing.
type ConfigStore struct {
	logger ports.Logger

	mu          sync.RWMutex
	agents      map[string]domain.AgentConfig
	order       []string
	instruments map[string]domain.Instrument
}

// NewConfigStore seeds a store from a validated lab.
func NewConfigStore(lab *config.Lab, logger ports.Logger) (*ConfigStore, error) {
	if lab == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for config store")
	}
	s := &ConfigStore{
		logger:      logger,
		agents:      make(map[string]domain.AgentConfig, len(lab.Agents)),
		instruments: make(map[string]domain.Instrument, len(lab.Instruments)),
	}
	for sym, inst := range lab.Instruments {
		s.instruments[sym] = inst
	}
	for _, a := range lab.Agents {
		if _, dup := s.agents[a.ID]; dup {
			return nil, fmt.Errorf("%w: agent %s defined twice", ports.ErrStaleConfiguration, a.ID)
		}
		s.agents[a.ID] = a
		s.order = append(s.order, a.ID)
	}
	return s, nil
}

// AgentConfig returns the current configuration of an agent.
func (s *ConfigStore) AgentConfig(id string) (domain.AgentConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.agents[id]
	return cfg, ok
}

// Instrument returns a tradable instrument.
func (s *ConfigStore) Instrument(symbol string) (domain.Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instruments[symbol]
	return inst, ok
}

// AgentIDs returns the agent IDs in lab order.
func (s *ConfigStore) AgentIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Symbols returns the distinct symbols traded by enabled agents, sorted.
func (s *ConfigStore) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, a := range s.agents {
		if a.Enabled && !seen[a.Symbol] {
			seen[a.Symbol] = true
			out = append(out, a.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// UpdateAgent applies mutate to a copy of the agent configuration and
// commits it only if the result validates and still trades a known
// instrument. The agent ID cannot change.
func (s *ConfigStore) UpdateAgent(ctx context.Context, id string, mutate func(*domain.AgentConfig)) (domain.AgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.agents[id]
	if !ok {
		return domain.AgentConfig{}, fmt.Errorf("%w: agent %s", ports.ErrNotFound, id)
	}
	next := cur
	mutate(&next)
	if next.ID != id {
		return cur, fmt.Errorf("%w: agent id cannot change (%s to %s)", ports.ErrConfigurationError, id, next.ID)
	}
	if err := next.Validate(); err != nil {
		return cur, fmt.Errorf("%w: %v", ports.ErrConfigurationError, err)
	}
	if _, ok := s.instruments[next.Symbol]; !ok {
		return cur, fmt.Errorf("%w: unknown instrument %s", ports.ErrConfigurationError, next.Symbol)
	}
	s.agents[id] = next
	s.logger.Debug(ctx, "Agent configuration updated", map[string]interface{}{"agentID": id})
	return next, nil
}

// AgentCommand is an explicit operator change to one agent. Nil fields are
// left unchanged.
type AgentCommand struct {
	AgentID          string
	Enabled          *bool
	FiboTolerancePct *float64
	PositionSizePct  *float64
	MaxOpenPositions *int
	TPSL             *domain.TPSLConfig
}

// Apply validates and applies a command completely or not at all.
func (s *ConfigStore) Apply(ctx context.Context, cmd AgentCommand) (domain.AgentConfig, error) {
	return s.UpdateAgent(ctx, cmd.AgentID, func(c *domain.AgentConfig) {
		if cmd.Enabled != nil {
			c.Enabled = *cmd.Enabled
		}
		if cmd.FiboTolerancePct != nil {
			c.FiboTolerancePct = *cmd.FiboTolerancePct
		}
		if cmd.PositionSizePct != nil {
			c.PositionSizePct = *cmd.PositionSizePct
		}
		if cmd.MaxOpenPositions != nil {
			c.MaxOpenPositions = *cmd.MaxOpenPositions
		}
		if cmd.TPSL != nil {
			c.TPSL = *cmd.TPSL
		}
	})
}
