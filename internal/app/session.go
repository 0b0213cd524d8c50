package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"g13lab/internal/domain"
	"g13lab/internal/events"
	"g13lab/internal/ports"
)

// SessionManager opens and closes lab sessions. balance_start always comes
// from a successful account read; there is no fallback value.
type SessionManager struct {
	account ports.AccountReader
	repo    ports.SessionRepository
	events  ports.EventSink
	logger  ports.Logger
	asset   string
	clock   func() time.Time

	mu      sync.Mutex
	current *domain.Session
}

// SessionConfig wires a session manager.
type SessionConfig struct {
	Account ports.AccountReader
	Repo    ports.SessionRepository
	Events  ports.EventSink
	Logger  ports.Logger
	Asset   string
	Clock   func() time.Time
}

// NewSessionManager creates a session manager.
func NewSessionManager(cfg SessionConfig) (*SessionManager, error) {
	if cfg.Account == nil || cfg.Repo == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for session manager")
	}
	if cfg.Asset == "" {
		return nil, fmt.Errorf("%w: account asset is required", ports.ErrStaleConfiguration)
	}
	if cfg.Events == nil {
		cfg.Events = events.NewFanout()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &SessionManager{
		account: cfg.Account,
		repo:    cfg.Repo,
		events:  cfg.Events,
		logger:  cfg.Logger,
		asset:   cfg.Asset,
		clock:   cfg.Clock,
	}, nil
}

// Start reads the account and records a new session with the verified
// equity as balance_start.
func (m *SessionManager) Start(ctx context.Context) (domain.Session, error) {
	op := "SessionManager.Start"
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return *m.current, fmt.Errorf("%w: %s", ports.ErrSessionActive, m.current.ID)
	}

	bal, err := m.account.GetAccountBalance(ctx, m.asset)
	if err != nil {
		return domain.Session{}, fmt.Errorf("%w: read %s balance: %v", ports.ErrStaleConfiguration, m.asset, err)
	}
	if bal.Equity <= 0 {
		return domain.Session{}, fmt.Errorf("%w: account equity %v is not positive", ports.ErrStaleConfiguration, bal.Equity)
	}

	now := m.clock()
	s := &domain.Session{
		ID:           ulid.Make().String(),
		StartedAt:    now,
		BalanceStart: bal.Equity,
	}
	if err := m.repo.CreateSession(ctx, s); err != nil {
		return domain.Session{}, fmt.Errorf("record session: %w", err)
	}
	m.current = s

	m.logger.Info(ctx, op+": Session started", map[string]interface{}{"sessionID": s.ID, "balanceStart": s.BalanceStart, "asset": m.asset})
	m.events.Emit(ctx, events.New(domain.EventSession, "session started", map[string]interface{}{
		"sessionID": s.ID, "balanceStart": s.BalanceStart,
	}))
	return *s, nil
}

// Current returns the active session, if any.
func (m *SessionManager) Current() (domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return domain.Session{}, false
	}
	return *m.current, true
}

// End closes the active session with the final equity and trade count.
func (m *SessionManager) End(ctx context.Context, balanceEnd float64, trades int) (domain.Session, error) {
	op := "SessionManager.End"
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return domain.Session{}, fmt.Errorf("%w: no active session", ports.ErrNotFound)
	}
	s := *m.current
	s.EndedAt = m.clock()
	s.BalanceEnd = balanceEnd
	s.Profit = balanceEnd - s.BalanceStart
	s.Trades = trades
	if err := m.repo.EndSession(ctx, &s); err != nil {
		return s, fmt.Errorf("record session end: %w", err)
	}
	m.current = nil

	m.logger.Info(ctx, op+": Session ended", map[string]interface{}{
		"sessionID": s.ID, "balanceEnd": s.BalanceEnd, "profit": s.Profit, "trades": s.Trades,
	})
	m.events.Emit(ctx, events.New(domain.EventSession, "session ended", map[string]interface{}{
		"sessionID": s.ID, "balanceEnd": s.BalanceEnd, "profit": s.Profit,
	}))
	return s, nil
}
