package ports

import (
	"context"
	"time"

	"g13lab/internal/domain"
)

// TradeArchive stores positions after they reach the Closed state.
type TradeArchive interface {
	// SaveClosedTrade archives a closed trade and returns its assigned ID.
	SaveClosedTrade(ctx context.Context, trade *domain.ClosedTrade) (int64, error)
	// FindClosedTrades returns the most recent closed trades, newest first.
	// An empty agentID returns trades of all agents.
	FindClosedTrades(ctx context.Context, agentID string, limit int) ([]*domain.ClosedTrade, error)
}

// SessionRepository records lab sessions.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	EndSession(ctx context.Context, session *domain.Session) error
	// FindSessions returns the most recent sessions, newest first.
	FindSessions(ctx context.Context, limit int) ([]*domain.Session, error)
}

// AdjustmentLog records strategist parameter changes.
type AdjustmentLog interface {
	SaveAdjustment(ctx context.Context, adj *domain.Adjustment) (int64, error)
	// FindAdjustments returns an agent's adjustments applied at or after since, oldest first.
	FindAdjustments(ctx context.Context, agentID string, since time.Time) ([]*domain.Adjustment, error)
}

// CommandQueue carries operator commands from the CLI to the running lab.
type CommandQueue interface {
	EnqueueCommand(ctx context.Context, cmd *domain.OperatorCommand) (int64, error)
	// PendingCommands returns commands not applied yet, oldest first.
	PendingCommands(ctx context.Context) ([]*domain.OperatorCommand, error)
	CompleteCommand(ctx context.Context, id int64, appliedAt time.Time, result string) error
	// FindCommands returns the most recent commands, newest first.
	FindCommands(ctx context.Context, limit int) ([]*domain.OperatorCommand, error)
}
