package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"g13lab/internal/domain"
	"g13lab/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) (*Repository, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "g13lab-test-*")
	require.NoError(t, err)

	repo, err := NewRepository(Config{
		DBPath: filepath.Join(tmpDir, "test.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	}
	return repo, cleanup
}

func closedTrade(posID, agentID string, exit time.Time, pnl float64) *domain.ClosedTrade {
	return &domain.ClosedTrade{
		PositionID:    posID,
		AgentID:       agentID,
		Symbol:        "EURUSD",
		Direction:     domain.Long,
		EntryPrice:    1.1000,
		ExitPrice:     1.1040,
		Size:          1000,
		CapitalBasis:  10000,
		PNL:           pnl,
		EntryTime:     exit.Add(-time.Hour),
		ExitTime:      exit,
		CloseReason:   domain.CloseReasonTakeProfit,
		TrailingArmed: true,
	}
}

func TestRepository_SaveAndFindClosedTrades(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	for i, agent := range []string{"fibo1", "fibo2", "fibo1"} {
		id, err := repo.SaveClosedTrade(ctx, closedTrade("pos-"+string(rune('a'+i)), agent, base.Add(time.Duration(i)*time.Hour), float64(i+1)))
		require.NoError(t, err)
		assert.Positive(t, id)
	}

	trades, err := repo.FindClosedTrades(ctx, "fibo1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "pos-c", trades[0].PositionID, "newest first")
	assert.Equal(t, "pos-a", trades[1].PositionID)
	assert.Equal(t, domain.Long, trades[0].Direction)
	assert.Equal(t, domain.CloseReasonTakeProfit, trades[0].CloseReason)
	assert.True(t, trades[0].TrailingArmed)
	assert.False(t, trades[0].BreakEvenApplied)
	assert.InDelta(t, 3.0, trades[0].PNL, 1e-9)
	assert.True(t, trades[0].ExitTime.Equal(base.Add(2*time.Hour)))

	all, err := repo.FindClosedTrades(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "pos-c", all[0].PositionID)
	assert.Equal(t, "pos-b", all[1].PositionID)

	unlimited, err := repo.FindClosedTrades(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, unlimited, 3)
}

func TestRepository_ClosedTradeArchivedOnce(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	_, err := repo.SaveClosedTrade(ctx, closedTrade("pos-1", "fibo1", now, 1))
	require.NoError(t, err)
	_, err = repo.SaveClosedTrade(ctx, closedTrade("pos-1", "fibo1", now, 1))
	require.ErrorIs(t, err, ports.ErrDuplicateEntry)
}

func TestRepository_Sessions(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	first := &domain.Session{ID: "s1", StartedAt: start, BalanceStart: 10000}
	second := &domain.Session{ID: "s2", StartedAt: start.Add(24 * time.Hour), BalanceStart: 10120}
	require.NoError(t, repo.CreateSession(ctx, first))
	require.NoError(t, repo.CreateSession(ctx, second))

	first.EndedAt = start.Add(8 * time.Hour)
	first.BalanceEnd = 10120
	first.Profit = 120
	first.Trades = 7
	require.NoError(t, repo.EndSession(ctx, first))

	sessions, err := repo.FindSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s2", sessions[0].ID)
	assert.True(t, sessions[0].EndedAt.IsZero())
	assert.Equal(t, "s1", sessions[1].ID)
	assert.Equal(t, 7, sessions[1].Trades)
	assert.InDelta(t, 120.0, sessions[1].Profit, 1e-9)
	assert.True(t, sessions[1].EndedAt.Equal(first.EndedAt))

	err = repo.EndSession(ctx, &domain.Session{ID: "missing", EndedAt: start})
	require.ErrorIs(t, err, ports.ErrNotFound)

	err = repo.CreateSession(ctx, &domain.Session{ID: "s1", StartedAt: start, BalanceStart: 1})
	require.Error(t, err)
}

func TestRepository_Adjustments(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	entries := []*domain.Adjustment{
		{AgentID: "fibo1", Param: "sl_pct", OldValue: 0.5, NewValue: 0.45, Reason: "old", AppliedAt: now.Add(-5 * time.Hour)},
		{AgentID: "fibo1", Param: "tp_pct", OldValue: 0.4, NewValue: 0.45, Reason: "recent", AppliedAt: now.Add(-time.Hour)},
		{AgentID: "fibo1", Param: "sl_pct", OldValue: 0.45, NewValue: 0.4, Reason: "recent", AppliedAt: now.Add(-time.Hour)},
		{AgentID: "fibo2", Param: "tp_pct", OldValue: 0.4, NewValue: 0.45, Reason: "other", AppliedAt: now},
	}
	for _, a := range entries {
		id, err := repo.SaveAdjustment(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, id, a.ID)
	}

	got, err := repo.FindAdjustments(ctx, "fibo1", now.Add(-4*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "tp_pct", got[0].Param, "oldest first, insertion order within a cycle")
	assert.Equal(t, "sl_pct", got[1].Param)
	assert.True(t, got[0].AppliedAt.Equal(now.Add(-time.Hour)))
	assert.InDelta(t, 0.4, got[1].NewValue, 1e-9)

	got, err = repo.FindAdjustments(ctx, "fibo1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = repo.FindAdjustments(ctx, "ghost", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRepository_Commands(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	reset := &domain.OperatorCommand{Kind: domain.CommandResetEmergency, CreatedAt: now}
	_, err := repo.EnqueueCommand(ctx, reset)
	require.NoError(t, err)
	assert.Equal(t, "{}", reset.Payload)
	_, err = repo.EnqueueCommand(ctx, &domain.OperatorCommand{
		Kind: domain.CommandUpdateAgent, AgentID: "fibo1", Payload: `{"enabled":false}`, CreatedAt: now.Add(time.Second),
	})
	require.NoError(t, err)

	_, err = repo.EnqueueCommand(ctx, &domain.OperatorCommand{Kind: "reboot", CreatedAt: now})
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)

	pending, err := repo.PendingCommands(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, domain.CommandResetEmergency, pending[0].Kind)
	assert.True(t, pending[0].Pending())
	assert.Equal(t, `{"enabled":false}`, pending[1].Payload)

	require.NoError(t, repo.CompleteCommand(ctx, reset.ID, now.Add(time.Minute), "ok"))
	assert.ErrorIs(t, repo.CompleteCommand(ctx, reset.ID, now, "again"), ports.ErrNotFound)

	pending, err = repo.PendingCommands(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fibo1", pending[0].AgentID)

	all, err := repo.FindCommands(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, reset.ID, all[1].ID, "newest first")
	assert.Equal(t, "ok", all[1].Result)
	assert.True(t, all[1].AppliedAt.Equal(now.Add(time.Minute)))
}

func TestNewRepository_RequiresLogger(t *testing.T) {
	_, err := NewRepository(Config{DBPath: filepath.Join(t.TempDir(), "x.db")})
	require.Error(t, err)
}
