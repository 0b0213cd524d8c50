package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"g13lab/internal/domain"
	"g13lab/internal/ports"
	"g13lab/internal/risk"
)

type memQueue struct {
	cmds        []*domain.OperatorCommand
	pendingErr  error
	completeErr error
}

func (m *memQueue) EnqueueCommand(ctx context.Context, cmd *domain.OperatorCommand) (int64, error) {
	c := *cmd
	c.ID = int64(len(m.cmds) + 1)
	m.cmds = append(m.cmds, &c)
	return c.ID, nil
}

func (m *memQueue) PendingCommands(ctx context.Context) ([]*domain.OperatorCommand, error) {
	if m.pendingErr != nil {
		return nil, m.pendingErr
	}
	var out []*domain.OperatorCommand
	for _, c := range m.cmds {
		if c.Pending() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memQueue) CompleteCommand(ctx context.Context, id int64, appliedAt time.Time, result string) error {
	if m.completeErr != nil {
		return m.completeErr
	}
	for _, c := range m.cmds {
		if c.ID == id && c.Pending() {
			c.AppliedAt, c.Result = appliedAt, result
			return nil
		}
	}
	return ports.ErrNotFound
}

func (m *memQueue) FindCommands(ctx context.Context, limit int) ([]*domain.OperatorCommand, error) {
	return m.cmds, nil
}

func (m *memQueue) result(id int64) string {
	return m.cmds[id-1].Result
}

type mockRiskControls struct {
	resets  int
	resumed []string
	limits  []risk.LimitsCommand
	err     error
}

func (m *mockRiskControls) UpdateLimits(ctx context.Context, cmd risk.LimitsCommand) error {
	if m.err != nil {
		return m.err
	}
	m.limits = append(m.limits, cmd)
	return nil
}

func (m *mockRiskControls) ResetEmergency(ctx context.Context) { m.resets++ }

func (m *mockRiskControls) ResumeAgent(ctx context.Context, agentID string) {
	m.resumed = append(m.resumed, agentID)
}

type mockRetargeter struct {
	calls map[string]domain.TPSLConfig
	n     int
	err   error
}

func (m *mockRetargeter) AdjustTargets(ctx context.Context, agentID string, cfg domain.TPSLConfig) (int, error) {
	if m.calls == nil {
		m.calls = make(map[string]domain.TPSLConfig)
	}
	m.calls[agentID] = cfg
	return m.n, m.err
}

type operatorFixture struct {
	queue    *memQueue
	risk     *mockRiskControls
	retarget *mockRetargeter
	store    *ConfigStore
	logger   *mockLogger
	op       *Operator
}

var operatorNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newOperatorFixture(t *testing.T) *operatorFixture {
	t.Helper()
	f := &operatorFixture{queue: &memQueue{}, risk: &mockRiskControls{}, retarget: &mockRetargeter{}, logger: &mockLogger{}}
	var err error
	f.store, err = NewConfigStore(testLab(), f.logger)
	require.NoError(t, err)
	f.op, err = NewOperator(OperatorConfig{
		Queue:     f.queue,
		Risk:      f.risk,
		Store:     f.store,
		Positions: f.retarget,
		Logger:    f.logger,
		Clock:     func() time.Time { return operatorNow },
	})
	require.NoError(t, err)
	return f
}

func (f *operatorFixture) enqueue(t *testing.T, kind domain.CommandKind, agentID, payload string) int64 {
	t.Helper()
	id, err := f.queue.EnqueueCommand(context.Background(), &domain.OperatorCommand{Kind: kind, AgentID: agentID, Payload: payload})
	require.NoError(t, err)
	return id
}

func TestNewOperator_Validation(t *testing.T) {
	_, err := NewOperator(OperatorConfig{})
	assert.Error(t, err)
}

func TestOperator_ResetAndResume(t *testing.T) {
	f := newOperatorFixture(t)
	reset := f.enqueue(t, domain.CommandResetEmergency, "", "")
	resume := f.enqueue(t, domain.CommandResumeAgent, "a2", "")
	unknown := f.enqueue(t, domain.CommandResumeAgent, "ghost", "")

	n, err := f.op.ApplyPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, f.risk.resets)
	assert.Equal(t, []string{"a2"}, f.risk.resumed)

	assert.Equal(t, "ok", f.queue.result(reset))
	assert.Equal(t, "ok", f.queue.result(resume))
	assert.Contains(t, f.queue.result(unknown), "ghost")
	assert.Equal(t, operatorNow, f.queue.cmds[unknown-1].AppliedAt)

	// Completed commands are not applied twice.
	n, err = f.op.ApplyPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.risk.resets)
}

func TestOperator_UpdateLimits(t *testing.T) {
	f := newOperatorFixture(t)
	id := f.enqueue(t, domain.CommandUpdateLimits, "",
		`{"max_drawdown_pct":12,"max_open_positions":4,"force_close_on_halt":false,"agent_max_loss_pct":{"a1":3.5}}`)

	_, err := f.op.ApplyPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", f.queue.result(id))
	require.Len(t, f.risk.limits, 1)
	cmd := f.risk.limits[0]
	require.NotNil(t, cmd.MaxDrawdownPct)
	assert.Equal(t, 12.0, *cmd.MaxDrawdownPct)
	require.NotNil(t, cmd.MaxOpenPositions)
	assert.Equal(t, 4, *cmd.MaxOpenPositions)
	require.NotNil(t, cmd.ForceCloseOnHalt)
	assert.False(t, *cmd.ForceCloseOnHalt)
	assert.Nil(t, cmd.WarnDrawdownPct)
	assert.Nil(t, cmd.MaxDailyLossPct)
	assert.Equal(t, map[string]float64{"a1": 3.5}, cmd.AgentMaxLossPct)
}

func TestOperator_RejectedPayloads(t *testing.T) {
	tests := []struct {
		name    string
		kind    domain.CommandKind
		payload string
		want    string
	}{
		{"not json", domain.CommandUpdateLimits, `{max`, "not valid JSON"},
		{"not an object", domain.CommandUpdateLimits, `[1,2]`, "JSON object"},
		{"empty", domain.CommandUpdateLimits, `{}`, "changes nothing"},
		{"unknown field", domain.CommandUpdateLimits, `{"max_drawdown":5}`, `unknown field "max_drawdown"`},
		{"wrong type", domain.CommandUpdateLimits, `{"max_drawdown_pct":"5"}`, "must be a number"},
		{"fractional count", domain.CommandUpdateLimits, `{"max_open_positions":2.5}`, "must be an integer"},
		{"bad bool", domain.CommandUpdateLimits, `{"force_close_on_halt":1}`, "true or false"},
		{"bad agent loss", domain.CommandUpdateLimits, `{"agent_max_loss_pct":{"a1":"x"}}`, "agent_max_loss_pct.a1"},
		{"agent limit field", domain.CommandUpdateAgent, `{"max_drawdown_pct":5}`, "unknown field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOperatorFixture(t)
			id := f.enqueue(t, tt.kind, "a1", tt.payload)

			n, err := f.op.ApplyPending(context.Background())
			require.NoError(t, err)
			assert.Zero(t, n)
			assert.Contains(t, f.queue.result(id), tt.want)
			assert.Empty(t, f.risk.limits)
			assert.NotEmpty(t, f.logger.warnMsgs)
		})
	}
}

func TestOperator_GovernorRejectsLimits(t *testing.T) {
	f := newOperatorFixture(t)
	f.risk.err = fmt.Errorf("%w: warn above max", ports.ErrConfigurationError)
	id := f.enqueue(t, domain.CommandUpdateLimits, "", `{"warn_drawdown_pct":50}`)

	_, err := f.op.ApplyPending(context.Background())
	require.NoError(t, err)
	assert.Contains(t, f.queue.result(id), "warn above max")
}

func TestOperator_UpdateAgent(t *testing.T) {
	t.Run("plain fields", func(t *testing.T) {
		f := newOperatorFixture(t)
		id := f.enqueue(t, domain.CommandUpdateAgent, "a1", `{"enabled":false,"position_size_pct":1.5}`)

		_, err := f.op.ApplyPending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ok", f.queue.result(id))
		cfg, _ := f.store.AgentConfig("a1")
		assert.False(t, cfg.Enabled)
		assert.Equal(t, 1.5, cfg.PositionSizePct)
		assert.Empty(t, f.retarget.calls, "no TP/SL change, no retarget")
	})

	t.Run("partial tpsl merges and retargets", func(t *testing.T) {
		f := newOperatorFixture(t)
		before, _ := f.store.AgentConfig("a1")
		id := f.enqueue(t, domain.CommandUpdateAgent, "a1", `{"tp_pct":0.6}`)

		_, err := f.op.ApplyPending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ok", f.queue.result(id))
		cfg, _ := f.store.AgentConfig("a1")
		want := before.TPSL
		want.TPPct = 0.6
		assert.Equal(t, want, cfg.TPSL)
		assert.Equal(t, want, f.retarget.calls["a1"])
	})

	t.Run("tighter stops kept is not a failure", func(t *testing.T) {
		f := newOperatorFixture(t)
		f.retarget.n, f.retarget.err = 1, fmt.Errorf("%w: looser stop", ports.ErrInvariantViolation)
		id := f.enqueue(t, domain.CommandUpdateAgent, "a1", `{"sl_pct":0.9}`)

		_, err := f.op.ApplyPending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ok", f.queue.result(id))
		assert.Contains(t, f.logger.warnMsgs, "Operator.updateAgent: Open positions kept their tighter stops")
	})

	t.Run("invalid result leaves config unchanged", func(t *testing.T) {
		f := newOperatorFixture(t)
		before, _ := f.store.AgentConfig("a1")
		id := f.enqueue(t, domain.CommandUpdateAgent, "a1", `{"tp_pct":-1}`)

		_, err := f.op.ApplyPending(context.Background())
		require.NoError(t, err)
		assert.NotEqual(t, "ok", f.queue.result(id))
		after, _ := f.store.AgentConfig("a1")
		assert.Equal(t, before, after)
		assert.Empty(t, f.retarget.calls)
	})

	t.Run("unknown agent", func(t *testing.T) {
		f := newOperatorFixture(t)
		id := f.enqueue(t, domain.CommandUpdateAgent, "ghost", `{"enabled":true}`)

		_, err := f.op.ApplyPending(context.Background())
		require.NoError(t, err)
		assert.Contains(t, f.queue.result(id), "ghost")
	})
}

func TestOperator_QueueErrors(t *testing.T) {
	f := newOperatorFixture(t)
	f.queue.pendingErr = ports.ErrQueryFailed
	_, err := f.op.ApplyPending(context.Background())
	assert.ErrorIs(t, err, ports.ErrQueryFailed)

	f = newOperatorFixture(t)
	f.enqueue(t, domain.CommandResetEmergency, "", "")
	f.queue.completeErr = errors.New("disk full")
	n, err := f.op.ApplyPending(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, n)
}
