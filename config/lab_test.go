package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"g13lab/internal/domain"
	"g13lab/internal/ports"
)

const validLab = `
instruments:
  - {symbol: BTCUSDT, category: crypto, market: crypto, leverage: 5, point_size: 0.1}
killzones:
  - {market: crypto, start: "22:00", end: "02:00"}
category_spread_caps:
  crypto: 50
risk:
  max_drawdown_pct: 10
  warn_drawdown_pct: 7
  max_daily_loss_pct: 5
  max_open_positions: 4
  force_close_on_halt: true
  agents:
    a1: {max_loss_pct: 3}
agents:
  - id: a1
    symbol: BTCUSDT
    interval: 15m
    fibo_level: "0.618"
    fibo_tolerance_pct: 2
    cooldown_seconds: 300
    position_size_pct: 2
    max_open_positions: 2
    tpsl:
      max_spread_points: 30
      tp_pct: 0.4
      sl_pct: 0.5
      trailing_start_pct: 0.2
      trailing_distance_pct: 0.1
      break_even_pct: 0.15
`

func TestParseLab_Valid(t *testing.T) {
	lab, err := ParseLab([]byte(validLab))
	require.NoError(t, err)

	inst := lab.Instruments["BTCUSDT"]
	assert.Equal(t, domain.CategoryCrypto, inst.Category)
	assert.Equal(t, 5, inst.Leverage)
	assert.Equal(t, 0.1, inst.PointSize)

	require.Len(t, lab.Killzones, 1)
	assert.Equal(t, 22*time.Hour, lab.Killzones[0].Start)
	assert.Equal(t, 2*time.Hour, lab.Killzones[0].End)
	assert.Equal(t, 50.0, lab.CategorySpreadCaps[domain.CategoryCrypto])

	assert.Equal(t, 10.0, lab.Risk.MaxDrawdownPct)
	assert.True(t, lab.Risk.ForceCloseOnHalt)
	assert.Equal(t, 3.0, lab.Risk.Agents["a1"].MaxLossPct)

	require.Len(t, lab.Agents, 1)
	a := lab.Agents[0]
	assert.True(t, a.Enabled, "agents are enabled unless stated otherwise")
	assert.Equal(t, 300*time.Second, a.Cooldown)
	assert.Equal(t, 0.4, a.TPSL.TPPct)
	assert.Equal(t, 0.15, a.TPSL.BreakEvenPct)
}

func TestParseLab_MissingValuesAreNeverDefaulted(t *testing.T) {
	tests := []struct {
		name    string
		drop    string
		wantErr string
	}{
		{"tp", "      tp_pct: 0.4\n", "a1.tpsl.tp_pct is required"},
		{"break even", "      break_even_pct: 0.15\n", "a1.tpsl.break_even_pct is required"},
		{"cooldown", "    cooldown_seconds: 300\n", "a1.cooldown_seconds is required"},
		{"drawdown", "  max_drawdown_pct: 10\n", "risk.max_drawdown_pct is required"},
		{"force close", "  force_close_on_halt: true\n", "risk.force_close_on_halt is required"},
		{"agent allocation", "    a1: {max_loss_pct: 3}\n", "risk.agents.a1 is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := strings.Replace(validLab, tt.drop, "", 1)
			require.NotEqual(t, validLab, doc, "fixture line not found")

			_, err := ParseLab([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ports.ErrStaleConfiguration)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseLab_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		wantErr string
	}{
		{"unknown instrument", "    symbol: BTCUSDT\n", "    symbol: XRPUSDT\n", "unknown instrument XRPUSDT"},
		{"bad clock", `start: "22:00"`, `start: "25:00"`, "killzones[0].start"},
		{"trailing past target", "trailing_start_pct: 0.2", "trailing_start_pct: 0.5", "trailing_start_pct"},
		{"bad level", `fibo_level: "0.618"`, `fibo_level: "0.7"`, "unknown fibo_level"},
		{"warn above max", "warn_drawdown_pct: 7", "warn_drawdown_pct: 12", "warn_drawdown_pct"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := strings.Replace(validLab, tt.from, tt.to, 1)
			require.NotEqual(t, validLab, doc, "fixture text not found")

			_, err := ParseLab([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ports.ErrStaleConfiguration)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadLab(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validLab), 0o600))

	lab, err := LoadLab(path)
	require.NoError(t, err)
	assert.Len(t, lab.Agents, 1)

	_, err = LoadLab(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ports.ErrStaleConfiguration)

	_, err = ParseLab([]byte("agents: ["))
	assert.ErrorIs(t, err, ports.ErrStaleConfiguration)
}

func TestLoadLab_Example(t *testing.T) {
	lab, err := LoadLab(filepath.Join("..", "lab.example.yaml"))
	require.NoError(t, err)
	assert.Len(t, lab.Agents, 2)
}
