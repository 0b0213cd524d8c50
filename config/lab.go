package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"g13lab/internal/domain"
	"g13lab/internal/ports"
)

// Lab is the validated trading setup: instruments, sessions, limits and agents.
type Lab struct {
	Instruments        map[string]domain.Instrument
	Killzones          []domain.Killzone
	CategorySpreadCaps map[domain.AssetCategory]float64
	Risk               domain.RiskLimits
	Agents             []domain.AgentConfig
}

// Numeric fields are pointers so an absent value is told apart from zero.
// No risk or exit parameter is ever defaulted.
type labFile struct {
	Instruments []struct {
		Symbol    string   `yaml:"symbol"`
		Category  string   `yaml:"category"`
		Market    string   `yaml:"market"`
		Leverage  *int     `yaml:"leverage"`
		PointSize *float64 `yaml:"point_size"`
	} `yaml:"instruments"`
	Killzones []struct {
		Market string `yaml:"market"`
		Start  string `yaml:"start"`
		End    string `yaml:"end"`
	} `yaml:"killzones"`
	CategorySpreadCaps map[string]float64 `yaml:"category_spread_caps"`
	Risk               struct {
		MaxDrawdownPct   *float64 `yaml:"max_drawdown_pct"`
		WarnDrawdownPct  *float64 `yaml:"warn_drawdown_pct"`
		MaxDailyLossPct  *float64 `yaml:"max_daily_loss_pct"`
		MaxOpenPositions *int     `yaml:"max_open_positions"`
		ForceCloseOnHalt *bool    `yaml:"force_close_on_halt"`
		Agents           map[string]struct {
			MaxLossPct *float64 `yaml:"max_loss_pct"`
		} `yaml:"agents"`
	} `yaml:"risk"`
	Agents []agentFile `yaml:"agents"`
}

type agentFile struct {
	ID               string   `yaml:"id"`
	Enabled          *bool    `yaml:"enabled"`
	Symbol           string   `yaml:"symbol"`
	Interval         string   `yaml:"interval"`
	FiboLevel        string   `yaml:"fibo_level"`
	FiboTolerancePct *float64 `yaml:"fibo_tolerance_pct"`
	CooldownSeconds  *int     `yaml:"cooldown_seconds"`
	PositionSizePct  *float64 `yaml:"position_size_pct"`
	MaxOpenPositions *int     `yaml:"max_open_positions"`
	AllowRange       bool     `yaml:"allow_range"`
	RequireStructure bool     `yaml:"require_structure"`
	RSIGuard         bool     `yaml:"rsi_guard"`
	SentimentGuard   bool     `yaml:"sentiment_guard"`
	TPSL             struct {
		MaxSpreadPoints     *float64 `yaml:"max_spread_points"`
		TPPct               *float64 `yaml:"tp_pct"`
		SLPct               *float64 `yaml:"sl_pct"`
		TrailingStartPct    *float64 `yaml:"trailing_start_pct"`
		TrailingDistancePct *float64 `yaml:"trailing_distance_pct"`
		BreakEvenPct        *float64 `yaml:"break_even_pct"`
	} `yaml:"tpsl"`
}

// LoadLab reads and validates the lab file at path.
func LoadLab(path string) (*Lab, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read lab file %s: %v", ports.ErrStaleConfiguration, path, err)
	}
	return ParseLab(raw)
}

// ParseLab decodes and validates a lab document. Every problem found is
// reported in one error wrapping ports.ErrStaleConfiguration.
func ParseLab(raw []byte) (*Lab, error) {
	var f labFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: parse lab file: %v", ports.ErrStaleConfiguration, err)
	}

	var errs []error
	missing := func(what string) {
		errs = append(errs, fmt.Errorf("%s is required", what))
	}
	lab := &Lab{
		Instruments:        make(map[string]domain.Instrument, len(f.Instruments)),
		CategorySpreadCaps: make(map[domain.AssetCategory]float64, len(f.CategorySpreadCaps)),
	}

	for i, in := range f.Instruments {
		name := fmt.Sprintf("instruments[%d]", i)
		if in.Symbol == "" {
			missing(name + ".symbol")
			continue
		}
		if _, dup := lab.Instruments[in.Symbol]; dup {
			errs = append(errs, fmt.Errorf("instrument %s defined twice", in.Symbol))
		}
		inst := domain.Instrument{Symbol: in.Symbol, Category: domain.AssetCategory(in.Category), Market: in.Market}
		if in.Market == "" {
			missing(in.Symbol + ".market")
		}
		if in.Leverage == nil {
			missing(in.Symbol + ".leverage")
		} else if inst.Leverage = *in.Leverage; inst.Leverage <= 0 {
			errs = append(errs, fmt.Errorf("%s.leverage must be positive", in.Symbol))
		}
		if in.PointSize == nil {
			missing(in.Symbol + ".point_size")
		} else if inst.PointSize = *in.PointSize; inst.PointSize <= 0 {
			errs = append(errs, fmt.Errorf("%s.point_size must be positive", in.Symbol))
		}
		lab.Instruments[in.Symbol] = inst
	}

	for i, kz := range f.Killzones {
		start, err := domain.ParseClock(kz.Start)
		if err != nil {
			errs = append(errs, fmt.Errorf("killzones[%d].start: %w", i, err))
		}
		end, err := domain.ParseClock(kz.End)
		if err != nil {
			errs = append(errs, fmt.Errorf("killzones[%d].end: %w", i, err))
		}
		if kz.Market == "" {
			missing(fmt.Sprintf("killzones[%d].market", i))
		}
		lab.Killzones = append(lab.Killzones, domain.Killzone{Market: kz.Market, Start: start, End: end})
	}
	for cat, limit := range f.CategorySpreadCaps {
		if limit <= 0 {
			errs = append(errs, fmt.Errorf("category_spread_caps.%s must be positive", cat))
		}
		lab.CategorySpreadCaps[domain.AssetCategory(cat)] = limit
	}

	r := f.Risk
	lab.Risk.Agents = make(map[string]domain.AgentRiskLimit, len(r.Agents))
	setFloat(&lab.Risk.MaxDrawdownPct, r.MaxDrawdownPct, "risk.max_drawdown_pct", missing)
	setFloat(&lab.Risk.WarnDrawdownPct, r.WarnDrawdownPct, "risk.warn_drawdown_pct", missing)
	setFloat(&lab.Risk.MaxDailyLossPct, r.MaxDailyLossPct, "risk.max_daily_loss_pct", missing)
	if r.MaxOpenPositions == nil {
		missing("risk.max_open_positions")
	} else {
		lab.Risk.MaxOpenPositions = *r.MaxOpenPositions
	}
	if r.ForceCloseOnHalt == nil {
		missing("risk.force_close_on_halt")
	} else {
		lab.Risk.ForceCloseOnHalt = *r.ForceCloseOnHalt
	}
	for id, a := range r.Agents {
		if a.MaxLossPct == nil {
			missing("risk.agents." + id + ".max_loss_pct")
			continue
		}
		lab.Risk.Agents[id] = domain.AgentRiskLimit{MaxLossPct: *a.MaxLossPct}
	}
	if err := lab.Risk.Validate(); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool, len(f.Agents))
	for i, af := range f.Agents {
		cfg, agentErrs := af.toDomain(i)
		errs = append(errs, agentErrs...)
		if seen[cfg.ID] {
			errs = append(errs, fmt.Errorf("agent %s defined twice", cfg.ID))
		}
		seen[cfg.ID] = true
		if cfg.Symbol != "" {
			if _, ok := lab.Instruments[cfg.Symbol]; !ok {
				errs = append(errs, fmt.Errorf("agent %s trades unknown instrument %s", cfg.ID, cfg.Symbol))
			}
		}
		if _, ok := lab.Risk.Agents[cfg.ID]; !ok && cfg.ID != "" {
			missing("risk.agents." + cfg.ID)
		}
		if len(agentErrs) == 0 {
			if err := cfg.Validate(); err != nil {
				errs = append(errs, err)
			}
		}
		lab.Agents = append(lab.Agents, cfg)
	}
	if len(f.Agents) == 0 {
		missing("agents")
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrStaleConfiguration, err)
	}
	return lab, nil
}

func (af agentFile) toDomain(i int) (domain.AgentConfig, []error) {
	var errs []error
	name := af.ID
	if name == "" {
		name = fmt.Sprintf("agents[%d]", i)
		errs = append(errs, fmt.Errorf("%s.id is required", name))
	}
	missing := func(what string) {
		errs = append(errs, fmt.Errorf("%s.%s is required", name, what))
	}

	cfg := domain.AgentConfig{
		ID:               af.ID,
		Enabled:          af.Enabled == nil || *af.Enabled,
		Symbol:           af.Symbol,
		Interval:         af.Interval,
		FiboLevel:        af.FiboLevel,
		AllowRange:       af.AllowRange,
		RequireStructure: af.RequireStructure,
		RSIGuard:         af.RSIGuard,
		SentimentGuard:   af.SentimentGuard,
	}
	if cfg.Interval == "" {
		missing("interval")
	}
	setFloat(&cfg.FiboTolerancePct, af.FiboTolerancePct, "fibo_tolerance_pct", missing)
	setFloat(&cfg.PositionSizePct, af.PositionSizePct, "position_size_pct", missing)
	if af.CooldownSeconds == nil {
		missing("cooldown_seconds")
	} else {
		cfg.Cooldown = time.Duration(*af.CooldownSeconds) * time.Second
	}
	if af.MaxOpenPositions == nil {
		missing("max_open_positions")
	} else {
		cfg.MaxOpenPositions = *af.MaxOpenPositions
	}
	t := af.TPSL
	setFloat(&cfg.TPSL.MaxSpreadPoints, t.MaxSpreadPoints, "tpsl.max_spread_points", missing)
	setFloat(&cfg.TPSL.TPPct, t.TPPct, "tpsl.tp_pct", missing)
	setFloat(&cfg.TPSL.SLPct, t.SLPct, "tpsl.sl_pct", missing)
	setFloat(&cfg.TPSL.TrailingStartPct, t.TrailingStartPct, "tpsl.trailing_start_pct", missing)
	setFloat(&cfg.TPSL.TrailingDistancePct, t.TrailingDistancePct, "tpsl.trailing_distance_pct", missing)
	setFloat(&cfg.TPSL.BreakEvenPct, t.BreakEvenPct, "tpsl.break_even_pct", missing)
	return cfg, errs
}

func setFloat(dst *float64, src *float64, name string, missing func(string)) {
	if src == nil {
		missing(name)
		return
	}
	*dst = *src
}
