package domain

import "time"

// StructuralCondition captures the market structure an agent observed when it
// built a proposal.
type StructuralCondition struct {
	Trend          Trend   // EMA trend
	StructureTrend Trend   // Swing HH/HL vs LH/LL trend
	FiboLevel      string  // Level name, e.g. "0.618"
	LevelPrice     float64 // Price of the level
	Price          float64 // Price when the condition was evaluated
}

// AdmissionRules are the per-agent rules the admission gate applies.
type AdmissionRules struct {
	MaxOpenPositions int
	AllowRange       bool
	RequireStructure bool
}

// Proposal is a trade an agent asks the admission gate to accept.
type Proposal struct {
	ID         string
	AgentID    string
	Instrument Instrument
	Direction  Direction
	Size       float64
	Condition  StructuralCondition
	TPSL       TPSLConfig
	Rules      AdmissionRules
	CreatedAt  time.Time
	Reason     string
}

// AccountState is the account view read atomically at admission time.
type AccountState struct {
	Equity           float64
	FreeCapital      float64
	OpenTotal        int
	OpenByAgent      map[string]int
	MaxOpenPositions int
	EmergencyStop    bool
	SuspendedAgents  map[string]bool
}

// Capital is the session baseline and the current account value.
type Capital struct {
	BalanceStart float64
	Equity       float64
}

// Session is a single run of the lab against one account.
type Session struct {
	ID           string
	StartedAt    time.Time
	EndedAt      time.Time
	BalanceStart float64
	BalanceEnd   float64
	Profit       float64
	Trades       int
}

// Adjustment is a parameter change made by the strategist.
type Adjustment struct {
	ID        int64
	AgentID   string
	Param     string
	OldValue  float64
	NewValue  float64
	Reason    string
	AppliedAt time.Time
}
