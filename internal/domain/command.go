package domain

import "time"

// CommandKind names an operator action on the running lab.
type CommandKind string

const (
	CommandResetEmergency CommandKind = "reset_emergency"
	CommandResumeAgent    CommandKind = "resume_agent"
	CommandUpdateLimits   CommandKind = "update_limits"
	CommandUpdateAgent    CommandKind = "update_agent"
)

// Valid reports whether k is a known command kind.
func (k CommandKind) Valid() bool {
	switch k {
	case CommandResetEmergency, CommandResumeAgent, CommandUpdateLimits, CommandUpdateAgent:
		return true
	}
	return false
}

// OperatorCommand is queued by the operator and applied by the running lab.
type OperatorCommand struct {
	ID        int64
	Kind      CommandKind
	AgentID   string
	Payload   string // JSON object with the changed fields
	CreatedAt time.Time
	AppliedAt time.Time // Zero while pending
	Result    string    // "ok" or why the command was rejected
}

// Pending reports whether the command has not been applied yet.
func (c *OperatorCommand) Pending() bool {
	return c.AppliedAt.IsZero()
}
