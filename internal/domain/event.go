package domain

import "time"

// EventKind classifies observability events.
type EventKind string

const (
	EventAdmission  EventKind = "admission"
	EventTransition EventKind = "transition"
	EventStopMoved  EventKind = "stop_moved"
	EventAnomaly    EventKind = "anomaly"
	EventRisk       EventKind = "risk"
	EventStuck      EventKind = "stuck_position"
	EventAdjustment EventKind = "adjustment"
	EventSession    EventKind = "session"
)

// Event is emitted for every admission decision, state transition and
// governor action. The core only emits events, it never stores them.
type Event struct {
	ID         string
	Time       time.Time
	Kind       EventKind
	AgentID    string
	PositionID string
	Symbol     string
	Message    string
	Fields     map[string]interface{}
}
