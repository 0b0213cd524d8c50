package logger

import (
	"context"

	"g13lab/internal/domain"
	"g13lab/internal/ports"
)

// EventLogger mirrors observability events to a logger.
type EventLogger struct {
	logger ports.Logger
}

// NewEventLogger creates an event sink writing to logger.
func NewEventLogger(logger ports.Logger) *EventLogger {
	return &EventLogger{logger: logger}
}

// Emit implements ports.EventSink. Risk, anomaly and stuck-position events
// log at warn level and admissions at debug.
func (e *EventLogger) Emit(ctx context.Context, ev domain.Event) {
	fields := make(map[string]interface{}, len(ev.Fields)+4)
	for k, v := range ev.Fields {
		fields[k] = v
	}
	fields["eventID"] = ev.ID
	fields["kind"] = ev.Kind
	if ev.AgentID != "" {
		fields["agentID"] = ev.AgentID
	}
	if ev.Symbol != "" {
		fields["symbol"] = ev.Symbol
	}
	if ev.PositionID != "" {
		fields["positionID"] = ev.PositionID
	}

	msg := "event: " + ev.Message
	switch ev.Kind {
	case domain.EventRisk, domain.EventAnomaly, domain.EventStuck:
		e.logger.Warn(ctx, msg, fields)
	case domain.EventAdmission:
		e.logger.Debug(ctx, msg, fields)
	default:
		e.logger.Info(ctx, msg, fields)
	}
}
