// Package events builds observability events and fans them out to sinks.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"g13lab/internal/domain"
	"g13lab/internal/ports"
)

// New returns an event stamped with a fresh ID and the current time.
func New(kind domain.EventKind, msg string, fields map[string]interface{}) domain.Event {
	return domain.Event{
		ID:      uuid.NewString(),
		Time:    time.Now().UTC(),
		Kind:    kind,
		Message: msg,
		Fields:  fields,
	}
}

// Fanout forwards every event to all registered sinks.
type Fanout struct {
	mu    sync.RWMutex
	sinks []ports.EventSink
}

// NewFanout creates a fan-out over the given sinks.
func NewFanout(sinks ...ports.EventSink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Add registers another sink.
func (f *Fanout) Add(sink ports.EventSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, sink)
}

// Emit implements ports.EventSink.
func (f *Fanout) Emit(ctx context.Context, event domain.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.sinks {
		s.Emit(ctx, event)
	}
}

// Recorder keeps emitted events in memory. Used by tests and the CLI.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

// Emit implements ports.EventSink.
func (r *Recorder) Emit(_ context.Context, event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of the given kind.
func (r *Recorder) OfKind(kind domain.EventKind) []domain.Event {
	var out []domain.Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
