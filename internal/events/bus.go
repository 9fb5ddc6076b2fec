// Package events provides the in-process domain event bus used by the
// case and alerting services to notify downstream consumers.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types emitted by the engine.
const (
	TypeCaseCreated        = "caseCreated"
	TypeViolationAdded     = "violationAdded"
	TypeCaseEscalated      = "caseEscalated"
	TypeCaseStatusUpdated  = "caseStatusUpdated"
	TypeSARFiled           = "sarFiled"
	TypeAlertTriggered     = "alert_triggered"
	TypeAlertEscalated     = "alert_escalated"
	TypeAlertStatusChanged = "alert_status_changed"
)

// Event is a single domain event with a typed payload.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// Sink receives published events. Implementations must not block; slow
// consumers should buffer internally.
type Sink interface {
	Handle(event Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(event Event)

// Handle calls f(event).
func (f SinkFunc) Handle(event Event) { f(event) }

// Bus fans out domain events to registered sinks. Each event is delivered
// to every sink exactly once, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	logger *zap.SugaredLogger
	sinks  []Sink
}

// NewBus creates a new event bus.
func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a sink for all subsequent events.
func (b *Bus) Subscribe(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Publish delivers the event to all registered sinks. A panicking sink is
// recovered and logged so one consumer cannot take down the publisher.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, sink := range sinks {
		b.deliver(sink, event)
	}
}

func (b *Bus) deliver(sink Sink, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("Event sink panicked",
				"event_type", event.Type,
				"event_id", event.ID,
				"panic", r)
		}
	}()
	sink.Handle(event)
}
