package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestBusDeliversToAllSinks(t *testing.T) {
	bus := NewBus(zap.NewNop().Sugar())

	var first, second []string
	bus.Subscribe(SinkFunc(func(e Event) { first = append(first, e.Type) }))
	bus.Subscribe(SinkFunc(func(e Event) { second = append(second, e.Type) }))

	bus.Publish(Event{ID: "1", Type: TypeCaseCreated, Timestamp: time.Now()})
	bus.Publish(Event{ID: "2", Type: TypeAlertTriggered, Timestamp: time.Now()})

	assert.Equal(t, []string{TypeCaseCreated, TypeAlertTriggered}, first)
	assert.Equal(t, []string{TypeCaseCreated, TypeAlertTriggered}, second)
}

func TestBusRecoversPanickingSink(t *testing.T) {
	bus := NewBus(zap.NewNop().Sugar())

	var delivered []string
	bus.Subscribe(SinkFunc(func(Event) { panic("consumer bug") }))
	bus.Subscribe(SinkFunc(func(e Event) { delivered = append(delivered, e.ID) }))

	assert.NotPanics(t, func() {
		bus.Publish(Event{ID: "1", Type: TypeSARFiled})
	})
	assert.Equal(t, []string{"1"}, delivered)
}

func TestBusWithoutSinks(t *testing.T) {
	bus := NewBus(zap.NewNop().Sugar())
	assert.NotPanics(t, func() {
		bus.Publish(Event{ID: "1", Type: TypeCaseEscalated})
	})
}
