package coap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitterCallsHandlersInRegistrationOrder(t *testing.T) {
	e := newEmitter()
	var order []int
	e.On(EventResponse, func(Event) { order = append(order, 1) })
	e.On(EventResponse, func(Event) { order = append(order, 2) })
	e.On(EventTimeout, func(Event) { order = append(order, 99) })

	e.emit(Event{Type: EventResponse})

	require.Equal(t, []int{1, 2}, order)
}

func TestEmitterIgnoresUnregisteredType(t *testing.T) {
	e := newEmitter()
	called := false
	e.On(EventResponse, func(Event) { called = true })

	e.emit(Event{Type: EventTimeout})

	require.False(t, called)
}

func TestEmitterPassesEventPayload(t *testing.T) {
	e := newEmitter()
	var got Event
	e.On(EventRequestError, func(ev Event) { got = ev })

	msg := &Message{MessageID: 42}
	e.emit(Event{Type: EventRequestError, Message: msg, Err: ErrMalformed})

	require.Equal(t, EventRequestError, got.Type)
	require.Equal(t, msg, got.Message)
	require.ErrorIs(t, got.Err, ErrMalformed)
}
