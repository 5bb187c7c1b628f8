package coap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeExchangeTimeout(t *testing.T) {
	got := DefaultExchangeTimeout()
	want := time.Duration(float64(DefaultAckTimeout) * 32 * DefaultAckRandomFactor)
	require.Equal(t, want, got)
}

func TestTransactionRandomInitialTimeoutWithinBounds(t *testing.T) {
	msg := &Message{Remote: NewEndpoint("127.0.0.1", 5683), MessageID: 1}
	tx := newTransaction(msg, "ex1", nil, 100*time.Millisecond, 1.5, 4)

	require.GreaterOrEqual(t, tx.currentTimeout, 100*time.Millisecond)
	require.Less(t, tx.currentTimeout, 150*time.Millisecond)
}

func TestTransactionExpireDoublesTimeoutUntilBudgetExhausted(t *testing.T) {
	msg := &Message{Remote: NewEndpoint("127.0.0.1", 5683), MessageID: 1}
	tx := newTransaction(msg, "ex1", nil, 100*time.Millisecond, 1.0, 2)
	tx.currentTimeout = 100 * time.Millisecond

	require.False(t, tx.expire())
	require.Equal(t, 200*time.Millisecond, tx.currentTimeout)

	require.False(t, tx.expire())
	require.Equal(t, 400*time.Millisecond, tx.currentTimeout)

	require.True(t, tx.expire())
	require.Equal(t, transactionTimedOut, tx.status)
}

func TestTransactionAcceptEmitsOnceAndIsIdempotent(t *testing.T) {
	msg := &Message{Remote: NewEndpoint("127.0.0.1", 5683), MessageID: 1}
	req := &Request{Message: msg, emitter: newEmitter()}
	tx := newTransaction(msg, "ex1", req, 100*time.Millisecond, 1.0, 4)

	count := 0
	req.OnAcknowledged(func(Event) { count++ })

	ack := &Message{Type: Acknowledgement, Code: Empty}
	tx.accept(ack)
	tx.accept(ack) // second call on a non-pending transaction must be a no-op

	require.Equal(t, 1, count)
	require.Equal(t, transactionAcknowledged, tx.status)
}

func TestTransactionRejectEmitsReset(t *testing.T) {
	msg := &Message{Remote: NewEndpoint("127.0.0.1", 5683), MessageID: 1}
	req := &Request{Message: msg, emitter: newEmitter()}
	tx := newTransaction(msg, "ex1", req, 100*time.Millisecond, 1.0, 4)

	var got Event
	req.OnReset(func(ev Event) { got = ev })

	rst := &Message{Type: Reset, Code: Empty}
	tx.reject(rst)

	require.Equal(t, EventReset, got.Type)
	require.Equal(t, transactionReset, tx.status)
}

func TestTransactionCancelSuppressesFurtherEvents(t *testing.T) {
	msg := &Message{Remote: NewEndpoint("127.0.0.1", 5683), MessageID: 1}
	req := &Request{Message: msg, emitter: newEmitter()}
	tx := newTransaction(msg, "ex1", req, 100*time.Millisecond, 1.0, 4)

	called := false
	req.OnAcknowledged(func(Event) { called = true })

	tx.cancel()
	tx.accept(&Message{Type: Acknowledgement})

	require.False(t, called)
	require.Equal(t, transactionCancelled, tx.status)
}
