package coap

import (
	"math/rand"
	"time"
)

// Default reliability parameters (section 6).
const (
	DefaultAckTimeout      = 2000 * time.Millisecond
	DefaultAckRandomFactor = 1.5
	DefaultMaxRetransmit   = 4
)

// DefaultExchangeTimeout is ackTimeout * 2^(maxRetransmit+1) *
// ackRandomFactor, computed from the package defaults above (~96s).
func DefaultExchangeTimeout() time.Duration {
	return computeExchangeTimeout(DefaultAckTimeout, DefaultAckRandomFactor, DefaultMaxRetransmit)
}

func computeExchangeTimeout(ackTimeout time.Duration, ackRandomFactor float64, maxRetransmit int) time.Duration {
	mult := float64(uint64(1) << uint(maxRetransmit+1))
	return time.Duration(float64(ackTimeout) * mult * ackRandomFactor)
}

// transactionStatus is the outcome a Transaction's retry cycle settles
// into.
type transactionStatus int

const (
	transactionPending transactionStatus = iota
	transactionAcknowledged
	transactionReset
	transactionTimedOut
	transactionCancelled
)

// Transaction is the per-CON reliability state machine (section 4.5). It
// is owned by the Client, keyed by TransactionKey, and talks back to the
// user only through its parentRequest (a non-owning reference — see
// section 9's design note on that back-reference).
type Transaction struct {
	key         string
	exchangeKey string

	msg           *Message
	parentRequest *Request

	ackTimeout      time.Duration
	ackRandomFactor float64
	maxRetransmit   int

	currentTimeout time.Duration
	retryCount     int
	status         transactionStatus

	timer *time.Timer
}

func newTransaction(msg *Message, exchangeKey string, parentRequest *Request, ackTimeout time.Duration, ackRandomFactor float64, maxRetransmit int) *Transaction {
	t := &Transaction{
		key:             msg.TransactionKey(),
		exchangeKey:     exchangeKey,
		msg:             msg,
		parentRequest:   parentRequest,
		ackTimeout:      ackTimeout,
		ackRandomFactor: ackRandomFactor,
		maxRetransmit:   maxRetransmit,
	}
	t.currentTimeout = t.randomInitialTimeout()
	return t
}

// randomInitialTimeout draws uniformly from [ackTimeout, ackTimeout *
// ackRandomFactor).
func (t *Transaction) randomInitialTimeout() time.Duration {
	lo := float64(t.ackTimeout)
	hi := lo * t.ackRandomFactor
	if hi <= lo {
		return t.ackTimeout
	}
	return time.Duration(lo + rand.Float64()*(hi-lo))
}

// expire is called when currentTimeout elapses with no ACK/RST. It
// returns true when the retransmission budget is exhausted (the
// transaction is now transactionTimedOut); otherwise it doubles
// currentTimeout and increments retryCount, and the caller should
// retransmit t.msg and reschedule for t.currentTimeout.
func (t *Transaction) expire() (timedOut bool) {
	t.retryCount++
	if t.retryCount > t.maxRetransmit {
		t.status = transactionTimedOut
		return true
	}
	t.currentTimeout *= 2
	return false
}

// accept marks the transaction acknowledged and emits EventAcknowledged
// on its parentRequest, if set (the only request a Transaction holds).
func (t *Transaction) accept(ack *Message) {
	if t.status != transactionPending {
		return
	}
	t.status = transactionAcknowledged
	t.emit(EventAcknowledged, ack)
}

// reject marks the transaction reset and emits EventReset.
func (t *Transaction) reject(rst *Message) {
	if t.status != transactionPending {
		return
	}
	t.status = transactionReset
	t.emit(EventReset, rst)
}

// timeout marks the transaction timed out and emits EventTimeout.
func (t *Transaction) timeout() {
	t.status = transactionTimedOut
	t.emit(EventTimeout, nil)
}

// cancel marks the transaction cancelled without emitting any event
// (cancellation's own event is emitted once by the owning Exchange/Client,
// not per-transaction).
func (t *Transaction) cancel() {
	t.status = transactionCancelled
}

func (t *Transaction) emit(evt EventType, msg *Message) {
	if t.parentRequest == nil {
		return
	}
	t.parentRequest.emitter.emit(Event{Type: evt, Message: msg})
}
