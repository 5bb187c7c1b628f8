package coap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestExchange(payload []byte, blockSize int, observe bool) (*Exchange, *Request) {
	msg := NewRequest(Confirmable, GET)
	msg.Remote = NewEndpoint("127.0.0.1", 5683)
	msg.Token = []byte{0x01}
	msg.Payload = payload
	if observe {
		msg.SetObserve(true)
	}
	req := &Request{Message: msg, emitter: newEmitter()}
	ex := newExchange(req, blockSize, time.Minute, 4, 2*time.Second, 1.5)
	return ex, req
}

func TestNewExchangeDetectsOutgoingBlockwise(t *testing.T) {
	ex, _ := newTestExchange(make([]byte, 100), 32, false)
	require.True(t, ex.hasOutgoingBlockwise())

	ex2, _ := newTestExchange(make([]byte, 10), 32, false)
	require.False(t, ex2.hasOutgoingBlockwise())
}

func TestNewExchangeDetectsObserveEligibility(t *testing.T) {
	ex, _ := newTestExchange(nil, 512, true)
	require.True(t, ex.observeEligible)

	ex2, _ := newTestExchange(nil, 512, false)
	require.False(t, ex2.observeEligible)
}

func TestOutgoingBlock1ChunkSequence(t *testing.T) {
	ex, req := newTestExchange(make([]byte, 70), 32, false)

	assignID := func() func() uint16 {
		id := uint16(0)
		return func() uint16 { id++; return id }
	}()

	m1 := ex.buildBlock1Message(assignID, req.Message)
	blk1, ok := m1.GetBlock1()
	require.True(t, ok)
	require.Equal(t, uint32(0), blk1.Num)
	require.True(t, blk1.More)
	require.Len(t, m1.Payload, 32)

	resp1 := &Message{Code: Continue}
	resp1.SetBlock1(0, true, sizeToSZX(32))
	outcome := ex.handleBlock1Ack(resp1)
	require.Equal(t, outcomeBlock1Continue, outcome)

	m2 := ex.buildBlock1Message(assignID, req.Message)
	blk2, ok := m2.GetBlock1()
	require.True(t, ok)
	require.Equal(t, uint32(1), blk2.Num)
	require.True(t, blk2.More)
	require.Len(t, m2.Payload, 32)

	resp2 := &Message{Code: Continue}
	resp2.SetBlock1(1, true, sizeToSZX(32))
	outcome = ex.handleBlock1Ack(resp2)
	require.Equal(t, outcomeBlock1Continue, outcome)

	m3 := ex.buildBlock1Message(assignID, req.Message)
	blk3, ok := m3.GetBlock1()
	require.True(t, ok)
	require.Equal(t, uint32(2), blk3.Num)
	require.False(t, blk3.More)
	require.Len(t, m3.Payload, 6)

	resp3 := &Message{Code: Changed}
	resp3.SetBlock1(2, false, sizeToSZX(32))
	outcome = ex.handleBlock1Ack(resp3)
	require.Equal(t, outcomeBlock1Done, outcome)
	require.False(t, ex.hasOutgoingBlockwise())
}

func TestIncomingBlock2Reassembly(t *testing.T) {
	ex, _ := newTestExchange(nil, 512, false)

	block0 := &Message{Code: Content, Payload: []byte("hello ")}
	block0.SetBlock2(0, true, sizeToSZX(16))
	outcome := ex.handleBlock2(block0, true)
	require.Equal(t, outcomeBlock2Received, outcome)

	block1 := &Message{Code: Content, Payload: []byte("world")}
	block1.SetBlock2(1, false, sizeToSZX(16))
	outcome = ex.handleBlock2(block1, true)
	require.Equal(t, outcomeBlock2Done, outcome)

	final := ex.assembleResponse(block1)
	require.Equal(t, []byte("hello world"), final.Payload)
}

func TestIncomingBlock2RejectsOutOfOrder(t *testing.T) {
	ex, _ := newTestExchange(nil, 512, false)

	block0 := &Message{Code: Content, Payload: []byte("a")}
	block0.SetBlock2(0, true, sizeToSZX(16))
	require.Equal(t, outcomeBlock2Received, ex.handleBlock2(block0, true))

	skip := &Message{Code: Content, Payload: []byte("c")}
	skip.SetBlock2(2, false, sizeToSZX(16))
	require.Equal(t, outcomeInvalidBlockRST, ex.handleBlock2(skip, true))
}

func TestHandleBlock1AckIgnoresBlock1OnNonBlockwiseExchange(t *testing.T) {
	// A plain GET/Observe/simple-response exchange never sets ex.out; a
	// server reply that nonetheless carries a Block1 option must not
	// dereference it.
	ex, _ := newTestExchange(nil, 512, false)
	require.Nil(t, ex.out)

	resp := &Message{Code: Changed}
	resp.SetBlock1(0, false, sizeToSZX(64))

	require.NotPanics(t, func() {
		outcome := ex.handleBlock1Ack(resp)
		require.Equal(t, outcomeInvalidBlockSilent, outcome)
	})
}

func TestHandleBlock1AckRejectsLargerSZXThanRequested(t *testing.T) {
	ex, _ := newTestExchange(make([]byte, 100), 32, false)
	require.True(t, ex.hasOutgoingBlockwise())

	resp := &Message{Code: Continue}
	resp.SetBlock1(0, true, sizeToSZX(64)) // larger than our requested 32

	outcome := ex.handleBlock1Ack(resp)
	require.Equal(t, outcomeInvalidBlockSilent, outcome)
	// The cursor must not have advanced on a rejected ACK.
	require.Equal(t, uint32(0), ex.out.num)
}

func TestIsNewerObserveSequenceWindow(t *testing.T) {
	ex, _ := newTestExchange(nil, 512, true)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.True(t, ex.isNewerObserve(1, now))
	ex.recordObserve(1, 60, now)

	require.True(t, ex.isNewerObserve(2, now))
	require.False(t, ex.isNewerObserve(1, now))
	require.False(t, ex.isNewerObserve(0, now))
}

func TestIsNewerObserveWallClockFallback(t *testing.T) {
	ex, _ := newTestExchange(nil, 512, true)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ex.recordObserve(5, 60, now)

	stale := now.Add(lateNotificationWindow + time.Second)
	require.True(t, ex.isNewerObserve(3, stale), "old seq after the wall-clock window must count as newer")
}

func TestExchangeCancelEmitsOnce(t *testing.T) {
	ex, req := newTestExchange(nil, 512, false)
	count := 0
	req.OnCancelled(func(Event) { count++ })

	ex.cancel()
	ex.cancel()

	require.Equal(t, 1, count)
	require.True(t, ex.isDone())
}
