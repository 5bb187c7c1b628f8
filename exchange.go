package coap

import (
	"math"
	"time"
)

// lateNotificationWindow is the wall-clock margin beyond which an Observe
// notification is treated as "newer" regardless of sequence-number
// comparison (section 4.6).
const lateNotificationWindow = 128 * time.Second

// observeSeqWindow is half of 2^24, used by the sequence-number
// comparison in RFC 7641 section 3.4 (here literally 2^23 per section
// 4.6 of the distilled spec).
const observeSeqWindow = 1 << 23

// outgoingBlock1 tracks the Block1 cursor over a request payload being
// segmented for upload (section 4.6, "Outgoing blockwise").
type outgoingBlock1 struct {
	payload []byte
	szx     uint8
	size    int
	num     uint32
}

func newOutgoingBlock1(payload []byte, blockSize int) *outgoingBlock1 {
	return &outgoingBlock1{payload: payload, szx: sizeToSZX(blockSize), size: blockSize, num: 0}
}

// chunk returns the payload slice and more-flag for the current num.
func (o *outgoingBlock1) chunk() (data []byte, more bool) {
	start := int(o.num) * o.size
	if start >= len(o.payload) {
		return nil, false
	}
	end := start + o.size
	if end > len(o.payload) {
		end = len(o.payload)
	}
	return o.payload[start:end], end < len(o.payload)
}

// renegotiate recomputes the cursor when the server ACKs with a smaller
// SZX than requested: num = ceil((num+1) * oldSize / newSize) - 1.
func (o *outgoingBlock1) renegotiate(newSZX uint8) {
	newSize := szxToSize(newSZX)
	if newSize >= o.size {
		return
	}
	o.num = uint32(math.Ceil(float64(o.num+1)*float64(o.size)/float64(newSize))) - 1
	o.size = newSize
	o.szx = newSZX
}

// incomingBlock2 accumulates a response body being reassembled from
// Block2 blocks (section 4.6, "Incoming blockwise").
type incomingBlock2 struct {
	cur           *BlockOption
	payload       []byte
	firstObserve  *uint32
	blockSizeCap  int
}

func newIncomingBlock2(blockSizeCap int) *incomingBlock2 {
	return &incomingBlock2{blockSizeCap: blockSizeCap}
}

// accept validates and, if valid, appends block's payload. observeSeq is
// the Observe value on this block's message, if any (required to match
// the first block's value for observer-driven sequences).
func (b *incomingBlock2) accept(block BlockOption, data []byte, observeSeq *uint32) bool {
	if block.Size() > b.blockSizeCap {
		return false
	}
	if b.cur == nil {
		if block.Num != 0 {
			return false
		}
		b.firstObserve = observeSeq
	} else {
		if block.Num != b.cur.Num+1 {
			return false
		}
		if block.SZX > b.cur.SZX {
			return false
		}
		if b.firstObserve != nil {
			if observeSeq == nil || *observeSeq != *b.firstObserve {
				return false
			}
		}
	}
	b.payload = append(b.payload, data...)
	blk := block
	b.cur = &blk
	return true
}

// exchangeStatus mirrors transactionStatus but for the coarser,
// longer-lived Exchange lifecycle.
type exchangeStatus int

const (
	exchangeActive exchangeStatus = iota
	exchangeFinished
	exchangeCancelled
)

// Exchange is the per-(endpoint,token) logical operation (section 4.6):
// blockwise segmentation/reassembly, Observe tracking, and the bridge
// between wire-level events and the user-visible Request.
type Exchange struct {
	Key     string
	Remote  *Endpoint
	Token   []byte
	Request *Request

	blockSize       int
	exchangeTimeout time.Duration
	maxRetransmit   int
	ackTimeout      time.Duration
	ackRandomFactor float64

	out *outgoingBlock1
	in  *incomingBlock2

	observeEligible bool
	subscribed      bool
	lastSeq         *uint32
	lastSeqAt       time.Time
	lastMaxAge      uint32
	serverInitiative bool

	transactionKey string
	status         exchangeStatus
	timer          *time.Timer
}

func newExchange(req *Request, blockSize int, exchangeTimeout time.Duration, maxRetransmit int, ackTimeout time.Duration, ackRandomFactor float64) *Exchange {
	ex := &Exchange{
		Key:             req.Message.ExchangeKey(),
		Remote:          req.Message.Remote,
		Token:           req.Message.Token,
		Request:         req,
		blockSize:       blockSize,
		exchangeTimeout: exchangeTimeout,
		maxRetransmit:   maxRetransmit,
		ackTimeout:      ackTimeout,
		ackRandomFactor: ackRandomFactor,
		observeEligible: req.Message.IsObserveRegistration(),
	}
	if len(req.Message.Payload) > blockSize {
		if _, has := req.Message.GetBlock1(); !has {
			ex.out = newOutgoingBlock1(req.Message.Payload, blockSize)
		}
	}
	return ex
}

// IsSubscription reports whether this exchange currently holds an active
// Observe subscription.
func (ex *Exchange) IsSubscription() bool { return ex.subscribed }

// hasOutgoingBlockwise reports whether this exchange still has Block1
// segments left to send.
func (ex *Exchange) hasOutgoingBlockwise() bool { return ex.out != nil }

// buildBlock1Message composes the next outgoing Block1 CON, copying the
// parent request's URI/options/token, a fresh message ID (assigned by the
// caller), and the current payload slice.
func (ex *Exchange) buildBlock1Message(assignID func() uint16, tmpl *Message) *Message {
	data, more := ex.out.chunk()
	m := &Message{
		Type:    Confirmable,
		Code:    tmpl.Code,
		Remote:  tmpl.Remote,
		Token:   tmpl.Token,
		Payload: data,
	}
	m.SetAllOptions(tmpl.AllOptions())
	m.RemoveOption(Block1)
	m.SetBlock1(ex.out.num, more, ex.out.szx)
	m.MessageID = assignID()
	return m
}

// blockOutcome describes what the Client should do after feeding a
// response into the Exchange's Block1/Block2 logic.
type blockOutcome int

const (
	outcomeSimpleResponse blockOutcome = iota
	outcomeBlock1Continue
	outcomeBlock1Done
	outcomeBlock1SwitchToBlock2
	outcomeBlock2Received
	outcomeBlock2Done
	outcomeInvalidBlockACK
	outcomeInvalidBlockRST
	outcomeInvalidBlockSilent
)

// handleBlock1Ack processes a response carrying a Block1 option while an
// outgoing Block1 transfer is in progress (section 4.6).
func (ex *Exchange) handleBlock1Ack(resp *Message) blockOutcome {
	if ex.out == nil {
		return outcomeInvalidBlockSilent
	}
	ackBlock, ok := resp.GetBlock1()
	if !ok || ackBlock.Num != ex.out.num {
		return outcomeInvalidBlockSilent
	}
	if ackBlock.SZX > ex.out.szx {
		// A conforming ACK echoes our SZX or negotiates down to a smaller
		// one; a larger SZX is not a valid match (section 4.6).
		return outcomeInvalidBlockSilent
	}
	if ackBlock.SZX < ex.out.szx {
		ex.out.renegotiate(ackBlock.SZX)
	}
	ex.out.num++
	if data, _ := ex.out.chunk(); data != nil {
		return outcomeBlock1Continue
	}
	ex.out = nil
	if _, has := resp.GetBlock2(); has {
		return outcomeBlock1SwitchToBlock2
	}
	return outcomeBlock1Done
}

// handleBlock2 processes a response carrying a Block2 option (section
// 4.6, "Incoming blockwise"). It returns an outcome describing whether to
// ACK/RST/ignore an invalid block, emit BlockReceived and continue, or
// assemble the final response.
func (ex *Exchange) handleBlock2(resp *Message, isCON bool) blockOutcome {
	block, ok := resp.GetBlock2()
	if !ok {
		return outcomeSimpleResponse
	}
	if ex.in == nil {
		ex.in = newIncomingBlock2(ex.blockSize)
	}
	var observeSeq *uint32
	if seq, present := resp.GetObserve(); present {
		observeSeq = &seq
	}
	if !ex.in.accept(block, resp.Payload, observeSeq) {
		if isCON {
			if observeSeq != nil {
				return outcomeInvalidBlockACK
			}
			return outcomeInvalidBlockRST
		}
		return outcomeInvalidBlockSilent
	}
	if block.More {
		return outcomeBlock2Received
	}
	return outcomeBlock2Done
}

// assembleResponse builds the synthetic final response once the last
// Block2 block (More=false) has been accepted: it copies
// type/code/id/token/options/endpoint of the last block message and
// attaches the concatenated payload.
func (ex *Exchange) assembleResponse(last *Message) *Message {
	out := &Message{
		Type:      last.Type,
		Code:      last.Code,
		MessageID: last.MessageID,
		Token:     last.Token,
		Remote:    last.Remote,
		Payload:   ex.in.payload,
	}
	out.SetAllOptions(last.AllOptions())
	ex.in = nil
	return out
}

// isNewerObserve implements the late-notification comparison of section
// 4.6: a response is "newer" (not late) iff the sequence-number window
// test passes, OR the wall-clock gap since the prior notification exceeds
// lateNotificationWindow.
func (ex *Exchange) isNewerObserve(seq uint32, now time.Time) bool {
	if ex.lastSeq == nil {
		return true
	}
	v1, v2 := *ex.lastSeq, seq
	switch {
	case v1 < v2 && v2-v1 < observeSeqWindow:
		return true
	case v1 > v2 && v1-v2 > observeSeqWindow:
		return true
	case now.After(ex.lastSeqAt.Add(lateNotificationWindow)):
		return true
	default:
		return false
	}
}

// recordObserve updates the last-seen sequence/time/Max-Age bookkeeping
// used for late-notification detection and exchange-timeout re-arming.
func (ex *Exchange) recordObserve(seq uint32, maxAge uint32, now time.Time) {
	ex.lastSeq = &seq
	ex.lastSeqAt = now
	ex.lastMaxAge = maxAge
}

// finish marks the exchange finished (terminal) without emitting any
// event itself; the Client emits the appropriate terminal event.
func (ex *Exchange) finish() {
	if ex.status == exchangeActive {
		ex.status = exchangeFinished
	}
}

// cancel marks the exchange cancelled and emits EventCancelled exactly
// once (idempotent per section 5).
func (ex *Exchange) cancel() {
	if ex.status != exchangeActive {
		return
	}
	ex.status = exchangeCancelled
	ex.Request.emitter.emit(Event{Type: EventCancelled})
}

// isDone reports whether the exchange has left the active state.
func (ex *Exchange) isDone() bool { return ex.status != exchangeActive }
