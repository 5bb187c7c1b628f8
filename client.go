package coap

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Socket is the narrow write-side abstraction the Client depends on; a
// transport.UDPTransport implements it by owning the real net.UDPConn(s).
// The Client never calls net.Dial/net.Listen itself (section 4.8).
type Socket interface {
	WriteTo(b []byte, addr *Endpoint) error
	Close() error
}

// ClientConfig holds the overridable reliability/blockwise/token
// parameters (section 6's defaults table) plus optional metrics wiring.
type ClientConfig struct {
	AckTimeout           time.Duration
	AckRandomFactor      float64
	MaxRetransmit        int
	ExchangeTimeout      time.Duration
	DuplicateTimeout     time.Duration
	BlockSize            int
	TokenMaxSize         int
	EmptySafekeepingTime time.Duration

	// Metrics, if non-nil, is registered against the *prometheus.Registry
	// the caller passed to NewMetrics (section 6, "Metrics surface").
	Metrics *Metrics
}

func (c *ClientConfig) setDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.AckRandomFactor <= 0 {
		c.AckRandomFactor = DefaultAckRandomFactor
	}
	if c.MaxRetransmit <= 0 {
		c.MaxRetransmit = DefaultMaxRetransmit
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = computeExchangeTimeout(c.AckTimeout, c.AckRandomFactor, c.MaxRetransmit)
	}
	if c.DuplicateTimeout <= 0 {
		c.DuplicateTimeout = c.ExchangeTimeout / 2
	}
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
}

// RequestOptions customises a single Client.Request call, overriding the
// client-wide defaults.
type RequestOptions struct {
	Confirmable   bool
	BlockSize     int
	IncludeBlock2 bool
	Observe       bool
}

// Client is the CoAP client coordinator (section 4.7): it owns the
// transaction/exchange/observer/dedup tables and a single dispatch
// goroutine that serialises every state mutation, per the concurrency
// model in section 5.
type Client struct {
	cfg    ClientConfig
	socket Socket
	tokens *TokenManager

	nextMessageID atomic.Uint32

	transactions map[string]*Transaction
	exchanges    map[string]*Exchange
	// observers maps "endpoint|uri-path" to the subscribing Exchange.
	observers map[string]*Exchange
	dedup     *dedupCache

	clientEmitter *emitter

	workCh  chan func()
	closeCh chan struct{}
	wg      sync.WaitGroup
	closed  bool
	closeMu sync.Mutex

	now func() time.Time
}

// NewClient builds a Client bound to socket, starting its dispatch
// goroutine. Call Destroy to stop it and release resources.
func NewClient(socket Socket, cfg ClientConfig) *Client {
	cfg.setDefaults()
	c := &Client{
		cfg:           cfg,
		socket:        socket,
		tokens:        NewTokenManager(cfg.TokenMaxSize, cfg.EmptySafekeepingTime),
		transactions:  make(map[string]*Transaction),
		exchanges:     make(map[string]*Exchange),
		observers:     make(map[string]*Exchange),
		dedup:         newDedupCache(),
		clientEmitter: newEmitter(),
		workCh:        make(chan func(), 256),
		closeCh:       make(chan struct{}),
		now:           time.Now,
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// On registers a handler for a client-level event (message sent, message
// received, error, transaction timeout, exchange timeout).
func (c *Client) On(t EventType, fn func(Event)) {
	c.clientEmitter.On(t, fn)
}

// run is the Client's single dispatch goroutine: every public method and
// every timer callback posts a closure here instead of mutating state
// directly, so no mutex is needed over the transaction/exchange/observer
// maps.
func (c *Client) run() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.workCh:
			fn()
		case <-c.closeCh:
			c.drainAndStop()
			return
		}
	}
}

func (c *Client) drainAndStop() {
	for {
		select {
		case fn := <-c.workCh:
			fn()
		default:
			return
		}
	}
}

// post schedules fn to run on the dispatch goroutine. Safe to call from
// any goroutine.
func (c *Client) post(fn func()) {
	select {
	case c.workCh <- fn:
	case <-c.closeCh:
	}
}

// nextMessageIDValue returns the next message ID, wrapping 1..0xFFFF
// (section 4.7: "assigns the next message ID (wrapping 1..0xFFFF)").
// Safe for concurrent use: Request may be called from any goroutine.
func (c *Client) nextMessageIDValue() uint16 {
	for {
		v := c.nextMessageID.Inc()
		if v > 0xffff {
			if c.nextMessageID.CAS(v, 1) {
				return 1
			}
			continue
		}
		return uint16(v)
	}
}

// Request sends msg: assigns a message ID and token, creates an Exchange
// (and, if Confirmable, a Transaction), and arranges the write to happen
// after this call returns (section 4.7/5: "send returns before callback
// runs" — the actual socket write and any resulting event is scheduled on
// the dispatch goroutine, not performed inline).
func (c *Client) Request(msg *Message, opts RequestOptions) *Request {
	if msg.Token == nil {
		msg.Token = c.tokens.Acquire()
	}
	msg.MessageID = c.nextMessageIDValue()
	if opts.Confirmable || msg.Type == Confirmable {
		msg.Type = Confirmable
	} else if msg.Type != NonConfirmable {
		msg.Type = NonConfirmable
	}
	if opts.Observe {
		msg.SetObserve(true)
	}
	blockSize := opts.BlockSize
	if blockSize <= 0 {
		blockSize = c.cfg.BlockSize
	}
	if msg.Code == GET && (opts.IncludeBlock2 || opts.BlockSize > 0) {
		if _, has := msg.GetBlock2(); !has {
			msg.SetBlock2Size(0, false, blockSize)
		}
	}

	req := newRequest(c, msg)
	c.post(func() { c.startExchange(req, blockSize) })
	return req
}

func (c *Client) startExchange(req *Request, blockSize int) {
	msg := req.Message
	ex := newExchange(req, blockSize, c.cfg.ExchangeTimeout, c.cfg.MaxRetransmit, c.cfg.AckTimeout, c.cfg.AckRandomFactor)
	c.exchanges[ex.Key] = ex
	c.armExchangeTimeout(ex, c.cfg.ExchangeTimeout)
	c.cfg.Metrics.SetInflight(len(c.transactions), len(c.exchanges))

	if ex.hasOutgoingBlockwise() {
		c.sendBlock1(ex, req)
		return
	}
	c.sendMessage(req, msg, ex)
}

func (c *Client) sendBlock1(ex *Exchange, req *Request) {
	out := ex.buildBlock1Message(c.nextMessageIDValue, req.Message)
	c.sendMessage(req, out, ex)
}

// sendMessage marshals and writes m, registering a Transaction if m is
// Confirmable, and emits message sent / a deferred error on failure.
func (c *Client) sendMessage(req *Request, m *Message, ex *Exchange) {
	if m.IsConfirmable() {
		tx := newTransaction(m, ex.Key, req, c.cfg.AckTimeout, c.cfg.AckRandomFactor, c.cfg.MaxRetransmit)
		c.transactions[tx.key] = tx
		ex.transactionKey = tx.key
		c.armRetransmit(tx)
	}

	data, err := m.MarshalBinary()
	if err != nil {
		c.emitRequestError(req, fmt.Errorf("coap: encode failed: %w", err))
		return
	}
	if err := c.socket.WriteTo(data, m.Remote); err != nil {
		TraceWarn("[coap] send to %s failed: %s", m.Remote, err)
		c.emitRequestError(req, fmt.Errorf("coap: send failed: %w", err))
		c.clientEmitter.emit(Event{Type: EventClientError, Err: err})
		return
	}
	c.clientEmitter.emit(Event{Type: EventMessageSent, Message: m})
	c.logDebug("message sent to %s: %s %s", m.Remote, m.Type, m.Code)
}

func (c *Client) emitRequestError(req *Request, err error) {
	req.emitter.emit(Event{Type: EventRequestError, Err: err})
}

// armRetransmit schedules tx's retry timer.
func (c *Client) armRetransmit(tx *Transaction) {
	tx.timer = time.AfterFunc(tx.currentTimeout, func() {
		c.post(func() { c.onRetransmit(tx) })
	})
}

func (c *Client) onRetransmit(tx *Transaction) {
	if tx.status != transactionPending {
		return
	}
	if tx.expire() {
		tx.timeout()
		TraceWarn("[coap] transaction %s timed out after %d retries", tx.key, tx.retryCount)
		c.clientEmitter.emit(Event{Type: EventTransactionTimeout, Message: tx.msg})
		c.cfg.Metrics.ObserveTransactionTimeout()
		delete(c.transactions, tx.key)
		if ex, ok := c.exchanges[tx.exchangeKey]; ok {
			c.finishExchange(ex)
		}
		return
	}
	c.cfg.Metrics.ObserveRetransmission()
	data, err := tx.msg.MarshalBinary()
	if err == nil {
		_ = c.socket.WriteTo(data, tx.msg.Remote)
	}
	c.armRetransmit(tx)
}

// armExchangeTimeout (re)schedules ex's exchange-level timeout.
func (c *Client) armExchangeTimeout(ex *Exchange, d time.Duration) {
	if ex.timer != nil {
		ex.timer.Stop()
	}
	ex.timer = time.AfterFunc(d, func() {
		c.post(func() { c.onExchangeTimeout(ex) })
	})
}

func (c *Client) onExchangeTimeout(ex *Exchange) {
	if ex.isDone() {
		return
	}
	TraceWarn("[coap] exchange %s made no progress within its timeout window", ex.Key)
	c.clientEmitter.emit(Event{Type: EventExchangeTimeout, Message: ex.Request.Message})
	c.cfg.Metrics.ObserveExchangeTimeout()

	if ex.observeEligible && ex.subscribed {
		c.reregisterObserver(ex)
		return
	}
	ex.Request.emitter.emit(Event{Type: EventTimeout})
	c.finishExchange(ex)
}

// reregisterObserver implements section 7's ExchangeTimeout handling for
// active observations: drop the stale observer entry and reissue the
// original request with a new ID/token, preserving its options.
func (c *Client) reregisterObserver(ex *Exchange) {
	key := observerKey(ex.Remote, ex.Request.Message.GetURIPath())
	if cur, ok := c.observers[key]; ok && cur == ex {
		delete(c.observers, key)
	}
	delete(c.exchanges, ex.Key)

	newMsg := &Message{
		Type:   Confirmable,
		Code:   ex.Request.Message.Code,
		Remote: ex.Request.Message.Remote,
	}
	newMsg.SetAllOptions(ex.Request.Message.AllOptions())
	newMsg.RemoveOption(Block1)
	newMsg.RemoveOption(Block2)
	newMsg.Token = c.tokens.Acquire()
	newMsg.MessageID = c.nextMessageIDValue()

	req := newRequest(c, newMsg)
	// Mirror handlers registered on the original request so a silent
	// re-registration preserves the caller's observation callbacks.
	req.emitter = ex.Request.emitter
	nex := newExchange(req, ex.blockSize, c.cfg.ExchangeTimeout, ex.maxRetransmit, ex.ackTimeout, ex.ackRandomFactor)
	c.exchanges[nex.Key] = nex
	c.armExchangeTimeout(nex, c.cfg.ExchangeTimeout)
	c.sendMessage(req, newMsg, nex)
}

func observerKey(ep *Endpoint, path []string) string {
	host := "?"
	if ep != nil {
		host = ep.String()
	}
	return host + "|/" + joinPath(path)
}

func joinPath(path []string) string {
	out := ""
	for i, s := range path {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}

func (c *Client) finishExchange(ex *Exchange) {
	ex.finish()
	if ex.timer != nil {
		ex.timer.Stop()
	}
	delete(c.exchanges, ex.Key)
	if ex.transactionKey != "" {
		delete(c.transactions, ex.transactionKey)
	}
	c.tokens.Release(ex.Token)
	c.cfg.Metrics.SetInflight(len(c.transactions), len(c.exchanges))
}

// Get issues a confirmable GET to uri.
func (c *Client) Get(uri string, opts RequestOptions) (*Request, error) {
	return c.simpleRequest(GET, uri, nil, 0, opts)
}

// Observe issues a confirmable GET with Observe=0 to uri, registering a
// long-lived subscription.
func (c *Client) Observe(uri string, opts RequestOptions) (*Request, error) {
	opts.Observe = true
	return c.simpleRequest(GET, uri, nil, 0, opts)
}

// Post issues a confirmable POST carrying payload to uri.
func (c *Client) Post(uri string, payload []byte, cf MediaType, opts RequestOptions) (*Request, error) {
	return c.simpleRequest(POST, uri, payload, cf, opts)
}

// Put issues a confirmable PUT carrying payload to uri.
func (c *Client) Put(uri string, payload []byte, cf MediaType, opts RequestOptions) (*Request, error) {
	return c.simpleRequest(PUT, uri, payload, cf, opts)
}

// Delete issues a confirmable DELETE to uri.
func (c *Client) Delete(uri string, opts RequestOptions) (*Request, error) {
	return c.simpleRequest(DELETE, uri, nil, 0, opts)
}

func (c *Client) simpleRequest(code Code, uri string, payload []byte, cf MediaType, opts RequestOptions) (*Request, error) {
	msg := NewRequest(Confirmable, code)
	if err := msg.SetURI(uri); err != nil {
		return nil, err
	}
	if payload != nil {
		msg.Payload = payload
		msg.SetContentFormat(cf)
	}
	opts.Confirmable = true
	return c.Request(msg, opts), nil
}

// Cancel finishes the exchange and transaction correlated to req, removing
// any observer registration. Idempotent.
func (c *Client) Cancel(req *Request) {
	c.post(func() {
		key := req.Message.ExchangeKey()
		ex, ok := c.exchanges[key]
		if !ok {
			return
		}
		if ex.transactionKey != "" {
			if tx, ok := c.transactions[ex.transactionKey]; ok {
				tx.cancel()
				delete(c.transactions, ex.transactionKey)
			}
		}
		if ex.subscribed {
			okey := observerKey(ex.Remote, req.Message.GetURIPath())
			delete(c.observers, okey)
		}
		if ex.timer != nil {
			ex.timer.Stop()
		}
		delete(c.exchanges, key)
		c.tokens.Release(ex.Token)
		ex.cancel()
	})
}

// Deliver is called by the transport read loop with one decoded-or-raw
// datagram. It schedules the full incoming-dispatch algorithm (section
// 4.7) on the Client's dispatch goroutine and returns once the work is
// queued, without waiting for it to run; while the Client's work queue is
// full it waits for room (or for Destroy).
func (c *Client) Deliver(data []byte, from *Endpoint) {
	c.post(func() { c.dispatchIncoming(data, from) })
}

func (c *Client) dispatchIncoming(data []byte, from *Endpoint) {
	msg, err := ParseMessage(data)
	if err != nil {
		TraceWarn("[coap] malformed message from %s: %s", from, err)
		c.clientEmitter.emit(Event{Type: EventClientError, Err: fmt.Errorf("coap: malformed message from %s: %w", from, err)})
		return
	}
	msg.Remote = from
	msg.ReceivedAt = c.now()
	c.clientEmitter.emit(Event{Type: EventMessageReceived, Message: msg})

	msgKey := msg.MessageKey()
	if txKey, dup := c.dedup.seen(msgKey); dup {
		c.cfg.Metrics.ObserveDuplicate()
		if reply, ok := c.dedup.replyFor(txKey); ok {
			data, err := reply.MarshalBinary()
			if err == nil {
				_ = c.socket.WriteTo(data, from)
			}
		}
		return
	}
	c.dedup.record(msgKey, msg.TransactionKey(), c.cfg.DuplicateTimeout, nil)

	if msg.Code.IsRequest() {
		c.rejectUnsolicited(msg)
		return
	}

	if msg.Type == Reset {
		c.handleReset(msg)
		return
	}

	if msg.Type == Acknowledgement && msg.Code == Empty {
		if tx, ok := c.transactions[msg.TransactionKey()]; ok {
			tx.accept(msg)
		}
		return
	}

	ex, ok := c.exchanges[msg.ExchangeKey()]
	if !ok {
		if msg.IsConfirmable() {
			c.sendRST(msg)
		}
		return
	}
	c.handleExchangeMessage(ex, msg)
}

// rejectUnsolicited answers an unexpected request-coded datagram: RST for
// CON, silently drop NON (section 4.7 step 5 — a client never serves
// requests of its own).
func (c *Client) rejectUnsolicited(msg *Message) {
	c.logDebug("dropping unsolicited request from %s: %s", msg.Remote, msg.Code)
	if msg.IsConfirmable() {
		c.sendRST(msg)
	}
}

func (c *Client) sendRST(msg *Message) {
	rst := &Message{Type: Reset, Code: Empty, MessageID: msg.MessageID, Remote: msg.Remote}
	data, err := rst.MarshalBinary()
	if err != nil {
		return
	}
	_ = c.socket.WriteTo(data, msg.Remote)
	c.dedup.record(msg.MessageKey(), msg.TransactionKey(), c.cfg.DuplicateTimeout, rst)
}

func (c *Client) handleReset(msg *Message) {
	if tx, ok := c.transactions[msg.TransactionKey()]; ok {
		tx.reject(msg)
		delete(c.transactions, tx.key)
		if ex, ok := c.exchanges[tx.exchangeKey]; ok {
			c.finishExchange(ex)
		}
	}
}

// handleExchangeMessage implements the "per-exchange handling" algorithm
// of section 4.6/4.7: close the matching transaction, filter late Observe
// notifications, update observer bookkeeping, then dispatch to
// Block1/Block2/simple-response handling in priority order.
func (c *Client) handleExchangeMessage(ex *Exchange, msg *Message) {
	if ex.transactionKey != "" {
		if tx, ok := c.transactions[ex.transactionKey]; ok {
			tx.accept(msg)
			delete(c.transactions, ex.transactionKey)
		}
		ex.transactionKey = ""
	}

	if seq, present := msg.GetObserve(); present && msg.Code.IsSuccess() {
		if !ex.isNewerObserve(seq, c.now()) {
			c.logDebug("dropping late observe notification on %s", ex.Key)
			if msg.IsConfirmable() {
				c.ackEmpty(msg)
			}
			return
		}
		ex.recordObserve(seq, msg.GetMaxAge(), c.now())
	}

	c.updateObserverBookkeeping(ex, msg)

	outcome := ex.handleBlock1Ack(msg)
	if ex.hasOutgoingBlockwise() && outcome == outcomeBlock1Continue {
		ex.Request.emitter.emit(Event{Type: EventBlockSent, Message: msg})
		c.sendBlock1(ex, ex.Request)
		return
	}
	if outcome == outcomeBlock1SwitchToBlock2 || outcome == outcomeBlock1Done {
		ex.Request.emitter.emit(Event{Type: EventBlockSent, Message: msg})
	}

	if _, has := msg.GetBlock2(); has {
		c.handleBlock2Message(ex, msg)
		return
	}

	c.finishWithResponse(ex, msg)
}

func (c *Client) handleBlock2Message(ex *Exchange, msg *Message) {
	outcome := ex.handleBlock2(msg, msg.IsConfirmable())
	switch outcome {
	case outcomeBlock2Received:
		ex.Request.emitter.emit(Event{Type: EventBlockReceived, Message: msg})
		next := ex.Request.Message.GetURIPath()
		nextMsg := &Message{Type: Confirmable, Code: ex.Request.Message.Code, Remote: ex.Remote, Token: ex.Token}
		nextMsg.SetURIPath(next)
		blk, _ := msg.GetBlock2()
		nextMsg.SetBlock2(blk.Num+1, false, blk.SZX)
		nextMsg.MessageID = c.nextMessageIDValue()
		c.sendMessage(ex.Request, nextMsg, ex)
	case outcomeBlock2Done:
		ex.Request.emitter.emit(Event{Type: EventBlockReceived, Message: msg})
		final := ex.assembleResponse(msg)
		c.finishWithResponse(ex, final)
	case outcomeInvalidBlockACK:
		c.ackEmpty(msg)
	case outcomeInvalidBlockRST:
		c.sendRST(msg)
	case outcomeInvalidBlockSilent:
	}
}

func (c *Client) ackEmpty(msg *Message) {
	ack := &Message{Type: Acknowledgement, Code: Empty, MessageID: msg.MessageID, Remote: msg.Remote}
	data, err := ack.MarshalBinary()
	if err == nil {
		_ = c.socket.WriteTo(data, msg.Remote)
	}
	c.dedup.record(msg.MessageKey(), msg.TransactionKey(), c.cfg.DuplicateTimeout, ack)
}

// updateObserverBookkeeping applies section 4.6's Observe index rules.
func (c *Client) updateObserverBookkeeping(ex *Exchange, msg *Message) {
	if !ex.observeEligible {
		return
	}
	key := observerKey(ex.Remote, ex.Request.Message.GetURIPath())
	_, hasObserve := msg.GetObserve()

	if msg.Code.IsError() {
		if ex.subscribed {
			delete(c.observers, key)
			ex.subscribed = false
			ex.cancel()
		}
		return
	}
	if hasObserve {
		if prev, ok := c.observers[key]; ok && prev != ex {
			c.finishExchange(prev)
		}
		c.observers[key] = ex
		ex.subscribed = true
		c.armExchangeTimeout(ex, time.Duration(msg.GetMaxAge())*time.Second)
		return
	}
	if ex.subscribed {
		delete(c.observers, key)
		ex.subscribed = false
	}
}

func (c *Client) finishWithResponse(ex *Exchange, msg *Message) {
	ex.Request.emitter.emit(Event{Type: EventResponse, Message: msg})
	if ex.subscribed {
		return
	}
	c.finishExchange(ex)
}

func (c *Client) logDebug(format string, args ...interface{}) {
	TraceDebug(format, args...)
}

// Destroy stops the dispatch goroutine, cancels every timer, releases every
// outstanding token and closes the socket (section 5: "destruction cancels
// all timers, closes sockets, and releases all tokens"). The per-resource
// cancellation itself runs serially on the dispatch goroutine; concurrent
// cancellation of the IPv4/IPv6 sockets (via golang.org/x/sync/errgroup)
// happens one layer down, in transport.UDPTransport.Close.
func (c *Client) Destroy() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	done := make(chan error, 1)
	c.post(func() {
		for _, tx := range c.transactions {
			if tx.timer != nil {
				tx.timer.Stop()
			}
		}
		for _, ex := range c.exchanges {
			if ex.timer != nil {
				ex.timer.Stop()
			}
			c.tokens.Release(ex.Token)
		}
		c.dedup.stop()
		done <- c.socket.Close()
	})
	err := <-done
	close(c.closeCh)
	c.wg.Wait()
	return err
}
