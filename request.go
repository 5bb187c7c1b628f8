package coap

// Request is returned to the caller by Client.Request and its
// convenience wrappers (Get/Observe/Post/Put/Delete). It carries the
// outgoing Message and lets the caller subscribe to the per-request
// event set (acknowledged, reset, response, block sent/received,
// timeout, cancelled, error) described in section 6.
//
// A Request is returned before the message is actually put on the wire
// (sending happens on the Client's dispatch goroutine on the next tick),
// so a handler registered immediately after the call that produced the
// Request is guaranteed to observe every event for it.
type Request struct {
	Message *Message

	client    *Client
	emitter   *emitter
	cancelled bool
}

func newRequest(c *Client, msg *Message) *Request {
	return &Request{Message: msg, client: c, emitter: newEmitter()}
}

// On registers a handler for one of the request-level events.
func (r *Request) On(t EventType, fn func(Event)) *Request {
	r.emitter.On(t, fn)
	return r
}

// OnAcknowledged is sugar for On(EventAcknowledged, ...).
func (r *Request) OnAcknowledged(fn func(Event)) *Request { return r.On(EventAcknowledged, fn) }

// OnResponse is sugar for On(EventResponse, ...).
func (r *Request) OnResponse(fn func(Event)) *Request { return r.On(EventResponse, fn) }

// OnBlockReceived is sugar for On(EventBlockReceived, ...).
func (r *Request) OnBlockReceived(fn func(Event)) *Request { return r.On(EventBlockReceived, fn) }

// OnBlockSent is sugar for On(EventBlockSent, ...).
func (r *Request) OnBlockSent(fn func(Event)) *Request { return r.On(EventBlockSent, fn) }

// OnTimeout is sugar for On(EventTimeout, ...).
func (r *Request) OnTimeout(fn func(Event)) *Request { return r.On(EventTimeout, fn) }

// OnCancelled is sugar for On(EventCancelled, ...).
func (r *Request) OnCancelled(fn func(Event)) *Request { return r.On(EventCancelled, fn) }

// OnError is sugar for On(EventRequestError, ...).
func (r *Request) OnError(fn func(Event)) *Request { return r.On(EventRequestError, fn) }

// OnReset is sugar for On(EventReset, ...).
func (r *Request) OnReset(fn func(Event)) *Request { return r.On(EventReset, fn) }

// Cancel stops this request: see Client.Cancel for the full semantics.
// Idempotent.
func (r *Request) Cancel() {
	if r.cancelled {
		return
	}
	r.cancelled = true
	r.client.Cancel(r)
}
