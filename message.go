package coap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Wire-format errors. All decode failures are wrapped as Malformed so a
// caller can distinguish "bad bytes off the wire" from protocol-level
// violations detected after a message has been parsed.
var (
	ErrMalformed         = errors.New("coap: malformed message")
	ErrInvalidTokenLen   = fmt.Errorf("%w: invalid token length", ErrMalformed)
	ErrShortPacket       = fmt.Errorf("%w: packet too short", ErrMalformed)
	ErrTruncatedOption   = fmt.Errorf("%w: truncated option", ErrMalformed)
	ErrBadVersion        = fmt.Errorf("%w: unsupported version", ErrMalformed)
	ErrReservedNibble    = fmt.Errorf("%w: reserved option delta/length nibble", ErrMalformed)
	ErrOptionTooLong     = errors.New("coap: option value too long")
	ErrOptionGapTooLarge = errors.New("coap: option gap too large")
)

// Option is a single decoded option: a number plus its raw value. Value
// holds a string for valueString options, a []byte for valueOpaque/empty
// options, a uint32 for valueUint options whose magnitude fits in 32 bits,
// or a float64 for the IEEE-754 double "oversized integer" escape (see
// encodeIntOption).
type Option struct {
	ID    OptionID
	Value interface{}
}

type options []Option

func (o options) Len() int      { return len(o) }
func (o options) Swap(i, j int)  { o[i], o[j] = o[j], o[i] }
func (o options) Less(i, j int) bool {
	if o[i].ID == o[j].ID {
		return i < j
	}
	return o[i].ID < o[j].ID
}

func (o options) minus(id OptionID) options {
	rv := make(options, 0, len(o))
	for _, opt := range o {
		if opt.ID != id {
			rv = append(rv, opt)
		}
	}
	return rv
}

// Message is a decoded (or about-to-be-encoded) CoAP message.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16

	Token   []byte
	Payload []byte

	// Remote is the endpoint this message was received from (decode) or
	// will be sent to (encode). Not part of the wire format.
	Remote *Endpoint
	// ReceivedAt is stamped by the dispatcher on decode.
	ReceivedAt time.Time

	opts options
}

// IsConfirmable reports whether this message is a CON message.
func (m *Message) IsConfirmable() bool { return m.Type == Confirmable }

// Options returns every value set for the given option number, in
// insertion order.
func (m *Message) Options(id OptionID) []interface{} {
	var rv []interface{}
	for _, o := range m.opts {
		if o.ID == id {
			rv = append(rv, o.Value)
		}
	}
	return rv
}

// Option returns the first value set for the given option number, or nil.
func (m *Message) Option(id OptionID) interface{} {
	for _, o := range m.opts {
		if o.ID == id {
			return o.Value
		}
	}
	return nil
}

// AllOptions returns a defensive copy of the raw option list, sorted by
// number. Used by the synthetic-response construction in the blockwise
// reassembly path (exchange.go), which needs to copy another message's
// options verbatim.
func (m *Message) AllOptions() []Option {
	cp := make(options, len(m.opts))
	copy(cp, m.opts)
	sort.Stable(cp)
	return cp
}

// SetAllOptions replaces the option list wholesale.
func (m *Message) SetAllOptions(opts []Option) {
	m.opts = append(options{}, opts...)
}

// RemoveOption removes every value of the given option number.
func (m *Message) RemoveOption(id OptionID) {
	m.opts = m.opts.minus(id)
}

// AddOption appends a value for the given option number without removing
// any existing value (used for repeatable options like Uri-Path).
func (m *Message) AddOption(id OptionID, val interface{}) {
	m.opts = append(m.opts, Option{ID: id, Value: val})
}

// SetOption replaces any existing value(s) of the given option number with
// a single new value.
func (m *Message) SetOption(id OptionID, val interface{}) {
	m.RemoveOption(id)
	m.AddOption(id, val)
}

// encodeIntOption renders a uint/float option value to its minimum-width
// wire representation. Per section 4.1: leading zero bytes are omitted
// (an empty value means zero); normal uints cap at 4 bytes (up to
// 2^32-1); values that don't fit a uint32 (or aren't integral) fall back
// to an 8-byte IEEE-754 double as a compatibility escape.
func encodeIntOption(v interface{}) []byte {
	switch n := v.(type) {
	case uint32:
		return trimLeadingZeros(encodeUint32(n))
	case uint64:
		if n <= math.MaxUint32 {
			return trimLeadingZeros(encodeUint32(uint32(n)))
		}
		return encodeFloat64Escape(float64(n))
	case int:
		if n >= 0 && uint64(n) <= math.MaxUint32 {
			return trimLeadingZeros(encodeUint32(uint32(n)))
		}
		return encodeFloat64Escape(float64(n))
	case float64:
		if n == math.Trunc(n) && n >= 0 && n <= math.MaxUint32 {
			return trimLeadingZeros(encodeUint32(uint32(n)))
		}
		return encodeFloat64Escape(n)
	case MediaType:
		return trimLeadingZeros(encodeUint32(uint32(n)))
	default:
		panic(fmt.Errorf("coap: invalid value for numeric option: %T(%v)", v, v))
	}
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func trimLeadingZeros(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] == 0 {
		i++
	}
	return b[i:]
}

func encodeFloat64Escape(v float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(v))
	return b
}

// decodeIntOption is the inverse of encodeIntOption: minimum-width
// big-endian bytes back to a uint32, or (for the 8-byte escape) a
// float64.
func decodeIntOption(b []byte) interface{} {
	if len(b) == 8 {
		return math.Float64frombits(binary.BigEndian.Uint64(b))
	}
	var tmp [4]byte
	copy(tmp[4-len(b):], b)
	return binary.BigEndian.Uint32(tmp[:])
}

func optionValueBytes(o Option) []byte {
	switch v := o.Value.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return encodeIntOption(v)
	}
}

func parseOptionValue(id OptionID, buf []byte) interface{} {
	def, known := optionDefs[id]
	if !known {
		// Unknown option number: retain as opaque (section 4.1, "unknown
		// numbers are retained as opaque").
		v := make([]byte, len(buf))
		copy(v, buf)
		return v
	}
	// An 8-byte valueUint is always the IEEE-754 double escape (see
	// encodeIntOption) regardless of the option's normal maxLen, since the
	// escape exists precisely for values that don't fit the option's usual
	// width.
	if def.valueFormat == valueUint && len(buf) == 8 {
		return decodeIntOption(buf)
	}
	if len(buf) < def.minLen || len(buf) > def.maxLen {
		// Per RFC 7252 5.4.3: options with an illegal value length are
		// treated as if they were not present (for elective options) --
		// we simply drop the value here; critical-option enforcement on
		// the recipient side is the exchange/client's job, not the
		// codec's.
		return nil
	}
	switch def.valueFormat {
	case valueUint:
		return decodeIntOption(buf)
	case valueString:
		return string(buf)
	case valueOpaque, valueEmpty:
		v := make([]byte, len(buf))
		copy(v, buf)
		return v
	}
	return nil
}

const (
	extOptByteCode   = 13
	extOptByteAddend = 13
	extOptWordCode   = 14
	extOptWordAddend = 269
	extOptReserved   = 15
)

func extendOptNibble(n int) (nibble, ext int) {
	switch {
	case n >= extOptWordAddend:
		return extOptWordCode, n - extOptWordAddend
	case n >= extOptByteAddend:
		return extOptByteCode, n - extOptByteAddend
	default:
		return n, 0
	}
}

// MarshalBinary encodes the message to its wire representation.
func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, ErrInvalidTokenLen
	}

	buf := &bytes.Buffer{}
	buf.WriteByte((1 << 6) | (uint8(m.Type) << 4) | uint8(len(m.Token)&0x0f))
	buf.WriteByte(byte(m.Code))
	var mid [2]byte
	binary.BigEndian.PutUint16(mid[:], m.MessageID)
	buf.Write(mid[:])
	buf.Write(m.Token)

	sorted := make(options, len(m.opts))
	copy(sorted, m.opts)
	sort.Stable(sorted)

	writeHeader := func(delta, length int) {
		dNibble, dExt := extendOptNibble(delta)
		lNibble, lExt := extendOptNibble(length)
		buf.WriteByte(byte(dNibble<<4) | byte(lNibble))
		writeExt := func(nibble, ext int) {
			switch nibble {
			case extOptByteCode:
				buf.WriteByte(byte(ext))
			case extOptWordCode:
				var tmp [2]byte
				binary.BigEndian.PutUint16(tmp[:], uint16(ext))
				buf.Write(tmp[:])
			}
		}
		writeExt(dNibble, dExt)
		writeExt(lNibble, lExt)
	}

	prev := 0
	for _, o := range sorted {
		v := optionValueBytes(o)
		writeHeader(int(o.ID)-prev, len(v))
		buf.Write(v)
		prev = int(o.ID)
	}

	if len(m.Payload) > 0 {
		buf.WriteByte(0xff)
		buf.Write(m.Payload)
	}

	return buf.Bytes(), nil
}

// ParseMessage decodes a datagram as a Message.
func ParseMessage(data []byte) (*Message, error) {
	m := &Message{}
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return m, nil
}

// UnmarshalBinary decodes the given datagram into m, per section 4.1.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return ErrShortPacket
	}
	if data[0]>>6 != 1 {
		return ErrBadVersion
	}

	m.Type = Type((data[0] >> 4) & 0x3)
	tokenLen := int(data[0] & 0x0f)
	if tokenLen > 8 {
		return ErrInvalidTokenLen
	}
	m.Code = Code(data[1])
	m.MessageID = binary.BigEndian.Uint16(data[2:4])

	if len(data) < 4+tokenLen {
		return ErrTruncatedOption
	}
	if tokenLen > 0 {
		m.Token = append([]byte(nil), data[4:4+tokenLen]...)
	} else {
		m.Token = nil
	}
	b := data[4+tokenLen:]

	readExt := func(nibble int) (int, []byte, error) {
		switch nibble {
		case extOptByteCode:
			if len(b) < 1 {
				return 0, nil, ErrTruncatedOption
			}
			v := int(b[0]) + extOptByteAddend
			return v, b[1:], nil
		case extOptWordCode:
			if len(b) < 2 {
				return 0, nil, ErrTruncatedOption
			}
			v := int(binary.BigEndian.Uint16(b[:2])) + extOptWordAddend
			return v, b[2:], nil
		default:
			return nibble, b, nil
		}
	}

	prev := 0
	var opts options
	for len(b) > 0 {
		if b[0] == 0xff {
			b = b[1:]
			if len(b) == 0 {
				return fmt.Errorf("%w: payload marker with empty payload", ErrMalformed)
			}
			break
		}

		deltaNibble := int(b[0] >> 4)
		lengthNibble := int(b[0] & 0x0f)
		if deltaNibble == extOptReserved || lengthNibble == extOptReserved {
			return ErrReservedNibble
		}
		b = b[1:]

		delta, rest, err := readExt(deltaNibble)
		if err != nil {
			return err
		}
		b = rest
		length, rest, err := readExt(lengthNibble)
		if err != nil {
			return err
		}
		b = rest

		if len(b) < length {
			return ErrTruncatedOption
		}

		id := OptionID(prev + delta)
		val := parseOptionValue(id, b[:length])
		b = b[length:]
		prev = int(id)

		if val != nil {
			opts = append(opts, Option{ID: id, Value: val})
		}
	}
	m.opts = opts
	m.Payload = b
	if len(m.Payload) == 0 {
		m.Payload = nil
	}
	return nil
}
