package coap

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// NewRequest builds a request Message with a fresh option list.
func NewRequest(typ Type, code Code) *Message {
	return &Message{Type: typ, Code: code}
}

// GetURIPath returns the Uri-Path segments, in order.
func (m *Message) GetURIPath() []string {
	var segs []string
	for _, v := range m.Options(URIPath) {
		if s, ok := v.(string); ok {
			segs = append(segs, s)
		}
	}
	return segs
}

// SetURIPath replaces the Uri-Path option(s) with the given segments.
func (m *Message) SetURIPath(segs []string) {
	m.RemoveOption(URIPath)
	for _, s := range segs {
		if s == "" {
			continue
		}
		m.AddOption(URIPath, s)
	}
}

// GetURIQuery returns the Uri-Query option values, in order.
func (m *Message) GetURIQuery() []string {
	var qs []string
	for _, v := range m.Options(URIQuery) {
		if s, ok := v.(string); ok {
			qs = append(qs, s)
		}
	}
	return qs
}

// SetURIQuery replaces the Uri-Query option(s).
func (m *Message) SetURIQuery(qs []string) {
	m.RemoveOption(URIQuery)
	for _, q := range qs {
		m.AddOption(URIQuery, q)
	}
}

// GetContentFormat returns the Content-Format option, if present.
func (m *Message) GetContentFormat() (MediaType, bool) {
	v := m.Option(ContentFormat)
	if v == nil {
		return 0, false
	}
	n, ok := toUint32(v)
	return MediaType(n), ok
}

// SetContentFormat sets the Content-Format option.
func (m *Message) SetContentFormat(mt MediaType) {
	m.SetOption(ContentFormat, uint32(mt))
}

// GetAccept returns the Accept option, if present.
func (m *Message) GetAccept() (MediaType, bool) {
	v := m.Option(Accept)
	if v == nil {
		return 0, false
	}
	n, ok := toUint32(v)
	return MediaType(n), ok
}

// SetAccept sets the Accept option.
func (m *Message) SetAccept(mt MediaType) {
	m.SetOption(Accept, uint32(mt))
}

// GetMaxAge returns the Max-Age option, defaulting to 60 seconds when
// absent (the option's registered default, section 3).
func (m *Message) GetMaxAge() uint32 {
	v := m.Option(MaxAge)
	if v == nil {
		return optionDefs[MaxAge].defaultUint
	}
	n, _ := toUint32(v)
	return n
}

// SetMaxAge sets the Max-Age option.
func (m *Message) SetMaxAge(seconds uint32) {
	m.SetOption(MaxAge, seconds)
}

// GetObserve returns the numeric Observe sequence value and whether the
// option is present at all.
func (m *Message) GetObserve() (uint32, bool) {
	v := m.Option(Observe)
	if v == nil {
		return 0, false
	}
	n, _ := toUint32(v)
	return n, true
}

// SetObserve implements the three-way setter from section 4.4:
// false removes the option; true or numeric 0 inserts an empty-valued
// (zero) Observe; any other non-negative value inserts its numeric
// encoding.
func (m *Message) SetObserve(v interface{}) {
	switch val := v.(type) {
	case bool:
		if val {
			m.SetOption(Observe, uint32(0))
		} else {
			m.RemoveOption(Observe)
		}
	case int:
		m.SetOption(Observe, uint32(val))
	case uint32:
		m.SetOption(Observe, val)
	default:
		panic(fmt.Errorf("coap: invalid Observe value: %T(%v)", v, v))
	}
}

// IsObserveRegistration reports whether this message is a GET request
// carrying Observe=0 (or any Observe value at all, per RFC 7641 section
// 2: any GET with the option present registers or refreshes a
// subscription; only a notification response uses the value to order
// sequence numbers).
func (m *Message) IsObserveRegistration() bool {
	if m.Code != GET {
		return false
	}
	_, present := m.GetObserve()
	return present
}

// getBlock and setBlock are shared by GetBlock1/SetBlock1 and GetBlock2/SetBlock2.
func (m *Message) getBlock(id OptionID) (BlockOption, bool) {
	v := m.Option(id)
	if v == nil {
		return BlockOption{}, false
	}
	return decodeBlockOption(v)
}

func (m *Message) setBlock(id OptionID, b BlockOption) {
	m.SetOption(id, b.encode())
}

// GetBlock1 returns the decoded Block1 option, if present.
func (m *Message) GetBlock1() (BlockOption, bool) { return m.getBlock(Block1) }

// GetBlock2 returns the decoded Block2 option, if present.
func (m *Message) GetBlock2() (BlockOption, bool) { return m.getBlock(Block2) }

// SetBlock1 sets the Block1 option from an explicit (num, more, szx)
// tuple.
func (m *Message) SetBlock1(num uint32, more bool, szx uint8) {
	m.setBlock(Block1, BlockOption{Num: num, More: more, SZX: szx})
}

// SetBlock1Size behaves like SetBlock1 but accepts a block size in bytes
// instead of an SZX exponent, converting per section 4.4
// (log2(size)-4, clamped to [0,6]).
func (m *Message) SetBlock1Size(num uint32, more bool, size int) {
	m.SetBlock1(num, more, sizeToSZX(size))
}

// SetBlock2 sets the Block2 option from an explicit (num, more, szx)
// tuple.
func (m *Message) SetBlock2(num uint32, more bool, szx uint8) {
	m.setBlock(Block2, BlockOption{Num: num, More: more, SZX: szx})
}

// SetBlock2Size behaves like SetBlock2 but accepts a block size in bytes.
func (m *Message) SetBlock2Size(num uint32, more bool, size int) {
	m.SetBlock2(num, more, sizeToSZX(size))
}

// GetURI synthesises a coap:// URI from the remote endpoint and the
// Uri-Path/Uri-Query options (section 4.4).
func (m *Message) GetURI() string {
	if m.Remote == nil {
		return ""
	}
	u := &url.URL{Scheme: "coap", Host: m.Remote.String()}
	if path := m.GetURIPath(); len(path) > 0 {
		u.Path = "/" + strings.Join(path, "/")
	}
	if q := m.GetURIQuery(); len(q) > 0 {
		u.RawQuery = strings.Join(q, "&")
	}
	return u.String()
}

// SetURI parses an absolute or relative CoAP URI and sets the remote
// endpoint (if absolute), Uri-Path and Uri-Query accordingly.
func (m *Message) SetURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("coap: invalid URI %q: %w", raw, err)
	}
	if u.Scheme != "" && u.Scheme != "coap" {
		return fmt.Errorf("coap: unsupported URI scheme %q", u.Scheme)
	}
	if u.Host != "" {
		host := u.Hostname()
		port := DefaultPort
		if p := u.Port(); p != "" {
			port, err = strconv.Atoi(p)
			if err != nil {
				return fmt.Errorf("coap: invalid port in URI %q: %w", raw, err)
			}
		}
		m.Remote = NewEndpoint(host, port)
	}
	trimmed := strings.TrimPrefix(u.Path, "/")
	if trimmed == "" {
		m.SetURIPath(nil)
	} else {
		m.SetURIPath(strings.Split(trimmed, "/"))
	}
	if u.RawQuery == "" {
		m.SetURIQuery(nil)
	} else {
		m.SetURIQuery(strings.Split(u.RawQuery, "&"))
	}
	return nil
}

// TransactionKey identifies this message's reliability scope:
// "endpoint#id".
func (m *Message) TransactionKey() string {
	return transactionKey(m.Remote, m.MessageID)
}

func transactionKey(ep *Endpoint, id uint16) string {
	host := "?"
	if ep != nil {
		host = ep.String()
	}
	return fmt.Sprintf("%s#%d", host, id)
}

// ExchangeKey identifies this message's logical operation:
// "endpoint|token-hex".
func (m *Message) ExchangeKey() string {
	return exchangeKey(m.Remote, m.Token)
}

func exchangeKey(ep *Endpoint, token []byte) string {
	host := "?"
	if ep != nil {
		host = ep.String()
	}
	return fmt.Sprintf("%s|%s", host, hex.EncodeToString(token))
}

// MessageKey identifies a specific received datagram for dedup purposes:
// transaction-key + "|" + type.
func (m *Message) MessageKey() string {
	return fmt.Sprintf("%s|%s", m.TransactionKey(), m.Type)
}
