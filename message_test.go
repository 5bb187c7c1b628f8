package coap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	m := &Message{
		Type:      Confirmable,
		Code:      GET,
		MessageID: 0x1234,
		Token:     []byte{0xab, 0xcd},
	}
	m.SetURIPath([]string{"sensors", "temperature"})
	m.SetURIQuery([]string{"unit=celsius"})
	m.SetAccept(AppJSON)
	m.Payload = []byte("hello")

	data, err := m.MarshalBinary()
	require.NoError(t, err)

	got, err := ParseMessage(data)
	require.NoError(t, err)

	require.Equal(t, m.Type, got.Type)
	require.Equal(t, m.Code, got.Code)
	require.Equal(t, m.MessageID, got.MessageID)
	require.Equal(t, m.Token, got.Token)
	require.Equal(t, m.Payload, got.Payload)
	require.Equal(t, []string{"sensors", "temperature"}, got.GetURIPath())
	require.Equal(t, []string{"unit=celsius"}, got.GetURIQuery())
	accept, ok := got.GetAccept()
	require.True(t, ok)
	require.Equal(t, AppJSON, accept)
}

func TestMessageOptionExtensionNibbles(t *testing.T) {
	// Uri-Path (11) needs no extension byte; the jump to the synthetic
	// option number 300 (delta 289) forces the 14-prefix two-byte extension.
	m := &Message{Type: NonConfirmable, Code: GET, MessageID: 1}
	m.AddOption(URIPath, "a")
	m.AddOption(OptionID(300), []byte{0x01, 0x02, 0x03})

	data, err := m.MarshalBinary()
	require.NoError(t, err)

	got, err := ParseMessage(data)
	require.NoError(t, err)
	require.Equal(t, "a", got.Option(URIPath))
	require.Equal(t, []byte{0x01, 0x02, 0x03}, got.Option(OptionID(300)))
}

func TestMessageMaxAgeDefault(t *testing.T) {
	m := &Message{}
	require.Equal(t, uint32(60), m.GetMaxAge())
	m.SetMaxAge(5)
	require.Equal(t, uint32(5), m.GetMaxAge())
}

func TestMessageObserveThreeWaySetter(t *testing.T) {
	m := &Message{}
	m.SetObserve(true)
	v, present := m.GetObserve()
	require.True(t, present)
	require.Equal(t, uint32(0), v)

	m.SetObserve(7)
	v, present = m.GetObserve()
	require.True(t, present)
	require.Equal(t, uint32(7), v)

	m.SetObserve(false)
	_, present = m.GetObserve()
	require.False(t, present)
}

func TestMessageOversizedIntegerEscapesToFloat64(t *testing.T) {
	// Size1 is a registered valueUint option with a normal maxLen of 4
	// bytes; a value that doesn't fit a uint32 must still round-trip via
	// the 8-byte IEEE-754 escape rather than being rejected as oversized.
	m := &Message{Type: Confirmable, Code: GET, MessageID: 2}
	m.SetOption(Size1, uint64(1)<<40)

	data, err := m.MarshalBinary()
	require.NoError(t, err)

	got, err := ParseMessage(data)
	require.NoError(t, err)
	v, ok := got.Option(Size1).(float64)
	require.True(t, ok)
	require.Equal(t, float64(uint64(1)<<40), v)
}

func TestMessageUnknownOptionRemainsOpaque(t *testing.T) {
	// Unregistered option numbers are always retained as opaque bytes on
	// decode, even when they happen to be 8 bytes long, since the codec
	// has no definition telling it the option is numeric.
	m := &Message{Type: Confirmable, Code: GET, MessageID: 3}
	m.SetOption(OptionID(300), []byte{1, 2, 3, 4, 5, 6, 7, 8})

	data, err := m.MarshalBinary()
	require.NoError(t, err)

	got, err := ParseMessage(data)
	require.NoError(t, err)
	v, ok := got.Option(OptionID(300)).([]byte)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, v)
}

func TestParseMessageRejectsShortPacket(t *testing.T) {
	_, err := ParseMessage([]byte{0x40, 0x01})
	require.ErrorIs(t, err, ErrShortPacket)
}

func TestParseMessageRejectsEmptyPayloadAfterMarker(t *testing.T) {
	data := []byte{0x40, 0x01, 0x00, 0x01, 0xff}
	_, err := ParseMessage(data)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseMessageRejectsReservedNibble(t *testing.T) {
	data := []byte{0x40, 0x01, 0x00, 0x01, 0xf0}
	_, err := ParseMessage(data)
	require.ErrorIs(t, err, ErrReservedNibble)
}

func TestTransactionAndExchangeKeysUseCanonicalEndpoint(t *testing.T) {
	ep := NewEndpoint("2001:DB8::1", 5683)
	m := &Message{Remote: ep, MessageID: 9, Token: []byte{1, 2}}
	require.Equal(t, "[2001:0db8:0000:0000:0000:0000:0000:0001]#9", m.TransactionKey())
	require.Equal(t, "[2001:0db8:0000:0000:0000:0000:0000:0001]|0102", m.ExchangeKey())
}
