package coap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEndpointCanonicalizesIPv4(t *testing.T) {
	e := NewEndpoint("127.0.0.1", 5683)
	require.False(t, e.IsIPv6())
	require.Equal(t, "127.0.0.1", e.Host())
	require.Equal(t, "127.0.0.1", e.String())
	require.Equal(t, "udp4", e.Network())
}

func TestNewEndpointCanonicalizesIPv6(t *testing.T) {
	e := NewEndpoint("2001:DB8::1", 1234)
	require.True(t, e.IsIPv6())
	require.Equal(t, "2001:0db8:0000:0000:0000:0000:0000:0001", e.Host())
	require.Equal(t, "[2001:0db8:0000:0000:0000:0000:0000:0001]:1234", e.String())
	require.Equal(t, "udp6", e.Network())
}

func TestNewEndpointDefaultPort(t *testing.T) {
	e := NewEndpoint("example.com", 0)
	require.Equal(t, DefaultPort, e.Port())
	require.Equal(t, "example.com", e.String())
}

func TestNewEndpointStripsBracketsFromIPv6Literal(t *testing.T) {
	e := NewEndpoint("[::1]", 5683)
	require.True(t, e.IsIPv6())
	require.Equal(t, "[0000:0000:0000:0000:0000:0000:0000:0001]", e.String())
}

func TestEndpointEqual(t *testing.T) {
	a := NewEndpoint("2001:db8::1", 5683)
	b := NewEndpoint("2001:DB8:0000:0000:0000:0000:0000:0001", 5683)
	require.True(t, a.Equal(b))

	c := NewEndpoint("2001:db8::2", 5683)
	require.False(t, a.Equal(c))

	var nilA, nilB *Endpoint
	require.True(t, nilA.Equal(nilB))
	require.False(t, a.Equal(nilB))
}

func TestParseEndpoint(t *testing.T) {
	e, err := ParseEndpoint("192.0.2.1:5683")
	require.NoError(t, err)
	require.Equal(t, "192.0.2.1", e.Host())
	require.Equal(t, 5683, e.Port())

	e, err = ParseEndpoint("[2001:db8::1]:5683")
	require.NoError(t, err)
	require.True(t, e.IsIPv6())
	require.Equal(t, 5683, e.Port())

	e, err = ParseEndpoint("example.com")
	require.NoError(t, err)
	require.Equal(t, DefaultPort, e.Port())

	_, err = ParseEndpoint("example.com:notaport")
	require.Error(t, err)
}

func TestEndpointUDPAddr(t *testing.T) {
	e := NewEndpoint("127.0.0.1", 5683)
	addr, err := e.UDPAddr()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", addr.IP.String())
	require.Equal(t, 5683, addr.Port)
}
