package coap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypeString(t *testing.T) {
	require.Equal(t, "CON", Confirmable.String())
	require.Equal(t, "NON", NonConfirmable.String())
	require.Equal(t, "ACK", Acknowledgement.String())
	require.Equal(t, "RST", Reset.String())
	require.Contains(t, Type(9).String(), "Unknown")
}

func TestNewCodeClassDetail(t *testing.T) {
	c := NewCode(2, 5)
	require.Equal(t, Content, c)
	require.Equal(t, uint8(2), c.Class())
	require.Equal(t, uint8(5), c.Detail())
}

func TestCodeClassPredicates(t *testing.T) {
	require.True(t, GET.IsRequest())
	require.False(t, Empty.IsRequest())
	require.True(t, Content.IsSuccess())
	require.True(t, NotFound.IsClientError())
	require.True(t, NotFound.IsError())
	require.True(t, InternalServerError.IsServerError())
	require.True(t, InternalServerError.IsError())
	require.False(t, Content.IsError())
}

func TestCodeStringKnownAndUnknown(t *testing.T) {
	require.Equal(t, "2.05 Content", Content.String())
	unknown := NewCode(2, 10)
	require.Equal(t, "2.10", unknown.String())
}

func TestOptionIDStringKnownAndUnknown(t *testing.T) {
	require.Equal(t, "Uri-Path", URIPath.String())
	require.Equal(t, "Option 9999", OptionID(9999).String())
}
