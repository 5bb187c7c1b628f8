package proxy

import (
	"net/http"
	"testing"

	coap "github.com/GiterLab/coapclient"
	"github.com/stretchr/testify/require"
)

func TestMethodCodeRoundTrip(t *testing.T) {
	for method, code := range MethodToCode {
		require.Equal(t, method, CodeToMethod[code])
	}
}

func TestCodeToStatusUsesTable(t *testing.T) {
	require.Equal(t, http.StatusOK, CodeToStatus(coap.Content))
	require.Equal(t, http.StatusNotFound, CodeToStatus(coap.NotFound))
}

func TestStatusToCodeFallsBackToInternalServerError(t *testing.T) {
	require.Equal(t, coap.InternalServerError, StatusToCode(999))
}

func TestStatusFromCodeFormula(t *testing.T) {
	// 2.05 Content -> class 2, detail 5 -> 205.
	require.Equal(t, 205, StatusFromCode(coap.Content))
	// 4.04 Not Found -> 404.
	require.Equal(t, 404, StatusFromCode(coap.NotFound))
}

func TestCodeToStatusFallsBackToFormulaWhenUntabulated(t *testing.T) {
	// 4.02 Bad Option has no RFC 8075 table entry.
	got := CodeToStatus(coap.BadOption)
	require.Equal(t, StatusFromCode(coap.BadOption), got)
}

func TestProxyingNotSupportedMapsToBadGateway(t *testing.T) {
	require.Equal(t, http.StatusBadGateway, CodeToStatus(coap.ProxyingNotSupported))
}

func TestHeaderNameToOptionRoundTrip(t *testing.T) {
	id, ok := HeaderNameToOption("CoAP-Uri-Path")
	require.True(t, ok)
	require.Equal(t, coap.URIPath, id)
	require.Equal(t, "CoAP-Uri-Path", OptionToHeaderName(coap.URIPath))
}

func TestHeaderNameToOptionRejectsUnprefixed(t *testing.T) {
	_, ok := HeaderNameToOption("Uri-Path")
	require.False(t, ok)
}

func TestHeaderNameToOptionIsCaseInsensitive(t *testing.T) {
	id, ok := HeaderNameToOption("coap-uri-path")
	require.True(t, ok)
	require.Equal(t, coap.URIPath, id)
}

func TestContentTypeFormatRoundTrip(t *testing.T) {
	for ct, mt := range ContentTypeToFormat {
		require.Equal(t, ct, FormatToContentType[mt])
	}
}
