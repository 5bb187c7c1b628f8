// Package proxy provides the interfaces-only HTTP<->CoAP mapping tables
// of section 4.10: method/status code conversion and header<->option
// mapping. No net/http server or client is implemented here; an external
// HTTP-CoAP proxy collaborator uses these tables to translate between the
// two protocols. Grounded directly in matrix-org-lb/coap.go's
// methodCodes/statusCodes/contentTypeToContentFormat tables.
package proxy

import (
	"net/http"
	"strings"

	coap "github.com/GiterLab/coapclient"
)

// MethodToCode maps an HTTP method name to its CoAP request code.
var MethodToCode = map[string]coap.Code{
	http.MethodGet:    coap.GET,
	http.MethodPost:   coap.POST,
	http.MethodPut:    coap.PUT,
	http.MethodDelete: coap.DELETE,
}

// CodeToMethod is the inverse of MethodToCode.
var CodeToMethod = invertCodeMap(MethodToCode)

func invertCodeMap(m map[string]coap.Code) map[coap.Code]string {
	out := make(map[coap.Code]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// statusCodes is RFC 8075 section 7's Table 2, reproduced as a Go map
// literal (matrix-org-lb/coap.go's statusCodes, HTTP status -> CoAP code).
// Where the RFC lists two plausible HTTP statuses for one CoAP code (e.g.
// 2.02 Deleted -> 200 or 204), the table keeps only the representative
// one, so each CoAP code appears once and the inverse used by CodeToStatus
// is unambiguous.
var statusCodes = map[int]coap.Code{
	http.StatusOK:                    coap.Content,
	http.StatusCreated:               coap.Created,
	http.StatusNoContent:             coap.Deleted,
	http.StatusNotModified:           coap.Valid,
	http.StatusBadRequest:            coap.BadRequest,
	http.StatusUnauthorized:          coap.Unauthorized,
	http.StatusForbidden:             coap.Forbidden,
	http.StatusNotFound:              coap.NotFound,
	http.StatusMethodNotAllowed:      coap.MethodNotAllowed,
	http.StatusNotAcceptable:         coap.NotAcceptable,
	http.StatusPreconditionFailed:    coap.PreconditionFailed,
	http.StatusRequestEntityTooLarge: coap.RequestEntityTooLarge,
	http.StatusUnsupportedMediaType:  coap.UnsupportedMediaType,
	http.StatusInternalServerError:   coap.InternalServerError,
	http.StatusNotImplemented:        coap.NotImplemented,
	http.StatusBadGateway:            coap.BadGateway,
	http.StatusServiceUnavailable:    coap.ServiceUnavailable,
	http.StatusGatewayTimeout:        coap.GatewayTimeout,
}

// responseCodes is the inverse of statusCodes: CoAP code -> representative
// HTTP status.
var responseCodes = invertStatusMap(statusCodes)

func invertStatusMap(m map[int]coap.Code) map[coap.Code]int {
	out := make(map[coap.Code]int, len(m))
	for k, v := range m {
		out[v] = k
	}
	// 5.05 Proxying Not Supported has no dedicated HTTP status; RFC 8075
	// maps it to 502 Bad Gateway, same as 5.02.
	out[coap.ProxyingNotSupported] = http.StatusBadGateway
	return out
}

// StatusFromCode computes the numeric HTTP-style status implied by a CoAP
// code's class/detail, per section 6: ((code>>5)&0x7)*100 + (code&0x1F).
// This is the formula a proxy uses when no explicit table entry exists
// (e.g. for codes RFC 8075 doesn't enumerate).
func StatusFromCode(c coap.Code) int {
	return int(c.Class())*100 + int(c.Detail())
}

// CodeToStatus returns the RFC 8075-table HTTP status for a CoAP response
// code, falling back to StatusFromCode when the code isn't tabulated.
func CodeToStatus(c coap.Code) int {
	if s, ok := responseCodes[c]; ok {
		return s
	}
	return StatusFromCode(c)
}

// StatusToCode returns the CoAP code for an HTTP status, falling back to
// coap.InternalServerError for unmapped statuses.
func StatusToCode(status int) coap.Code {
	if c, ok := statusCodes[status]; ok {
		return c
	}
	return coap.InternalServerError
}

// headerOptionPrefix is the case-insensitive header-name prefix an HTTP
// proxy uses to carry arbitrary CoAP options (section 6).
const headerOptionPrefix = "CoAP-"

// HeaderNameToOption maps a "CoAP-Uri-Path"-style header name to its
// option number, or false if the header doesn't carry the prefix or isn't
// a known option name.
func HeaderNameToOption(header string) (coap.OptionID, bool) {
	if !strings.EqualFold(header[:min(len(header), len(headerOptionPrefix))], headerOptionPrefix) {
		return 0, false
	}
	name := header[len(headerOptionPrefix):]
	for id, def := range optionNames() {
		if strings.EqualFold(def, name) {
			return id, true
		}
	}
	return 0, false
}

// OptionToHeaderName renders an option number as its "CoAP-"-prefixed
// header name.
func OptionToHeaderName(id coap.OptionID) string {
	return headerOptionPrefix + id.String()
}

func optionNames() map[coap.OptionID]string {
	return map[coap.OptionID]string{
		coap.IfMatch:       "If-Match",
		coap.URIHost:       "Uri-Host",
		coap.ETag:          "ETag",
		coap.IfNoneMatch:   "If-None-Match",
		coap.Observe:       "Observe",
		coap.URIPort:       "Uri-Port",
		coap.LocationPath:  "Location-Path",
		coap.URIPath:       "Uri-Path",
		coap.ContentFormat: "Content-Format",
		coap.MaxAge:        "Max-Age",
		coap.URIQuery:      "Uri-Query",
		coap.Accept:        "Accept",
		coap.LocationQuery: "Location-Query",
		coap.Block2:        "Block2",
		coap.Block1:        "Block1",
		coap.Size2:         "Size2",
		coap.ProxyURI:      "Proxy-Uri",
		coap.ProxyScheme:   "Proxy-Scheme",
		coap.Size1:         "Size1",
	}
}

// ContentTypeToFormat maps an HTTP Content-Type value to a CoAP
// Content-Format (mirroring matrix-org-lb's contentTypeToContentFormat
// table). It is a plain map: no fallback format is applied for types it
// does not list.
var ContentTypeToFormat = map[string]coap.MediaType{
	"application/json":         coap.AppJSON,
	"application/cbor":         coap.AppCBOR,
	"application/octet-stream": coap.AppOctets,
	"text/plain":               coap.TextPlain,
}

// FormatToContentType is the inverse of ContentTypeToFormat.
var FormatToContentType = invertFormatMap(ContentTypeToFormat)

func invertFormatMap(m map[string]coap.MediaType) map[coap.MediaType]string {
	out := make(map[coap.MediaType]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
