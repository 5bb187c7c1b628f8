// Package contentformat is a pluggable registry of CoAP Content-Format
// names and pretty-printers (section 4.9). It mirrors registries.go's
// code/option tables but lives outside the core coap package: the client
// never calls a printer itself, this is purely a convenience for tools
// (cmd/coapc, tests) that want to render a response payload legibly.
package contentformat

import (
	"fmt"
	"sync"

	coap "github.com/GiterLab/coapclient"
)

// Printer renders a payload of a known media type as a human-readable
// string.
type Printer func([]byte) (string, error)

// Registry holds MediaType -> name, plus an optional Printer per type.
type Registry struct {
	mu       sync.RWMutex
	names    map[coap.MediaType]string
	printers map[coap.MediaType]Printer
}

// Default is the process-wide registry used by cmd/coapc and tests,
// analogous to registries.go's package-level optionDefs table.
var Default = NewRegistry()

// NewRegistry builds an empty registry pre-seeded with the well-known
// media type names from RFC 7252 section 12.3.
func NewRegistry() *Registry {
	r := &Registry{
		names:    make(map[coap.MediaType]string),
		printers: make(map[coap.MediaType]Printer),
	}
	r.RegisterName(coap.TextPlain, "text/plain;charset=utf-8")
	r.RegisterName(coap.AppLinkFormat, "application/link-format")
	r.RegisterName(coap.AppXML, "application/xml")
	r.RegisterName(coap.AppOctets, "application/octet-stream")
	r.RegisterName(coap.AppExi, "application/exi")
	r.RegisterName(coap.AppJSON, "application/json")
	r.RegisterName(coap.AppCBOR, "application/cbor")
	return r
}

// RegisterName records the human-readable name of a media type.
func (r *Registry) RegisterName(mt coap.MediaType, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[mt] = name
}

// RegisterPrinter records a pretty-printer for a media type, overwriting
// any previous one.
func (r *Registry) RegisterPrinter(mt coap.MediaType, fn Printer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.printers[mt] = fn
}

// Name returns the registered name for mt, or a numeric fallback.
func (r *Registry) Name(mt coap.MediaType) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.names[mt]; ok {
		return n
	}
	return fmt.Sprintf("application/octet-stream;cf=%d", uint16(mt))
}

// Print renders data as mt using the registered printer, if any; absent a
// printer it returns data as-is, decoded as UTF-8 text.
func (r *Registry) Print(mt coap.MediaType, data []byte) (string, error) {
	r.mu.RLock()
	fn, ok := r.printers[mt]
	r.mu.RUnlock()
	if !ok {
		return string(data), nil
	}
	return fn(data)
}
