// Package jsonprinter registers a pretty-printer for application/json
// payloads against contentformat.Default.
package jsonprinter

import (
	"bytes"
	"encoding/json"

	coap "github.com/GiterLab/coapclient"
	"github.com/GiterLab/coapclient/contentformat"
)

func init() {
	contentformat.Default.RegisterPrinter(coap.AppJSON, Print)
}

// Print re-indents a JSON payload for display.
func Print(data []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return "", err
	}
	return buf.String(), nil
}
