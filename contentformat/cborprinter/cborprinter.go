// Package cborprinter registers a pretty-printer for application/cbor
// payloads against contentformat.Default, decoding with fxamacker/cbor/v2
// and reshaping into legible JSON with tidwall/gjson and tidwall/sjson.
// The CBOR->JSON-safe-tree conversion is grounded directly in
// matrix-org-lb's CBORCodec.CBORToJSON / cborInterfaceToJSONInterface.
package cborprinter

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	coap "github.com/GiterLab/coapclient"
	"github.com/GiterLab/coapclient/contentformat"
)

func init() {
	contentformat.Default.RegisterPrinter(coap.AppCBOR, Print)
}

// Print decodes a CBOR payload and renders it as indented JSON, with a
// "_cborPayload" marker field spliced in via sjson so a reader can tell
// the pretty-printed text was reshaped from CBOR rather than native JSON.
func Print(data []byte) (string, error) {
	var intermediate interface{}
	if err := cbor.Unmarshal(data, &intermediate); err != nil {
		return "", fmt.Errorf("cborprinter: decoding cbor: %w", err)
	}
	safe := toJSONSafe(intermediate)

	raw, err := json.Marshal(safe)
	if err != nil {
		return "", fmt.Errorf("cborprinter: marshalling: %w", err)
	}
	annotated, err := sjson.SetBytes(raw, "_cborPayload", true)
	if err != nil {
		annotated = raw
	}
	return gjson.ParseBytes(annotated).Get("@pretty").String(), nil
}

// toJSONSafe mirrors matrix-org-lb's cborInterfaceToJSONInterface: CBOR
// maps decode to map[interface{}]interface{}, which encoding/json cannot
// marshal, so non-string keys are stringified (sorted for determinism)
// and nested values are recursed into.
func toJSONSafe(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch t := reflect.ValueOf(v); t.Kind() {
	case reflect.Slice:
		if b, ok := v.([]byte); ok {
			return b
		}
		arr := v.([]interface{})
		out := make([]interface{}, len(arr))
		for i, el := range arr {
			out[i] = toJSONSafe(el)
		}
		return out
	case reflect.Map:
		m := v.(map[interface{}]interface{})
		var keys []string
		strValues := make(map[string]interface{}, len(m))
		for k, val := range m {
			ks := fmt.Sprintf("%v", k)
			keys = append(keys, ks)
			strValues[ks] = val
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(keys))
		for _, k := range keys {
			out[k] = toJSONSafe(strValues[k])
		}
		return out
	default:
		return v
	}
}
