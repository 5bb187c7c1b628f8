// Command coapc is a thin demonstration CLI for package coap: it issues a
// single GET/POST/PUT/DELETE or Observe and prints the response. It is
// deliberately minimal (flag-based, no subcommands) since a full CLI
// surface is outside this module's scope; github.com/spf13/cobra, used
// elsewhere in the retrieved example pack, is not wired in for that
// reason (see DESIGN.md).
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	coap "github.com/GiterLab/coapclient"
	"github.com/GiterLab/coapclient/contentformat"
	_ "github.com/GiterLab/coapclient/contentformat/cborprinter"
	_ "github.com/GiterLab/coapclient/contentformat/jsonprinter"
	"github.com/GiterLab/coapclient/transport"
)

func main() {
	method := flag.String("method", "GET", "GET, POST, PUT, DELETE or OBSERVE")
	uri := flag.String("uri", "", "coap://host[:port]/path URI to request")
	payload := flag.String("payload", "", "request body, for POST/PUT")
	timeout := flag.Duration("timeout", 10*time.Second, "how long to wait for a response before giving up")
	debug := flag.Bool("debug", false, "enable coap.Debug packet tracing")
	flag.Parse()

	if *uri == "" {
		fmt.Fprintln(os.Stderr, "coapc: -uri is required")
		os.Exit(2)
	}
	coap.Debug(*debug)

	done := make(chan struct{})
	var client *coap.Client

	tr, err := transport.Listen("0.0.0.0:0", "", deliverFunc(func(data []byte, from *coap.Endpoint) {
		client.Deliver(data, from)
	}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "coapc: listen: %v\n", err)
		os.Exit(1)
	}
	client = coap.NewClient(tr, coap.ClientConfig{})
	defer client.Destroy()

	var req *coap.Request
	opts := coap.RequestOptions{Confirmable: true}
	switch *method {
	case "GET":
		req, err = client.Get(*uri, opts)
	case "OBSERVE":
		req, err = client.Observe(*uri, opts)
	case "POST":
		req, err = client.Post(*uri, []byte(*payload), coap.TextPlain, opts)
	case "PUT":
		req, err = client.Put(*uri, []byte(*payload), coap.TextPlain, opts)
	case "DELETE":
		req, err = client.Delete(*uri, opts)
	default:
		fmt.Fprintf(os.Stderr, "coapc: unknown method %q\n", *method)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "coapc: %v\n", err)
		os.Exit(1)
	}

	req.OnResponse(func(ev coap.Event) {
		printResponse(ev.Message)
		if *method != "OBSERVE" {
			close(done)
		}
	})
	req.OnTimeout(func(coap.Event) {
		fmt.Fprintln(os.Stderr, "coapc: request timed out")
		close(done)
	})
	req.OnError(func(ev coap.Event) {
		fmt.Fprintf(os.Stderr, "coapc: %v\n", ev.Err)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(*timeout):
		fmt.Fprintln(os.Stderr, "coapc: timed out waiting for a response")
	}
}

func printResponse(m *coap.Message) {
	if m == nil {
		return
	}
	cf, _ := m.GetContentFormat()
	fmt.Printf("%s (%s)\n", m.Code, contentformat.Default.Name(cf))
	text, err := contentformat.Default.Print(cf, m.Payload)
	if err != nil {
		fmt.Printf("<error printing payload: %v>\n", err)
		return
	}
	fmt.Println(text)
}

// deliverFunc adapts a plain function to transport.Sink.
type deliverFunc func(data []byte, from *coap.Endpoint)

func (f deliverFunc) Deliver(data []byte, from *coap.Endpoint) { f(data, from) }
