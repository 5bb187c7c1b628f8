// Package transport owns the real UDP sockets on the Client's behalf,
// generalising teacher GiterLab-go-coap's server.go from a forever-serving
// Handler loop into a cancellable read loop that only ever forwards
// datagrams to a coap.Client (section 4.8).
package transport

import (
	"net"
	"sync"

	coap "github.com/GiterLab/coapclient"
	"golang.org/x/sync/errgroup"
)

const maxDatagramSize = 1500

// Sink receives one decoded-or-raw inbound datagram and its source
// endpoint. *coap.Client implements this via its Deliver method.
type Sink interface {
	Deliver(data []byte, from *coap.Endpoint)
}

// UDPTransport wraps one or two net.UDPConns (one per address family) and
// implements coap.Socket, picking the outgoing connection by the target
// endpoint's family (section 5: "the IPv6 and IPv4 sockets may be
// independent; selection is driven by the remote endpoint family").
type UDPTransport struct {
	conn4 *net.UDPConn
	conn6 *net.UDPConn

	sink Sink

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// Listen opens a UDP transport. laddr4/laddr6 are local "host:port"
// addresses to bind for IPv4/IPv6 respectively; either may be empty to
// skip that family (a client that never talks to that family need not
// bind it). If both are empty nothing is bound and every WriteTo fails.
func Listen(laddr4, laddr6 string, sink Sink) (*UDPTransport, error) {
	t := &UDPTransport{sink: sink, closeCh: make(chan struct{})}

	if laddr4 != "" {
		addr, err := net.ResolveUDPAddr("udp4", laddr4)
		if err != nil {
			return nil, err
		}
		conn, err := net.ListenUDP("udp4", addr)
		if err != nil {
			return nil, err
		}
		t.conn4 = conn
	}
	if laddr6 != "" {
		addr, err := net.ResolveUDPAddr("udp6", laddr6)
		if err != nil {
			t.Close()
			return nil, err
		}
		conn, err := net.ListenUDP("udp6", addr)
		if err != nil {
			t.Close()
			return nil, err
		}
		t.conn6 = conn
	}

	if t.conn4 != nil {
		t.wg.Add(1)
		go t.readLoop(t.conn4)
	}
	if t.conn6 != nil {
		t.wg.Add(1)
		go t.readLoop(t.conn6)
	}
	return t, nil
}

// readLoop mirrors the teacher's Serve: block on ReadFromUDP, copy the
// datagram (the buffer is reused across iterations) and hand it to the
// sink. Unlike the teacher it never spawns a goroutine per packet — all
// it does is forward to the Client, which queues the datagram for its own
// dispatch goroutine (waiting only while that queue is full).
func (t *UDPTransport) readLoop(conn *net.UDPConn) {
	defer t.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closeCh:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		ep := coap.NewEndpoint(addr.IP.String(), addr.Port)
		coap.TraceDebug("[coap] recv %d bytes from %s", n, ep)
		t.sink.Deliver(data, ep)
	}
}

// WriteTo implements coap.Socket: it selects conn4 or conn6 by addr's
// family and writes the marshalled datagram.
func (t *UDPTransport) WriteTo(b []byte, addr *coap.Endpoint) error {
	conn := t.conn4
	if addr != nil && addr.IsIPv6() {
		conn = t.conn6
	}
	if conn == nil {
		return errUnavailableFamily(addr)
	}
	udpAddr, err := addr.UDPAddr()
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP(b, udpAddr)
	return err
}

// Close closes both sockets concurrently via errgroup (section 5), which
// ends both read loops, waits for the loops to exit and returns the first
// close error. Idempotent.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closeCh)
		var g errgroup.Group
		if t.conn4 != nil {
			conn := t.conn4
			g.Go(conn.Close)
		}
		if t.conn6 != nil {
			conn := t.conn6
			g.Go(conn.Close)
		}
		err = g.Wait()
		t.wg.Wait()
	})
	return err
}

type errUnavailableFamilyErr struct {
	addr *coap.Endpoint
}

func (e errUnavailableFamilyErr) Error() string {
	family := "IPv4"
	if e.addr != nil && e.addr.IsIPv6() {
		family = "IPv6"
	}
	return "coap/transport: no " + family + " socket bound for " + e.addr.String()
}

func errUnavailableFamily(addr *coap.Endpoint) error {
	return errUnavailableFamilyErr{addr: addr}
}
