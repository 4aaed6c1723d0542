// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the csp.Channel interface.
package channel

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/creachadair/param/csp"
	"github.com/gorilla/websocket"
)

// Direct constructs a connected pair of in-memory channels that pass packets
// directly without encoding into binary. Packets sent to A are received by B
// and vice versa.
func Direct() (A, B csp.Channel) {
	a2b := make(chan *csp.Packet)
	b2a := make(chan *csp.Packet)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *csp.Packet
	b2a <-chan *csp.Packet
}

// Send implements a method of the [csp.Channel] interface.
func (d direct) Send(pkt *csp.Packet) (err error) {
	defer safeClose(&err)
	d.a2b <- pkt
	return nil
}

// Recv implements a method of the [csp.Channel] interface.
func (d direct) Recv() (*csp.Packet, error) {
	pkt, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return pkt, nil
}

// Close implements a method of the [csp.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives from r and sends to wc, for example
// both ends of a net.Conn or a serial device.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives packets on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [csp.Channel] interface.
func (c IOChannel) Send(pkt *csp.Packet) error {
	if _, err := pkt.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [csp.Channel] interface.
func (c IOChannel) Recv() (*csp.Packet, error) {
	var pkt csp.Packet
	if _, err := pkt.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [csp.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }

// WebSocket constructs a channel that carries one packet per binary message
// on conn.
func WebSocket(conn *websocket.Conn) WSChannel { return WSChannel{conn: conn} }

// DialWebSocket connects to the websocket endpoint at url and returns a
// channel for it.
func DialWebSocket(ctx context.Context, url string) (WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return WSChannel{}, fmt.Errorf("dial %q: %w", url, err)
	}
	return WebSocket(conn), nil
}

// A WSChannel sends and receives packets as websocket binary messages.
type WSChannel struct {
	conn *websocket.Conn
}

// Send implements a method of the [csp.Channel] interface.
func (c WSChannel) Send(pkt *csp.Packet) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, pkt.Encode())
}

// Recv implements a method of the [csp.Channel] interface.
func (c WSChannel) Recv() (*csp.Packet, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, net.ErrClosed
			}
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue // text and control frames carry no packets
		}
		var pkt csp.Packet
		if _, err := pkt.ReadFrom(bytes.NewReader(data)); err != nil {
			return nil, err
		}
		return &pkt, nil
	}
}

// Close implements a method of the [csp.Channel] interface.
func (c WSChannel) Close() error { return c.conn.Close() }
