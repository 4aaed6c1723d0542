// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing peers.
package peers

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/creachadair/param/channel"
	"github.com/creachadair/param/csp"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
)

// Local is a pair of in-memory connected peers, suitable for testing and for
// serving the local node in-process.
type Local struct {
	A *csp.Peer
	B *csp.Peer
}

// Stop shuts down both the peers and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected peers, that communicate via a
// direct channel without encoding.
func NewLocal() *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: csp.NewPeer().Start(a2b),
		B: csp.NewPeer().Start(b2a),
	}
}

// An Accepter yields channels for incoming connections.
type Accepter interface {
	Accept(context.Context) (csp.Channel, error)
}

// Loop accepts connections from acc and starts a peer for each one in a
// goroutine. The newPeer function is called once per connection to obtain an
// unstarted peer with its handlers installed. Loop continues until acc closes
// or ctx ends.
//
// When ctx terminates, all running peers are stopped. When acc closes, the
// loop waits for running peers to exit before returning.
func Loop(ctx context.Context, acc Accepter, newPeer func() *csp.Peer) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			peer := newPeer().Start(ch)
			go func() { <-sctx.Done(); peer.Stop() }()
			return peer.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (csp.Channel, error) {
	// A net.Listener does not obey a context, so close the listener if ctx
	// ends first.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// WebSocketAccepter is an http.Handler that upgrades each request to a
// websocket and delivers it as a channel to its Accept method.
type WebSocketAccepter struct {
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	done     chan struct{}
}

// NewWebSocketAccepter constructs a new WebSocketAccepter. If checkOrigin is
// nil, all origins are accepted.
func NewWebSocketAccepter(checkOrigin func(*http.Request) bool) *WebSocketAccepter {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WebSocketAccepter{
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		conns:    make(chan *websocket.Conn),
		done:     make(chan struct{}),
	}
}

// ServeHTTP implements http.Handler.
func (w *WebSocketAccepter) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	select {
	case <-w.done:
		http.Error(rw, "server is closed", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := w.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		return // Upgrade has already replied
	}
	select {
	case w.conns <- conn:
	case <-w.done:
		conn.Close()
	case <-req.Context().Done():
		conn.Close()
	}
}

// Accept implements the Accepter interface.
func (w *WebSocketAccepter) Accept(ctx context.Context) (csp.Channel, error) {
	select {
	case conn := <-w.conns:
		return channel.WebSocket(conn), nil
	case <-w.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops w from accepting further connections. Close must be called at
// most once.
func (w *WebSocketAccepter) Close() error { close(w.done); return nil }
