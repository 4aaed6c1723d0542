// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package peers

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/param"
	"github.com/creachadair/param/channel"
	"github.com/creachadair/param/csp"
	"github.com/creachadair/param/stream"
)

// ErrNoRoute is reported for a call to a node the router cannot reach, or
// that the peer routed for it does not serve.
var ErrNoRoute = csp.ErrNoRoute

// A Router maps node addresses to the peers that reach them. It implements
// the param.Transport interface. The zero Router is not ready for use; use
// [NewRouter].
//
// Calls to param.Local are served in-process by handlers installed with
// [Router.ServeLocal]. Calls to any other node go to the peer routed for that
// node, or to the default peer if there is one, addressed to the node. A
// peer with its own address refuses calls for other nodes.
type Router struct {
	μ      sync.Mutex
	routes map[param.Node]*csp.Peer
	dflt   *csp.Peer
	local  *Local
	owned  []*csp.Peer // started by Dial, stopped by Close
	plog   csp.PacketLogger
}

var _ param.Transport = (*Router)(nil)

// NewRouter constructs an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[param.Node]*csp.Peer)}
}

// Route directs calls for node to peer. A nil peer removes the route. It
// returns r to permit chaining.
func (r *Router) Route(node param.Node, peer *csp.Peer) *Router {
	r.μ.Lock()
	defer r.μ.Unlock()
	if peer == nil {
		delete(r.routes, node)
	} else {
		r.routes[node] = peer
	}
	return r
}

// SetDefault directs calls for nodes without a route to peer. A nil peer
// removes the default.
func (r *Router) SetDefault(peer *csp.Peer) *Router {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.dflt = peer
	return r
}

// LogPackets sets a packet logger for peers subsequently started by Dial.
func (r *Router) LogPackets(log csp.PacketLogger) *Router {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.plog = log
	return r
}

// ServeLocal calls bind with the peer that serves calls to param.Local, so
// it can install handlers. The local peer is created on first use.
func (r *Router) ServeLocal(bind func(*csp.Peer)) *Router {
	r.μ.Lock()
	if r.local == nil {
		r.local = NewLocal()
	}
	srv := r.local.B
	r.μ.Unlock()
	bind(srv)
	return r
}

// Lookup returns the peer that reaches node, or ErrNoRoute.
func (r *Router) Lookup(node param.Node) (*csp.Peer, error) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if node == param.Local {
		if r.local == nil {
			return nil, fmt.Errorf("node %d: %w", node, ErrNoRoute)
		}
		return r.local.A, nil
	}
	if p, ok := r.routes[node]; ok {
		return p, nil
	} else if r.dflt != nil {
		return r.dflt, nil
	}
	return nil, fmt.Errorf("node %d: %w", node, ErrNoRoute)
}

// Dial connects to addr and routes node to the resulting peer. If node is
// param.Local the peer becomes the default route. An address beginning with
// "ws://" or "wss://" is a websocket URL; otherwise the network is chosen by
// csp.SplitAddress. The route is removed when the peer exits.
func (r *Router) Dial(ctx context.Context, node param.Node, addr string) (*csp.Peer, error) {
	var ch csp.Channel
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		wc, err := channel.DialWebSocket(ctx, addr)
		if err != nil {
			return nil, err
		}
		ch = wc
	} else {
		var d net.Dialer
		network, address := csp.SplitAddress(addr)
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, fmt.Errorf("dial %q: %w", addr, err)
		}
		ch = channel.IO(conn, conn)
	}

	r.μ.Lock()
	defer r.μ.Unlock()
	peer := csp.NewPeer().LogPackets(r.plog)
	peer.OnExit(func(error) { r.drop(peer) })
	if node == param.Local {
		r.dflt = peer
	} else {
		r.routes[node] = peer
	}
	r.owned = append(r.owned, peer)
	return peer.Start(ch), nil
}

// drop removes every route to peer.
func (r *Router) drop(peer *csp.Peer) {
	r.μ.Lock()
	defer r.μ.Unlock()
	for n, p := range r.routes {
		if p == peer {
			delete(r.routes, n)
		}
	}
	if r.dflt == peer {
		r.dflt = nil
	}
}

// Call implements a method of the param.Transport interface.
func (r *Router) Call(ctx context.Context, node param.Node, port csp.Port, data []byte) ([]byte, error) {
	var rsp *csp.Response
	if node == param.Local {
		r.μ.Lock()
		loc := r.local
		r.μ.Unlock()
		if loc == nil {
			return nil, fmt.Errorf("node %d: %w", node, ErrNoRoute)
		}
		var err error
		if rsp, err = loc.B.Exec(ctx, port, data); err != nil {
			return nil, err
		}
		return rsp.Data, nil
	}
	peer, err := r.Lookup(node)
	if err != nil {
		return nil, err
	}
	rsp, err = peer.CallTo(ctx, csp.Addr(node), port, data)
	if err != nil {
		return nil, err
	}
	return rsp.Data, nil
}

// Stream implements a method of the param.Transport interface.
func (r *Router) Stream(ctx context.Context, node param.Node, port csp.Port, data []byte) iter.Seq2[[]byte, error] {
	peer, err := r.Lookup(node)
	if err != nil {
		return func(yield func([]byte, error) bool) { yield(nil, err) }
	}
	return stream.CallTo(ctx, peer, csp.Addr(node), port, data)
}

// Close stops the peers started by Dial and the local peer, and reports the
// first error.
func (r *Router) Close() error {
	r.μ.Lock()
	owned, loc := r.owned, r.local
	r.owned, r.local = nil, nil
	r.μ.Unlock()

	var errs []error
	for _, p := range owned {
		if err := p.Stop(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if loc != nil {
		errs = append(errs, loc.Stop())
	}
	return errors.Join(errs...)
}
