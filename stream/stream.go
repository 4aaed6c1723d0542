// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package stream provides helpers for implementing streaming calls, where a
// single request yields a sequence of response payloads.
//
// The caller registers a temporary handler on a randomly chosen callback
// port and appends the port to the request. The serving handler delivers
// each payload by calling that port on the caller, and the stream ends when
// the original call completes.
package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"iter"
	"math/rand/v2"
	"slices"

	"github.com/creachadair/param/csp"
)

// Callback ports have the high bit set, so they never collide with the fixed
// service ports of a node.
const callbackBit = 1 << 31

const portLen = 4

// newCallbackPort returns a random callback port.
func newCallbackPort() csp.Port { return csp.Port(rand.Uint32() | callbackBit) }

// IsCallbackPort reports whether p is in the range used for stream
// callbacks.
func IsCallbackPort(p csp.Port) bool { return p&callbackBit != 0 }

// takeCallbackPort removes a callback port from the end of req.Data and
// returns it.
func takeCallbackPort(req *csp.Request) (csp.Port, error) {
	n := len(req.Data)
	if n < portLen {
		return 0, errors.New("payload too short")
	}
	port := csp.Port(binary.BigEndian.Uint32(req.Data[n-portLen:]))
	if !IsCallbackPort(port) {
		return 0, errors.New("invalid callback port")
	}
	// Clip so the handler cannot recover the port by growing the slice.
	req.Data = slices.Clip(req.Data[:n-portLen])
	return port, nil
}

// Call sends a call to port on the remote peer with the given data, and
// yields a sequence of responses. The sequence ends at the remote peer's
// discretion, or when ctx is canceled.
//
// The returned iterator yields zero or more (bs, nil) values. If the call
// ends unsuccessfully, the iterator ends the stream with a final (nil, err).
func Call(ctx context.Context, peer *csp.Peer, port csp.Port, data []byte) iter.Seq2[[]byte, error] {
	return CallTo(ctx, peer, csp.AnyAddr, port, data)
}

// CallTo is as [Call], but addresses the request to node dst.
func CallTo(ctx context.Context, peer *csp.Peer, dst csp.Addr, port csp.Port, data []byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		cb := newCallbackPort()
		req := binary.BigEndian.AppendUint32(slices.Clip(data), uint32(cb))

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// The callback runs on a peer goroutine, but values must be yielded
		// from this one.
		vals := make(chan []byte)
		peer.Handle(cb, func(cbctx context.Context, req *csp.Request) ([]byte, error) {
			select {
			case vals <- req.Data:
				return nil, nil
			case <-ctx.Done():
				// The caller stopped, or the call already returned.
				return nil, ctx.Err()
			case <-cbctx.Done():
				return nil, cbctx.Err()
			}
		})

		errc := make(chan error, 1)
		go func() {
			// Unregister from here rather than the iterator, so the remote
			// cannot see an unknown port while the iterator unwinds.
			defer peer.Handle(cb, nil)
			defer close(errc)
			_, err := peer.CallTo(ctx, dst, port, req)
			if ctx.Err() != nil {
				// Report a local cancellation as such, however it
				// surfaced in the call.
				errc <- ctx.Err()
			} else {
				errc <- err
			}
		}()

		for {
			select {
			case v := <-vals:
				if !yield(v, nil) {
					return
				}
			case err := <-errc:
				if err != nil {
					yield(nil, err)
				}
				return
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// HandlerFunc is a variant of csp.Handler that yields a sequence of
// responses rather than a single value. The returned iterator should only
// yield a non-nil error as its final element, following zero or more
// error-free values.
type HandlerFunc func(context.Context, *csp.Request) iter.Seq2[[]byte, error]

// Handler adapts fn into a csp.Handler that must be invoked with [Call]. Each
// payload is delivered to the node that sent the request.
func Handler(fn HandlerFunc) csp.Handler {
	return func(ctx context.Context, req *csp.Request) ([]byte, error) {
		cb, err := takeCallbackPort(req)
		if err != nil {
			return nil, csp.ErrorData{Message: err.Error()}
		}
		peer := csp.ContextPeer(ctx)

		for rsp, err := range fn(ctx, req) {
			if err != nil {
				return nil, err
			}
			// The iterator may not watch ctx itself.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, err := peer.CallTo(ctx, req.Src, cb, rsp); err != nil {
				return nil, err
			}
		}

		// An iterator that reacts to cancellation by returning early looks
		// like a normal end of stream.
		return nil, ctx.Err()
	}
}

// Handle registers fn on peer as the handler for port.
func Handle(peer *csp.Peer, port csp.Port, fn HandlerFunc) {
	peer.Handle(port, Handler(fn))
}
