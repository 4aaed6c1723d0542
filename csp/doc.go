// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package csp implements the control protocol used to reach parameter nodes.
//
// Two peers exchange binary packets over a shared reliable [Channel]. Each
// packet has an 8-byte header (the bytes 'P' 'C', a version, a packet type and
// a 32-bit big-endian payload length) followed by the payload. A call is a
// request addressed to a [Port] on the remote peer and the matching response.
//
// # Peers
//
// Create a peer and start it on a channel connected to another peer:
//
//	p := csp.NewPeer().Start(ch)
//
// The peer runs until [Peer.Stop] is called, the remote peer closes the
// channel, or a protocol fatal error occurs. [Peer.Wait] reports its status.
//
// # Calls
//
// Register a handler for each port the peer serves:
//
//	p.Handle(1, func(ctx context.Context, req *csp.Request) ([]byte, error) {
//	   return req.Data, nil
//	})
//
// Call a port on the remote peer:
//
//	rsp, err := p.Call(ctx, 1, []byte("ping"))
//
// Errors from Call have concrete type [*CallError]. When ctx ends before the
// reply arrives, the call is canceled at the remote peer.
//
// To run a handler of the local peer without I/O, use [Peer.Exec].
//
// # Addresses
//
// Each request carries the bus addresses of the calling and the called node.
// A peer given an address with [Peer.SetAddr] serves only requests for that
// address or for [AnyAddr], and refuses others with [ErrNoRoute]:
//
//	srv.SetAddr(5)
//	rsp, err := cli.CallTo(ctx, 5, 1, []byte("ping"))
//
// A handler finds the caller in [Request.Src].
//
// # Metrics
//
// Peers share a set of expvar counters, available from [Peer.Metrics]:
//
//   - packets_received: counter of packets received
//   - packets_sent: counter of packets sent
//   - packets_dropped: counter of packets received and discarded
//   - calls_in: counter of inbound requests
//   - calls_in_failed: counter of inbound requests resulting in errors
//   - calls_active: gauge of inbound calls in progress
//   - calls_out: counter of outbound requests
//   - calls_out_failed: counter of outbound requests resulting in errors
//   - cancels_in: counter of cancellations received
//   - calls_pending: gauge of outbound calls awaiting a response
package csp
