// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package csp

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
)

// A Channel is a reliable ordered stream of packets shared by two peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the packet to the receiver.
	Send(*Packet) error

	// Receive the next available packet from the channel.
	Recv() (*Packet, error)

	// Close the channel. Pending and subsequent sends and receives must
	// report an error.
	Close() error
}

// A Handler serves a request addressed to one port of the local peer.  The
// handler can recover the peer from its context with [ContextPeer].
//
// An error reported by a handler is delivered to the caller as a service
// error whose message is the text of the error. Return an ErrorData or
// *ErrorData to choose the error code and auxiliary data.
type Handler func(context.Context, *Request) ([]byte, error)

// ErrNoRoute is the error of a call addressed to a node the remote peer
// does not serve.
var ErrNoRoute = errors.New("no route to node")

// A PacketLogger logs a packet exchanged with the remote peer.
type PacketLogger func(pkt PacketInfo)

// A PacketInfo is a packet together with its direction.
type PacketInfo struct {
	*Packet      // the packet being logged
	Sent    bool // true if the packet was sent, false if received
}

func (p PacketInfo) String() string {
	if p.Sent {
		return "send " + p.Packet.String()
	}
	return "recv " + p.Packet.String()
}

// A Peer is one end of a link between two nodes. A zero Peer is ready for use
// but must not be copied after first use.
//
// Start the peer on a channel to begin serving. A started peer runs until
// Stop is called, the channel closes, or a protocol fatal error occurs.
// Handle and Call are safe for concurrent use.
type Peer struct {
	in  interface{ Recv() (*Packet, error) }
	out struct {
		sync.Mutex // held to send on or replace ch
		ch         Channel
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	addr     Addr               // this node, or 0 to serve any address
	err      error              // protocol fatal error
	outbound map[uint32]pending // request ID → awaiting response
	nextID   uint32             // next unused outbound request ID
	inbound  map[uint32]func()  // request ID → cancel func
	handlers map[Port]Handler   // port → handler
	plog     PacketLogger
	base     func() context.Context

	onExit func(error)
}

// NewPeer constructs a new unstarted peer.
func NewPeer() *Peer { return new(Peer) }

// Start starts p serving on ch. It does not block; use Wait to wait for the
// peer to exit and collect its status.
func (p *Peer) Start(ch Channel) *Peer {
	if p.in != nil {
		panic("peer is already started")
	}

	g := taskgroup.New(nil)
	p.μ.Lock()
	p.in = ch
	p.tasks = g
	p.out.ch = ch
	p.err = nil
	p.outbound = make(map[uint32]pending)
	p.nextID = 0
	p.inbound = make(map[uint32]func())
	if p.base == nil {
		p.base = context.Background
	}
	p.μ.Unlock()

	g.Go(func() error {
		for {
			pkt, err := p.in.Recv()
			if err != nil {
				p.fail(err)
				return nil
			}
			peerMetrics.packetRecv.Add(1)
			if err := p.dispatchPacket(pkt); err != nil {
				p.fail(err)
				return nil
			}
		}
	})
	return p
}

// Metrics returns the metrics map shared by all peers.
func (p *Peer) Metrics() *expvar.Map { return Metrics() }

// Stop closes the channel and blocks until p has exited, returning its status.
// A stopped peer may be restarted with a new channel.
func (p *Peer) Stop() error { p.closeOut(); return p.Wait() }

func isCleanExit(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// waitTasks blocks until the service routines have finished, and reports
// whether the peer was running.
func (p *Peer) waitTasks() bool {
	p.μ.Lock()
	t := p.tasks
	p.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until p terminates and reports the error that stopped it.  If p
// is not running, or stopped because its channel closed, Wait returns nil.
func (p *Peer) Wait() error {
	if !p.waitTasks() {
		return nil
	}

	p.μ.Lock()
	defer p.μ.Unlock()
	p.in = nil
	p.tasks = nil
	p.out.Lock()
	p.out.ch = nil
	p.out.Unlock()
	p.outbound = nil
	p.inbound = nil

	if isCleanExit(p.err) {
		return nil
	}
	return p.err
}

// SetAddr sets the bus address of p. Requests p sends carry it as their
// source, and p answers requests for any other node with [ErrNoRoute].
// Address 0, the default, serves requests for every address.
func (p *Peer) SetAddr(a Addr) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.addr = a
	return p
}

// Addr reports the bus address of p.
func (p *Peer) Addr() Addr { p.μ.Lock(); defer p.μ.Unlock(); return p.addr }

// Call sends a request for port to the node at the far end of the link. It
// is CallTo with [AnyAddr].
func (p *Peer) Call(ctx context.Context, port Port, data []byte) (*Response, error) {
	return p.CallTo(ctx, AnyAddr, port, data)
}

// CallTo sends a request for port on node dst and blocks until the response
// arrives or ctx ends. When ctx ends first, the call is canceled at the
// remote peer. Errors reported by CallTo have concrete type *CallError; a
// remote peer that does not serve dst reports [ErrNoRoute].
func (p *Peer) CallTo(ctx context.Context, dst Addr, port Port, data []byte) (_ *Response, err error) {
	peerMetrics.callOut.Add(1)
	defer func() {
		if err != nil {
			peerMetrics.callOutErr.Add(1)
		}
	}()

	id, pc, err := p.sendReq(dst, port, data)
	if err != nil {
		return nil, callError(err)
	}
	peerMetrics.callPending.Add(1)
	defer peerMetrics.callPending.Add(-1)

	done := ctx.Done()
	for {
		select {
		case <-done:
			// Tell the remote peer, then keep waiting for its reply.
			p.sendCancel(id)
			done = nil

			// Give up after a short grace period even without a reply. The ID
			// stays pinned so a late response cannot be confused with a new
			// call that reused it.
			wd := time.AfterFunc(50*time.Millisecond, func() {
				p.μ.Lock()
				defer p.μ.Unlock()
				if pc, ok := p.outbound[id]; ok {
					p.outbound[id] = nil
					pc.deliver(&Response{RequestID: id, Code: CodeCanceled})
				}
			})
			defer wd.Stop()
			continue

		case rsp, ok := <-pc:
			if !ok {
				// Closed without a response: the peer failed.
				p.tasks.Wait()
				return nil, callError(fmt.Errorf("call terminated: %w", p.err))
			}
			return checkResponse(rsp)
		}
	}
}

// checkResponse converts a non-success response into a *CallError.
func checkResponse(rsp *Response) (*Response, error) {
	switch rsp.Code {
	case CodeSuccess:
		return rsp, nil
	case CodeCanceled:
		return nil, &CallError{Err: context.Canceled, Response: rsp}
	case CodeNoRoute:
		return nil, &CallError{Err: ErrNoRoute, Response: rsp}
	}
	ce := &CallError{Response: rsp}
	if err := ce.ErrorData.UnmarshalBinary(rsp.Data); err != nil {
		ce.Message = err.Error()
	}
	return nil, ce
}

// Exec runs the local handler for port without sending any packets. It
// reports errors the same way Call does, so callers can treat local and remote
// execution alike.
func (p *Peer) Exec(ctx context.Context, port Port, data []byte) (*Response, error) {
	req := &Request{Port: port, Data: data}
	p.μ.Lock()
	h, ok := p.lookupLocked(port)
	p.μ.Unlock()
	if !ok {
		return checkResponse(&Response{Code: CodeUnknownPort})
	}
	ctx = context.WithValue(ctx, peerContextKey{}, p)
	return checkResponse(runHandler(ctx, h, req))
}

// Handle registers h to serve requests for port. A nil h removes the handler.
// Port 0 is the wildcard: its handler serves every port without a more
// specific handler. Handle returns p to permit chaining.
func (p *Peer) Handle(port Port, h Handler) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.handlers == nil {
		p.handlers = make(map[Port]Handler)
	}
	if h == nil {
		delete(p.handlers, port)
	} else {
		p.handlers[port] = h
	}
	return p
}

// LogPackets registers a logger invoked for every packet sent or received,
// including packets that are dropped. A nil log disables logging.
func (p *Peer) LogPackets(log PacketLogger) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.plog = log
	return p
}

// OnExit registers f to be called when the peer terminates, with the status
// Wait would report. A nil f removes the callback.
func (p *Peer) OnExit(f func(error)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onExit = f
	return p
}

// NewContext sets the function that creates base contexts for handlers. By
// default handlers get a background context. A server uses it to end its
// handlers when it shuts down.
func (p *Peer) NewContext(base func() context.Context) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if base == nil {
		p.base = context.Background
	} else {
		p.base = base
	}
	return p
}

// fail terminates all pending calls and records the failure status.
func (p *Peer) fail(err error) {
	p.closeOut()

	p.μ.Lock()
	defer p.μ.Unlock()
	for _, pc := range p.outbound {
		pc.close()
	}
	p.outbound = nil
	for _, stop := range p.inbound {
		stop()
	}
	p.inbound = nil

	p.err = err
	if p.onExit != nil {
		if isCleanExit(err) {
			err = nil
		}
		p.onExit(err)
	}
}

func (p *Peer) sendRsp(rsp *Response) {
	p.μ.Lock()
	delete(p.inbound, rsp.RequestID)
	err := p.err
	p.μ.Unlock()
	if err != nil {
		return
	}
	if err := p.sendOut(&Packet{
		Version: Version,
		Type:    PacketResponse,
		Payload: rsp.Encode(),
	}); err != nil {
		p.closeOut()
	}
}

// sendReq sends a request without waiting for its reply. The response is
// delivered on the returned pending channel.
func (p *Peer) sendReq(dst Addr, port Port, data []byte) (uint32, pending, error) {
	p.μ.Lock()
	if err := p.err; err != nil {
		p.μ.Unlock()
		return 0, nil, err
	} else if p.outbound == nil {
		p.μ.Unlock()
		return 0, nil, net.ErrClosed
	}
	p.nextID++
	id, src := p.nextID, p.addr
	pc := make(pending, 1)
	p.outbound[id] = pc
	p.μ.Unlock()

	// The state lock must not be held while sending, or the receiver cannot
	// dispatch packets.
	err := p.sendOut(&Packet{
		Version: Version,
		Type:    PacketRequest,
		Payload: Request{RequestID: id, Src: src, Dst: dst, Port: port, Data: data}.Encode(),
	})

	p.μ.Lock()
	defer p.μ.Unlock()
	if err != nil {
		p.releaseIDLocked(id)
		return 0, nil, err
	}
	return id, pc, nil
}

func (p *Peer) sendCancel(id uint32) {
	if err := p.sendOut(&Packet{
		Version: Version,
		Type:    PacketCancel,
		Payload: Cancel{RequestID: id}.Encode(),
	}); err != nil {
		p.closeOut() // protocol fatal
	}
}

// servesLocked reports whether requests for dst are addressed to p.
func (p *Peer) servesLocked(dst Addr) bool {
	return p.addr == 0 || dst == AnyAddr || dst == p.addr
}

func (p *Peer) lookupLocked(port Port) (Handler, bool) {
	if h, ok := p.handlers[port]; ok {
		return h, true
	}
	const wildcard = 0
	h, ok := p.handlers[wildcard]
	return h, ok
}

// runHandler invokes h and packages its result as a response.
func runHandler(ctx context.Context, h Handler, req *Request) *Response {
	data, err := func() (_ []byte, err error) {
		defer func() {
			if x := recover(); x != nil && err == nil {
				err = fmt.Errorf("handler panicked (recovered): %v", x)
			}
		}()
		return h(ctx, req)
	}()

	rsp := &Response{RequestID: req.RequestID}
	var ed *ErrorData
	switch {
	case ctx.Err() != nil || err == context.Canceled || err == context.DeadlineExceeded:
		// Only the unwrapped sentinels count as cancellation.
		rsp.Code = CodeCanceled
	case err == nil:
		rsp.Code = CodeSuccess
		rsp.Data = data
	case errors.As(err, &ed):
		rsp.Code = CodeServiceError
		rsp.Data = ed.Encode()
	default:
		var v ErrorData
		if errors.As(err, &v) {
			rsp.Code = CodeServiceError
			rsp.Data = v.Encode()
		} else {
			rsp.Code = CodeServiceError
			rsp.Data = ErrorData{Message: err.Error()}.Encode()
		}
	}
	return rsp
}

// dispatchRequestLocked starts the handler for an inbound request, or replies
// at once for a request addressed elsewhere, a duplicate request ID, or an
// unknown port.
func (p *Peer) dispatchRequestLocked(req *Request) (err error) {
	peerMetrics.callIn.Add(1)
	defer func() {
		if err != nil {
			peerMetrics.callInErr.Add(1)
		}
	}()

	reply := func(code ResultCode) error {
		return p.sendOut(&Packet{
			Version: Version,
			Type:    PacketResponse,
			Payload: Response{RequestID: req.RequestID, Code: code}.Encode(),
		})
	}
	if !p.servesLocked(req.Dst) {
		return reply(CodeNoRoute)
	} else if _, ok := p.inbound[req.RequestID]; ok {
		return reply(CodeDuplicateID)
	}
	h, ok := p.lookupLocked(req.Port)
	if !ok {
		return reply(CodeUnknownPort)
	}

	pctx := context.WithValue(p.base(), peerContextKey{}, p)
	ctx, cancel := context.WithCancel(pctx)
	p.inbound[req.RequestID] = cancel
	peerMetrics.callActive.Add(1)

	p.tasks.Go(func() error {
		defer cancel()
		defer peerMetrics.callActive.Add(-1)
		p.sendRsp(runHandler(ctx, h, req))
		return nil
	})
	return nil
}

// dispatchPacket routes an inbound packet. Any error it reports is protocol
// fatal.
func (p *Peer) dispatchPacket(pkt *Packet) error {
	p.μ.Lock()
	plog := p.plog
	p.μ.Unlock()
	if plog != nil {
		plog(PacketInfo{Packet: pkt, Sent: false})
	}
	if pkt.Version != Version {
		peerMetrics.packetDropped.Add(1)
		return nil
	}

	switch pkt.Type {
	case PacketRequest:
		var req Request
		if err := req.UnmarshalBinary(pkt.Payload); err != nil {
			return fmt.Errorf("invalid request packet: %w", err)
		}
		p.μ.Lock()
		defer p.μ.Unlock()
		return p.dispatchRequestLocked(&req)

	case PacketCancel:
		var can Cancel
		if err := can.UnmarshalBinary(pkt.Payload); err != nil {
			return fmt.Errorf("invalid cancel packet: %w", err)
		}
		peerMetrics.cancelIn.Add(1)
		p.μ.Lock()
		defer p.μ.Unlock()
		if stop, ok := p.inbound[can.RequestID]; ok {
			stop()
		}
		return nil

	case PacketResponse:
		var rsp Response
		if err := rsp.UnmarshalBinary(pkt.Payload); err != nil {
			return fmt.Errorf("invalid response packet: %w", err)
		}
		p.μ.Lock()
		defer p.μ.Unlock()
		pc, ok := p.outbound[rsp.RequestID]
		if !ok {
			return nil // unknown request ID
		}
		p.releaseIDLocked(rsp.RequestID)
		pc.deliver(&rsp)

	default:
		peerMetrics.packetDropped.Add(1)
	}
	return nil
}

func (p *Peer) releaseIDLocked(id uint32) {
	delete(p.outbound, id)
	if len(p.outbound) == 0 {
		p.nextID = 0
	}
}

func (p *Peer) sendOut(pkt *Packet) error {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch == nil {
		return net.ErrClosed
	}
	peerMetrics.packetSent.Add(1)
	if p.plog != nil {
		p.plog(PacketInfo{Packet: pkt, Sent: true})
	}
	return p.out.ch.Send(pkt)
}

func (p *Peer) closeOut() {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch != nil {
		p.out.ch.Close()
	}
}

type pending chan *Response

func (p pending) close() {
	if p != nil {
		close(p)
	}
}

func (p pending) deliver(r *Response) {
	if p != nil {
		p <- r
		close(p)
	}
}

func callError(err error) *CallError { return &CallError{Err: err} }

// CallError is the concrete type of errors reported by [Peer.Call] and
// [Peer.Exec]. For service errors Err is nil and ErrorData holds the details
// sent by the remote handler. Response is set when the error came from a
// response.
type CallError struct {
	ErrorData
	Err      error     // nil for service errors
	Response *Response // set if the error came from a response
}

// Unwrap reports the underlying error of c, or nil for a service error.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	} else if c.Response.Code == CodeServiceError {
		return fmt.Sprintf("service error: %v", c.ErrorData.Error())
	}
	return fmt.Sprintf("request %d: %s", c.Response.RequestID, c.Response.Code.String())
}

// IsServiceError reports whether c carries an error produced by a remote
// handler, as opposed to a transport failure.
func (c *CallError) IsServiceError() bool {
	return c.Err == nil && c.Response != nil && c.Response.Code == CodeServiceError
}

type peerContextKey struct{}

// ContextPeer returns the Peer associated with ctx, or nil.  The context
// passed to a Handler has this value.
func ContextPeer(ctx context.Context) *Peer {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(*Peer)
	}
	return nil
}

// SplitAddress reports the network of a listen or dial address: "tcp" for
// host:port, where port is a number or service name and host has no "/",
// and "unix" for anything else, taken as a socket path. The address is
// returned unmodified and is not checked for validity.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 || strings.ContainsRune(s[:i], '/') {
		return "unix", s
	}
	port := s[i+1:]
	notService := func(r rune) bool {
		return !(r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	}
	if port == "" || strings.IndexFunc(port, notService) >= 0 {
		return "unix", s
	}
	return "tcp", s
}
