// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package param

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/creachadair/param/csp"
	"github.com/rs/zerolog"
)

// A Transport delivers calls to the services of a node.
type Transport interface {
	// Call sends data to port on node and returns the reply payload.
	Call(ctx context.Context, node Node, port csp.Port, data []byte) ([]byte, error)

	// Stream sends data to port on node and yields each payload the node
	// streams back. A failure ends the sequence with a final (nil, err).
	Stream(ctx context.Context, node Node, port csp.Port, data []byte) iter.Seq2[[]byte, error]
}

// Options control the behavior of a [Client]. A nil *Options provides
// defaults as described.
type Options struct {
	// Timeout bounds each exchange with a node. If zero, 1s is used.
	Timeout time.Duration

	// Retries is the number of additional attempts made when a node does not
	// answer. If zero, 1 is used; if negative, no retries are made.
	Retries int

	// Host, if not Local, is the destination of pulls and pushes whose host
	// argument is Local.
	Host Node

	// Logger receives diagnostic logs. If nil, logs are discarded.
	Logger *zerolog.Logger
}

func (o *Options) timeout() time.Duration {
	if o == nil || o.Timeout <= 0 {
		return time.Second
	}
	return o.Timeout
}

func (o *Options) attempts() int {
	if o == nil || o.Retries == 0 {
		return 2
	} else if o.Retries < 0 {
		return 1
	}
	return o.Retries + 1
}

func (o *Options) host() Node {
	if o == nil {
		return Local
	}
	return o.Host
}

func (o *Options) logger() *zerolog.Logger {
	if o == nil || o.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return o.Logger
}

// A Client reads and writes parameters of remote nodes, keeping the values
// cached in a registry in sync.
type Client struct {
	reg    *Registry
	t      Transport
	opts   *Options
	log    *zerolog.Logger

	μ      sync.Mutex
	staged Set
}

// NewClient constructs a client that caches values in reg and reaches nodes
// through t.
func NewClient(reg *Registry, t Transport, opts *Options) *Client {
	return &Client{reg: reg, t: t, opts: opts, log: opts.logger()}
}

// Registry returns the registry used by c.
func (c *Client) Registry() *Registry { return c.reg }

// Get reads the value of p selected by x. If p is remote and sends
// automatically, the value is first pulled from its node.
func (c *Client) Get(ctx context.Context, p *Param, x Index) (any, error) {
	if p.Node() != Local && p.AutoSend() {
		offset := -1
		if x.kind == kindAt && p.Type() != String {
			i, err := normalize(x.pos, p.Len())
			if err != nil {
				return nil, err
			}
			offset = i
		}
		if err := c.pullEntries(ctx, p.Node(), []*Param{p}, offset); err != nil {
			return nil, err
		}
	}
	return p.View().Get(x)
}

// Set stores val into p at the positions selected by x. If p is remote the
// new value is pushed to its node, or staged for [Client.Flush] if p does not
// send automatically. The local store happens first, and remains even if the
// push fails. A read-only p is not written, and the error is a *ValueError
// wrapping [ErrReadOnly].
func (c *Client) Set(ctx context.Context, p *Param, x Index, val any) error {
	if p.Mask()&MaskReadOnly != 0 {
		return &ValueError{Msg: p.Name(), Err: ErrReadOnly}
	}
	offset, err := p.View().store(x, val)
	if err != nil {
		return err
	}
	p.notify(offset)
	if p.Node() == Local {
		return nil
	}
	if !p.AutoSend() {
		c.μ.Lock()
		defer c.μ.Unlock()
		c.staged.Add(p)
		return nil
	}
	if p.Type() == String {
		offset = -1
	}
	return c.pushEntries(ctx, p.Node(), []*Param{p}, offset)
}

// Staged returns the set of parameters written with automatic sending off
// and not yet flushed.
func (c *Client) Staged() *Set {
	c.μ.Lock()
	defer c.μ.Unlock()
	return NewSet(c.staged.Params()...)
}

// Flush pushes every staged parameter to its node. Parameters that were
// pushed successfully are removed from the staging set.
func (c *Client) Flush(ctx context.Context) error {
	c.μ.Lock()
	order, groups := c.staged.byNode(Local)
	c.μ.Unlock()

	for _, node := range order {
		if err := c.pushEntries(ctx, node, groups[node], -1); err != nil {
			return err
		}
		c.μ.Lock()
		for _, p := range groups[node] {
			c.staged.Remove(p)
		}
		c.μ.Unlock()
	}
	return nil
}

// Pull refreshes the cached values of the remote parameters in s, with one
// request per node. If host is not Local every parameter is read from host.
// Local parameters are skipped, so an empty or all-local set sends nothing.
//
// Replies are applied in set order. A parameter the node did not answer for
// keeps its prior value.
func (c *Client) Pull(ctx context.Context, s *Set, host Node) error {
	if host == Local {
		host = c.opts.host()
	}
	order, groups := s.byNode(host)
	for _, node := range order {
		if err := c.pullEntries(ctx, node, groups[node], -1); err != nil {
			return err
		}
	}
	return nil
}

// Push sends the cached values of the remote parameters in s to their nodes,
// with one request per node. If host is not Local every parameter is written
// to host. Local parameters are skipped.
func (c *Client) Push(ctx context.Context, s *Set, host Node) error {
	if host == Local {
		host = c.opts.host()
	}
	order, groups := s.byNode(host)
	for _, node := range order {
		if err := c.pushEntries(ctx, node, groups[node], -1); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) pullEntries(ctx context.Context, node Node, ps []*Param, offset int) error {
	q := Queue{Kind: QueueGet}
	for _, p := range ps {
		q.Entries = append(q.Entries, QueueEntry{ID: p.ID(), Offset: offset})
	}
	req, err := q.MarshalBinary()
	if err != nil {
		return err
	}
	rsp, err := c.call(ctx, node, "pull", PortParamPull, req)
	if err != nil {
		return err
	}
	var reply Queue
	if err := reply.UnmarshalBinary(rsp); err != nil {
		return &RemoteError{Node: node, Op: "pull", Err: fmt.Errorf("invalid reply: %w", err)}
	}
	byID := make(map[uint16][]QueueEntry)
	for _, e := range reply.Entries {
		byID[e.ID] = append(byID[e.ID], e)
	}
	for _, p := range ps {
		es := byID[p.ID()]
		for _, e := range es {
			if err := p.setWireValue(e.Offset, e.Value); err != nil {
				return fmt.Errorf("pull %s: %w", p.Name(), err)
			}
		}
		if len(es) == 0 {
			c.log.Debug().Uint16("node", uint16(node)).Str("param", p.Name()).Msg("no value in pull reply")
		}
	}
	return nil
}

func (c *Client) pushEntries(ctx context.Context, node Node, ps []*Param, offset int) error {
	q := Queue{Kind: QueueSet}
	for _, p := range ps {
		v, err := p.wireValue(offset)
		if err != nil {
			return err
		}
		q.Entries = append(q.Entries, QueueEntry{ID: p.ID(), Offset: offset, Value: v})
	}
	req, err := q.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = c.call(ctx, node, "push", PortParamPush, req)
	return err
}

// ListDownload asks node for the descriptions of all its parameters, and adds
// each to the registry. It returns the registered parameters in the order the
// node listed them. A node that lists nothing is reported as a
// *ConnectionError.
func (c *Client) ListDownload(ctx context.Context, node Node) ([]*Param, error) {
	var out []*Param
	err := c.stream(ctx, node, "list download", PortParamList, nil, func(data []byte) error {
		var ds DescList
		if err := ds.UnmarshalBinary(data); err != nil {
			return &RemoteError{Node: node, Op: "list download", Err: err}
		}
		for _, d := range ds {
			d.Node = node
			p, res, err := c.reg.Add(d)
			if err != nil {
				return fmt.Errorf("list download: %w", err)
			}
			c.log.Debug().Uint16("node", uint16(node)).Str("param", d.Name).Stringer("result", res).Msg("listed")
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return out, err
	} else if len(out) == 0 {
		return nil, &ConnectionError{Node: node, Op: "list download", Err: errors.New("no response")}
	}
	return out, nil
}

// Ping reports the round-trip time of an echo exchange with node. It returns
// a negative duration if node does not answer within the timeout.
func (c *Client) Ping(ctx context.Context, node Node) time.Duration {
	var nonce [8]byte
	rand.Read(nonce[:])
	ctx, cancel := context.WithTimeout(ctx, c.opts.timeout())
	defer cancel()

	start := time.Now()
	rsp, err := c.t.Call(ctx, node, PortPing, nonce[:])
	elapsed := time.Since(start)
	if err != nil {
		c.log.Debug().Err(err).Uint16("node", uint16(node)).Msg("ping failed")
		return -1
	} else if !bytes.Equal(rsp, nonce[:]) {
		c.log.Debug().Uint16("node", uint16(node)).Msg("ping reply does not match")
		return -1
	}
	return elapsed
}

// Ident returns the identity of node rendered as text.
func (c *Client) Ident(ctx context.Context, node Node) (string, error) {
	id, err := c.IdentInfo(ctx, node)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// IdentInfo returns the identity of node.
func (c *Client) IdentInfo(ctx context.Context, node Node) (Ident, error) {
	rsp, err := c.call(ctx, node, "ident", PortIdent, nil)
	if err != nil {
		return Ident{}, err
	}
	var id Ident
	if err := id.UnmarshalBinary(rsp); err != nil {
		return Ident{}, &RemoteError{Node: node, Op: "ident", Err: err}
	}
	return id, nil
}

// Uptime reports how long node has been running.
func (c *Client) Uptime(ctx context.Context, node Node) (time.Duration, error) {
	rsp, err := c.call(ctx, node, "uptime", PortUptime, nil)
	if err != nil {
		return 0, err
	}
	var u Uptime
	if err := u.UnmarshalBinary(rsp); err != nil {
		return 0, &RemoteError{Node: node, Op: "uptime", Err: err}
	}
	return u.Duration(), nil
}

// Reboot asks node to restart.
func (c *Client) Reboot(ctx context.Context, node Node) error {
	_, err := c.call(ctx, node, "reboot", PortReboot, nil)
	return err
}

// VmemList returns the memory areas node exposes.
func (c *Client) VmemList(ctx context.Context, node Node) (VmemAreas, error) {
	rsp, err := c.call(ctx, node, "vmem list", PortVmemList, nil)
	if err != nil {
		return nil, err
	}
	var as VmemAreas
	if err := as.UnmarshalBinary(rsp); err != nil {
		return nil, &RemoteError{Node: node, Op: "vmem list", Err: err}
	}
	return as, nil
}

// VmemDownload reads length bytes of node memory starting at addr. If node
// does not answer, the error is a *ConnectionError; a transfer the node
// refuses or cuts short is a *RemoteError.
func (c *Client) VmemDownload(ctx context.Context, addr uint64, length int, node Node) ([]byte, error) {
	if length < 0 || int64(length) > 1<<32-1 {
		return nil, valueErrorf("invalid vmem length %d", length)
	}
	req, _ := VmemRequest{Addr: addr, Length: uint32(length)}.MarshalBinary()
	out := make([]byte, 0, length)
	err := c.stream(ctx, node, "vmem download", PortVmemRead, req, func(data []byte) error {
		if len(out)+len(data) > length {
			return &RemoteError{Node: node, Op: "vmem download", Err: errors.New("node sent too much data")}
		}
		out = append(out, data...)
		return nil
	})
	if err != nil {
		return nil, err
	} else if len(out) != length {
		return nil, &RemoteError{Node: node, Op: "vmem download",
			Err: fmt.Errorf("transfer ended after %d of %d bytes", len(out), length)}
	}
	return out, nil
}

// VmemChunk is the largest block sent in one vmem write request.
const VmemChunk = 1 << 14

// VmemUpload writes data to node memory starting at addr, in blocks of at
// most VmemChunk bytes. Errors are reported as for [Client.VmemDownload].
func (c *Client) VmemUpload(ctx context.Context, addr uint64, data []byte, node Node) error {
	// At least one request is sent, even for empty data.
	for off, first := 0, true; first || off < len(data); off, first = off+VmemChunk, false {
		blk := data[off:min(off+VmemChunk, len(data))]
		req, _ := VmemRequest{Addr: addr + uint64(off), Data: blk}.MarshalBinary()
		if _, err := c.call(ctx, node, "vmem upload", PortVmemWrite, req); err != nil {
			return err
		}
	}
	return nil
}

// call sends one request, retrying while node does not answer.
func (c *Client) call(ctx context.Context, node Node, op string, port csp.Port, data []byte) ([]byte, error) {
	var err error
	for try := range c.opts.attempts() {
		if try > 0 {
			c.log.Debug().Err(err).Uint16("node", uint16(node)).Str("op", op).Int("attempt", try+1).Msg("retrying")
		}
		cctx, cancel := context.WithTimeout(ctx, c.opts.timeout())
		var rsp []byte
		rsp, err = c.t.Call(cctx, node, port, data)
		cancel()
		if err == nil {
			return rsp, nil
		}
		err = classify(node, op, err)
		var cerr *ConnectionError
		if !errors.As(err, &cerr) || ctx.Err() != nil {
			break
		}
	}
	return nil, err
}

// stream runs a streaming call and passes each payload to f. The timeout
// applies to the gap between payloads.
func (c *Client) stream(ctx context.Context, node Node, op string, port csp.Port, data []byte, f func([]byte) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	idle := time.AfterFunc(c.opts.timeout(), cancel)
	defer idle.Stop()

	for rsp, err := range c.t.Stream(ctx, node, port, data) {
		if err != nil {
			return classify(node, op, err)
		}
		idle.Reset(c.opts.timeout())
		if err := f(rsp); err != nil {
			return err
		}
	}
	return nil
}

// classify converts a transport error into a *RemoteError if the node
// answered, or a *ConnectionError otherwise.
func classify(node Node, op string, err error) error {
	var ce *csp.CallError
	if errors.As(err, &ce) && ce.Response != nil {
		switch ce.Response.Code {
		case csp.CodeServiceError, csp.CodeUnknownPort, csp.CodeDuplicateID:
			return &RemoteError{Node: node, Op: op, Err: err}
		}
	}
	return &ConnectionError{Node: node, Op: op, Err: err}
}
