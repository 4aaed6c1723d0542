// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package service implements the node side of the parameter protocol: it
// serves the parameters of a local registry, the node's identity and
// memory areas, and its known hosts over a csp.Peer.
package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/param"
	"github.com/creachadair/param/csp"
	"github.com/creachadair/param/handler"
	"github.com/creachadair/param/hosts"
	"github.com/creachadair/param/stream"
	"github.com/rs/zerolog"
)

// listChunk is the number of descriptions sent per list stream message.
const listChunk = 16

// An Area is a region of node memory exposed for vmem transfers.
type Area struct {
	Name     string
	Addr     uint64
	Mem      []byte
	ReadOnly bool
}

func (a *Area) info() param.VmemArea {
	return param.VmemArea{Name: a.Name, Addr: a.Addr, Size: uint32(len(a.Mem)), ReadOnly: a.ReadOnly}
}

// Config carries the settings for a [Node].
type Config struct {
	// Registry holds the parameters served. Only parameters of param.Local
	// are visible to callers. If nil, an empty registry is used.
	Registry *param.Registry

	// Addr is the bus address of the node. If nonzero, bound peers answer
	// only requests addressed to it.
	Addr param.Node

	// Ident is reported by the ident service.
	Ident param.Ident

	// Areas are the memory regions served by vmem.
	Areas []*Area

	// Hosts, if set, is served by the hosts service.
	Hosts hosts.Table

	// Reboot, if set, is called by the reboot service after the reply is
	// sent. If nil, reboot requests are refused.
	Reboot func()

	// Logger receives request logs. If nil, logs are discarded.
	Logger *zerolog.Logger
}

// A Node serves the parameter protocol for one set of parameters.
type Node struct {
	reg    *param.Registry
	addr   param.Node
	ident  param.Ident
	hosts  hosts.Table
	reboot func()
	log    zerolog.Logger
	start  time.Time

	μ     sync.Mutex // protects area memory
	areas []*Area
}

// New constructs a node from cfg.
func New(cfg Config) *Node {
	n := &Node{
		reg:    cfg.Registry,
		addr:   cfg.Addr,
		ident:  cfg.Ident,
		hosts:  cfg.Hosts,
		reboot: cfg.Reboot,
		log:    zerolog.Nop(),
		start:  time.Now(),
		areas:  slices.Clone(cfg.Areas),
	}
	if n.reg == nil {
		n.reg = param.NewRegistry()
	}
	if cfg.Logger != nil {
		n.log = cfg.Logger.With().Str("component", "service").Logger()
	}
	return n
}

// Registry returns the registry served by n.
func (n *Node) Registry() *param.Registry { return n.reg }

// Bind installs the handlers for the services of n on peer, and returns
// peer. If n has an address, it becomes the address of peer.
func (n *Node) Bind(peer *csp.Peer) *csp.Peer {
	if n.addr != param.Local {
		peer.SetAddr(csp.Addr(n.addr))
	}
	peer.Handle(param.PortPing, handler.ParamResult(n.ping))
	peer.Handle(param.PortIdent, handler.ResultOnly(n.identify))
	peer.Handle(param.PortUptime, handler.ResultOnly(n.uptime))
	peer.Handle(param.PortReboot, handler.ResultError(n.rebootNode))
	peer.Handle(param.PortParamPull, handler.ParamResultError(n.pull))
	peer.Handle(param.PortParamPush, handler.ParamError(n.push))
	peer.Handle(param.PortVmemList, handler.ResultOnly(n.vmemList))
	peer.Handle(param.PortVmemWrite, handler.ParamError(n.vmemWrite))
	stream.Handle(peer, param.PortParamList, n.list)
	stream.Handle(peer, param.PortVmemRead, n.vmemRead)
	if n.hosts.Len() != 0 {
		peer.Handle(param.PortHosts, n.hosts.Handler)
	}
	return peer
}

func (n *Node) ping(_ context.Context, data []byte) []byte { return data }

func (n *Node) identify(context.Context) param.Ident { return n.ident }

func (n *Node) uptime(context.Context) param.Uptime {
	return param.Uptime(time.Since(n.start) / time.Second)
}

func (n *Node) rebootNode(context.Context) ([]byte, error) {
	if n.reboot == nil {
		return nil, handler.Errorf(handler.CodeDenied, "reboot is not supported")
	}
	n.log.Info().Msg("reboot requested")
	time.AfterFunc(10*time.Millisecond, n.reboot)
	return nil, nil
}

func (n *Node) pull(_ context.Context, q param.Queue) (param.Queue, error) {
	out, err := n.reg.AnswerPull(param.Local, q)
	if err != nil {
		n.log.Debug().Err(err).Msg("pull failed")
		return param.Queue{}, serviceError(err)
	}
	n.log.Trace().Int("requested", len(q.Entries)).Int("answered", len(out.Entries)).Msg("pull")
	return out, nil
}

func (n *Node) push(_ context.Context, q param.Queue) error {
	if err := n.reg.ApplyPush(param.Local, q); err != nil {
		n.log.Debug().Err(err).Msg("push rejected")
		return serviceError(err)
	}
	n.log.Trace().Int("entries", len(q.Entries)).Msg("push")
	return nil
}

func (n *Node) list(ctx context.Context, req *csp.Request) iter.Seq2[[]byte, error] {
	n.log.Debug().Uint16("from", uint16(req.Src)).Msg("list download")
	return func(yield func([]byte, error) bool) {
		var chunk param.DescList
		flush := func() bool {
			data, err := chunk.MarshalBinary()
			chunk = chunk[:0]
			if err != nil {
				yield(nil, err)
				return false
			}
			return yield(data, nil)
		}
		for _, p := range n.reg.List() {
			if p.Node() != param.Local {
				continue
			}
			chunk = append(chunk, p.Desc())
			if len(chunk) == listChunk && !flush() {
				return
			}
		}
		if len(chunk) != 0 {
			flush()
		}
	}
}

func (n *Node) vmemList(context.Context) param.VmemAreas {
	n.μ.Lock()
	defer n.μ.Unlock()
	out := make(param.VmemAreas, len(n.areas))
	for i, a := range n.areas {
		out[i] = a.info()
	}
	return out
}

// findArea returns the area containing the size bytes at addr.
func (n *Node) findArea(addr uint64, size int) (*Area, error) {
	for _, a := range n.areas {
		if a.info().Contains(addr, size) {
			return a, nil
		}
	}
	return nil, handler.Errorf(handler.CodeRange, "no memory area holds %d bytes at 0x%x", size, addr)
}

func (n *Node) vmemRead(ctx context.Context, req *csp.Request) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		var r param.VmemRequest
		if err := r.UnmarshalBinary(req.Data); err != nil {
			yield(nil, handler.Errorf(handler.CodeBadRequest, "invalid request: %v", err))
			return
		}
		n.μ.Lock()
		a, err := n.findArea(r.Addr, int(r.Length))
		var data []byte
		if err == nil {
			off := r.Addr - a.Addr
			data = slices.Clone(a.Mem[off : off+uint64(r.Length)])
		}
		n.μ.Unlock()
		if err != nil {
			yield(nil, err)
			return
		}
		n.log.Debug().Str("area", a.Name).Uint64("addr", r.Addr).Uint32("length", r.Length).Msg("vmem read")
		for len(data) > 0 {
			blk := data[:min(len(data), param.VmemChunk)]
			data = data[len(blk):]
			if !yield(blk, nil) {
				return
			}
		}
	}
}

func (n *Node) vmemWrite(_ context.Context, r param.VmemRequest) error {
	n.μ.Lock()
	defer n.μ.Unlock()
	a, err := n.findArea(r.Addr, len(r.Data))
	if err != nil {
		return err
	} else if a.ReadOnly {
		return handler.Errorf(handler.CodeDenied, "memory area %q is read-only", a.Name)
	}
	copy(a.Mem[r.Addr-a.Addr:], r.Data)
	n.log.Debug().Str("area", a.Name).Uint64("addr", r.Addr).Int("length", len(r.Data)).Msg("vmem write")
	return nil
}

// serviceError maps a registry error to a coded service error.
func serviceError(err error) error {
	var (
		lerr *param.LookupError
		ierr *param.IndexError
		nerr *param.NotImplementedError
	)
	code := handler.CodeBadRequest
	switch {
	case errors.As(err, &lerr):
		code = handler.CodeNotFound
	case errors.Is(err, param.ErrReadOnly), errors.As(err, &nerr):
		code = handler.CodeDenied
	case errors.As(err, &ierr):
		code = handler.CodeRange
	}
	return handler.Errorf(code, "%s", err)
}

// String describes n for logs.
func (n *Node) String() string {
	return fmt.Sprintf("node %q (%d parameters)", n.ident.Hostname, n.reg.Len())
}
