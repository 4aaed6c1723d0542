// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package param_test

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/creachadair/param"
	"github.com/creachadair/param/csp"
	"github.com/creachadair/param/peers"
	"github.com/creachadair/param/service"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

const remoteNode param.Node = 5

// testNode is a served node with a few parameters, reached by a client over
// an in-memory link.
type testNode struct {
	remote *param.Registry // the node's own parameters
	area   *service.Area
	cli    *param.Client
	calls  *countingTransport
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	remote := param.NewRegistry()
	for _, d := range []param.Desc{
		{ID: 1, Name: "temp", Type: param.Int16, Unit: "C"},
		{ID: 2, Name: "gain", Type: param.Float, Count: 4},
		{ID: 3, Name: "label", Type: param.String, Count: 20},
		{ID: 4, Name: "serial", Type: param.Uint32, Mask: param.MaskReadOnly},
	} {
		if _, _, err := remote.Add(d); err != nil {
			t.Fatalf("Add %q: %v", d.Name, err)
		}
	}
	area := &service.Area{Name: "ram", Addr: 0x1000, Mem: make([]byte, 64*1024)}
	svc := service.New(service.Config{
		Registry: remote,
		Ident:    param.Ident{Hostname: "testnode", Model: "sim", Revision: "v1"},
		Areas:    []*service.Area{area, {Name: "rom", Addr: 0x80000, Mem: []byte("firmware"), ReadOnly: true}},
	})

	loc := peers.NewLocal()
	svc.Bind(loc.B)
	t.Cleanup(func() { loc.Stop() })

	calls := &countingTransport{Transport: peers.NewRouter().Route(remoteNode, loc.A)}
	cli := param.NewClient(param.NewRegistry(), calls, &param.Options{Timeout: 500 * time.Millisecond})
	return &testNode{remote: remote, area: area, cli: cli, calls: calls}
}

func (n *testNode) remoteParam(t *testing.T, name string) *param.Param {
	t.Helper()
	p, err := n.remote.FindName(param.Local, name)
	if err != nil {
		t.Fatalf("Find remote %q: %v", name, err)
	}
	return p
}

func (n *testNode) download(t *testing.T) {
	t.Helper()
	if _, err := n.cli.ListDownload(t.Context(), remoteNode); err != nil {
		t.Fatalf("ListDownload: %v", err)
	}
}

func (n *testNode) local(t *testing.T, name string) *param.Param {
	t.Helper()
	p, err := n.cli.Registry().FindName(remoteNode, name)
	if err != nil {
		t.Fatalf("Find %q: %v", name, err)
	}
	return p
}

type countingTransport struct {
	param.Transport
	n int
}

func (c *countingTransport) Call(ctx context.Context, node param.Node, port csp.Port, data []byte) ([]byte, error) {
	c.n++
	return c.Transport.Call(ctx, node, port, data)
}

func (c *countingTransport) Stream(ctx context.Context, node param.Node, port csp.Port, data []byte) iter.Seq2[[]byte, error] {
	c.n++
	return c.Transport.Stream(ctx, node, port, data)
}

func TestListDownload(t *testing.T) {
	defer leaktest.Check(t)()
	n := newTestNode(t)

	ps, err := n.cli.ListDownload(t.Context(), remoteNode)
	if err != nil {
		t.Fatalf("ListDownload: %v", err)
	}
	var got []param.Desc
	for _, p := range ps {
		got = append(got, p.Desc())
	}
	want := []param.Desc{
		{Node: remoteNode, ID: 1, Name: "temp", Type: param.Int16, Count: 1, Unit: "C"},
		{Node: remoteNode, ID: 2, Name: "gain", Type: param.Float, Count: 4},
		{Node: remoteNode, ID: 3, Name: "label", Type: param.String, Count: 20},
		{Node: remoteNode, ID: 4, Name: "serial", Type: param.Uint32, Count: 1, Mask: param.MaskReadOnly},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("ListDownload (-got, +want):\n%s", diff)
	}

	// A second download yields the same handles.
	again, err := n.cli.ListDownload(t.Context(), remoteNode)
	if err != nil {
		t.Fatalf("ListDownload again: %v", err)
	}
	for i, p := range again {
		if p != ps[i] {
			t.Errorf("Handle %d changed: %p != %p", i, p, ps[i])
		}
	}
	if got := n.cli.Registry().Len(); got != len(want) {
		t.Errorf("Registry Len: got %d, want %d", got, len(want))
	}
}

func TestListDownloadEmpty(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()
	service.New(service.Config{}).Bind(loc.B)

	cli := param.NewClient(param.NewRegistry(), peers.NewRouter().Route(9, loc.A), nil)
	_, err := cli.ListDownload(t.Context(), 9)
	var cerr *param.ConnectionError
	if !errors.As(err, &cerr) {
		t.Errorf("ListDownload empty node: got %v, want ConnectionError", err)
	}
}

func TestGetSet(t *testing.T) {
	defer leaktest.Check(t)()
	n := newTestNode(t)
	n.download(t)
	ctx := t.Context()

	// A remote change is seen by an auto-send Get.
	if err := n.remoteParam(t, "temp").View().Set(param.Whole, -12); err != nil {
		t.Fatalf("Set remote: %v", err)
	}
	temp := n.local(t, "temp")
	if got, err := n.cli.Get(ctx, temp, param.Whole); err != nil || got != int16(-12) {
		t.Errorf("Get temp: got (%v, %v), want -12", got, err)
	}

	// A single element is pulled by offset.
	if err := n.remoteParam(t, "gain").View().Set(param.All, []float64{0.5, 1, 1.5, 2}); err != nil {
		t.Fatalf("Set remote gain: %v", err)
	}
	gain := n.local(t, "gain")
	if got, err := n.cli.Get(ctx, gain, param.At(-1)); err != nil || got != float32(2) {
		t.Errorf("Get gain[-1]: got (%v, %v), want 2", got, err)
	}
	if got := gain.View(); mustGet(t, got, param.At(0)) != float32(0) {
		t.Errorf("gain[0] was pulled with a single-element read")
	}

	// Set pushes to the node.
	if err := n.cli.Set(ctx, gain, param.At(1), 7.25); err != nil {
		t.Fatalf("Set gain[1]: %v", err)
	}
	if got := mustGet(t, n.remoteParam(t, "gain").View(), param.At(1)); got != float32(7.25) {
		t.Errorf("Remote gain[1]: got %v, want 7.25", got)
	}
	label := n.local(t, "label")
	if err := n.cli.Set(ctx, label, param.Whole, "hello"); err != nil {
		t.Fatalf("Set label: %v", err)
	}
	if got := n.remoteParam(t, "label").Value(); got != "hello" {
		t.Errorf("Remote label: got %q, want hello", got)
	}

	// Writes to a read-only parameter are refused before anything is stored
	// or sent.
	serial := n.local(t, "serial")
	before := n.calls.n
	err := n.cli.Set(ctx, serial, param.Whole, 99)
	var verr *param.ValueError
	if !errors.As(err, &verr) || !errors.Is(err, param.ErrReadOnly) {
		t.Errorf("Set serial: got %v, want ValueError for read-only", err)
	}
	if got := serial.Value(); got != uint32(0) {
		t.Errorf("Local serial: got %v, want 0", got)
	}
	if n.calls.n != before {
		t.Errorf("Set serial made %d calls, want 0", n.calls.n-before)
	}

	// The same holds for a read-only parameter of the local node.
	rom, err := n.cli.Registry().Create(param.Desc{ID: 9, Name: "rom", Type: param.Uint8, Mask: param.MaskReadOnly})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := n.cli.Set(ctx, rom, param.Whole, 5); !errors.Is(err, param.ErrReadOnly) {
		t.Errorf("Set rom: got %v, want ErrReadOnly", err)
	}
	if got := rom.Value(); got != uint8(0) {
		t.Errorf("Local rom: got %v, want 0", got)
	}
}

func mustGet(t *testing.T, v param.View, x param.Index) any {
	t.Helper()
	got, err := v.Get(x)
	if err != nil {
		t.Fatalf("Get %v: %v", x, err)
	}
	return got
}

func TestAutoSendOff(t *testing.T) {
	defer leaktest.Check(t)()
	n := newTestNode(t)
	n.download(t)
	ctx := t.Context()

	temp := n.local(t, "temp")
	temp.SetAutoSend(false)
	before := n.calls.n
	if err := n.cli.Set(ctx, temp, param.Whole, 40); err != nil {
		t.Fatalf("Set temp: %v", err)
	}
	if n.calls.n != before {
		t.Errorf("Set without auto-send made %d calls", n.calls.n-before)
	}
	if got := n.remoteParam(t, "temp").Value(); got != int16(0) {
		t.Errorf("Remote temp before flush: got %v, want 0", got)
	}
	if got := n.cli.Staged().Len(); got != 1 {
		t.Errorf("Staged: got %d, want 1", got)
	}
	if err := n.cli.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := n.remoteParam(t, "temp").Value(); got != int16(40) {
		t.Errorf("Remote temp after flush: got %v, want 40", got)
	}
	if got := n.cli.Staged().Len(); got != 0 {
		t.Errorf("Staged after flush: got %d, want 0", got)
	}
}

func TestPullPush(t *testing.T) {
	defer leaktest.Check(t)()
	n := newTestNode(t)
	n.download(t)
	ctx := t.Context()
	creg := n.cli.Registry()

	// A parameter the node does not have keeps its value.
	ghost, _, err := creg.Add(param.Desc{Node: remoteNode, ID: 77, Name: "ghost", Type: param.Uint8})
	if err != nil {
		t.Fatalf("Add ghost: %v", err)
	}
	ghost.View().Set(param.Whole, 3)

	n.remoteParam(t, "temp").View().Set(param.Whole, 21)
	n.remoteParam(t, "label").View().Set(param.Whole, "abc")

	s := creg.Select(param.Filter{Node: remoteNode})
	before := n.calls.n
	if err := n.cli.Pull(ctx, s, param.Local); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if got := n.calls.n - before; got != 1 {
		t.Errorf("Pull made %d calls, want 1", got)
	}
	for name, want := range map[string]any{"temp": int16(21), "label": "abc", "ghost": uint8(3)} {
		if got := n.local(t, name).Value(); got != want {
			t.Errorf("After pull %s: got %v, want %v", name, got, want)
		}
	}

	// Push the local values back with changes.
	n.local(t, "temp").View().Set(param.Whole, -5)
	n.local(t, "gain").View().Set(param.All, 3)
	push := param.NewSet(n.local(t, "temp"), n.local(t, "gain"))
	if err := n.cli.Push(ctx, push, param.Local); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := n.remoteParam(t, "temp").Value(); got != int16(-5) {
		t.Errorf("Remote temp: got %v, want -5", got)
	}
	if diff := cmp.Diff(n.remoteParam(t, "gain").Value(), []any{float32(3), float32(3), float32(3), float32(3)}); diff != "" {
		t.Errorf("Remote gain (-got, +want):\n%s", diff)
	}

	// Pushing a read-only value fails as a whole.
	bad := param.NewSet(n.local(t, "temp"), n.local(t, "serial"))
	n.local(t, "temp").View().Set(param.Whole, 100)
	var rerr *param.RemoteError
	if err := n.cli.Push(ctx, bad, param.Local); !errors.As(err, &rerr) {
		t.Errorf("Push read-only: got %v, want RemoteError", err)
	}
	if got := n.remoteParam(t, "temp").Value(); got != int16(-5) {
		t.Errorf("Remote temp after failed push: got %v, want -5", got)
	}
}

func TestPullPushNoop(t *testing.T) {
	defer leaktest.Check(t)()
	n := newTestNode(t)
	reg := n.cli.Registry()
	lp, err := reg.Create(param.Desc{ID: 1, Name: "local", Type: param.Uint8})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, s := range []*param.Set{param.NewSet(), param.NewSet(lp)} {
		if err := n.cli.Pull(t.Context(), s, param.Local); err != nil {
			t.Errorf("Pull: %v", err)
		}
		if err := n.cli.Push(t.Context(), s, param.Local); err != nil {
			t.Errorf("Push: %v", err)
		}
	}
	if n.calls.n != 0 {
		t.Errorf("Made %d calls, want 0", n.calls.n)
	}
}

func TestRemoteLink(t *testing.T) {
	defer leaktest.Check(t)()
	n := newTestNode(t)
	ctx := t.Context()
	const missing param.Node = 200

	t.Run("Ping", func(t *testing.T) {
		if d := n.cli.Ping(ctx, remoteNode); d < 0 {
			t.Errorf("Ping: got %v, want >= 0", d)
		}
		if d := n.cli.Ping(ctx, missing); d >= 0 {
			t.Errorf("Ping missing: got %v, want < 0", d)
		}
	})

	t.Run("Ident", func(t *testing.T) {
		got, err := n.cli.Ident(ctx, remoteNode)
		if err != nil {
			t.Fatalf("Ident: %v", err)
		}
		if want := "testnode\n  sim\n  v1"; got != want {
			t.Errorf("Ident: got %q, want %q", got, want)
		}
		var cerr *param.ConnectionError
		if _, err := n.cli.Ident(ctx, missing); !errors.As(err, &cerr) {
			t.Errorf("Ident missing: got %v, want ConnectionError", err)
		}
	})

	t.Run("Uptime", func(t *testing.T) {
		if _, err := n.cli.Uptime(ctx, remoteNode); err != nil {
			t.Errorf("Uptime: %v", err)
		}
	})

	t.Run("Reboot", func(t *testing.T) {
		var rerr *param.RemoteError
		if err := n.cli.Reboot(ctx, remoteNode); !errors.As(err, &rerr) {
			t.Errorf("Reboot: got %v, want RemoteError", err)
		}
	})

	t.Run("VmemList", func(t *testing.T) {
		got, err := n.cli.VmemList(ctx, remoteNode)
		if err != nil {
			t.Fatalf("VmemList: %v", err)
		}
		want := param.VmemAreas{{Name: "ram", Addr: 0x1000, Size: 64 * 1024}, {Name: "rom", Addr: 0x80000, Size: 8, ReadOnly: true}}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("VmemList (-got, +want):\n%s", diff)
		}
	})

	t.Run("Vmem", func(t *testing.T) {
		data := bytes.Repeat([]byte("0123456789abcdef"), 3000) // several chunks
		if err := n.cli.VmemUpload(ctx, 0x1010, data, remoteNode); err != nil {
			t.Fatalf("VmemUpload: %v", err)
		}
		if !bytes.Equal(n.area.Mem[0x10:0x10+len(data)], data) {
			t.Error("VmemUpload: node memory does not match")
		}
		got, err := n.cli.VmemDownload(ctx, 0x1010, len(data), remoteNode)
		if err != nil {
			t.Fatalf("VmemDownload: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("VmemDownload: got %d bytes, want %d matching", len(got), len(data))
		}
		rom, err := n.cli.VmemDownload(ctx, 0x80000, 8, remoteNode)
		if err != nil || string(rom) != "firmware" {
			t.Errorf("VmemDownload rom: got (%q, %v), want firmware", rom, err)
		}
	})

	t.Run("VmemErrors", func(t *testing.T) {
		var rerr *param.RemoteError
		var cerr *param.ConnectionError
		if _, err := n.cli.VmemDownload(ctx, 0x10, 4, remoteNode); !errors.As(err, &rerr) {
			t.Errorf("VmemDownload bad address: got %v, want RemoteError", err)
		}
		if err := n.cli.VmemUpload(ctx, 0x80000, []byte("x"), remoteNode); !errors.As(err, &rerr) {
			t.Errorf("VmemUpload read-only: got %v, want RemoteError", err)
		}
		if _, err := n.cli.VmemDownload(ctx, 0x1000, 4, missing); !errors.As(err, &cerr) {
			t.Errorf("VmemDownload missing: got %v, want ConnectionError", err)
		}
		if err := n.cli.VmemUpload(ctx, 0x1000, []byte("x"), missing); !errors.As(err, &cerr) {
			t.Errorf("VmemUpload missing: got %v, want ConnectionError", err)
		}

		// An empty upload still reaches the node.
		before := n.calls.n
		if err := n.cli.VmemUpload(ctx, 0x1000, nil, remoteNode); err != nil {
			t.Errorf("VmemUpload empty: %v", err)
		}
		if got := n.calls.n - before; got != 1 {
			t.Errorf("VmemUpload empty made %d calls, want 1", got)
		}
		if err := n.cli.VmemUpload(ctx, 0x1000, nil, missing); !errors.As(err, &cerr) {
			t.Errorf("VmemUpload empty to missing: got %v, want ConnectionError", err)
		}
	})
}

func TestTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()
	loc.B.Handle(param.PortIdent, func(ctx context.Context, _ *csp.Request) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	loc.B.Handle(param.PortPing, func(ctx context.Context, _ *csp.Request) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	calls := &countingTransport{Transport: peers.NewRouter().Route(3, loc.A)}
	cli := param.NewClient(param.NewRegistry(), calls, &param.Options{Timeout: 20 * time.Millisecond, Retries: 2})

	var cerr *param.ConnectionError
	if _, err := cli.Ident(t.Context(), 3); !errors.As(err, &cerr) {
		t.Errorf("Ident slow node: got %v, want ConnectionError", err)
	}
	if calls.n != 3 {
		t.Errorf("Ident made %d attempts, want 3", calls.n)
	}
	if d := cli.Ping(t.Context(), 3); d >= 0 {
		t.Errorf("Ping slow node: got %v, want < 0", d)
	}
}
