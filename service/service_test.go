// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package service_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/creachadair/param"
	"github.com/creachadair/param/csp"
	"github.com/creachadair/param/handler"
	"github.com/creachadair/param/hosts"
	"github.com/creachadair/param/peers"
	"github.com/creachadair/param/service"
	"github.com/creachadair/param/stream"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

type fixture struct {
	node    *service.Node
	loc     *peers.Local
	reboots chan struct{}
}

func newFixture(t *testing.T, withReboot bool) *fixture {
	t.Helper()
	reg := param.NewRegistry()
	for i := range 40 {
		d := param.Desc{ID: uint16(i + 1), Name: fmt.Sprintf("p%02d", i+1), Type: param.Uint16}
		if i == 0 {
			d.Mask = param.MaskReadOnly
		}
		if _, _, err := reg.Add(d); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	// Remote parameters are not served.
	if _, _, err := reg.Add(param.Desc{Node: 3, ID: 1, Name: "elsewhere", Type: param.Uint8}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	f := &fixture{reboots: make(chan struct{}, 1)}
	cfg := service.Config{
		Registry: reg,
		Ident:    param.Ident{Hostname: "test", Model: "sim", Revision: "r1"},
		Areas: []*service.Area{
			{Name: "ram", Addr: 0x100, Mem: make([]byte, 256)},
			{Name: "rom", Addr: 0x1000, Mem: []byte("firmware"), ReadOnly: true},
		},
		Hosts: hosts.New().Set("test", 1).Set("ground", 2),
	}
	if withReboot {
		cfg.Reboot = func() { f.reboots <- struct{}{} }
	}
	f.node = service.New(cfg)
	f.loc = peers.NewLocal()
	f.node.Bind(f.loc.A)
	return f
}

func (f *fixture) call(t *testing.T, port csp.Port, req any) ([]byte, error) {
	t.Helper()
	var data []byte
	switch v := req.(type) {
	case nil:
	case []byte:
		data = v
	case interface{ MarshalBinary() ([]byte, error) }:
		var err error
		if data, err = v.MarshalBinary(); err != nil {
			t.Fatalf("Marshal request: %v", err)
		}
	default:
		t.Fatalf("Invalid request type %T", req)
	}
	rsp, err := f.loc.B.Call(t.Context(), port, data)
	if err != nil {
		return nil, err
	}
	return rsp.Data, nil
}

func wantCode(t *testing.T, what string, err error, code uint16) {
	t.Helper()
	if err == nil {
		t.Errorf("%s: got success, want code %d", what, code)
	} else if got := handler.Code(err); got != code {
		t.Errorf("%s: got %v (code %d), want code %d", what, err, got, code)
	}
}

func TestBasicServices(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, false)
	defer f.loc.Stop()

	if got, err := f.call(t, param.PortPing, []byte("echo")); err != nil || string(got) != "echo" {
		t.Errorf("Ping: got (%q, %v), want echo", got, err)
	}

	data, err := f.call(t, param.PortIdent, nil)
	if err != nil {
		t.Fatalf("Ident: %v", err)
	}
	var id param.Ident
	if err := id.UnmarshalBinary(data); err != nil {
		t.Fatalf("Decode ident: %v", err)
	}
	if id.Hostname != "test" || id.Model != "sim" || id.Revision != "r1" {
		t.Errorf("Ident: got %+v", id)
	}

	data, err = f.call(t, param.PortUptime, nil)
	if err != nil {
		t.Fatalf("Uptime: %v", err)
	}
	var up param.Uptime
	if err := up.UnmarshalBinary(data); err != nil || up.Duration() > time.Minute {
		t.Errorf("Uptime: got (%v, %v)", up.Duration(), err)
	}

	data, err = f.call(t, param.PortHosts, nil)
	if err != nil {
		t.Fatalf("Hosts: %v", err)
	}
	var tab hosts.Table
	if err := tab.Decode(data); err != nil {
		t.Fatalf("Decode hosts: %v", err)
	}
	if diff := cmp.Diff(tab.Names(), []string{"ground", "test"}); diff != "" {
		t.Errorf("Hosts (-got, +want):\n%s", diff)
	}

	_, err = f.call(t, param.PortReboot, nil)
	wantCode(t, "Reboot", err, handler.CodeDenied)
}

func TestReboot(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, true)
	defer f.loc.Stop()

	if _, err := f.call(t, param.PortReboot, nil); err != nil {
		t.Fatalf("Reboot: %v", err)
	}
	select {
	case <-f.reboots:
	case <-time.After(5 * time.Second):
		t.Fatal("Reboot hook was not called")
	}
}

func TestParamServices(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, false)
	defer f.loc.Stop()

	t.Run("List", func(t *testing.T) {
		var got []string
		var chunks int
		for data, err := range stream.Call(t.Context(), f.loc.B, param.PortParamList, nil) {
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			var ds param.DescList
			if err := ds.UnmarshalBinary(data); err != nil {
				t.Fatalf("Decode list: %v", err)
			}
			chunks++
			for _, d := range ds {
				got = append(got, d.Name)
			}
		}
		if len(got) != 40 || got[0] != "p01" || got[39] != "p40" {
			t.Errorf("List: got %d names %v", len(got), got)
		}
		if chunks != 3 {
			t.Errorf("List: got %d chunks, want 3", chunks)
		}
	})

	t.Run("PushPull", func(t *testing.T) {
		_, err := f.call(t, param.PortParamPush, param.Queue{Kind: param.QueueSet, Entries: []param.QueueEntry{
			{ID: 2, Offset: -1, Value: []byte{0x12, 0x34}},
			{ID: 40, Offset: 0, Value: []byte{0, 5}},
		}})
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
		data, err := f.call(t, param.PortParamPull, param.Queue{Kind: param.QueueGet, Entries: []param.QueueEntry{
			{ID: 2, Offset: -1}, {ID: 40, Offset: -1}, {ID: 41, Offset: -1},
		}})
		if err != nil {
			t.Fatalf("Pull: %v", err)
		}
		var got param.Queue
		if err := got.UnmarshalBinary(data); err != nil {
			t.Fatalf("Decode pull: %v", err)
		}
		want := param.Queue{Kind: param.QueueSet, Entries: []param.QueueEntry{
			{ID: 2, Offset: -1, Value: []byte{0x12, 0x34}},
			{ID: 40, Offset: -1, Value: []byte{0, 5}},
		}}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("Pull (-got, +want):\n%s", diff)
		}
		p, err := f.node.Registry().Find(param.Local, 2)
		if err != nil || p.Value() != uint16(0x1234) {
			t.Errorf("Local value: got %v, %v", p, err)
		}
	})

	t.Run("Errors", func(t *testing.T) {
		_, err := f.call(t, param.PortParamPush, param.Queue{Kind: param.QueueSet, Entries: []param.QueueEntry{
			{ID: 1, Offset: -1, Value: []byte{0, 1}},
		}})
		wantCode(t, "Push read-only", err, handler.CodeDenied)

		_, err = f.call(t, param.PortParamPush, param.Queue{Kind: param.QueueSet, Entries: []param.QueueEntry{
			{ID: 99, Offset: -1, Value: []byte{0, 1}},
		}})
		wantCode(t, "Push unknown", err, handler.CodeNotFound)

		_, err = f.call(t, param.PortParamPull, param.Queue{Kind: param.QueueGet, Entries: []param.QueueEntry{
			{ID: 3, Offset: 5},
		}})
		wantCode(t, "Pull offset", err, handler.CodeRange)

		_, err = f.call(t, param.PortParamPull, []byte{7})
		wantCode(t, "Pull garbage", err, handler.CodeBadRequest)
	})
}

func TestVmemServices(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, false)
	defer f.loc.Stop()

	read := func(addr uint64, n uint32) ([]byte, error) {
		req, _ := param.VmemRequest{Addr: addr, Length: n}.MarshalBinary()
		var buf bytes.Buffer
		for data, err := range stream.Call(t.Context(), f.loc.B, param.PortVmemRead, req) {
			if err != nil {
				return nil, err
			}
			buf.Write(data)
		}
		return buf.Bytes(), nil
	}

	data, err := f.call(t, param.PortVmemList, nil)
	if err != nil {
		t.Fatalf("VmemList: %v", err)
	}
	var areas param.VmemAreas
	if err := areas.UnmarshalBinary(data); err != nil {
		t.Fatalf("Decode areas: %v", err)
	}
	if diff := cmp.Diff(areas, param.VmemAreas{
		{Name: "ram", Addr: 0x100, Size: 256}, {Name: "rom", Addr: 0x1000, Size: 8, ReadOnly: true},
	}); diff != "" {
		t.Errorf("VmemList (-got, +want):\n%s", diff)
	}

	if _, err := f.call(t, param.PortVmemWrite, param.VmemRequest{Addr: 0x110, Data: []byte("hello")}); err != nil {
		t.Fatalf("VmemWrite: %v", err)
	}
	if got, err := read(0x10e, 9); err != nil || string(got) != "\x00\x00hello\x00\x00" {
		t.Errorf("VmemRead: got (%q, %v)", got, err)
	}
	if got, err := read(0x1000, 8); err != nil || string(got) != "firmware" {
		t.Errorf("VmemRead rom: got (%q, %v)", got, err)
	}

	_, err = f.call(t, param.PortVmemWrite, param.VmemRequest{Addr: 0x1000, Data: []byte("x")})
	wantCode(t, "Write rom", err, handler.CodeDenied)

	_, err = f.call(t, param.PortVmemWrite, param.VmemRequest{Addr: 0x1fe, Data: []byte("xyz")})
	wantCode(t, "Write past end", err, handler.CodeRange)

	_, err = read(0x50, 4)
	wantCode(t, "Read unmapped", err, handler.CodeRange)

	_, err = read(0x100, 257)
	wantCode(t, "Read past end", err, handler.CodeRange)
}

func TestBindHostsOptional(t *testing.T) {
	defer leaktest.Check(t)()
	n := service.New(service.Config{})
	loc := peers.NewLocal()
	defer loc.Stop()
	n.Bind(loc.A)

	_, err := loc.B.Call(context.Background(), param.PortHosts, nil)
	if err == nil {
		t.Fatal("Hosts call succeeded with no table")
	}
	if n.Registry() == nil || n.Registry().Len() != 0 {
		t.Error("Default registry is not empty")
	}
}

func TestBindAddr(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()
	service.New(service.Config{Addr: 5}).Bind(loc.A)
	if got := loc.A.Addr(); got != 5 {
		t.Errorf("Addr: got %v, want 5", got)
	}

	// A client that routes node 6 through this link is refused.
	r := peers.NewRouter().SetDefault(loc.B)
	cli := param.NewClient(param.NewRegistry(), r, &param.Options{Retries: -1})
	if _, err := cli.Ident(t.Context(), 5); err != nil {
		t.Errorf("Ident 5: %v", err)
	}
	_, err := cli.Ident(t.Context(), 6)
	var cerr *param.ConnectionError
	if !errors.As(err, &cerr) || !errors.Is(err, csp.ErrNoRoute) {
		t.Errorf("Ident 6: got %v, want ConnectionError for no route", err)
	}
}
