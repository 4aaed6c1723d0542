// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package param_test

import (
	"encoding"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/creachadair/param"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type binaryValue interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

func TestWireEncoding(t *testing.T) {
	built := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	tests := []struct {
		name      string
		in, empty binaryValue
	}{
		{"QueueGet", &param.Queue{Kind: param.QueueGet, Entries: []param.QueueEntry{
			{ID: 1, Offset: -1}, {ID: 300, Offset: 7},
		}}, new(param.Queue)},
		{"QueueSet", &param.Queue{Kind: param.QueueSet, Entries: []param.QueueEntry{
			{ID: 1, Offset: -1, Value: []byte{1, 2, 3}}, {ID: 2, Offset: 0, Value: []byte{}},
		}}, new(param.Queue)},
		{"Desc", &param.Desc{ID: 17, Name: "gain", Type: param.Float, Count: 4, Mask: param.MaskConf | param.MaskPrio1, Unit: "dB", Doc: "amplifier gain"}, new(param.Desc)},
		{"DescList", &param.DescList{
			{ID: 1, Name: "a", Type: param.Uint8, Count: 1},
			{ID: 2, Name: "b", Type: param.String, Count: 32, Doc: "text"},
		}, new(param.DescList)},
		{"Ident", &param.Ident{Hostname: "obc", Model: "mk3", Revision: "v1.2", Built: built}, new(param.Ident)},
		{"IdentNoDate", &param.Ident{Hostname: "obc", Model: "mk3", Revision: "v1.2"}, new(param.Ident)},
		{"VmemAreas", &param.VmemAreas{{Name: "ram", Addr: 0x1000, Size: 512}, {Name: "fram", Addr: 1 << 40, Size: 1, ReadOnly: true}}, new(param.VmemAreas)},
		{"VmemRead", &param.VmemRequest{Addr: 0x2000, Length: 99}, new(param.VmemRequest)},
		{"VmemWrite", &param.VmemRequest{Addr: 0x2000, Length: 3, Data: []byte("abc")}, new(param.VmemRequest)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.in.MarshalBinary()
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if err := tc.empty.UnmarshalBinary(data); err != nil {
				t.Fatalf("Unmarshal %q: %v", data, err)
			}
			if diff := cmp.Diff(tc.empty, tc.in, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Round trip (-got, +want):\n%s", diff)
			}
		})
	}
}

func TestWireErrors(t *testing.T) {
	desc, _ := param.Desc{ID: 1, Name: "x", Type: param.Uint8}.MarshalBinary()
	tests := []struct {
		name string
		v    encoding.BinaryUnmarshaler
		data []byte
	}{
		{"QueueEmpty", new(param.Queue), nil},
		{"QueueKind", new(param.Queue), []byte{9}},
		{"QueueShortID", new(param.Queue), []byte{1, 0}},
		{"QueueShortValue", new(param.Queue), []byte{2, 0, 1, 0, 5, 'a'}},
		{"DescShort", new(param.Desc), desc[:len(desc)-1]},
		{"DescExtra", new(param.Desc), append(desc, 0)},
		{"Ident", new(param.Ident), []byte{3, 'o', 'b'}},
		{"VmemShort", new(param.VmemRequest), []byte{0, 0, 0, 0}},
		{"VmemData", new(param.VmemRequest), []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4, 'a'}},
		{"Uptime", new(param.Uptime), []byte{1}},
	}
	for _, tc := range tests {
		if err := tc.v.UnmarshalBinary(tc.data); err == nil {
			t.Errorf("%s: unmarshal %q succeeded, want error", tc.name, tc.data)
		}
	}

	var q param.Queue
	err := q.UnmarshalBinary([]byte{2, 0, 1, 0, 5, 'a'})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Truncated value: got %v, want %v", err, io.ErrUnexpectedEOF)
	}
	if _, err := (param.Queue{Kind: param.QueueGet, Entries: []param.QueueEntry{{Offset: -2}}}).MarshalBinary(); err == nil {
		t.Error("Marshal offset -2 succeeded, want error")
	}
}

func TestIdentString(t *testing.T) {
	id := param.Ident{Hostname: "obc", Model: "mk3", Revision: "v1.2"}
	if got, want := id.String(), "obc\n  mk3\n  v1.2"; got != want {
		t.Errorf("String: got %q, want %q", got, want)
	}
	id.Built = time.Date(2024, 3, 1, 12, 30, 5, 0, time.UTC)
	if got, want := id.String(), "obc\n  mk3\n  v1.2\n  Mar 01 2024 12:30:05"; got != want {
		t.Errorf("String: got %q, want %q", got, want)
	}
}

func TestVmemArea(t *testing.T) {
	a := param.VmemArea{Name: "ram", Addr: 0x100, Size: 0x10}
	for _, tc := range []struct {
		addr uint64
		n    int
		want bool
	}{
		{0x100, 0x10, true},
		{0x108, 8, true},
		{0x10f, 1, true},
		{0x110, 0, true},
		{0x0ff, 2, false},
		{0x108, 9, false},
		{0x100, -1, false},
	} {
		if got := a.Contains(tc.addr, tc.n); got != tc.want {
			t.Errorf("Contains(%#x, %d): got %v, want %v", tc.addr, tc.n, got, tc.want)
		}
	}
}

func TestUptime(t *testing.T) {
	data, _ := param.Uptime(3725).MarshalBinary()
	var u param.Uptime
	if err := u.UnmarshalBinary(data); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got, want := u.Duration(), time.Hour+2*time.Minute+5*time.Second; got != want {
		t.Errorf("Duration: got %v, want %v", got, want)
	}
}
