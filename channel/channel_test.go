// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/creachadair/param/channel"
	"github.com/creachadair/param/csp"
	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
)

func TestDirect(t *testing.T) {
	c, s := channel.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		pkt := new(csp.Packet)
		if err := c.Send(pkt); err != nil {
			t.Errorf("A Send: %v", err)
		}
		got, err := c.Recv()
		if err != nil {
			t.Errorf("A Recv: %v", err)
		}
		if got != pkt {
			t.Errorf("Packet: got %v, want %v", got, pkt)
		}
		return nil
	})
	g.Go(func() error {
		pkt, err := s.Recv()
		if err != nil {
			t.Errorf("B Recv: %v", err)
		}
		if err := s.Send(pkt); err != nil {
			t.Errorf("B Send: %v", err)
		}
		return nil
	})
	g.Wait()

	if err := c.Close(); err != nil {
		t.Errorf("c.Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("s.Close: %v", err)
	}

	if err := c.Send(nil); err == nil {
		t.Error("c.Send after close did not report an error")
	}
	if err := s.Send(nil); err == nil {
		t.Error("s.Send after close did not report an error")
	}
	if pkt, err := c.Recv(); err == nil {
		t.Errorf("c.Recv after close: got %+v", pkt)
	}
	if pkt, err := s.Recv(); err == nil {
		t.Errorf("s.Recv after close: got %+v", pkt)
	}
}

func TestIO(t *testing.T) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a, b := channel.IO(ar, aw), channel.IO(br, bw)
	defer a.Close()
	defer b.Close()

	want := &csp.Packet{Version: csp.Version, Type: csp.PacketRequest, Payload: []byte("0123456789")}
	g := taskgroup.Go(func() error { return a.Send(want) })
	got, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Packet (-want, +got):\n%s", diff)
	}
}

func TestWebSocket(t *testing.T) {
	var up websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		ch := channel.WebSocket(conn)
		defer ch.Close()

		// Echo one packet back to the caller with its type changed.
		pkt, err := ch.Recv()
		if err != nil {
			t.Errorf("Server Recv: %v", err)
			return
		}
		pkt.Type = csp.PacketResponse
		if err := ch.Send(pkt); err != nil {
			t.Errorf("Server Send: %v", err)
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ch, err := channel.DialWebSocket(t.Context(), url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	req := &csp.Packet{Version: csp.Version, Type: csp.PacketRequest, Payload: []byte("hello")}
	if err := ch.Send(req); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := ch.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	want := &csp.Packet{Version: csp.Version, Type: csp.PacketResponse, Payload: []byte("hello")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Packet (-want, +got):\n%s", diff)
	}
}
