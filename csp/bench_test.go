// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package csp_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/creachadair/param/csp"
	"github.com/creachadair/param/peers"
)

const benchPort = 10

func echo(_ context.Context, req *csp.Request) ([]byte, error) { return req.Data, nil }

// BenchmarkCall measures round trips with payloads the size of a single
// scalar, a small pull batch, and a vmem chunk.
func BenchmarkCall(b *testing.B) {
	sizes := []int{0, 8, 256, 16384}
	links := []struct {
		name string
		open func(testing.TB) (srv, cli *csp.Peer)
	}{
		{"Direct", func(tb testing.TB) (srv, cli *csp.Peer) {
			loc := peers.NewLocal()
			tb.Cleanup(func() { loc.Stop() })
			return loc.A, loc.B
		}},
		{"IO", pipePeers},
	}
	for _, link := range links {
		for _, n := range sizes {
			b.Run(fmt.Sprintf("%s-%d", link.name, n), func(b *testing.B) {
				srv, cli := link.open(b)
				srv.Handle(benchPort, echo)
				data := bytes.Repeat([]byte{0xa5}, n)
				b.SetBytes(int64(n))
				for b.Loop() {
					if _, err := cli.Call(b.Context(), benchPort, data); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

func BenchmarkParallel(b *testing.B) {
	srv, cli := pipePeers(b)
	srv.Handle(benchPort, echo)
	data := []byte("gain[0:4]")
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := cli.Call(context.Background(), benchPort, data); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
