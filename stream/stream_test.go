// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package stream_test

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/creachadair/param/csp"
	"github.com/creachadair/param/peers"
	"github.com/creachadair/param/stream"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

const streamPort csp.Port = 12

func TestStream(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr string
	}{
		{"stream foo bar", []string{"foo", "bar"}, ""},
		{"stream foo bar, err", []string{"foo", "bar"}, "service error: test"},
		{"err", nil, "service error: test"},
		{"req, req, stream foo", []string{"req", "req", "foo"}, ""},
		{"stream foo, server-cancel", []string{"foo"}, "context canceled"},
		{"stream foo, server-cancel, stream bar qux", []string{"foo"}, "context canceled"},
		{"stream foo, server-cancel, return-canceled", []string{"foo"}, "context canceled"},
		{"stream foo, client-cancel, stream bar qux", []string{"foo"}, "context canceled"},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			defer leaktest.Check(t)()
			ps := peers.NewLocal()
			defer ps.Stop()

			ctx, clientCancel := context.WithCancel(context.Background())
			defer clientCancel()

			stream.Handle(ps.B, streamPort, parseStreamSpec(t, tc.in))
			ps.B.NewContext(func() context.Context {
				// Let the handler drive cancellation on either end.
				sctx, serverCancel := context.WithCancel(context.Background())
				sctx = context.WithValue(sctx, serverCancelKey{}, serverCancel)
				sctx = context.WithValue(sctx, clientCtxKey{}, ctx)
				sctx = context.WithValue(sctx, clientCancelKey{}, clientCancel)
				return sctx
			})

			var got []string
			var gotErr error
			for rsp, err := range stream.Call(ctx, ps.A, streamPort, []byte("req")) {
				if err != nil {
					gotErr = err
					break
				}
				got = append(got, string(rsp))
			}
			if diff := cmp.Diff(got, tc.want); diff != "" {
				t.Fatalf("Stream (-got, +want):\n%s", diff)
			}
			if gotErr != nil {
				// The error crossed the channel, so compare text.
				if gotErr.Error() != tc.wantErr {
					t.Fatalf("Stream: got error %q, want %q", gotErr, tc.wantErr)
				}
			} else if tc.wantErr != "" {
				t.Fatalf("Stream: got no error, want %q", tc.wantErr)
			}
		})
	}
}

func TestStreamStopEarly(t *testing.T) {
	defer leaktest.Check(t)()
	ps := peers.NewLocal()
	defer ps.Stop()

	stream.Handle(ps.B, streamPort, parseStreamSpec(t, "stream a b c d e f"))
	var got []string
	for rsp, err := range stream.Call(context.Background(), ps.A, streamPort, nil) {
		if err != nil {
			t.Fatalf("Stream: unexpected error: %v", err)
		}
		got = append(got, string(rsp))
		if len(got) == 2 {
			break
		}
	}
	if diff := cmp.Diff(got, []string{"a", "b"}); diff != "" {
		t.Errorf("Stream (-got, +want):\n%s", diff)
	}
}

func TestPlainCall(t *testing.T) {
	defer leaktest.Check(t)()
	ps := peers.NewLocal()
	defer ps.Stop()

	stream.Handle(ps.B, streamPort, parseStreamSpec(t, "stream a"))
	for _, data := range []string{"", "ab", "\x00\x00\x00\x07"} {
		_, err := ps.A.Call(context.Background(), streamPort, []byte(data))
		var ce *csp.CallError
		if !errors.As(err, &ce) || !ce.IsServiceError() {
			t.Errorf("Call %q: got %v, want service error", data, err)
		}
	}
}

func TestIsCallbackPort(t *testing.T) {
	for _, p := range []csp.Port{0, 1, 12, 1<<31 - 1} {
		if stream.IsCallbackPort(p) {
			t.Errorf("IsCallbackPort(%d): got true, want false", p)
		}
	}
	if !stream.IsCallbackPort(1<<31 | 5) {
		t.Error("IsCallbackPort(high bit): got false, want true")
	}
}

func parseStreamSpec(t *testing.T, s string) stream.HandlerFunc {
	return func(ctx context.Context, req *csp.Request) iter.Seq2[[]byte, error] {
		return func(yield func([]byte, error) bool) {
			for cmd := range strings.SplitSeq(s, ",") {
				fs := strings.Fields(cmd)
				switch fs[0] {
				case "stream":
					for _, v := range fs[1:] {
						if !yield([]byte(v), nil) {
							return
						}
					}
				case "req":
					if !yield(req.Data, nil) {
						return
					}
				case "err":
					yield(nil, errTest)
					return
				case "server-cancel":
					ctx.Value(serverCancelKey{}).(context.CancelFunc)()
					<-ctx.Done()
				case "client-cancel":
					ctx.Value(clientCancelKey{}).(context.CancelFunc)()
					<-ctx.Value(clientCtxKey{}).(context.Context).Done()
				case "return-canceled":
					if ctx.Err() == nil {
						t.Error("return-canceled: context is not canceled")
					}
					yield(nil, ctx.Err())
					return
				default:
					t.Errorf("unknown stream command %q", fs[0])
				}
			}
		}
	}
}

type clientCancelKey struct{}
type clientCtxKey struct{}
type serverCancelKey struct{}

var errTest = errors.New("test")
