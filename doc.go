// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package param implements a registry of typed parameters that live on nodes
// of a network.
//
// A parameter is a named, fixed-shape value belonging to a node: a scalar, an
// array of one numeric type, a bounded string or a block of raw bytes. Each
// node numbers its parameters, and a client learns them by downloading the
// node's list. The local copy of each value is a cache that the client pulls
// from and pushes to the node.
//
// # Parameters
//
// The [Param] type is a handle to one parameter. Construct a detached
// parameter with [New], or register one in a [Registry]:
//
//	reg := param.NewRegistry()
//	p, res, err := reg.Add(param.Desc{
//	   Node: 5, ID: 10, Name: "gain", Type: param.Float, Count: 4,
//	})
//
// Adding a description that is already registered reports [Unchanged], and a
// re-announcement with a different description updates the registered
// parameter in place and reports [Updated]. In every case the handle returned
// is the registered one, so handles held by callers stay valid.
//
// # Views
//
// A [View] reads and writes the cached value by index, following the usual
// sequence rules: negative positions count from the end, and slices clamp
// their bounds.
//
//	v := p.View()
//	v.Set(param.All, 1.5)              // broadcast to every element
//	x, err := v.Get(param.At(-1))      // the last element
//	xs, err := v.Get(param.Slice(1, param.None, 2))
//
// Writes are checked completely before anything is stored, and the change
// handler of the parameter (see [Param.SetCallback]) runs after each
// successful write.
//
// # Remote access
//
// A [Client] combines a registry with a [Transport] that delivers calls to
// nodes. The peers package provides a Transport built on csp peers, and the
// service package implements the node side:
//
//	cli := param.NewClient(reg, router, nil)
//	if err := cli.Set(ctx, p, param.At(0), 2.0); err != nil { ... }
//	if err := cli.Pull(ctx, param.NewSet(p, q), param.Local); err != nil { ... }
//
// A node that cannot be reached is reported as a [*ConnectionError]; an error
// reported by the node itself is a [*RemoteError].
package param
