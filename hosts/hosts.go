// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package hosts defines a table of mnemonic host names for node addresses.
// Names are not exchanged in calls, but a node can serve its table so that
// clients learn the names of the nodes it knows.
//
// # Usage
//
// Construct a new empty table and add hosts to it:
//
//	tab := hosts.New().Set("obc", 1).Set("radio", 5)
//
// To recover the address of a name use Lookup, and to recover the name of
// an address use Name:
//
//	node, ok := tab.Lookup("radio")
//	name := tab.Name(5)
//
// Resolve accepts either a name or a decimal address:
//
//	node, err := tab.Resolve("obc")
//	node, err := tab.Resolve("17")
//
// A table can be served by a node and fetched by a client:
//
//	peer.Handle(param.PortHosts, tab.Handler)
//	...
//	data, err := router.Call(ctx, node, param.PortHosts, nil)
//	var got hosts.Table
//	err = got.Decode(data)
package hosts

import (
	"context"
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/creachadair/param"
	"github.com/creachadair/param/csp"
)

// A Table maps host names to node addresses. A Table is safe for
// concurrent use. Copies of a Table share the same mapping.
type Table struct {
	μ     *sync.Mutex
	nodes map[string]param.Node
}

// New creates a new empty table.
func New() Table { return Table{μ: new(sync.Mutex), nodes: make(map[string]param.Node)} }

func (t *Table) init() {
	if t.nodes == nil {
		*t = New()
	}
}

// Set maps name to node in t, and returns t to allow chaining. If name was
// already mapped, the existing mapping is replaced. Set panics if name is
// empty or contains whitespace.
func (t Table) Set(name string, node param.Node) Table {
	if name == "" || strings.ContainsAny(name, " \t\r\n") {
		panic(fmt.Sprintf("invalid host name %q", name))
	}
	t.μ.Lock()
	defer t.μ.Unlock()
	t.nodes[name] = node
	return t
}

// Remove removes name from t, and returns t to allow chaining.
func (t Table) Remove(name string) Table {
	t.μ.Lock()
	defer t.μ.Unlock()
	delete(t.nodes, name)
	return t
}

// Lookup returns the node mapped to name, and reports whether it was found.
func (t Table) Lookup(name string) (param.Node, bool) {
	if t.nodes == nil {
		return 0, false
	}
	t.μ.Lock()
	defer t.μ.Unlock()
	n, ok := t.nodes[name]
	return n, ok
}

// Name returns the lexicographically first name mapped to node, or "".
func (t Table) Name(node param.Node) string {
	for _, name := range t.Names() {
		if n, _ := t.Lookup(name); n == node {
			return name
		}
	}
	return ""
}

// Names returns the names in t in lexicographic order.
func (t Table) Names() []string {
	if t.nodes == nil {
		return nil
	}
	t.μ.Lock()
	defer t.μ.Unlock()
	return slices.Sorted(maps.Keys(t.nodes))
}

// Len reports the number of names in t.
func (t Table) Len() int {
	if t.nodes == nil {
		return 0
	}
	t.μ.Lock()
	defer t.μ.Unlock()
	return len(t.nodes)
}

// Resolve returns the node named by s, which is either a host name in t or
// a decimal node address.
func (t Table) Resolve(s string) (param.Node, error) {
	if n, ok := t.Lookup(s); ok {
		return n, nil
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown host %q", s)
	}
	return param.Node(v), nil
}

// Encode encodes t in binary format.
//
// The wire format comprises the names of all hosts in lexicographic order,
// followed by the corresponding node addresses in the reverse order of the
// names. Each name is encoded as a big-endian uint16 length followed by that
// many bytes of the name. Each address is encoded as a big-endian uint16.
func (t Table) Encode() []byte {
	names := t.Names()
	if len(names) == 0 {
		return nil
	}
	var nlen int
	for _, name := range names {
		nlen += 2 + len(name)
	}
	buf := make([]byte, nlen+2*len(names))
	npos, apos := 0, len(buf)
	for _, name := range names {
		binary.BigEndian.PutUint16(buf[npos:], uint16(len(name)))
		npos += 2
		npos += copy(buf[npos:], name)

		node, _ := t.Lookup(name)
		apos -= 2
		binary.BigEndian.PutUint16(buf[apos:], uint16(node))
	}
	return buf
}

// Decode replaces the contents of t with a table decoded from data.
func (t *Table) Decode(data []byte) error {
	t.init()
	next := make(map[string]param.Node)
	npos, apos := 0, len(data)
	for npos != apos {
		if npos+4 > apos {
			return fmt.Errorf("truncated table at offset %d", npos)
		}
		nlen := int(binary.BigEndian.Uint16(data[npos:]))
		npos += 2

		apos -= 2
		if npos+nlen > apos {
			return fmt.Errorf("truncated name at offset %d", npos)
		}
		next[string(data[npos:npos+nlen])] = param.Node(binary.BigEndian.Uint16(data[apos:]))
		npos += nlen
	}
	t.μ.Lock()
	defer t.μ.Unlock()
	clear(t.nodes)
	maps.Copy(t.nodes, next)
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (t Table) MarshalBinary() ([]byte, error) { return t.Encode(), nil }

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (t *Table) UnmarshalBinary(data []byte) error { return t.Decode(data) }

// Handler is a csp.Handler that reports the contents of the table.
func (t Table) Handler(_ context.Context, req *csp.Request) ([]byte, error) {
	return t.Encode(), nil
}

// Parse parses a host line of the form "name node" or "name:node", and
// reports the name and address.
func Parse(line string) (string, param.Node, error) {
	var name, addr string
	if fs := strings.Fields(line); len(fs) == 2 {
		name, addr = fs[0], fs[1]
	} else if i := strings.LastIndex(line, ":"); i > 0 && len(fs) == 1 {
		name, addr = line[:i], line[i+1:]
	} else {
		return "", 0, fmt.Errorf("invalid host line %q", line)
	}
	v, err := strconv.ParseUint(addr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid node address %q: %w", addr, err)
	}
	return name, param.Node(v), nil
}
