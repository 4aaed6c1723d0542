// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package param

import "fmt"

// A LookupError reports that no record matches a lookup.
type LookupError struct {
	Node Node
	ID   int    // -1 for a lookup by name
	Name string // "" for a lookup by ID
}

func (e *LookupError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("no parameter named %q on node %d", e.Name, e.Node)
	}
	return fmt.Sprintf("no parameter with id %d on node %d", e.ID, e.Node)
}

// An IndexError reports a position outside the valid range of a record.
type IndexError struct {
	Index int // as given by the caller
	Len   int // the bound the index was checked against
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %d out of range [0, %d)", e.Index, e.Len)
}

// A TypeError reports a value or index of an unusable kind.
type TypeError struct {
	Want string // what was expected
	Got  any    // what was supplied
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("expected %s, got %T", e.Want, e.Got)
}

// A NotImplementedError reports an operation the record kind does not support.
type NotImplementedError struct {
	Op string
}

func (e *NotImplementedError) Error() string { return e.Op + " is not supported" }

// A ValueError reports a value that has the right kind but is unusable, or a
// registration that conflicts with an existing record.
type ValueError struct {
	Msg string
	Err error // optional cause
}

func (e *ValueError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ValueError) Unwrap() error { return e.Err }

func valueErrorf(msg string, args ...any) *ValueError {
	return &ValueError{Msg: fmt.Sprintf(msg, args...)}
}

// A ConnectionError reports that a node could not be reached: no route to
// it, no reply before the deadline, or a link that closed mid-call.
type ConnectionError struct {
	Node Node
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: no response from node %d: %v", e.Op, e.Node, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// A RemoteError reports a failure returned by a node that did answer, such as
// an address outside its memory map or a write to a read-only parameter.
type RemoteError struct {
	Node Node
	Op   string
	Err  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: node %d: %v", e.Op, e.Node, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }
