// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package param

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Desc is the complete description of a parameter, as announced by the node
// that owns it.
type Desc struct {
	Node  Node
	ID    uint16
	Name  string
	Type  Type
	Count int // number of elements; values < 1 mean 1
	Mask  Mask
	Doc   string
	Unit  string
}

func (d Desc) normalized() Desc { d.Count = max(d.Count, 1); return d }

// shapeEqual reports whether d and o describe cells of the same layout.
func (d Desc) shapeEqual(o Desc) bool { return d.Type == o.Type && max(d.Count, 1) == max(o.Count, 1) }

// A Handler is notified after a value is stored in a parameter. The offset is
// the element written, or -1 for a write to the whole value or to several
// elements.
type Handler interface {
	ParamChanged(p *Param, offset int)
}

// Callback is a function that implements [Handler].
type Callback func(p *Param, offset int)

// ParamChanged implements the [Handler] interface.
func (f Callback) ParamChanged(p *Param, offset int) { f(p, offset) }

// A Param is a named, typed value belonging to a node. A *Param is a stable
// handle: the registry updates records in place, so handles held by callers
// remain valid across re-announcements.
type Param struct {
	μ         sync.Mutex
	desc      Desc
	cell      *Cell
	handler   Handler
	stamp     time.Time
	autoSend  bool
	keepAlive bool
	refs      int
	reg       *Registry // nil when not registered
}

// New constructs an unregistered parameter with a zero value.  It reports a
// *ValueError if the description is unusable.
func New(d Desc) (*Param, error) {
	d = d.normalized()
	if err := d.checkName(); err != nil {
		return nil, err
	}
	cell, err := NewCell(d.Type, d.Count)
	if err != nil {
		return nil, err
	}
	return &Param{desc: d, cell: cell, autoSend: true, keepAlive: true}, nil
}

// checkName reports a *ValueError if d has no name, or a name that cannot be
// written in a parameter reference.
func (d Desc) checkName() error {
	if d.Name == "" {
		return valueErrorf("parameter %d on node %d has no name", d.ID, d.Node)
	} else if strings.ContainsAny(d.Name, " \t\n[]") {
		return valueErrorf("invalid parameter name %q", d.Name)
	}
	return nil
}

// Desc returns a copy of the description of p.
func (p *Param) Desc() Desc { p.μ.Lock(); defer p.μ.Unlock(); return p.desc }

// ID reports the identifier of p, unique within its node.
func (p *Param) ID() uint16 { return p.Desc().ID }

// Node reports the node that owns p.
func (p *Param) Node() Node { return p.Desc().Node }

// Name reports the name of p.
func (p *Param) Name() string { return p.Desc().Name }

// Type reports the element type of p.
func (p *Param) Type() Type { return p.Desc().Type }

// Mask reports the flags of p.
func (p *Param) Mask() Mask { return p.Desc().Mask }

// Len reports the number of elements of p. For a String parameter this is
// its capacity, not the length of the stored text.
func (p *Param) Len() int { return p.Desc().Count }

// Timestamp reports when a value was last stored in p.
func (p *Param) Timestamp() time.Time { p.μ.Lock(); defer p.μ.Unlock(); return p.stamp }

// Registered reports whether p is currently in a registry.
func (p *Param) Registered() bool { p.μ.Lock(); defer p.μ.Unlock(); return p.reg != nil }

// Value returns the whole value of p. See [View.Get].
func (p *Param) Value() any {
	v, _ := p.View().Get(Whole)
	return v
}

// View returns a sequence view of p.
func (p *Param) View() View { return View{p: p} }

// Bytes returns the raw little-endian storage of p.
func (p *Param) Bytes() []byte { p.μ.Lock(); defer p.μ.Unlock(); return p.cell.Bytes() }

// SetBytes replaces the raw storage of p with data, which must have the
// length reported by Bytes. The text of a String parameter ends at the first
// zero byte.
func (p *Param) SetBytes(data []byte) error {
	p.μ.Lock()
	c := p.cell
	if len(data) != len(c.buf) {
		p.μ.Unlock()
		return valueErrorf("value has %d bytes, want %d", len(data), len(c.buf))
	}
	copy(c.buf, data)
	if c.typ == String {
		if c.text = bytes.IndexByte(c.buf, 0); c.text < 0 {
			c.text = len(c.buf)
		}
	}
	p.stamp = time.Now()
	p.μ.Unlock()
	p.notify(-1)
	return nil
}

// Callback returns the change handler of p, or nil.
func (p *Param) Callback() Handler { p.μ.Lock(); defer p.μ.Unlock(); return p.handler }

// SetCallback sets the change handler of p. The value must be nil, a
// [Handler], or a func(*Param, int); anything else is a *TypeError and leaves
// the current handler in place.
func (p *Param) SetCallback(v any) error {
	var h Handler
	switch t := v.(type) {
	case nil:
	case Handler:
		h = t
	case func(*Param, int):
		h = Callback(t)
	default:
		return &TypeError{Want: "a callable handler", Got: v}
	}
	p.μ.Lock()
	defer p.μ.Unlock()
	p.handler = h
	return nil
}

// AutoSend reports whether remote reads and writes of p are synchronized with
// its node immediately.
func (p *Param) AutoSend() bool { p.μ.Lock(); defer p.μ.Unlock(); return p.autoSend }

// SetAutoSend enables or disables immediate synchronization of p.
func (p *Param) SetAutoSend(on bool) { p.μ.Lock(); defer p.μ.Unlock(); p.autoSend = on }

// KeepAlive reports whether p remains registered when it has no owners.
func (p *Param) KeepAlive() bool { p.μ.Lock(); defer p.μ.Unlock(); return p.keepAlive }

// SetKeepAlive sets whether p remains registered when it has no owners.
// Clearing it on a parameter that has no owners forgets it at once.
func (p *Param) SetKeepAlive(on bool) {
	p.μ.Lock()
	p.keepAlive = on
	reg := p.orphanedLocked()
	p.μ.Unlock()
	if reg != nil {
		reg.Forget(p)
	}
}

// Retain adds an owner reference to p and returns p.
func (p *Param) Retain() *Param { p.μ.Lock(); defer p.μ.Unlock(); p.refs++; return p }

// Release drops an owner reference to p. When the last owner releases a
// parameter that is not kept alive, it is forgotten by its registry.
func (p *Param) Release() {
	p.μ.Lock()
	if p.refs > 0 {
		p.refs--
	}
	reg := p.orphanedLocked()
	p.μ.Unlock()
	if reg != nil {
		reg.Forget(p)
	}
}

func (p *Param) orphanedLocked() *Registry {
	if p.refs == 0 && !p.keepAlive {
		return p.reg
	}
	return nil
}

// notify invokes the change handler, if any, without holding the lock so the
// handler may replace itself.
func (p *Param) notify(offset int) {
	p.μ.Lock()
	h := p.handler
	p.μ.Unlock()
	if h != nil {
		h.ParamChanged(p, offset)
	}
}

// wireValue returns the network encoding of the element at offset, or of the
// whole value when offset < 0.
func (p *Param) wireValue(offset int) ([]byte, error) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if offset >= p.desc.Count {
		return nil, &IndexError{Index: offset, Len: p.desc.Count}
	}
	return p.cell.wire(offset), nil
}

// setWireValue stores a network encoding at offset and notifies the handler.
func (p *Param) setWireValue(offset int, data []byte) error {
	p.μ.Lock()
	if err := p.cell.setWire(offset, data); err != nil {
		p.μ.Unlock()
		return err
	}
	p.stamp = time.Now()
	p.μ.Unlock()
	p.notify(offset)
	return nil
}

// String renders p as "name[count] = value", with the node for remote
// parameters.
func (p *Param) String() string {
	d := p.Desc()
	var sb strings.Builder
	if d.Node != Local {
		fmt.Fprintf(&sb, "%d:", d.Node)
	}
	sb.WriteString(d.Name)
	if d.Count > 1 && d.Type != String {
		fmt.Fprintf(&sb, "[%d]", d.Count)
	}
	sb.WriteString(" = ")
	sb.WriteString(FormatValue(d.Type, p.Value()))
	if d.Unit != "" {
		sb.WriteString(" " + d.Unit)
	}
	return sb.String()
}

// FormatValue renders a whole value of type t as returned by [Param.Value].
func FormatValue(t Type, v any) string {
	switch x := v.(type) {
	case string:
		return fmt.Sprintf("%q", x)
	case []byte:
		return fmt.Sprintf("0x%x", x)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = FormatElement(t, e)
		}
		return "[" + strings.Join(parts, " ") + "]"
	}
	return FormatElement(t, v)
}
