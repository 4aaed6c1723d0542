// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package param

import (
	"bytes"
	"encoding/binary"
	"math"
)

// A Cell holds the value of a parameter: a fixed number of elements of one
// Type, stored as raw little-endian bytes.
//
// A String cell is a character buffer: it stores up to Count bytes of text
// and tracks the length of the text separately.
type Cell struct {
	typ  Type
	n    int
	buf  []byte
	text int // stored text length, String only
}

// NewCell returns a zero-valued cell of n elements of type t.
// It reports a *ValueError if t is not a valid type.
func NewCell(t Type, n int) (*Cell, error) {
	if !t.Valid() {
		return nil, valueErrorf("cannot create a cell of type %v", t)
	}
	n = max(n, 1)
	return &Cell{typ: t, n: n, buf: make([]byte, n*t.Size())}, nil
}

// Type reports the element type of c.
func (c *Cell) Type() Type { return c.typ }

// Count reports the number of elements in c.
func (c *Cell) Count() int { return c.n }

// TextLen reports the length of the text stored in a String cell, or 0.
func (c *Cell) TextLen() int { return c.text }

// Bytes returns a copy of the raw storage of c.
func (c *Cell) Bytes() []byte { return bytes.Clone(c.buf) }

func (c *Cell) clone() *Cell {
	cp := *c
	cp.buf = bytes.Clone(c.buf)
	return &cp
}

// value returns the whole value: the text for String, the bytes for Data,
// a single element when n == 1, and otherwise a []any of every element.
func (c *Cell) value() any {
	switch {
	case c.typ == String:
		return c.textValue()
	case c.typ == Data:
		return bytes.Clone(c.buf)
	case c.n == 1:
		return c.element(0)
	}
	out := make([]any, c.n)
	for i := range out {
		out[i] = c.element(i)
	}
	return out
}

func (c *Cell) textValue() string { return string(c.buf[:c.text]) }

func (c *Cell) setText(s string) {
	clear(c.buf)
	c.text = copy(c.buf, s)
}

// element decodes element i, which must be in range.
func (c *Cell) element(i int) any {
	sz := c.typ.Size()
	b := c.buf[i*sz : (i+1)*sz]
	switch c.typ {
	case Uint8, Xint8, Data:
		return b[0]
	case Int8:
		return int8(b[0])
	case Uint16, Xint16:
		return binary.LittleEndian.Uint16(b)
	case Int16:
		return int16(binary.LittleEndian.Uint16(b))
	case Uint32, Xint32:
		return binary.LittleEndian.Uint32(b)
	case Int32:
		return int32(binary.LittleEndian.Uint32(b))
	case Uint64, Xint64:
		return binary.LittleEndian.Uint64(b)
	case Int64:
		return int64(binary.LittleEndian.Uint64(b))
	case Float:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case Double:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case String:
		return string(b)
	}
	panic("invalid cell type " + c.typ.String())
}

// setElement stores v at element i. The value must already have the native Go
// type for the cell, as produced by convert.
func (c *Cell) setElement(i int, v any) {
	sz := c.typ.Size()
	b := c.buf[i*sz : (i+1)*sz]
	switch t := v.(type) {
	case uint8:
		b[0] = t
	case int8:
		b[0] = byte(t)
	case uint16:
		binary.LittleEndian.PutUint16(b, t)
	case int16:
		binary.LittleEndian.PutUint16(b, uint16(t))
	case uint32:
		binary.LittleEndian.PutUint32(b, t)
	case int32:
		binary.LittleEndian.PutUint32(b, uint32(t))
	case uint64:
		binary.LittleEndian.PutUint64(b, t)
	case int64:
		binary.LittleEndian.PutUint64(b, uint64(t))
	case float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(t))
	case float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(t))
	default:
		panic("invalid element value")
	}
}

// wire returns the network encoding of element i, or of the whole value when
// i < 0. Multi-byte elements are big-endian. The whole value of a String cell
// is its text.
func (c *Cell) wire(i int) []byte {
	if c.typ == String {
		if i < 0 {
			return []byte(c.textValue())
		}
		return []byte{c.buf[i]}
	}
	sz := c.typ.Size()
	src := c.buf
	if i >= 0 {
		src = c.buf[i*sz : (i+1)*sz]
	}
	return swapEndian(bytes.Clone(src), sz)
}

// setWire stores a network encoding as produced by wire.
func (c *Cell) setWire(i int, data []byte) error {
	if c.typ == String {
		if i >= 0 {
			return &NotImplementedError{Op: "indexed string assignment"}
		} else if len(data) > c.n {
			return valueErrorf("string of length %d exceeds capacity %d", len(data), c.n)
		}
		c.setText(string(data))
		return nil
	}
	sz := c.typ.Size()
	if i < 0 {
		if len(data) != len(c.buf) {
			return valueErrorf("value has %d bytes, want %d", len(data), len(c.buf))
		}
		copy(c.buf, data)
		swapEndian(c.buf, sz)
		return nil
	}
	if i >= c.n {
		return &IndexError{Index: i, Len: c.n}
	} else if len(data) != sz {
		return valueErrorf("element has %d bytes, want %d", len(data), sz)
	}
	dst := c.buf[i*sz : (i+1)*sz]
	copy(dst, data)
	swapEndian(dst, sz)
	return nil
}

// swapEndian reverses the byte order of each sz-byte element of buf in place,
// and returns buf.
func swapEndian(buf []byte, sz int) []byte {
	if sz == 1 {
		return buf
	}
	for off := 0; off+sz <= len(buf); off += sz {
		e := buf[off : off+sz]
		for i, j := 0, sz-1; i < j; i, j = i+1, j-1 {
			e[i], e[j] = e[j], e[i]
		}
	}
	return buf
}
