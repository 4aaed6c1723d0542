// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet encodes and decodes the binary payloads of the parameter
// services.
//
// Fixed-width integers are big-endian. Strings and byte slices carry a
// [Vint30] length prefix. Element offsets, which may be -1 to address a
// whole value, are stored as a Vint30 of the offset plus one.
package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/creachadair/mds/value"
)

// A Builder accumulates the encoding of a payload. The zero value is an
// empty builder ready for use.
type Builder struct {
	buf []byte
}

// Put appends raw bytes to b.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// Bool appends a flag to b as one byte, 0 or 1.
func (b *Builder) Bool(ok bool) { b.Put(value.Cond[byte](ok, 1, 0)) }

// Uint16 appends v to b.
func (b *Builder) Uint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }

// Uint32 appends v to b.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Uint64 appends v to b.
func (b *Builder) Uint64(v uint64) { b.buf = binary.BigEndian.AppendUint64(b.buf, v) }

// Vint30 appends v to b. It panics if v > [MaxVint30].
func (b *Builder) Vint30(v uint32) { b.buf = Vint30(v).Append(b.buf) }

// Offset appends an element offset to b. It panics if off is not a valid
// offset; see [CheckOffset].
func (b *Builder) Offset(off int) {
	if err := CheckOffset(off); err != nil {
		panic(err)
	}
	b.Vint30(uint32(off + 1))
}

// CheckOffset reports an error if off cannot be encoded as an element
// offset. Valid offsets are -1 (the whole value) through MaxVint30-1.
func CheckOffset(off int) error {
	if off < -1 || off >= MaxVint30 {
		return fmt.Errorf("offset %d out of range", off)
	}
	return nil
}

// VPut appends vs to b with a length prefix.
func (b *Builder) VPut(vs []byte) {
	b.Grow(VLen(len(vs)))
	b.Vint30(uint32(len(vs)))
	b.buf = append(b.buf, vs...)
}

// VPutString appends s to b with a length prefix.
func (b *Builder) VPutString(s string) {
	b.Grow(VLen(len(s)))
	b.Vint30(uint32(len(s)))
	b.buf = append(b.buf, s...)
}

// Grow ensures that at least n more bytes fit in b without reallocating.
func (b *Builder) Grow(n int) {
	if want := len(b.buf) + n; cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// Len reports the length in bytes of the payload so far.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes returns the payload. The slice is owned by b until b is discarded.
func (b *Builder) Bytes() []byte { return b.buf }
