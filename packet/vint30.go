// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet

// Vint30 is an unsigned 30-bit integer with a 1- to 4-byte encoding.
//
// The value is shifted left two bits, the number of bytes beyond the first is
// stored in the low two bits, and the result is written little-endian using
// only as many bytes as needed:
//
//	v < 1<<6   1 byte
//	v < 1<<14  2 bytes
//	v < 1<<22  3 bytes
//	v < 1<<30  4 bytes
//
// A decoder learns the full length from the first byte.
type Vint30 uint32

// MaxVint30 is the largest value a Vint30 can hold.
const MaxVint30 = 1<<30 - 1

// Size reports the encoded length of v in bytes, or -1 if v > MaxVint30.
func (v Vint30) Size() int {
	switch {
	case v < 1<<6:
		return 1
	case v < 1<<14:
		return 2
	case v < 1<<22:
		return 3
	case v < 1<<30:
		return 4
	}
	return -1
}

// Append appends the encoding of v to buf and returns the result. It panics
// if v > MaxVint30.
func (v Vint30) Append(buf []byte) []byte {
	n := v.Size()
	if n < 0 {
		panic("vint30 value out of range")
	}
	w := uint32(v)<<2 | uint32(n-1)
	for range n {
		buf = append(buf, byte(w))
		w >>= 8
	}
	return buf
}

// VLen reports the encoded length of an n-byte string with its length
// prefix.
func VLen(n int) int { return Vint30(n).Size() + n }
