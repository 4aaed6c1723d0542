// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet

import (
	"encoding/binary"
	"fmt"
	"io"
)

// A Scanner decodes the fields of a payload in order. Every method reports an
// error wrapping [io.ErrUnexpectedEOF] if the input ends inside the field it
// reads, including when no input remains.
type Scanner struct {
	rest []byte
	pos  int
}

// NewScanner constructs a [Scanner] that reads from input. Byte slices
// returned by the scanner alias input.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

func (s *Scanner) take(n int, what string) ([]byte, error) {
	if len(s.rest) < n {
		return nil, fmt.Errorf("%s truncated (%d < %d bytes): %w", what, len(s.rest), n, io.ErrUnexpectedEOF)
	}
	out := s.rest[:n]
	s.rest = s.rest[n:]
	s.pos += n
	return out, nil
}

// Byte reads one byte.
func (s *Scanner) Byte() (byte, error) {
	b, err := s.take(1, "byte")
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bool reads a one-byte flag. Any nonzero byte is true.
func (s *Scanner) Bool() (bool, error) {
	b, err := s.Byte()
	return b != 0, err
}

// Uint16 reads a 2-byte integer.
func (s *Scanner) Uint16() (uint16, error) {
	b, err := s.take(2, "uint16")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// Uint32 reads a 4-byte integer.
func (s *Scanner) Uint32() (uint32, error) {
	b, err := s.take(4, "uint32")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Uint64 reads an 8-byte integer.
func (s *Scanner) Uint64() (uint64, error) {
	b, err := s.take(8, "uint64")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// Vint30 reads a [Vint30].
func (s *Scanner) Vint30() (int, error) {
	if len(s.rest) == 0 {
		return 0, fmt.Errorf("vint30 missing: %w", io.ErrUnexpectedEOF)
	}
	b, err := s.take(int(s.rest[0]&3)+1, "vint30")
	if err != nil {
		return 0, err
	}
	var w uint32
	for i := len(b) - 1; i >= 0; i-- {
		w = w<<8 | uint32(b[i])
	}
	return int(w >> 2), nil
}

// Offset reads an element offset written by [Builder.Offset].
func (s *Scanner) Offset() (int, error) {
	v, err := s.Vint30()
	return v - 1, err
}

// VBytes reads a length-prefixed byte slice, which aliases the input.
func (s *Scanner) VBytes() ([]byte, error) {
	n, err := s.Vint30()
	if err != nil {
		return nil, err
	}
	return s.take(n, "value")
}

// VString reads a length-prefixed string.
func (s *Scanner) VString() (string, error) {
	b, err := s.VBytes()
	return string(b), err
}

// Len reports the number of unread bytes.
func (s *Scanner) Len() int { return len(s.rest) }

// Pos reports the offset in the input of the next unread byte.
func (s *Scanner) Pos() int { return s.pos }

// Rest returns the unread input without consuming it.
func (s *Scanner) Rest() []byte { return s.rest }

// Done reports an error if any input remains unread.
func (s *Scanner) Done() error {
	if len(s.rest) != 0 {
		return fmt.Errorf("%d bytes of extra data at offset %d", len(s.rest), s.pos)
	}
	return nil
}
