// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package param

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/creachadair/param/csp"
)

// Node is the address of a node on the network.
type Node uint16

// Local is the address of the local node.
const Local Node = 0

// Type is the element type of a parameter.
type Type uint8

const (
	Uint8 Type = iota
	Uint16
	Uint32
	Uint64
	Int8
	Int16
	Int32
	Int64
	Xint8
	Xint16
	Xint32
	Xint64
	Float
	Double
	String
	Data
	Invalid
)

var typeNames = [...]string{
	Uint8: "uint8", Uint16: "uint16", Uint32: "uint32", Uint64: "uint64",
	Int8: "int8", Int16: "int16", Int32: "int32", Int64: "int64",
	Xint8: "xint8", Xint16: "xint16", Xint32: "xint32", Xint64: "xint64",
	Float: "float", Double: "double", String: "string", Data: "data",
	Invalid: "invalid",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseType returns the Type with the given name.
func ParseType(s string) (Type, error) {
	for i, name := range typeNames[:Invalid] {
		if name == s {
			return Type(i), nil
		}
	}
	return Invalid, valueErrorf("unknown parameter type %q", s)
}

// Valid reports whether t can be instantiated.
func (t Type) Valid() bool { return t < Invalid }

// Size reports the size in bytes of one element of t.
func (t Type) Size() int {
	switch t {
	case Uint16, Int16, Xint16:
		return 2
	case Uint32, Int32, Xint32, Float:
		return 4
	case Uint64, Int64, Xint64, Double:
		return 8
	default:
		return 1
	}
}

func (t Type) isSigned() bool { return t >= Int8 && t <= Int64 }
func (t Type) isHex() bool    { return t >= Xint8 && t <= Xint64 }
func (t Type) isFloat() bool  { return t == Float || t == Double }

// Mask is a set of flags describing the role of a parameter.
type Mask uint32

const (
	MaskReadOnly    Mask = 1 << 0
	MaskRemote      Mask = 1 << 1
	MaskConf        Mask = 1 << 2
	MaskTelem       Mask = 1 << 3
	MaskHWReg       Mask = 1 << 4
	MaskErrCnt      Mask = 1 << 5
	MaskSysInfo     Mask = 1 << 6
	MaskSysConf     Mask = 1 << 7
	MaskWDT         Mask = 1 << 8
	MaskDebug       Mask = 1 << 9
	MaskCalib       Mask = 1 << 10
	MaskAtomicWrite Mask = 1 << 11

	MaskPrio1    Mask = 1 << 24
	MaskPrio2    Mask = 2 << 24
	MaskPrio3    Mask = 3 << 24
	MaskPrioMask Mask = 3 << 24
)

// DefaultExclude is the mask of parameters skipped by a pull unless the
// caller asks for them.
const DefaultExclude = MaskRemote | MaskHWReg

var maskLetters = []struct {
	bit    Mask
	letter byte
}{
	{MaskReadOnly, 'r'}, {MaskRemote, 'R'}, {MaskConf, 'c'}, {MaskTelem, 't'},
	{MaskHWReg, 'h'}, {MaskErrCnt, 'e'}, {MaskSysInfo, 'i'}, {MaskSysConf, 'C'},
	{MaskWDT, 'w'}, {MaskDebug, 'd'}, {MaskCalib, 'q'}, {MaskAtomicWrite, 'o'},
}

// String renders m as mask letters, with a trailing digit for the priority.
func (m Mask) String() string {
	var sb strings.Builder
	for _, ml := range maskLetters {
		if m&ml.bit != 0 {
			sb.WriteByte(ml.letter)
		}
	}
	if p := (m & MaskPrioMask) >> 24; p != 0 {
		sb.WriteByte('0' + byte(p))
	}
	return sb.String()
}

// ParseMask parses mask letters as rendered by [Mask.String], or a
// 0x-prefixed hexadecimal number.
func ParseMask(s string) (Mask, error) {
	if s == "" {
		return 0, nil
	}
	if hex, ok := strings.CutPrefix(s, "0x"); ok {
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return 0, &ValueError{Msg: "invalid mask " + strconv.Quote(s), Err: err}
		}
		return Mask(v), nil
	}
	var m Mask
nextLetter:
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '1' && c <= '3' {
			m = m&^MaskPrioMask | Mask(c-'0')<<24
			continue
		}
		for _, ml := range maskLetters {
			if ml.letter == c {
				m |= ml.bit
				continue nextLetter
			}
		}
		return 0, valueErrorf("invalid mask letter %q in %q", c, s)
	}
	return m, nil
}

// Service ports served by a node.
const (
	PortPing      csp.Port = 1
	PortIdent     csp.Port = 2
	PortReboot    csp.Port = 4
	PortUptime    csp.Port = 6
	PortParamPull csp.Port = 10
	PortParamPush csp.Port = 11
	PortParamList csp.Port = 12
	PortVmemRead  csp.Port = 13
	PortVmemWrite csp.Port = 14
	PortVmemList  csp.Port = 15
	PortHosts     csp.Port = 16
)
