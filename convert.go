// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package param

import (
	"math"
	"reflect"
	"strconv"
	"strings"
)

// number is a numeric value of unknown destination type.
type number struct {
	kind byte // 'i', 'u', or 'f'
	i    int64
	u    uint64
	f    float64
}

func asNumber(v any) (number, bool) {
	switch t := v.(type) {
	case int:
		return number{kind: 'i', i: int64(t)}, true
	case int8:
		return number{kind: 'i', i: int64(t)}, true
	case int16:
		return number{kind: 'i', i: int64(t)}, true
	case int32:
		return number{kind: 'i', i: int64(t)}, true
	case int64:
		return number{kind: 'i', i: t}, true
	case uint:
		return number{kind: 'u', u: uint64(t)}, true
	case uint8:
		return number{kind: 'u', u: uint64(t)}, true
	case uint16:
		return number{kind: 'u', u: uint64(t)}, true
	case uint32:
		return number{kind: 'u', u: uint64(t)}, true
	case uint64:
		return number{kind: 'u', u: t}, true
	case float32:
		return number{kind: 'f', f: float64(t)}, true
	case float64:
		return number{kind: 'f', f: t}, true
	case bool:
		if t {
			return number{kind: 'u', u: 1}, true
		}
		return number{kind: 'u'}, true
	}
	return number{}, false
}

// parseNumber parses text as a value for an element of type t.
func parseNumber(t Type, s string) (number, error) {
	s = strings.TrimSpace(s)
	switch {
	case t.isFloat():
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return number{}, &ValueError{Msg: "invalid " + t.String() + " value " + strconv.Quote(s), Err: err}
		}
		return number{kind: 'f', f: f}, nil
	case t.isSigned():
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return number{}, &ValueError{Msg: "invalid " + t.String() + " value " + strconv.Quote(s), Err: err}
		}
		return number{kind: 'i', i: v}, nil
	default:
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return number{}, &ValueError{Msg: "invalid " + t.String() + " value " + strconv.Quote(s), Err: err}
		}
		return number{kind: 'u', u: v}, nil
	}
}

// convert converts v to the native Go representation of an element of type t.
// String cells accept only strings; other types accept Go numbers, booleans,
// and numeric text.
func convert(t Type, v any) (any, error) {
	if t == String {
		s, ok := v.(string)
		if !ok {
			return nil, &TypeError{Want: "a string", Got: v}
		}
		return s, nil
	}

	var n number
	if s, ok := v.(string); ok {
		var err error
		if n, err = parseNumber(t, s); err != nil {
			return nil, err
		}
	} else if n, ok = asNumber(v); !ok {
		return nil, &TypeError{Want: "a number", Got: v}
	}

	if t.isFloat() {
		var f float64
		switch n.kind {
		case 'i':
			f = float64(n.i)
		case 'u':
			f = float64(n.u)
		default:
			f = n.f
		}
		if t == Float {
			if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
				return nil, valueErrorf("value %g overflows float", f)
			}
			return float32(f), nil
		}
		return f, nil
	}

	bits := uint(t.Size() * 8)
	if t.isSigned() {
		lo, hi := int64(-1)<<(bits-1), int64(1)<<(bits-1)-1
		var x int64
		switch n.kind {
		case 'i':
			x = n.i
		case 'u':
			if n.u > uint64(hi) {
				return nil, valueErrorf("value %d overflows %v", n.u, t)
			}
			x = int64(n.u)
		case 'f':
			if n.f != math.Trunc(n.f) || n.f < float64(lo) || n.f > float64(hi) {
				return nil, valueErrorf("value %g is not a valid %v", n.f, t)
			}
			x = int64(n.f)
		}
		if x < lo || x > hi {
			return nil, valueErrorf("value %d overflows %v", x, t)
		}
		switch t {
		case Int8:
			return int8(x), nil
		case Int16:
			return int16(x), nil
		case Int32:
			return int32(x), nil
		default:
			return x, nil
		}
	}

	hi := uint64(math.MaxUint64) >> (64 - bits)
	var x uint64
	switch n.kind {
	case 'i':
		if n.i < 0 {
			return nil, valueErrorf("value %d is negative for %v", n.i, t)
		}
		x = uint64(n.i)
	case 'u':
		x = n.u
	case 'f':
		if n.f != math.Trunc(n.f) || n.f < 0 || n.f > float64(hi) {
			return nil, valueErrorf("value %g is not a valid %v", n.f, t)
		}
		x = uint64(n.f)
	}
	if x > hi {
		return nil, valueErrorf("value %d overflows %v", x, t)
	}
	switch t.Size() {
	case 1:
		return uint8(x), nil
	case 2:
		return uint16(x), nil
	case 4:
		return uint32(x), nil
	default:
		return x, nil
	}
}

// asSequence reports whether v is a sequence of values, and if so returns its
// elements. A string is never a sequence.
func asSequence(v any) ([]any, bool) {
	switch t := v.(type) {
	case nil, string:
		return nil, false
	case []any:
		return t, true
	}
	rv := reflect.ValueOf(v)
	if k := rv.Kind(); k != reflect.Slice && k != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// FormatElement renders a single element value as text, using hexadecimal for
// the xint types.
func FormatElement(t Type, v any) string {
	if t.isHex() {
		if n, ok := asNumber(v); ok && n.kind == 'u' {
			return "0x" + strconv.FormatUint(n.u, 16)
		}
	}
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	if n, ok := asNumber(v); ok {
		if n.kind == 'i' {
			return strconv.FormatInt(n.i, 10)
		}
		return strconv.FormatUint(n.u, 10)
	}
	return "?"
}
