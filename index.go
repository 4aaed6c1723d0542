// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package param

import (
	"iter"
	"math"
	"slices"
	"strconv"
	"strings"
)

// None marks an omitted slice bound or step.
const None = math.MinInt

type indexKind byte

const (
	kindWhole indexKind = iota
	kindAt
	kindSlice
	kindAll
	kindPositions
)

// An Index selects the positions of a parameter addressed by a read or write.
// The zero Index is [Whole].
type Index struct {
	kind              indexKind
	pos               int
	start, stop, step int
	seq               iter.Seq[int]
}

var (
	// Whole addresses the value as a unit, as if no index were given.
	Whole = Index{}

	// All is the broadcast index: a write through All sets every element.
	All = Index{kind: kindAll}
)

// At returns an index selecting position i. Negative positions count from
// the end.
func At(i int) Index { return Index{kind: kindAt, pos: i} }

// Slice returns an index selecting start:stop:step with the usual slice
// rules. Pass [None] to omit any of the three.
func Slice(start, stop, step int) Index {
	return Index{kind: kindSlice, start: start, stop: stop, step: step}
}

// Positions returns an index selecting each position yielded by seq.
func Positions(seq iter.Seq[int]) Index { return Index{kind: kindPositions, seq: seq} }

// IndexOf converts a dynamically-typed index: nil is [All], a Go integer is
// [At], an []int or iter.Seq[int] is [Positions], and an Index is returned
// as-is. Anything else is a *TypeError.
func IndexOf(v any) (Index, error) {
	switch t := v.(type) {
	case nil:
		return All, nil
	case Index:
		return t, nil
	case []int:
		return Positions(slices.Values(t)), nil
	case iter.Seq[int]:
		return Positions(t), nil
	}
	if n, ok := asNumber(v); ok && n.kind != 'f' {
		if n.kind == 'u' {
			if n.u > math.MaxInt {
				return Index{}, &IndexError{Index: math.MaxInt}
			}
			return At(int(n.u)), nil
		}
		return At(int(n.i)), nil
	}
	return Index{}, &TypeError{Want: "an integer, slice, or position list", Got: v}
}

// ParseIndex parses the text of an index: "" for [Whole], "*" for [All], an
// integer for [At], "start:stop[:step]" for [Slice] with empty parts
// omitted, and a comma-separated list of integers for [Positions].
func ParseIndex(s string) (Index, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Whole, nil
	case s == "*":
		return All, nil
	case strings.Contains(s, ":"):
		parts := strings.Split(s, ":")
		if len(parts) > 3 {
			return Index{}, valueErrorf("invalid slice %q", s)
		}
		vals := []int{None, None, None}
		for i, p := range parts {
			if p = strings.TrimSpace(p); p == "" {
				continue
			}
			v, err := strconv.Atoi(p)
			if err != nil {
				return Index{}, &ValueError{Msg: "invalid slice " + strconv.Quote(s), Err: err}
			}
			vals[i] = v
		}
		return Slice(vals[0], vals[1], vals[2]), nil
	case strings.Contains(s, ","):
		var ps []int
		for p := range strings.SplitSeq(s, ",") {
			v, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return Index{}, &ValueError{Msg: "invalid position list " + strconv.Quote(s), Err: err}
			}
			ps = append(ps, v)
		}
		return Positions(slices.Values(ps)), nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return Index{}, &ValueError{Msg: "invalid index " + strconv.Quote(s), Err: err}
	}
	return At(v), nil
}

func (x Index) String() string {
	switch x.kind {
	case kindWhole:
		return ""
	case kindAll:
		return "[*]"
	case kindAt:
		return "[" + strconv.Itoa(x.pos) + "]"
	case kindSlice:
		part := func(v int) string {
			if v == None {
				return ""
			}
			return strconv.Itoa(v)
		}
		s := "[" + part(x.start) + ":" + part(x.stop)
		if x.step != None {
			s += ":" + part(x.step)
		}
		return s + "]"
	default:
		return "[...]"
	}
}

// normalize maps a position onto [0, n), counting negative positions from
// the end.
func normalize(i, n int) (int, error) {
	j := i
	if j < 0 {
		j += n
	}
	if j < 0 || j >= n {
		return 0, &IndexError{Index: i, Len: n}
	}
	return j, nil
}

// span returns the positions selected by a slice over a sequence of length n,
// clamping the bounds.
func (x Index) span(n int) ([]int, error) {
	step := x.step
	if step == None {
		step = 1
	} else if step == 0 {
		return nil, valueErrorf("slice step cannot be zero")
	}
	clamp := func(v, dflt, lo, hi int) int {
		if v == None {
			return dflt
		}
		if v < 0 {
			v += n
		}
		return min(max(v, lo), hi)
	}
	var out []int
	if step > 0 {
		start, stop := clamp(x.start, 0, 0, n), clamp(x.stop, n, 0, n)
		for i := start; i < stop; i += step {
			out = append(out, i)
		}
	} else {
		start, stop := clamp(x.start, n-1, -1, n-1), clamp(x.stop, -1, -1, n-1)
		for i := start; i > stop; i += step {
			out = append(out, i)
		}
	}
	return out, nil
}

// isFull reports whether x is a slice covering every position in order.
func (x Index) isFull() bool {
	return x.kind == kindSlice && x.start == None && x.stop == None && (x.step == None || x.step == 1)
}

// positions resolves a position list against length n. Any position out of
// range is an error.
func (x Index) positions(n int) ([]int, error) {
	var out []int
	if x.seq == nil {
		return out, nil
	}
	for i := range x.seq {
		j, err := normalize(i, n)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}
