// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package param

import (
	"strings"
	"time"
)

// A View reads and writes the cached value of a parameter by index. A view
// holds no state of its own: each operation reads the current shape of the
// parameter, so it stays valid when the registry updates the parameter in
// place.
//
// Reads:
//
//   - [Whole] and [All] return the whole value (see [Param.Value]).
//   - [At] returns one element. For a String parameter the position must be
//     less than the length of the stored text, and the result is a one-byte
//     string.
//   - [Slice] returns a []any, or a string for String parameters. String
//     slices are clamped to the stored text.
//   - [Positions] returns a []any, or a string for String parameters. Each
//     position is checked as for [At].
//
// Writes are all-or-nothing: every position and value is checked before
// anything is stored. The change handler then runs once.
type View struct{ p *Param }

// Param returns the parameter viewed by v.
func (v View) Param() *Param { return v.p }

// Len reports the number of elements of the parameter. For a String
// parameter this is its capacity, not the length of the stored text.
func (v View) Len() int { return v.p.Len() }

// Get reads the value selected by x.
func (v View) Get(x Index) (any, error) {
	p := v.p
	p.μ.Lock()
	defer p.μ.Unlock()
	c := p.cell

	switch x.kind {
	case kindWhole, kindAll:
		return c.value(), nil

	case kindAt:
		normal := normalize
		if c.typ == String {
			normal = func(i, _ int) (int, error) { return c.textAt(i) }
		}
		i, err := normal(x.pos, c.n)
		if err != nil {
			return nil, err
		}
		return c.element(i), nil

	case kindSlice:
		n := c.n
		if c.typ == String {
			n = c.text
		}
		pos, err := x.span(n)
		if err != nil {
			return nil, err
		}
		return c.gather(pos), nil

	case kindPositions:
		if c.typ == String {
			var pos []int
			for i := range x.seq {
				j, err := c.textAt(i)
				if err != nil {
					return nil, err
				}
				pos = append(pos, j)
			}
			return c.gather(pos), nil
		}
		pos, err := x.positions(c.n)
		if err != nil {
			return nil, err
		}
		return c.gather(pos), nil
	}
	panic("invalid index")
}

// textAt maps position i of a String cell onto its buffer. Negative
// positions count from the end of the capacity, and the result must fall
// within the stored text.
func (c *Cell) textAt(i int) (int, error) {
	j, err := normalize(i, c.n)
	if err != nil {
		return 0, err
	} else if j >= c.text {
		return 0, &IndexError{Index: i, Len: c.text}
	}
	return j, nil
}

func (c *Cell) gather(pos []int) any {
	if c.typ == String {
		var sb strings.Builder
		for _, i := range pos {
			sb.WriteByte(c.buf[i])
		}
		return sb.String()
	}
	out := make([]any, len(pos))
	for j, i := range pos {
		out[j] = c.element(i)
	}
	return out
}

// Set stores val at the positions selected by x.
//
// For array parameters, [Whole], [All] and a full slice with a single value
// set every element; with a sequence they assign element-wise and the
// sequence length must equal the parameter length. [At] sets one element.
// Other slices and [Positions] assign a single value to every selected
// position, or a sequence element-wise.
//
// For String parameters, [Whole], [All] and a full slice replace the text.
// Indexed and partial writes are a *NotImplementedError, after positions
// are checked.
func (v View) Set(x Index, val any) error {
	offset, err := v.store(x, val)
	if err != nil {
		return err
	}
	v.p.notify(offset)
	return nil
}

// store performs the write for Set and reports the offset to notify.
func (v View) store(x Index, val any) (int, error) {
	p := v.p
	p.μ.Lock()
	defer p.μ.Unlock()
	c := p.cell

	if c.typ == String {
		return -1, storeText(c, x, val, p)
	}

	var pos []int
	switch x.kind {
	case kindWhole, kindAll:
		pos = allPositions(c.n)
	case kindAt:
		i, err := normalize(x.pos, c.n)
		if err != nil {
			return 0, err
		}
		ev, err := convert(c.typ, val)
		if err != nil {
			return 0, err
		}
		c.setElement(i, ev)
		p.stamp = time.Now()
		return i, nil
	case kindSlice:
		var err error
		if pos, err = x.span(c.n); err != nil {
			return 0, err
		}
	case kindPositions:
		var err error
		if pos, err = x.positions(c.n); err != nil {
			return 0, err
		}
	}

	vals, err := valuesFor(c.typ, len(pos), val)
	if err != nil {
		return 0, err
	}
	for j, i := range pos {
		c.setElement(i, vals[j])
	}
	p.stamp = time.Now()
	return -1, nil
}

// storeText handles writes to a String cell.
func storeText(c *Cell, x Index, val any, p *Param) error {
	switch {
	case x.kind == kindWhole, x.kind == kindAll, x.isFull():
	case x.kind == kindAt:
		if _, err := normalize(x.pos, c.n); err != nil {
			return err
		}
		return &NotImplementedError{Op: "indexed string assignment"}
	case x.kind == kindPositions:
		if _, err := x.positions(c.n); err != nil {
			return err
		}
		return &NotImplementedError{Op: "indexed string assignment"}
	default:
		return &NotImplementedError{Op: "partial string assignment"}
	}
	s, ok := val.(string)
	if !ok {
		return &TypeError{Want: "a string", Got: val}
	} else if len(s) > c.n {
		return valueErrorf("string of length %d exceeds capacity %d", len(s), c.n)
	}
	c.setText(s)
	p.stamp = time.Now()
	return nil
}

// valuesFor converts val into n element values: a single value is repeated,
// a sequence must have exactly n elements.
func valuesFor(t Type, n int, val any) ([]any, error) {
	out := make([]any, n)
	if seq, ok := asSequence(val); ok {
		if len(seq) != n {
			return nil, valueErrorf("sequence has %d elements, want %d", len(seq), n)
		}
		for i, e := range seq {
			ev, err := convert(t, e)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	}
	ev, err := convert(t, val)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i] = ev
	}
	return out, nil
}

func allPositions(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
