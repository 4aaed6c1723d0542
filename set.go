// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package param

import (
	"iter"
	"slices"

	"github.com/creachadair/mds/mapset"
)

// A Set is an ordered collection of distinct parameters, used to pull or
// push several values in one exchange. The zero Set is empty and ready for
// use. A Set is not safe for concurrent mutation.
type Set struct {
	params []*Param
	seen   mapset.Set[*Param]
}

// NewSet returns a set containing ps, in order, without duplicates.
func NewSet(ps ...*Param) *Set {
	var s Set
	s.Add(ps...)
	return &s
}

// Add adds each of ps not already in s, in order.
func (s *Set) Add(ps ...*Param) {
	if s.seen == nil {
		s.seen = mapset.New[*Param]()
	}
	for _, p := range ps {
		if p != nil && !s.seen.Has(p) {
			s.seen.Add(p)
			s.params = append(s.params, p)
		}
	}
}

// Remove removes p from s, and reports whether it was present.
func (s *Set) Remove(p *Param) bool {
	if !s.Contains(p) {
		return false
	}
	s.seen.Remove(p)
	s.params = slices.DeleteFunc(s.params, func(q *Param) bool { return q == p })
	return true
}

// Contains reports whether p is in s.
func (s *Set) Contains(p *Param) bool { return s.seen != nil && s.seen.Has(p) }

// Len reports the number of parameters in s.
func (s *Set) Len() int { return len(s.params) }

// Params returns the parameters of s in order.
func (s *Set) Params() []*Param { return slices.Clone(s.params) }

// All iterates over the parameters of s in order.
func (s *Set) All() iter.Seq[*Param] { return slices.Values(s.params) }

// Equal reports whether s and o contain the same parameters, regardless of
// order.
func (s *Set) Equal(o *Set) bool {
	if s.Len() != o.Len() {
		return false
	}
	for _, p := range s.params {
		if !o.Contains(p) {
			return false
		}
	}
	return true
}

// Clear removes all parameters from s.
func (s *Set) Clear() { s.params = nil; s.seen = nil }

// byNode groups the remote parameters of s by destination node, in the
// order each node first appears. If host is not Local it is the destination
// for every remote parameter.
func (s *Set) byNode(host Node) ([]Node, map[Node][]*Param) {
	var order []Node
	groups := make(map[Node][]*Param)
	for _, p := range s.params {
		n := p.Node()
		if n == Local {
			continue
		}
		if host != Local {
			n = host
		}
		if _, ok := groups[n]; !ok {
			order = append(order, n)
		}
		groups[n] = append(groups[n], p)
	}
	return order, groups
}
