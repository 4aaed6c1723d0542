// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package param

import (
	"path"
	"slices"
	"sync"
	"time"
)

// Result reports the outcome of [Registry.Add].
type Result int

const (
	Unchanged Result = iota // an identical parameter was already registered
	Added                   // a new parameter was registered
	Updated                 // an existing parameter was updated in place
)

func (r Result) String() string {
	switch r {
	case Added:
		return "added"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

type idKey struct {
	node Node
	id   uint16
}

type nameKey struct {
	node Node
	name string
}

// A Registry indexes parameters by (node, ID) and by (node, name). It is safe
// for concurrent use. A program normally owns one registry and passes it to
// the components that need it.
type Registry struct {
	μ      sync.Mutex
	params []*Param // in registration order
	byID   map[idKey]*Param
	byName map[nameKey]*Param
}

// NewRegistry constructs a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[idKey]*Param),
		byName: make(map[nameKey]*Param),
	}
}

// Add registers a parameter described by d, or reconciles d with the
// parameter already registered under the same node and ID.
//
// If no such parameter exists, Add creates and registers one (Added). If one
// exists with an identical description, it is left alone (Unchanged).
// Otherwise it is updated in place (Updated): its name, mask, doc and unit
// are replaced, and its value is reset only if the type or count changed.
// In every case the handle returned is the registered parameter.
//
// A different parameter with the same name on the same node is a *ValueError.
func (r *Registry) Add(d Desc) (*Param, Result, error) {
	d = d.normalized()
	if err := d.checkName(); err != nil {
		return nil, Unchanged, err
	}
	r.μ.Lock()
	defer r.μ.Unlock()

	key := idKey{d.Node, d.ID}
	if other, ok := r.byName[nameKey{d.Node, d.Name}]; ok && other.ID() != d.ID {
		return nil, Unchanged, valueErrorf("parameter name %q is already used by id %d on node %d", d.Name, other.ID(), d.Node)
	}

	old, ok := r.byID[key]
	if !ok {
		p, err := New(d)
		if err != nil {
			return nil, Unchanged, err
		}
		r.insertLocked(p)
		return p, Added, nil
	}

	old.μ.Lock()
	defer old.μ.Unlock()
	if old.desc == d {
		return old, Unchanged, nil
	}
	if !old.desc.shapeEqual(d) {
		cell, err := NewCell(d.Type, d.Count)
		if err != nil {
			return nil, Unchanged, err
		}
		old.cell = cell
		old.stamp = time.Time{}
	}
	if old.desc.Name != d.Name {
		delete(r.byName, nameKey{d.Node, old.desc.Name})
		r.byName[nameKey{d.Node, d.Name}] = old
	}
	old.desc = d
	return old, Updated, nil
}

// Create constructs a new parameter from d, registers it, and returns it with
// one owner reference held by the caller. It reports a *ValueError if the ID
// or name is already registered on the node.
func (r *Registry) Create(d Desc) (*Param, error) {
	p, err := New(d)
	if err != nil {
		return nil, err
	}
	if err := r.Register(p); err != nil {
		return nil, err
	}
	return p.Retain(), nil
}

// Register adds p to r. Registering a parameter that is already in r has no
// effect. It reports a *ValueError if p belongs to another registry, or if a
// different parameter has the same ID or name on the same node.
func (r *Registry) Register(p *Param) error {
	r.μ.Lock()
	defer r.μ.Unlock()

	d := p.Desc()
	if old, ok := r.byID[idKey{d.Node, d.ID}]; ok {
		if old == p {
			return nil
		}
		return valueErrorf("parameter id %d is already registered on node %d", d.ID, d.Node)
	}
	if _, ok := r.byName[nameKey{d.Node, d.Name}]; ok {
		return valueErrorf("parameter name %q is already registered on node %d", d.Name, d.Node)
	}
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.reg != nil {
		return valueErrorf("parameter %q belongs to another registry", d.Name)
	}
	r.insertLockedP(p)
	return nil
}

func (r *Registry) insertLocked(p *Param) {
	p.μ.Lock()
	defer p.μ.Unlock()
	r.insertLockedP(p)
}

// insertLockedP indexes p. Both r and p must be locked.
func (r *Registry) insertLockedP(p *Param) {
	p.reg = r
	r.params = append(r.params, p)
	r.byID[idKey{p.desc.Node, p.desc.ID}] = p
	r.byName[nameKey{p.desc.Node, p.desc.Name}] = p
}

// Forget removes p from r, and reports whether it was present. Forgetting a
// parameter that is not registered is a no-op. The handle stays usable as a
// detached parameter.
func (r *Registry) Forget(p *Param) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.reg != r {
		return false
	}
	r.removeLocked(p)
	return true
}

// ForgetNode removes every parameter of the given node and reports how many
// were removed.
func (r *Registry) ForgetNode(node Node) int {
	r.μ.Lock()
	defer r.μ.Unlock()
	var drop []*Param
	for _, p := range r.params {
		if p.Node() == node {
			drop = append(drop, p)
		}
	}
	for _, p := range drop {
		p.μ.Lock()
		r.removeLocked(p)
		p.μ.Unlock()
	}
	return len(drop)
}

// removeLocked unindexes p. Both r and p must be locked.
func (r *Registry) removeLocked(p *Param) {
	delete(r.byID, idKey{p.desc.Node, p.desc.ID})
	delete(r.byName, nameKey{p.desc.Node, p.desc.Name})
	r.params = slices.DeleteFunc(r.params, func(q *Param) bool { return q == p })
	p.reg = nil
}

// Find returns the parameter with the given ID on node, or a *LookupError.
func (r *Registry) Find(node Node, id uint16) (*Param, error) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if p, ok := r.byID[idKey{node, id}]; ok {
		return p, nil
	}
	return nil, &LookupError{Node: node, ID: int(id)}
}

// FindName returns the parameter with the given name on node, or a
// *LookupError.
func (r *Registry) FindName(node Node, name string) (*Param, error) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if p, ok := r.byName[nameKey{node, name}]; ok {
		return p, nil
	}
	return nil, &LookupError{Node: node, ID: -1, Name: name}
}

// Len reports the number of registered parameters.
func (r *Registry) Len() int { r.μ.Lock(); defer r.μ.Unlock(); return len(r.params) }

// List returns the registered parameters in registration order.
func (r *Registry) List() []*Param {
	r.μ.Lock()
	defer r.μ.Unlock()
	return slices.Clone(r.params)
}

// A Filter selects parameters for [Registry.Select].
type Filter struct {
	Node     Node   // only parameters of this node, unless AllNodes
	AllNodes bool   // ignore Node
	Include  Mask   // if nonzero, the parameter must have one of these flags
	Exclude  Mask   // the parameter must have none of these flags
	Name     string // if set, a path.Match pattern the name must match
}

// Match reports whether p satisfies f.
func (f Filter) Match(p *Param) bool {
	d := p.Desc()
	if !f.AllNodes && d.Node != f.Node {
		return false
	} else if f.Include != 0 && d.Mask&f.Include == 0 {
		return false
	} else if d.Mask&f.Exclude != 0 {
		return false
	}
	if f.Name != "" {
		ok, err := path.Match(f.Name, d.Name)
		return ok && err == nil
	}
	return true
}

// Select returns a set of the registered parameters matching f, in
// registration order.
func (r *Registry) Select(f Filter) *Set {
	var s Set
	for _, p := range r.List() {
		if f.Match(p) {
			s.Add(p)
		}
	}
	return &s
}
