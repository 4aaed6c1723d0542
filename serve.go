// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package param

import (
	"errors"
	"fmt"
)

// ErrReadOnly is the cause of a *ValueError reporting a write to a read-only
// parameter by a remote node.
var ErrReadOnly = errors.New("parameter is read-only")

// AnswerPull answers a pull request for the parameters of node. Entries for
// IDs not registered on node are left out of the reply, so the caller keeps
// its prior values for them.
func (r *Registry) AnswerPull(node Node, q Queue) (Queue, error) {
	if q.Kind != QueueGet {
		return Queue{}, valueErrorf("pull request has kind %d", q.Kind)
	}
	out := Queue{Kind: QueueSet}
	for _, e := range q.Entries {
		p, err := r.Find(node, e.ID)
		if err != nil {
			continue
		}
		v, err := p.wireValue(e.Offset)
		if err != nil {
			return Queue{}, fmt.Errorf("pull %s: %w", p.Name(), err)
		}
		out.Entries = append(out.Entries, QueueEntry{ID: e.ID, Offset: e.Offset, Value: v})
	}
	return out, nil
}

// ApplyPush stores the values of a push request into the parameters of node.
// Every entry is checked before any is stored, so a request with an unknown
// ID, a read-only parameter or a malformed value changes nothing.
func (r *Registry) ApplyPush(node Node, q Queue) error {
	if q.Kind != QueueSet {
		return valueErrorf("push request has kind %d", q.Kind)
	}
	ps := make([]*Param, len(q.Entries))
	for i, e := range q.Entries {
		p, err := r.Find(node, e.ID)
		if err != nil {
			return err
		}
		if err := p.checkWire(e.Offset, e.Value); err != nil {
			return fmt.Errorf("push %s: %w", p.Name(), err)
		}
		ps[i] = p
	}
	for i, e := range q.Entries {
		if err := ps[i].setWireValue(e.Offset, e.Value); err != nil {
			return fmt.Errorf("push %s: %w", ps[i].Name(), err)
		}
	}
	return nil
}

// checkWire reports whether setWireValue(offset, data) would succeed on a
// parameter that accepts remote writes.
func (p *Param) checkWire(offset int, data []byte) error {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.desc.Mask&MaskReadOnly != 0 {
		return &ValueError{Msg: p.desc.Name, Err: ErrReadOnly}
	}
	return p.cell.clone().setWire(offset, data)
}
