// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package param

import (
	"fmt"
	"time"

	"github.com/creachadair/param/packet"
)

// QueueKind distinguishes the two payload shapes of a [Queue].
type QueueKind byte

const (
	// QueueGet carries parameter addresses only (a pull request).
	QueueGet QueueKind = 1

	// QueueSet carries addresses and values (a pull reply or a push request).
	QueueSet QueueKind = 2
)

// A QueueEntry addresses one value of a parameter on the destination node.
type QueueEntry struct {
	ID     uint16
	Offset int    // element index, or -1 for the whole value
	Value  []byte // network encoding of the value; nil in a QueueGet
}

// A Queue is a batch of parameter addresses or values exchanged in one call.
//
// Encoding: 1 byte kind, then for each entry a 2-byte ID and the element
// offset, followed for QueueSet by the value with a Vint30 length prefix.
type Queue struct {
	Kind    QueueKind
	Entries []QueueEntry
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (q Queue) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	b.Put(byte(q.Kind))
	for _, e := range q.Entries {
		if err := packet.CheckOffset(e.Offset); err != nil {
			return nil, fmt.Errorf("id %d: %w", e.ID, err)
		}
		b.Uint16(e.ID)
		b.Offset(e.Offset)
		if q.Kind == QueueSet {
			b.VPut(e.Value)
		}
	}
	return b.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (q *Queue) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	kind, err := s.Byte()
	if err != nil {
		return fmt.Errorf("empty queue: %w", err)
	} else if k := QueueKind(kind); k != QueueGet && k != QueueSet {
		return fmt.Errorf("invalid queue kind %d", kind)
	}
	q.Kind = QueueKind(kind)
	q.Entries = nil
	for s.Len() != 0 {
		id, err := s.Uint16()
		if err != nil {
			return fmt.Errorf("entry %d: %w", len(q.Entries), err)
		}
		off, err := s.Offset()
		if err != nil {
			return fmt.Errorf("entry %d offset: %w", len(q.Entries), err)
		}
		e := QueueEntry{ID: id, Offset: off}
		if q.Kind == QueueSet {
			v, err := s.VBytes()
			if err != nil {
				return fmt.Errorf("entry %d value: %w", len(q.Entries), err)
			}
			e.Value = v
		}
		q.Entries = append(q.Entries, e)
	}
	return nil
}

// MarshalBinary encodes the description of a parameter, without its node.
//
// Encoding: 2-byte ID, 1-byte type, Vint30 count, 4-byte mask, then the
// name, unit and doc each with a Vint30 length prefix.
func (d Desc) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	d.appendTo(&b)
	return b.Bytes(), nil
}

func (d Desc) appendTo(b *packet.Builder) {
	b.Uint16(d.ID)
	b.Put(byte(d.Type))
	b.Vint30(uint32(max(d.Count, 1)))
	b.Uint32(uint32(d.Mask))
	b.VPutString(d.Name)
	b.VPutString(d.Unit)
	b.VPutString(d.Doc)
}

// UnmarshalBinary decodes a description. The Node field is left unchanged.
func (d *Desc) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	if err := d.scanFrom(s); err != nil {
		return err
	}
	return s.Done()
}

func (d *Desc) scanFrom(s *packet.Scanner) error {
	id, err := s.Uint16()
	if err != nil {
		return fmt.Errorf("description id: %w", err)
	}
	typ, err := s.Byte()
	if err != nil {
		return fmt.Errorf("description type: %w", err)
	}
	count, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("description count: %w", err)
	}
	mask, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("description mask: %w", err)
	}
	var strs [3]string
	for i := range strs {
		if strs[i], err = s.VString(); err != nil {
			return fmt.Errorf("description text: %w", err)
		}
	}
	d.ID, d.Type, d.Count, d.Mask = id, Type(typ), count, Mask(mask)
	d.Name, d.Unit, d.Doc = strs[0], strs[1], strs[2]
	return nil
}

// DescList is a batch of descriptions, one chunk of a parameter listing.
type DescList []Desc

// MarshalBinary implements encoding.BinaryMarshaler.
func (ds DescList) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	for _, d := range ds {
		d.appendTo(&b)
	}
	return b.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (ds *DescList) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	*ds = (*ds)[:0]
	for s.Len() != 0 {
		var d Desc
		if err := d.scanFrom(s); err != nil {
			return fmt.Errorf("entry %d: %w", len(*ds), err)
		}
		*ds = append(*ds, d)
	}
	return nil
}

// Ident is the identity a node reports about itself.
type Ident struct {
	Hostname string
	Model    string
	Revision string
	Built    time.Time
}

// String renders the identity as reported by the ident command.
func (id Ident) String() string {
	s := id.Hostname + "\n  " + id.Model + "\n  " + id.Revision
	if !id.Built.IsZero() {
		s += "\n  " + id.Built.UTC().Format("Jan 02 2006 15:04:05")
	}
	return s
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (id Ident) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	b.VPutString(id.Hostname)
	b.VPutString(id.Model)
	b.VPutString(id.Revision)
	var built uint64
	if !id.Built.IsZero() {
		built = uint64(id.Built.Unix())
	}
	b.Uint64(built)
	return b.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (id *Ident) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	var strs [3]string
	for i := range strs {
		var err error
		if strs[i], err = s.VString(); err != nil {
			return fmt.Errorf("ident: %w", err)
		}
	}
	built, err := s.Uint64()
	if err != nil {
		return fmt.Errorf("ident build time: %w", err)
	}
	id.Hostname, id.Model, id.Revision = strs[0], strs[1], strs[2]
	id.Built = time.Time{}
	if built != 0 {
		id.Built = time.Unix(int64(built), 0).UTC()
	}
	return nil
}

// A VmemArea is a named region of a node's virtual memory.
type VmemArea struct {
	Name     string
	Addr     uint64
	Size     uint32
	ReadOnly bool
}

func (a VmemArea) String() string {
	s := fmt.Sprintf("%-16s 0x%08x %8d", a.Name, a.Addr, a.Size)
	if a.ReadOnly {
		s += " ro"
	}
	return s
}

// Contains reports whether the n bytes starting at addr lie inside a.
func (a VmemArea) Contains(addr uint64, n int) bool {
	return addr >= a.Addr && n >= 0 && addr+uint64(n) <= a.Addr+uint64(a.Size)
}

// VmemAreas is the payload of a vmem listing.
type VmemAreas []VmemArea

// MarshalBinary implements encoding.BinaryMarshaler.
func (as VmemAreas) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	for _, a := range as {
		b.VPutString(a.Name)
		b.Uint64(a.Addr)
		b.Uint32(a.Size)
		b.Bool(a.ReadOnly)
	}
	return b.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (as *VmemAreas) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	*as = (*as)[:0]
	for s.Len() != 0 {
		name, err := s.VString()
		if err != nil {
			return fmt.Errorf("area %d name: %w", len(*as), err)
		}
		addr, err := s.Uint64()
		if err != nil {
			return fmt.Errorf("area %d addr: %w", len(*as), err)
		}
		size, err := s.Uint32()
		if err != nil {
			return fmt.Errorf("area %d size: %w", len(*as), err)
		}
		ro, err := s.Bool()
		if err != nil {
			return fmt.Errorf("area %d flags: %w", len(*as), err)
		}
		*as = append(*as, VmemArea{Name: name, Addr: addr, Size: size, ReadOnly: ro})
	}
	return nil
}

// A VmemRequest asks a node to read Length bytes at Addr, or to write Data
// at Addr.
//
// Encoding: 8-byte address, 4-byte length, then the data to write.
type VmemRequest struct {
	Addr   uint64
	Length uint32
	Data   []byte
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r VmemRequest) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	b.Uint64(r.Addr)
	n := r.Length
	if r.Data != nil {
		n = uint32(len(r.Data))
	}
	b.Uint32(n)
	b.Put(r.Data...)
	return b.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *VmemRequest) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	addr, err := s.Uint64()
	if err != nil {
		return fmt.Errorf("vmem address: %w", err)
	}
	n, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("vmem length: %w", err)
	}
	r.Addr, r.Length, r.Data = addr, n, nil
	if s.Len() != 0 {
		if s.Len() != int(n) {
			return fmt.Errorf("vmem data has %d bytes, want %d", s.Len(), n)
		}
		r.Data = s.Rest()
	}
	return nil
}

// Uptime is the payload of an uptime reply, in whole seconds.
type Uptime uint32

// MarshalBinary implements encoding.BinaryMarshaler.
func (u Uptime) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	b.Uint32(uint32(u))
	return b.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (u *Uptime) UnmarshalBinary(data []byte) error {
	v, err := packet.NewScanner(data).Uint32()
	if err != nil {
		return fmt.Errorf("uptime: %w", err)
	}
	*u = Uptime(v)
	return nil
}

// Duration converts u to a time.Duration.
func (u Uptime) Duration() time.Duration { return time.Duration(u) * time.Second }
