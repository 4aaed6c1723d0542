// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package csp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/creachadair/param/packet"
)

// Version is the protocol version carried in every packet header.
const Version = 1

// headerLen is the size in bytes of a packet header: 2 magic, 1 version,
// 1 type, 4 payload length.
const headerLen = 8

// A Port identifies a service on a node. Requests are dispatched to handlers
// by port. Port 0 is reserved for the wildcard handler.
type Port uint32

// An Addr is the address of a node on the bus. Address 0 marks a peer that
// has no address of its own; such a peer serves requests for any address.
type Addr uint16

// AnyAddr is the destination of a request meant for whichever node is at the
// far end of a link.
const AnyAddr Addr = 0xffff

// Packet is the parsed format of a protocol packet.
type Packet struct {
	Version byte
	Type    PacketType
	Payload []byte
}

// Encode encodes p in binary format.
func (p Packet) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, headerLen+len(p.Payload)))
	if _, err := p.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding packet: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the packet to w in binary format. It satisfies io.WriterTo.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	buf := [headerLen]byte{'P', 'C', p.Version, byte(p.Type)}
	binary.BigEndian.PutUint32(buf[4:], uint32(len(p.Payload)))
	nw, err := w.Write(buf[:])
	if err == nil && len(p.Payload) != 0 {
		var np int
		np, err = w.Write(p.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a packet from r in binary format. It satisfies io.ReaderFrom.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var buf [headerLen]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		return int64(nr), fmt.Errorf("short packet header: %w", err)
	}
	if m := string(buf[:2]); m != "PC" {
		return int64(nr), fmt.Errorf("invalid packet magic %q", m)
	} else if buf[2] != Version {
		return int64(nr), fmt.Errorf("unsupported protocol version %d", buf[2])
	}

	p.Version = buf[2]
	p.Type = PacketType(buf[3])
	p.Payload = nil

	if psize := binary.BigEndian.Uint32(buf[4:]); psize > 0 {
		p.Payload = make([]byte, int(psize))
		var np int
		np, err = io.ReadFull(r, p.Payload)
		nr += np
		if err != nil {
			err = fmt.Errorf("short payload: %w", err)
		}
	}
	return int64(nr), err
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay string
	switch p.Type {
	case PacketRequest:
		var req Request
		if err := req.UnmarshalBinary(p.Payload); err == nil {
			pay = req.String()
		}
	case PacketCancel:
		var can Cancel
		if err := can.UnmarshalBinary(p.Payload); err == nil {
			pay = can.String()
		}
	case PacketResponse:
		var rsp Response
		if err := rsp.UnmarshalBinary(p.Payload); err == nil {
			pay = rsp.String()
		}
	}
	if pay == "" {
		pay = fmt.Sprint(p.Payload)
	}
	return fmt.Sprintf("Packet(v%d, %v, %s)", p.Version, p.Type, pay)
}

// PacketType describes the structure of a packet payload. Packets of other
// types are counted as dropped and otherwise ignored.
type PacketType byte

const (
	PacketRequest  PacketType = 2 // the initial request for a call
	PacketCancel   PacketType = 3 // a cancellation signal for a pending call
	PacketResponse PacketType = 4 // the final response from a call
)

func (p PacketType) String() string {
	switch p {
	case PacketRequest:
		return "REQUEST"
	case PacketCancel:
		return "CANCEL"
	case PacketResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("TYPE:%d", byte(p))
	}
}

// Request is the payload of a request packet. Src and Dst are the addresses
// of the calling and called nodes.
type Request struct {
	RequestID uint32
	Src, Dst  Addr
	Port      Port
	Data      []byte
}

// requestHeaderLen is the size of a request before its data: 4 ID, 2 source,
// 2 destination, 4 port.
const requestHeaderLen = 12

// Encode encodes the request in binary format.
func (r Request) Encode() []byte {
	var b packet.Builder
	b.Grow(requestHeaderLen + len(r.Data))
	b.Uint32(r.RequestID)
	b.Uint16(uint16(r.Src))
	b.Uint16(uint16(r.Dst))
	b.Uint32(uint32(r.Port))
	b.Put(r.Data...)
	return b.Bytes()
}

// UnmarshalBinary decodes data into a request payload.
// It implements encoding.BinaryUnmarshaler.
func (r *Request) UnmarshalBinary(data []byte) error {
	if len(data) < requestHeaderLen {
		return fmt.Errorf("short request payload (%d bytes)", len(data))
	}
	s := packet.NewScanner(data)
	id, _ := s.Uint32()
	src, _ := s.Uint16()
	dst, _ := s.Uint16()
	port, _ := s.Uint32()
	*r = Request{RequestID: id, Src: Addr(src), Dst: Addr(dst), Port: Port(port)}
	if s.Len() > 0 {
		r.Data = s.Rest()
	}
	return nil
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(ID=%v, %v->%v, Port=%v, Data=%s)", r.RequestID, r.Src, r.Dst, r.Port, clip(r.Data))
}

func (a Addr) String() string {
	if a == AnyAddr {
		return "*"
	}
	return strconv.Itoa(int(a))
}

// Response is the payload of a response packet.
type Response struct {
	RequestID uint32
	Code      ResultCode
	Data      []byte
}

// Encode encodes the response in binary format.
func (r Response) Encode() []byte {
	var b packet.Builder
	b.Grow(5 + len(r.Data))
	b.Uint32(r.RequestID)
	b.Put(byte(r.Code))
	b.Put(r.Data...)
	return b.Bytes()
}

// UnmarshalBinary decodes data into a response payload.
// It implements encoding.BinaryUnmarshaler.
func (r *Response) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	id, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("short response payload (%d bytes)", len(data))
	}
	code, err := s.Byte()
	if err != nil {
		return fmt.Errorf("short response payload (%d bytes)", len(data))
	} else if ResultCode(code) > CodeNoRoute {
		return fmt.Errorf("invalid result code %d", code)
	}
	r.RequestID, r.Code = id, ResultCode(code)
	r.Data = nil
	if s.Len() > 0 {
		r.Data = s.Rest()
	}
	return nil
}

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	if r.Code == CodeServiceError {
		var ed ErrorData
		if ed.UnmarshalBinary(r.Data) == nil {
			return fmt.Sprintf("Response(ID=%v, Code=%v, ErrorData(Code=%d, [%d bytes], %q))",
				r.RequestID, r.Code, ed.Code, len(ed.Data), ed.Message)
		}
	}
	return fmt.Sprintf("Response(ID=%v, Code=%v, Data=%s)", r.RequestID, r.Code, clip(r.Data))
}

func clip(data []byte) string {
	if len(data) > 16 {
		return fmt.Sprintf("%+v ...", data[:16])
	}
	return fmt.Sprintf("%+v", data)
}

// ResultCode describes the result status of a completed call.
type ResultCode byte

const (
	CodeSuccess      ResultCode = 0 // call completed successfully
	CodeUnknownPort  ResultCode = 1 // no handler for the requested port
	CodeDuplicateID  ResultCode = 2 // duplicate request ID
	CodeCanceled     ResultCode = 3 // call was canceled
	CodeServiceError ResultCode = 4 // call failed due to a service error
	CodeNoRoute      ResultCode = 5 // request addressed to another node
)

func (c ResultCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeUnknownPort:
		return "UNKNOWN_PORT"
	case CodeDuplicateID:
		return "DUPLICATE_REQUEST_ID"
	case CodeCanceled:
		return "CANCELED"
	case CodeServiceError:
		return "SERVICE_ERROR"
	case CodeNoRoute:
		return "NO_ROUTE"
	default:
		return fmt.Sprintf("result code %d", byte(c))
	}
}

// Cancel is the payload of a cancel packet.
type Cancel struct {
	RequestID uint32
}

// Encode encodes the cancellation in binary format.
func (c Cancel) Encode() []byte { return binary.BigEndian.AppendUint32(nil, c.RequestID) }

// UnmarshalBinary decodes data into a cancel payload.
// It implements encoding.BinaryUnmarshaler.
func (c *Cancel) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("invalid cancel payload (%d bytes)", len(data))
	}
	c.RequestID = binary.BigEndian.Uint32(data)
	return nil
}

// String returns a human-friendly rendering of the cancellation.
func (c Cancel) String() string { return fmt.Sprintf("Cancel(ID=%v)", c.RequestID) }

// ErrorData is the response data format for a service error response.
type ErrorData struct {
	Code    uint16
	Message string
	Data    []byte
}

// Error implements the error interface, allowing an ErrorData value to be used
// as an error. Handlers return one to control the code and auxiliary data
// reported to the caller.
func (e ErrorData) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Encode encodes the error data in binary format: 2 code, then the message
// with a Vint30 length prefix, then the auxiliary data.
func (e ErrorData) Encode() []byte {
	msg := truncate(e.Message, packet.MaxVint30)
	var b packet.Builder
	b.Grow(2 + packet.VLen(len(msg)) + len(e.Data))
	b.Uint16(e.Code)
	b.VPutString(msg)
	b.Put(e.Data...)
	return b.Bytes()
}

// truncate returns the longest prefix of the UTF-8 string s having at most n
// bytes that does not end in a partial encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && s[n-1]&0xc0 == 0x80 { // continuation byte
		n--
	}
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // start of a multibyte encoding
		n--
	}
	return s[:n]
}

// UnmarshalBinary decodes data into an error data payload.
// It implements encoding.BinaryUnmarshaler.
func (e *ErrorData) UnmarshalBinary(data []byte) error {
	// An empty payload encodes empty details.
	if len(data) == 0 {
		*e = ErrorData{}
		return nil
	}
	s := packet.NewScanner(data)
	code, err := s.Uint16()
	if err != nil {
		return fmt.Errorf("invalid error data (%d bytes)", len(data))
	}
	msg, err := s.VString()
	if err != nil {
		return fmt.Errorf("error message truncated: %w", err)
	}
	e.Code, e.Message, e.Data = code, msg, nil
	if s.Len() > 0 {
		e.Data = s.Rest()
	}
	return nil
}
