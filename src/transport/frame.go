package transport

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ProtocolVersion is sent on register. The relay refuses other versions.
const ProtocolVersion = 1

// Frame types exchanged with the relay.
const (
	FrameRegister   = "register"
	FrameRegistered = "registered"
	FrameConnect    = "connect"
	FrameAccept     = "accept"
	FrameData       = "data"
	FrameClose      = "close"
	FrameError      = "error"
)

// Frame is one relay message. It travels as a protobuf-encoded binary
// websocket message:
//
//	1 type     string
//	2 id       string  endpoint id (register, registered, connect)
//	3 conn     string  connection id
//	4 from     string  remote endpoint id
//	5 payload  bytes
//	6 binary   bool
//	7 kind     string  error kind
//	8 message  string
//	9 version  uint64
//	10 mnemonic string
type Frame struct {
	Type     string
	ID       string
	Conn     string
	From     string
	Payload  []byte
	Binary   bool
	Kind     string
	Message  string
	Version  uint64
	Mnemonic string
}

const (
	fieldType protowire.Number = iota + 1
	fieldID
	fieldConn
	fieldFrom
	fieldPayload
	fieldBinary
	fieldKind
	fieldMessage
	fieldVersion
	fieldMnemonic
)

// ErrBadFrame is returned for frames that cannot be decoded.
var ErrBadFrame = errors.New("transport: malformed frame")

// MarshalFrame encodes f. Zero-valued fields are omitted.
func MarshalFrame(f *Frame) []byte {
	b := make([]byte, 0, 32+len(f.Payload))
	b = appendString(b, fieldType, f.Type)
	b = appendString(b, fieldID, f.ID)
	b = appendString(b, fieldConn, f.Conn)
	b = appendString(b, fieldFrom, f.From)
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	if f.Binary {
		b = protowire.AppendTag(b, fieldBinary, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = appendString(b, fieldKind, f.Kind)
	b = appendString(b, fieldMessage, f.Message)
	if f.Version != 0 {
		b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, f.Version)
	}
	b = appendString(b, fieldMnemonic, f.Mnemonic)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// UnmarshalFrame decodes data. Unknown fields are skipped so newer peers can
// add fields.
func UnmarshalFrame(data []byte) (*Frame, error) {
	f := &Frame{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.BytesType && num != fieldPayload && num <= fieldMnemonic:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrBadFrame, num, protowire.ParseError(n))
			}
			f.setString(num, v)
			data = data[n:]
		case typ == protowire.BytesType && num == fieldPayload:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: payload: %v", ErrBadFrame, protowire.ParseError(n))
			}
			f.Payload = append([]byte(nil), v...)
			data = data[n:]
		case typ == protowire.VarintType && (num == fieldBinary || num == fieldVersion):
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrBadFrame, num, protowire.ParseError(n))
			}
			if num == fieldBinary {
				f.Binary = v != 0
			} else {
				f.Version = v
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrBadFrame, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrBadFrame)
	}
	return f, nil
}

func (f *Frame) setString(num protowire.Number, v string) {
	switch num {
	case fieldType:
		f.Type = v
	case fieldID:
		f.ID = v
	case fieldConn:
		f.Conn = v
	case fieldFrom:
		f.From = v
	case fieldKind:
		f.Kind = v
	case fieldMessage:
		f.Message = v
	case fieldMnemonic:
		f.Mnemonic = v
	}
}
