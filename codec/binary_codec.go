package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"rpcagent/message"
)

// BinaryCodec is a compact length-prefixed layout for *message.RPCMessage only:
//
//	u16 len | ServiceMethod | u32 len | Payload | u16 len | Error
type BinaryCodec struct{}

var (
	errNotMessage = errors.New("codec: binary codec requires *message.RPCMessage")
	errShort      = errors.New("codec: binary body truncated")
)

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errNotMessage
	}
	if len(msg.ServiceMethod) > math.MaxUint16 || len(msg.Error) > math.MaxUint16 {
		return nil, fmt.Errorf("codec: string field exceeds %d bytes", math.MaxUint16)
	}

	buf := make([]byte, 0, 2+len(msg.ServiceMethod)+4+len(msg.Payload)+2+len(msg.Error))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.ServiceMethod)))
	buf = append(buf, msg.ServiceMethod...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errNotMessage
	}
	r := reader{data: data}
	method := r.next(int(r.u16()))
	payload := r.next(int(r.u32()))
	errText := r.next(int(r.u16()))
	if r.short {
		return errShort
	}

	msg.ServiceMethod = string(method)
	msg.Payload = append([]byte(nil), payload...)
	msg.Error = string(errText)
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks a byte slice and records, instead of panicking on, an out of range read.
type reader struct {
	data  []byte
	short bool
}

func (r *reader) next(n int) []byte {
	if r.short || n > len(r.data) {
		r.short = true
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *reader) u16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
