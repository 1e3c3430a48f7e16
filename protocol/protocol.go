// Package protocol implements the length-prefixed frame format spoken between the agent's
// client transports and RPC servers.
//
// Every frame is a fixed 14-byte header followed by BodyLen bytes of codec output:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ mrp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Version    byte = 0x01
	HeaderSize int  = 14
	// MaxBodyLen bounds the allocation made for a single frame body.
	MaxBodyLen uint32 = 16 << 20
)

var magic = [3]byte{0x6d, 0x72, 0x70} // "mrp"

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0
	MsgTypeResponse  MsgType = 1
	MsgTypeHeartbeat MsgType = 2 // no body
)

func (t MsgType) valid() bool {
	return t <= MsgTypeHeartbeat
}

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("MsgType(%d)", byte(t))
}

// Codec identifiers carried in the header. They mirror codec.CodecType so that this package
// stays free of upward imports.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

var (
	ErrBadMagic     = errors.New("protocol: invalid magic number")
	ErrBadVersion   = errors.New("protocol: unsupported version")
	ErrBadCodec     = errors.New("protocol: unsupported codec type")
	ErrBadMsgType   = errors.New("protocol: unsupported message type")
	ErrBodyTooLarge = errors.New("protocol: frame body too large")
)

// Header is the decoded form of the fixed frame header.
type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // matches a response to its request on a multiplexed connection
	BodyLen   uint32
}

// Encode writes one frame to w. Callers sharing w between goroutines must serialize calls,
// otherwise header and body bytes of different frames interleave.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(body))
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], magic[:])
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// Decode reads exactly one frame from r and validates its header.
func Decode(r io.Reader) (*Header, []byte, error) {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return nil, nil, err
	}

	if hb[0] != magic[0] || hb[1] != magic[1] || hb[2] != magic[2] {
		return nil, nil, fmt.Errorf("%w: %x", ErrBadMagic, hb[0:3])
	}
	if hb[3] != Version {
		return nil, nil, fmt.Errorf("%w: %d", ErrBadVersion, hb[3])
	}
	if hb[4] != CodecTypeJSON && hb[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("%w: %d", ErrBadCodec, hb[4])
	}
	mt := MsgType(hb[5])
	if !mt.valid() {
		return nil, nil, fmt.Errorf("%w: %d", ErrBadMsgType, hb[5])
	}

	h := &Header{
		CodecType: hb[4],
		MsgType:   mt,
		Seq:       binary.BigEndian.Uint32(hb[6:10]),
		BodyLen:   binary.BigEndian.Uint32(hb[10:14]),
	}
	if h.BodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, h.BodyLen)
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
