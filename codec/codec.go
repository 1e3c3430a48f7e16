// Package codec serializes message.RPCMessage envelopes for the frame body.
package codec

import "fmt"

// CodecType is the identifier written into the frame header.
type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	}
	return fmt.Sprintf("CodecType(%d)", byte(t))
}

// ParseCodecType maps a configuration name to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	}
	return 0, fmt.Errorf("codec: unknown codec %q", name)
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

var (
	jsonCodec   = &JSONCodec{}
	binaryCodec = &BinaryCodec{}
)

// GetCodec returns the codec for t. Unknown types fall back to JSON.
func GetCodec(t CodecType) Codec {
	if t == CodecTypeBinary {
		return binaryCodec
	}
	return jsonCodec
}
