package codec

import (
	"bytes"
	"encoding/json"
	"errors"
)

var errTrailingData = errors.New("codec: trailing data after JSON value")

// JSONCodec is the default body codec. Encoding leaves HTML characters unescaped, and decoding
// rejects unknown fields and trailing data, since a frame body holds exactly one envelope.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errTrailingData
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
