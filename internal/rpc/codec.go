package rpc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// wireMarshaler is implemented by the hand-rolled protobuf-wire message
// types in internal/rpc/wire that marshal themselves directly.
type wireMarshaler interface {
	Marshal() []byte
}

type wireUnmarshaler interface {
	Unmarshal([]byte) error
}

// codec registers under "cxproxy" and is selected per-call via
// grpc.CallContentSubtype, so this transport never depends on protoc-gen-go
// output. Messages that know how to marshal themselves onto protobuf wire
// format use that; everything else (small internal reply structs that carry
// no cross-version compatibility burden) falls back to gob, which is still a
// real, if secondary, wire encoding rather than a fabricated one.
type codec struct{}

func (codec) Name() string { return contentSubtype }

func (codec) Marshal(v interface{}) ([]byte, error) {
	if m, ok := v.(wireMarshaler); ok {
		return m.Marshal(), nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("cxproxy codec: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	if m, ok := v.(wireUnmarshaler); ok {
		return m.Unmarshal(data)
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

const contentSubtype = "cxproxy"

func init() {
	encoding.RegisterCodec(codec{})
}
