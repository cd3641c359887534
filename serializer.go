package clinops

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// Codec encodes event payloads. Every codec must be able to decode into a
// map[string]interface{} so upcasters can work on any stored shape.
type Codec interface {
	// Name identifies the codec in configuration and diagnostics.
	Name() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// JSONCodec is the default payload codec.
type JSONCodec struct{}

// NewJSONCodec returns the JSON codec.
func NewJSONCodec() JSONCodec { return JSONCodec{} }

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// CompressedCodec wraps another codec with snappy block compression. Form
// payloads are large and repetitive, which is where it pays off.
type CompressedCodec struct {
	inner Codec
}

// Compressed wraps inner with snappy compression.
func Compressed(inner Codec) *CompressedCodec {
	return &CompressedCodec{inner: inner}
}

func (c *CompressedCodec) Name() string { return c.inner.Name() + "+snappy" }

func (c *CompressedCodec) Marshal(v interface{}) ([]byte, error) {
	raw, err := c.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func (c *CompressedCodec) Unmarshal(data []byte, v interface{}) error {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("clinops: snappy decode: %w", err)
	}
	return c.inner.Unmarshal(raw, v)
}

// DecodeFunc turns an encoded payload into its typed event.
type DecodeFunc func(codec Codec, data []byte) (interface{}, error)

// Decoder returns the DecodeFunc for event type T.
func Decoder[T DomainEvent]() DecodeFunc {
	return func(codec Codec, data []byte) (interface{}, error) {
		var e T
		if err := codec.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	}
}
