// Package msgpack provides a MessagePack payload codec for the event log.
//
// MessagePack produces smaller payloads than JSON while decoding into the same
// generic map shape, so upcasters keep working unchanged. Struct fields are
// keyed by their json tags, which keeps a payload written by one codec
// readable as the same field set by the other.
//
//	reg := clinops.NewRegistry(clinops.WithCodec(msgpack.NewCodec()))
//	study.RegisterEvents(reg)
package msgpack

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/clinprecision/clinops-core"
)

var (
	// ErrNilValue indicates an attempt to encode nil.
	ErrNilValue = errors.New("clinops/msgpack: cannot encode nil")

	// ErrEmptyData indicates an attempt to decode empty data.
	ErrEmptyData = errors.New("clinops/msgpack: cannot decode empty data")
)

// Codec is a clinops.Codec writing MessagePack.
type Codec struct {
	structTag   string
	compactInts bool
	bufs        sync.Pool
}

var _ clinops.Codec = (*Codec)(nil)

// Option configures a Codec.
type Option func(*Codec)

// WithStructTag sets the struct tag used for field names. Defaults to "json".
func WithStructTag(tag string) Option {
	return func(c *Codec) {
		c.structTag = tag
	}
}

// WithCompactInts encodes integers in the smallest representation.
func WithCompactInts(on bool) Option {
	return func(c *Codec) {
		c.compactInts = on
	}
}

// NewCodec creates a MessagePack codec.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{structTag: "json", compactInts: true}
	c.bufs.New = func() interface{} { return new(bytes.Buffer) }
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements clinops.Codec.
func (c *Codec) Name() string { return "msgpack" }

// Marshal implements clinops.Codec.
func (c *Codec) Marshal(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, ErrNilValue
	}
	buf := c.bufs.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufs.Put(buf)

	enc := msgpack.NewEncoder(buf)
	enc.SetCustomStructTag(c.structTag)
	enc.UseCompactInts(c.compactInts)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("clinops/msgpack: encode %T: %w", v, err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Unmarshal implements clinops.Codec.
func (c *Codec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return ErrEmptyData
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag(c.structTag)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("clinops/msgpack: decode %T: %w", v, err)
	}
	return nil
}
