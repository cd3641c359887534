// Package protobuf provides a Protocol Buffers payload codec for the event
// log.
//
// Values implementing proto.Message are written with proto.Marshal. Plain Go
// event structs are carried as a google.protobuf.Value built from their JSON
// form, so any consumer with the well-known types can read the log without
// the Go definitions, and the generic map decoding used by upcasters works as
// it does for JSON.
//
//	reg := clinops.NewRegistry(clinops.WithCodec(protobuf.NewCodec()))
//
// Numbers inside plain structs travel as doubles. Integers above 2^53 lose
// precision; none of the clinical payloads carry such values.
package protobuf

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/clinprecision/clinops-core"
)

var (
	// ErrNilValue indicates an attempt to encode nil.
	ErrNilValue = errors.New("clinops/protobuf: cannot encode nil")

	// ErrEmptyData indicates an attempt to decode empty data.
	ErrEmptyData = errors.New("clinops/protobuf: cannot decode empty data")
)

// SerializationError details a codec failure.
type SerializationError struct {
	// GoType is the Go type being encoded or decoded into.
	GoType string

	// Operation is "marshal" or "unmarshal".
	Operation string

	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("clinops/protobuf: failed to %s %s: %v", e.Operation, e.GoType, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// Codec is a clinops.Codec writing protobuf.
type Codec struct {
	marshal proto.MarshalOptions
}

var _ clinops.Codec = (*Codec)(nil)

// NewCodec creates a protobuf codec. Output is deterministic, so equal
// payloads produce equal bytes.
func NewCodec() *Codec {
	return &Codec{marshal: proto.MarshalOptions{Deterministic: true}}
}

// Name implements clinops.Codec.
func (c *Codec) Name() string { return "protobuf" }

// Marshal implements clinops.Codec.
func (c *Codec) Marshal(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, ErrNilValue
	}
	if msg, ok := v.(proto.Message); ok {
		data, err := c.marshal.Marshal(msg)
		if err != nil {
			return nil, &SerializationError{GoType: fmt.Sprintf("%T", v), Operation: "marshal", Err: err}
		}
		return data, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &SerializationError{GoType: fmt.Sprintf("%T", v), Operation: "marshal", Err: err}
	}
	value := &structpb.Value{}
	if err := protojson.Unmarshal(raw, value); err != nil {
		return nil, &SerializationError{GoType: fmt.Sprintf("%T", v), Operation: "marshal", Err: err}
	}
	data, err := c.marshal.Marshal(value)
	if err != nil {
		return nil, &SerializationError{GoType: fmt.Sprintf("%T", v), Operation: "marshal", Err: err}
	}
	return data, nil
}

// Unmarshal implements clinops.Codec.
func (c *Codec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return ErrEmptyData
	}
	if msg, ok := v.(proto.Message); ok {
		if err := proto.Unmarshal(data, msg); err != nil {
			return &SerializationError{GoType: fmt.Sprintf("%T", v), Operation: "unmarshal", Err: err}
		}
		return nil
	}

	value := &structpb.Value{}
	if err := proto.Unmarshal(data, value); err != nil {
		return &SerializationError{GoType: fmt.Sprintf("%T", v), Operation: "unmarshal", Err: err}
	}
	raw, err := protojson.Marshal(value)
	if err != nil {
		return &SerializationError{GoType: fmt.Sprintf("%T", v), Operation: "unmarshal", Err: err}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &SerializationError{GoType: fmt.Sprintf("%T", v), Operation: "unmarshal", Err: err}
	}
	return nil
}

// Transform encodes the integration envelope of event with the protobuf
// codec. It plugs into clinops.OutboxRoute.Transform for consumers that read
// google.protobuf.Value payloads.
func Transform(event clinops.Event) ([]byte, error) {
	return NewCodec().Marshal(clinops.NewIntegrationEvent(event))
}
