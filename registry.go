package clinops

import (
	"fmt"
	"sort"
	"sync"

	"github.com/clinprecision/clinops-core/adapters"
)

// Upcaster rewrites a payload from schema version n to n+1. It works on the
// generic decoded form so it never depends on the current Go type.
type Upcaster func(payload map[string]interface{}) (map[string]interface{}, error)

// EventDefinition is one registered (family, type) pair.
type EventDefinition struct {
	Family    string
	Type      string
	Version   int
	Decode    DecodeFunc
	upcasters map[int]Upcaster
}

// EventOption configures a registration.
type EventOption func(*EventDefinition)

// WithSchemaVersion sets the current payload version (default 1).
func WithSchemaVersion(v int) EventOption {
	return func(d *EventDefinition) {
		d.Version = v
	}
}

// WithUpcaster registers fn to lift payloads written at version from to from+1.
func WithUpcaster(from int, fn Upcaster) EventOption {
	return func(d *EventDefinition) {
		d.upcasters[from] = fn
	}
}

type eventKey struct {
	family    string
	eventType string
}

// Registry is the explicit map from (family, event type) to decoder and
// upcaster chain, built once at startup by each domain package.
type Registry struct {
	mu    sync.RWMutex
	codec Codec
	defs  map[eventKey]*EventDefinition
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCodec replaces the default JSON codec.
func WithCodec(c Codec) RegistryOption {
	return func(r *Registry) {
		r.codec = c
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		codec: NewJSONCodec(),
		defs:  make(map[eventKey]*EventDefinition),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds event type T to family. The type name comes from T's
// EventType method on its zero value.
func Register[T DomainEvent](r *Registry, family string, opts ...EventOption) {
	var zero T
	def := &EventDefinition{
		Family:    family,
		Type:      zero.EventType(),
		Version:   1,
		Decode:    Decoder[T](),
		upcasters: make(map[int]Upcaster),
	}
	for _, opt := range opts {
		opt(def)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[eventKey{family, def.Type}] = def
}

// Codec returns the payload codec.
func (r *Registry) Codec() Codec {
	return r.codec
}

// Lookup returns the definition for (family, eventType).
func (r *Registry) Lookup(family, eventType string) (*EventDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[eventKey{family, eventType}]
	return def, ok
}

// Types lists the registered event types of family, sorted.
func (r *Registry) Types(family string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for k := range r.defs {
		if k.family == family {
			out = append(out, k.eventType)
		}
	}
	sort.Strings(out)
	return out
}

// Families lists every family with at least one registered event, sorted.
func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for k := range r.defs {
		seen[k.family] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Encode serializes event for family and reports its current schema version.
func (r *Registry) Encode(family string, event DomainEvent) (string, int, []byte, error) {
	eventType := event.EventType()
	def, ok := r.Lookup(family, eventType)
	if !ok {
		return "", 0, nil, &UnknownEventTypeError{Family: family, EventType: eventType}
	}
	data, err := r.codec.Marshal(event)
	if err != nil {
		return "", 0, nil, NewSerializationError(eventType, "encode", err)
	}
	return eventType, def.Version, data, nil
}

// Decode upcasts a stored payload to the current schema version and decodes
// it into its typed event.
func (r *Registry) Decode(stored StoredEvent) (interface{}, error) {
	family := stored.Family
	if family == "" {
		family = adapters.ExtractFamily(stored.StreamID)
	}
	def, ok := r.Lookup(family, stored.Type)
	if !ok {
		return nil, &UnknownEventTypeError{Family: family, EventType: stored.Type}
	}

	data := stored.Data
	from := stored.SchemaVersion
	if from == 0 {
		from = 1
	}
	if from < def.Version {
		upcast, err := r.upcast(def, data, from)
		if err != nil {
			return nil, err
		}
		data = upcast
	}

	event, err := def.Decode(r.codec, data)
	if err != nil {
		return nil, NewSerializationError(stored.Type, "decode", err)
	}
	return event, nil
}

func (r *Registry) upcast(def *EventDefinition, data []byte, from int) ([]byte, error) {
	var payload map[string]interface{}
	if err := r.codec.Unmarshal(data, &payload); err != nil {
		return nil, NewSerializationError(def.Type, "upcast", err)
	}
	for v := from; v < def.Version; v++ {
		fn, ok := def.upcasters[v]
		if !ok {
			return nil, NewSerializationError(def.Type, "upcast",
				fmt.Errorf("no upcaster from version %d", v))
		}
		next, err := fn(payload)
		if err != nil {
			return nil, NewSerializationError(def.Type, "upcast", err)
		}
		payload = next
	}
	out, err := r.codec.Marshal(payload)
	if err != nil {
		return nil, NewSerializationError(def.Type, "upcast", err)
	}
	return out, nil
}

// DecodeEvent decodes stored into an Event.
func (r *Registry) DecodeEvent(stored StoredEvent) (Event, error) {
	data, err := r.Decode(stored)
	if err != nil {
		return Event{}, err
	}
	return EventFromStored(stored, data), nil
}
