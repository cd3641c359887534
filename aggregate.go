package clinops

// Aggregate is an event-sourced consistency boundary. Its state is the left
// fold of its events; it is never stored directly.
type Aggregate interface {
	AggregateID() string

	// AggregateType returns the family name, which is also the stream family.
	AggregateType() string

	// Version is the sequence number of the last applied event.
	Version() int64

	// ApplyEvent folds one event into state. It must be deterministic and free
	// of I/O, and must accept every event shape the family ever emitted.
	ApplyEvent(event interface{}) error

	UncommittedEvents() []interface{}
	ClearUncommittedEvents()
}

// VersionSetter lets the store restore the version after load and save.
type VersionSetter interface {
	SetVersion(v int64)
}

// AggregateBase implements the bookkeeping half of Aggregate. Embed it and
// implement ApplyEvent.
type AggregateBase struct {
	id                string
	aggregateType     string
	version           int64
	uncommittedEvents []interface{}
}

// NewAggregateBase creates a base for the given id and family.
func NewAggregateBase(id, aggregateType string) AggregateBase {
	return AggregateBase{id: id, aggregateType: aggregateType}
}

func (a *AggregateBase) AggregateID() string { return a.id }

// SetID sets the aggregate ID. Constructor events call it while replaying.
func (a *AggregateBase) SetID(id string) { a.id = id }

func (a *AggregateBase) AggregateType() string { return a.aggregateType }

func (a *AggregateBase) Version() int64 { return a.version }

func (a *AggregateBase) SetVersion(v int64) { a.version = v }

// IncrementVersion advances the version by one applied event.
func (a *AggregateBase) IncrementVersion() { a.version++ }

func (a *AggregateBase) UncommittedEvents() []interface{} { return a.uncommittedEvents }

func (a *AggregateBase) ClearUncommittedEvents() { a.uncommittedEvents = nil }

// Record queues a newly decided event for persistence. The aggregate must also
// apply it to its own state.
func (a *AggregateBase) Record(event interface{}) {
	a.uncommittedEvents = append(a.uncommittedEvents, event)
}

// HasUncommittedEvents reports whether any decided events await persistence.
func (a *AggregateBase) HasUncommittedEvents() bool {
	return len(a.uncommittedEvents) > 0
}

// IsNew reports whether the aggregate has no history and nothing pending.
func (a *AggregateBase) IsNew() bool {
	return a.version == 0 && len(a.uncommittedEvents) == 0
}

// StreamID returns the aggregate's stream.
func (a *AggregateBase) StreamID() StreamID {
	return NewStreamID(a.aggregateType, a.id)
}

// AggregateFactory creates an empty aggregate for id, ready for replay.
type AggregateFactory func(id string) Aggregate

// Replay folds events into agg in order. It performs no I/O.
func Replay(agg Aggregate, events []interface{}) error {
	for _, e := range events {
		if err := agg.ApplyEvent(e); err != nil {
			return err
		}
	}
	if setter, ok := agg.(VersionSetter); ok {
		setter.SetVersion(int64(len(events)))
	}
	return nil
}
