package clinops

import (
	"context"
)

// Command is an intent to change one aggregate. It is never persisted; only
// the events it produces are.
type Command interface {
	CommandType() string

	// Validate checks the command's own fields. It must not perform I/O.
	Validate() error
}

// AggregateCommand targets a specific aggregate instance. Constructor commands
// may return an empty ID to have one assigned.
type AggregateCommand interface {
	Command
	AggregateID() string
}

// ActorCommand exposes the opaque actor identity carried by the command.
type ActorCommand interface {
	Command
	ActorID() string
}

// ScopedCommand declares extra serialization scopes beyond its own aggregate,
// for invariants spanning several aggregates (for example "study:<id>").
type ScopedCommand interface {
	Command
	LockScopes() []string
}

// IdempotentCommand carries a client-chosen key; a repeated key returns the
// first outcome instead of executing again.
type IdempotentCommand interface {
	Command
	IdempotencyKey() string
}

// CommandBase holds the envelope fields shared by all commands. Embed it.
type CommandBase struct {
	Actor         string            `json:"actorId" validate:"required"`
	CommandID     string            `json:"commandId,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	CausationID   string            `json:"causationId,omitempty"`
	Key           string            `json:"idempotencyKey,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ActorID returns the issuing actor.
func (c CommandBase) ActorID() string { return c.Actor }

// IdempotencyKey returns the client-supplied key, if any.
func (c CommandBase) IdempotencyKey() string { return c.Key }

func (c CommandBase) GetCommandID() string     { return c.CommandID }
func (c CommandBase) GetCorrelationID() string { return c.CorrelationID }
func (c CommandBase) GetCausationID() string   { return c.CausationID }

// By returns a CommandBase for actor.
func By(actor string) CommandBase {
	return CommandBase{Actor: actor}
}

// WithCorrelationID returns a copy with the correlation ID set.
func (c CommandBase) WithCorrelationID(id string) CommandBase {
	c.CorrelationID = id
	return c
}

// WithCausationID returns a copy with the causation ID set.
func (c CommandBase) WithCausationID(id string) CommandBase {
	c.CausationID = id
	return c
}

// WithIdempotencyKey returns a copy with the idempotency key set.
func (c CommandBase) WithIdempotencyKey(key string) CommandBase {
	c.Key = key
	return c
}

// CommandResult is the outcome of a successful dispatch.
type CommandResult struct {
	Success     bool
	AggregateID string

	// Version is the aggregate version after the command.
	Version int64

	// Position is the global position of the last event written, 0 when the
	// command was an accepted no-op.
	Position uint64

	Data interface{}
}

// NewSuccessResult creates a successful result.
func NewSuccessResult(aggregateID string, version int64, position uint64) CommandResult {
	return CommandResult{Success: true, AggregateID: aggregateID, Version: version, Position: position}
}

type commandMetadataCarrier interface {
	GetCommandID() string
	GetCorrelationID() string
	GetCausationID() string
}

// EventMetadata derives the metadata stamped on events produced by cmd.
// Correlation set by middleware on ctx wins over an empty command field.
func EventMetadata(ctx context.Context, cmd Command) Metadata {
	var md Metadata
	if ac, ok := cmd.(ActorCommand); ok {
		md.ActorID = ac.ActorID()
	}
	if mc, ok := cmd.(commandMetadataCarrier); ok {
		md.CorrelationID = mc.GetCorrelationID()
		md.CausationID = mc.GetCausationID()
		if md.CausationID == "" {
			md.CausationID = mc.GetCommandID()
		}
	}
	if md.CorrelationID == "" {
		md.CorrelationID = CorrelationIDFromContext(ctx)
	}
	if md.CausationID == "" {
		md.CausationID = CausationIDFromContext(ctx)
	}
	return md
}
