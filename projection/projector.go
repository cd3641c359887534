// Package projection keeps the read models and the audit trail in step with
// the event log. Each projector owns one family (or one sub-entity table of a
// family), applies every event inside a single unit of work together with its
// audit record and processed-event mark, and is safe to redeliver to.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/adapters"
	"github.com/clinprecision/clinops-core/adapters/memory"
)

// Audit actions.
const (
	ActionCreated       = "CREATED"
	ActionUpdated       = "UPDATED"
	ActionStatusChanged = "STATUS_CHANGED"
	ActionEnrolled      = "ENROLLED"
	ActionApproved      = "APPROVED"
	ActionActivated     = "ACTIVATED"
	ActionSuperseded    = "SUPERSEDED"
	ActionArchived      = "ARCHIVED"
	ActionDeleted       = "DELETED"
	ActionDownloaded    = "DOWNLOADED"
	ActionWithdrawn     = "WITHDRAWN"
	ActionValidated     = "VALIDATED"
	ActionCompleted     = "COMPLETED"
	ActionFailed        = "FAILED"
	ActionCancelled     = "CANCELLED"
	ActionSubmitted     = "SUBMITTED"
	ActionLocked        = "LOCKED"
	ActionArmAdded      = "ARM_ADDED"
	ActionArmUpdated    = "ARM_UPDATED"
	ActionArmRemoved    = "ARM_REMOVED"
	ActionVisitDefined  = "VISIT_DEFINED"
	ActionVisitUpdated  = "VISIT_UPDATED"
	ActionVisitRemoved  = "VISIT_REMOVED"
	ActionFormAssigned  = "FORM_ASSIGNED"
	ActionFormUpdated   = "FORM_ASSIGNMENT_UPDATED"
	ActionFormRemoved   = "FORM_ASSIGNMENT_REMOVED"
	ActionUserAssigned  = "USER_ASSIGNED"
)

// Deps are the stores every projector writes through. Rows, audit records and
// processed marks of one event commit or roll back together, so all three
// must participate in the transactions of Tx.
type Deps struct {
	Tx        adapters.Transactor
	Audit     adapters.AuditStore
	Processed adapters.ProcessedEventStore
	Logger    clinops.Logger
}

// MemoryDeps returns Deps backed by fresh in-memory stores.
func MemoryDeps() Deps {
	return Deps{
		Tx:        memory.NewTransactor(),
		Audit:     memory.NewAuditStore(),
		Processed: memory.NewProcessedEvents(),
	}
}

func (d Deps) withDefaults() Deps {
	m := MemoryDeps()
	if d.Tx == nil {
		d.Tx = m.Tx
	}
	if d.Audit == nil {
		d.Audit = m.Audit
	}
	if d.Processed == nil {
		d.Processed = m.Processed
	}
	if d.Logger == nil {
		d.Logger = clinops.NopLogger()
	}
	return d
}

type kind int

const (
	mutates kind = iota
	creates
	deletes
)

// rule is how one event type changes one row.
type rule[T any] struct {
	action string
	kind   kind
	key    func(clinops.Event) (string, error)
	apply  func(ctx context.Context, row *T, ev clinops.Event) error
}

// creating marks r as the event that brings its row into existence. The
// audit record then carries the new values only.
func (r rule[T]) creating() rule[T] {
	r.kind = creates
	return r
}

// deleting marks r as a logical deletion. The audit record then carries the
// old values only.
func (r rule[T]) deleting() rule[T] {
	r.kind = deletes
	return r
}

// on builds a rule for the rows keyed by the event's aggregate ID.
func on[E any, T any](action string, fn func(ctx context.Context, row *T, e E, ev clinops.Event) error) rule[T] {
	return onKeyed(action, func(ev clinops.Event, _ E) string { return ev.AggregateID }, fn)
}

// onKeyed builds a rule for rows keyed by something the payload names, like
// an arm inside a study design.
func onKeyed[E any, T any](action string, key func(ev clinops.Event, e E) string, fn func(ctx context.Context, row *T, e E, ev clinops.Event) error) rule[T] {
	return rule[T]{
		action: action,
		key: func(ev clinops.Event) (string, error) {
			e, err := payload[E](ev)
			if err != nil {
				return "", err
			}
			return key(ev, e), nil
		},
		apply: func(ctx context.Context, row *T, ev clinops.Event) error {
			e, err := payload[E](ev)
			if err != nil {
				return err
			}
			return fn(ctx, row, e, ev)
		},
	}
}

func payload[E any](ev clinops.Event) (E, error) {
	switch d := ev.Data.(type) {
	case E:
		return d, nil
	case *E:
		if d != nil {
			return *d, nil
		}
	}
	var zero E
	return zero, fmt.Errorf("%s event %s carries %T, want %T", ev.Type, ev.ID, ev.Data, zero)
}

// Projector maintains one read-model table from the events of a family.
type Projector[T any] struct {
	clinops.ProjectionBase

	entity string
	rows   clinops.ReadModelRepository[T]
	newRow func(id string) *T
	rules  map[string]rule[T]
	deps   Deps

	// strict turns a missing row on a non-creating event into an invariant
	// violation instead of a logged skip.
	strict bool
	// after runs once the unit of work committed, including for redelivered
	// events. Its failure is logged and dropped.
	after  func(ctx context.Context, ev clinops.Event, row *T) error
	resets []func(ctx context.Context) error
}

func newProjector[T any](name, family, entity string, rows clinops.ReadModelRepository[T], newRow func(id string) *T, deps Deps) *Projector[T] {
	return &Projector[T]{
		ProjectionBase: clinops.NewProjectionBase(name, family),
		entity:         entity,
		rows:           rows,
		newRow:         newRow,
		rules:          make(map[string]rule[T]),
		deps:           deps.withDefaults(),
	}
}

func (p *Projector[T]) handle(eventType string, r rule[T]) {
	p.rules[eventType] = r
}

// EventTypes lists the event types the projector reacts to.
func (p *Projector[T]) EventTypes() []string {
	types := make([]string, 0, len(p.rules))
	for t := range p.rules {
		types = append(types, t)
	}
	return types
}

// Apply implements clinops.Projection.
func (p *Projector[T]) Apply(ctx context.Context, ev clinops.Event) error {
	r, ok := p.rules[ev.Type]
	if !ok {
		return nil
	}
	key, err := r.key(ev)
	if err != nil {
		return err
	}

	var current *T
	err = p.deps.Tx.WithinTx(ctx, func(ctx context.Context) error {
		done, err := p.deps.Processed.IsProcessed(ctx, p.Name(), ev.ID)
		if err != nil {
			return err
		}
		row, err := p.find(ctx, key)
		if err != nil {
			return err
		}
		if done {
			p.deps.Logger.Debug("event already projected", "projection", p.Name(), "eventId", ev.ID, "eventType", ev.Type)
			current = row
			return nil
		}

		switch {
		case row != nil && r.kind == creates:
			p.deps.Logger.Debug("row already exists", "projection", p.Name(), "eventId", ev.ID, "id", key)
			current = row
			return p.mark(ctx, ev)
		case row == nil && r.kind != creates:
			if p.strict {
				return clinops.NewInvariantViolation(p.Name()+"-row-exists",
					fmt.Sprintf("%s event %s targets %s %s which has no row", ev.Type, ev.ID, p.entity, key))
			}
			p.deps.Logger.Error("no row for event, recording payload only",
				"projection", p.Name(), "eventId", ev.ID, "eventType", ev.Type, "id", key)
			if err := p.auditOrphan(ctx, r, key, ev); err != nil {
				return err
			}
			return p.mark(ctx, ev)
		}

		var before []byte
		if row == nil {
			row = p.newRow(key)
		} else if before, err = json.Marshal(row); err != nil {
			return err
		}
		if err := r.apply(ctx, row, ev); err != nil {
			return err
		}
		if err := p.rows.Upsert(ctx, row); err != nil {
			return err
		}
		if err := p.audit(ctx, r, key, ev, before, row); err != nil {
			return err
		}
		current = row
		return p.mark(ctx, ev)
	})
	if err != nil {
		return err
	}

	if p.after != nil && current != nil {
		if err := p.after(ctx, ev, current); err != nil {
			p.deps.Logger.Warn("follow-up step failed",
				"projection", p.Name(), "eventId", ev.ID, "error", clinops.NewCoordinatorError(p.Name(), ev.ID, err))
		}
	}
	return nil
}

func (p *Projector[T]) find(ctx context.Context, id string) (*T, error) {
	row, err := p.rows.Get(ctx, id)
	if errors.Is(err, clinops.ErrNotFound) {
		return nil, nil
	}
	return row, err
}

func (p *Projector[T]) audit(ctx context.Context, r rule[T], key string, ev clinops.Event, before []byte, row *T) error {
	after, err := json.Marshal(row)
	if err != nil {
		return err
	}
	rec := adapters.AuditRecord{
		ID:            uuid.NewString(),
		EntityType:    p.entity,
		EntityID:      key,
		Action:        r.action,
		ActorID:       ev.ActorID(),
		OccurredAt:    ev.Timestamp,
		SourceEventID: ev.ID,
	}
	switch r.kind {
	case creates:
		rec.NewData = after
	case deletes:
		rec.OldData = before
	default:
		rec.OldData, rec.NewData = before, after
	}
	_, err = p.deps.Audit.Append(ctx, rec)
	return err
}

// auditOrphan records an event whose row does not exist. NewData holds the
// event payload instead of a row.
func (p *Projector[T]) auditOrphan(ctx context.Context, r rule[T], key string, ev clinops.Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = p.deps.Audit.Append(ctx, adapters.AuditRecord{
		ID:            uuid.NewString(),
		EntityType:    p.entity,
		EntityID:      key,
		Action:        r.action,
		NewData:       payload,
		ActorID:       ev.ActorID(),
		OccurredAt:    ev.Timestamp,
		SourceEventID: ev.ID,
	})
	return err
}

func (p *Projector[T]) mark(ctx context.Context, ev clinops.Event) error {
	return p.deps.Processed.MarkProcessed(ctx, p.Name(), ev.ID, ev.GlobalPosition)
}

// Reset implements clinops.Resetter. Audit records survive a reset; a
// rebuild appends nothing new because the trail is keyed by source event.
func (p *Projector[T]) Reset(ctx context.Context) error {
	if err := p.rows.Clear(ctx); err != nil {
		return err
	}
	for _, reset := range p.resets {
		if err := reset(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Rows returns the read model the projector maintains.
func (p *Projector[T]) Rows() clinops.Reader[T] {
	return p.rows
}

var (
	_ clinops.Projection = (*Projector[StudyRow])(nil)
	_ clinops.Resetter   = (*Projector[StudyRow])(nil)
)
