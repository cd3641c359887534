// Package clinops is the event-sourced write model and projection pipeline
// behind clinical-trial operations: patients, study designs, documents,
// protocol versions, database builds, visits and form data.
//
// Every change is a command dispatched through a CommandBus. The bus
// serializes commands per aggregate, replays the aggregate's event stream,
// lets the aggregate decide and appends the resulting events with an
// expected version. Projections fold committed events into read models and
// an append-only audit trail; coordinators react to events of one family by
// dispatching commands against another.
//
// # Wiring
//
//	reg := clinops.NewRegistry()
//	patient.RegisterEvents(reg)
//
//	store := clinops.New(memory.NewAdapter(), reg)
//	bus := clinops.NewCommandBus()
//	bus.Use(
//	    clinops.RecoveryMiddleware(),
//	    clinops.CorrelationMiddleware(),
//	    clinops.ValidationMiddleware(clinops.NewStructValidator()),
//	    clinops.ActorMiddleware(),
//	    clinops.LockMiddleware(clinops.NewStripedLocker(256)),
//	    clinops.RetryMiddleware(clinops.DefaultRetryConfig()),
//	)
//	patient.RegisterHandlers(bus, store, clock)
//
// # Read-after-write
//
// Projections are eventually consistent. A caller that needs its own write
// reflected in a read model uses DispatchAndWait; on expiry the result comes
// back together with a *ProjectionTimeoutError because the write itself
// succeeded:
//
//	res, err := bus.DispatchAndWait(ctx, cmd, 2*time.Second, "patients")
//	if errors.Is(err, clinops.ErrProjectionTimeout) {
//	    // committed at res.Version, read model still behind
//	}
package clinops

// Version returns the module version.
func Version() string {
	return "1.0.0"
}

// BuildStreamID returns the stream key "Family-ID".
func BuildStreamID(family, id string) string {
	return NewStreamID(family, id).String()
}
