// Package coordination holds the handlers that react to one family's events
// by dispatching commands against another. Both re-derive what to do from
// current state, so a repeated or reordered trigger is harmless.
package coordination

import (
	"context"
	"time"

	"github.com/clinprecision/clinops-core"
)

// SystemActor is recorded on commands a coordinator issues when the
// triggering event carries no actor.
const SystemActor = "system"

// Option configures a coordinator.
type Option func(*options)

type options struct {
	logger  clinops.Logger
	waiter  HeadWaiter
	timeout time.Duration
}

// HeadWaiter blocks until a projection has applied every committed event.
type HeadWaiter interface {
	WaitForHead(ctx context.Context, name string) error
}

// WithLogger sets the logger.
func WithLogger(l clinops.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCatchUp makes a coordinator wait for the projections it reads before
// reading them. timeout bounds each wait; zero means the caller's context.
func WithCatchUp(w HeadWaiter, timeout time.Duration) Option {
	return func(o *options) {
		o.waiter = w
		o.timeout = timeout
	}
}

func (o options) catchUp(ctx context.Context, names ...string) error {
	if o.waiter == nil {
		return nil
	}
	for _, name := range names {
		wctx, cancel := ctx, context.CancelFunc(func() {})
		if o.timeout > 0 {
			wctx, cancel = context.WithTimeout(ctx, o.timeout)
		}
		err := o.waiter.WaitForHead(wctx, name)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func newOptions(opts []Option) options {
	o := options{logger: clinops.NopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// causedBy builds the envelope of a command issued in reaction to ev.
func causedBy(ev clinops.Event) clinops.CommandBase {
	actor := ev.ActorID()
	if actor == "" {
		actor = SystemActor
	}
	return clinops.By(actor).
		WithCorrelationID(ev.Metadata.CorrelationID).
		WithCausationID(ev.ID)
}
