// Package validation enforces the rules that span aggregates: at most one
// ACTIVE protocol version per study, one build in progress per study, and
// visits only against a completed database build.
//
// The checks read projected tables, which lag the event log. Commands that
// can break a rule declare the study's lock scope, so while a check runs no
// other command of the same study can commit. With a CatchUp configured the
// check first waits for the relevant projection to reach the log head, which
// closes the remaining window. Without it the check is a best-effort
// pre-check only, and the projectors' invariant checks are the backstop.
package validation

import (
	"context"
	"time"

	"github.com/clinprecision/clinops-core"
)

// DefaultCatchUpTimeout bounds the wait for a projection to reach the head.
const DefaultCatchUpTimeout = 5 * time.Second

// HeadWaiter is satisfied by *clinops.ProjectionEngine.
type HeadWaiter interface {
	WaitForHead(ctx context.Context, name string) error
}

// CatchUp makes a validator wait for a projection before reading it.
type CatchUp struct {
	Waiter  HeadWaiter
	Timeout time.Duration
}

// wait returns a *clinops.ProjectionTimeoutError when the projection does not
// catch up in time.
func (c *CatchUp) wait(ctx context.Context, projection string) error {
	if c == nil || c.Waiter == nil {
		return nil
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCatchUpTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Waiter.WaitForHead(ctx, projection)
}

// Option configures a validator.
type Option func(*options)

type options struct {
	catchUp *CatchUp
	logger  clinops.Logger
}

// WithCatchUp waits for the projection to reach the log head before every
// check.
func WithCatchUp(w HeadWaiter, timeout time.Duration) Option {
	return func(o *options) { o.catchUp = &CatchUp{Waiter: w, Timeout: timeout} }
}

// WithLogger sets the logger rejections are reported to.
func WithLogger(l clinops.Logger) Option {
	return func(o *options) { o.logger = l }
}

func newOptions(opts []Option) options {
	o := options{logger: clinops.NopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
