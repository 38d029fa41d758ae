package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

const tracerName = "github.com/StricklySoft/stricklysoft-identity/pkg/lifecycle"

// StateChangeHandler observes state transitions. Handlers run synchronously
// under the runtime's state lock and must not call back into the runtime.
// A panicking handler is recovered and logged.
type StateChangeHandler func(old, new State)

// Info is a point-in-time snapshot of a runtime.
type Info struct {
	Name       string        `json:"name"`
	Version    string        `json:"version"`
	State      State         `json:"state"`
	Components []string      `json:"components"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	Uptime     time.Duration `json:"uptime,omitempty"`
}

// Runtime sequences the service's components. Build one with
// [RuntimeBuilder]. Start and Stop are serialized; every other method is
// safe to call concurrently with them.
type Runtime struct {
	name       string
	version    string
	components []Component
	tracer     trace.Tracer
	logger     *slog.Logger
	handlers   []StateChangeHandler
	now        func() time.Time

	// op serializes Start and Stop.
	op sync.Mutex

	mu        sync.RWMutex
	state     State
	startedAt *time.Time
	// started counts the leading components whose Start hook succeeded.
	started int
}

func (r *Runtime) Name() string    { return r.name }
func (r *Runtime) Version() string { return r.version }

// State returns the current state.
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Info returns a snapshot of the runtime. Uptime is set only while running.
func (r *Runtime) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := Info{
		Name:       r.name,
		Version:    r.version,
		State:      r.state,
		Components: make([]string, len(r.components)),
	}
	for i, c := range r.components {
		info.Components[i] = c.Name
	}
	if r.startedAt != nil && r.state == StateRunning {
		t := *r.startedAt
		info.StartedAt = &t
		info.Uptime = r.now().Sub(t)
	}
	return info
}

// Health returns a [sserr.CodeUnavailable] error unless the runtime is
// running and every component check passes.
func (r *Runtime) Health(ctx context.Context) error {
	if state := r.State(); state != StateRunning {
		return sserr.Newf(sserr.CodeUnavailable, "lifecycle: %s is not running, current state is %q", r.name, state)
	}
	for _, c := range r.components {
		if c.Check == nil {
			continue
		}
		if err := c.Check(ctx); err != nil {
			return sserr.Wrapf(err, sserr.CodeUnavailable, "lifecycle: component %q is unhealthy", c.Name)
		}
	}
	return nil
}

// setState moves to next if the transition is valid and notifies the
// handlers.
func (r *Runtime) setState(next State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.state
	if !ValidTransition(old, next) {
		return sserr.Newf(sserr.CodeConflict, "lifecycle: invalid state transition from %q to %q", old, next)
	}
	r.state = next

	for _, h := range r.handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("lifecycle: state change handler panicked",
						"panic", p,
						"runtime", r.name,
						"old_state", string(old),
						"new_state", string(next),
					)
				}
			}()
			h(old, next)
		}()
	}
	return nil
}

// Start runs every component's start hook in order and then enters
// [StateRunning]. If a hook fails, the components already started are
// stopped in reverse order, the runtime enters [StateFailed], and the hook
// error is returned wrapped with [sserr.CodeInternal].
//
// Start is valid from [StateUnknown], [StateStopped] and [StateFailed];
// other states yield [sserr.CodeConflict]. A context that is already done
// yields [sserr.CodeTimeout].
func (r *Runtime) Start(ctx context.Context) (err error) {
	r.op.Lock()
	defer r.op.Unlock()

	ctx, span := r.tracer.Start(ctx, "lifecycle.Start",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("runtime.name", r.name)),
	)
	defer func() { finishSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return sserr.Wrap(err, sserr.CodeTimeout, "lifecycle: start canceled before execution")
	}
	if err := r.setState(StateStarting); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "lifecycle: starting", "runtime", r.name, "version", r.version)

	for i, c := range r.components {
		if c.Start != nil {
			if err := r.runHook(ctx, "start", c, c.Start); err != nil {
				r.logger.ErrorContext(ctx, "lifecycle: component failed to start",
					"runtime", r.name,
					"component", c.Name,
					"error", err,
				)
				r.rollback(context.WithoutCancel(ctx))
				_ = r.setState(StateFailed)
				return sserr.Wrapf(err, sserr.CodeInternal, "lifecycle: component %q failed to start", c.Name)
			}
		}
		r.mu.Lock()
		r.started = i + 1
		r.mu.Unlock()
	}

	if err := r.setState(StateRunning); err != nil {
		return err
	}
	now := r.now().UTC()
	r.mu.Lock()
	r.startedAt = &now
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "lifecycle: running", "runtime", r.name, "components", len(r.components))
	return nil
}

// Stop runs the stop hooks of started components in reverse order and
// enters [StateStopped]. Every hook runs even if an earlier one fails; the
// failures are joined, the runtime enters [StateFailed], and the result is
// wrapped with [sserr.CodeInternal].
//
// Stopping a runtime that never started or is already stopped or failed
// is a no-op.
func (r *Runtime) Stop(ctx context.Context) (err error) {
	r.op.Lock()
	defer r.op.Unlock()

	ctx, span := r.tracer.Start(ctx, "lifecycle.Stop",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("runtime.name", r.name)),
	)
	defer func() { finishSpan(span, err) }()

	if state := r.State(); state == StateUnknown || state.IsTerminal() {
		return nil
	}
	if err := r.setState(StateStopping); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "lifecycle: stopping", "runtime", r.name)

	if errs := r.rollback(ctx); len(errs) > 0 {
		_ = r.setState(StateFailed)
		return sserr.Wrap(errors.Join(errs...), sserr.CodeInternal, "lifecycle: stop failed")
	}

	if err := r.setState(StateStopped); err != nil {
		return err
	}
	r.mu.Lock()
	r.startedAt = nil
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "lifecycle: stopped", "runtime", r.name)
	return nil
}

// Run starts the runtime, blocks until ctx is done and then stops it with
// a fresh context bounded by shutdownTimeout.
func (r *Runtime) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return r.Stop(stopCtx)
}

// rollback stops the started components in reverse order and returns
// their errors.
func (r *Runtime) rollback(ctx context.Context) []error {
	r.mu.Lock()
	started := r.started
	r.started = 0
	r.mu.Unlock()

	var errs []error
	for i := started - 1; i >= 0; i-- {
		c := r.components[i]
		if c.Stop == nil {
			continue
		}
		if err := r.runHook(ctx, "stop", c, c.Stop); err != nil {
			r.logger.ErrorContext(ctx, "lifecycle: component failed to stop",
				"runtime", r.name,
				"component", c.Name,
				"error", err,
			)
			errs = append(errs, sserr.Wrapf(err, sserr.CodeInternal, "lifecycle: component %q failed to stop", c.Name))
		}
	}
	return errs
}

func (r *Runtime) runHook(ctx context.Context, phase string, c Component, hook Hook) (err error) {
	ctx, span := r.tracer.Start(ctx, "lifecycle."+phase+" "+c.Name,
		trace.WithAttributes(attribute.String("component", c.Name)),
	)
	defer func() { finishSpan(span, err) }()

	start := r.now()
	err = hook(ctx)
	r.logger.DebugContext(ctx, "lifecycle: hook finished",
		"component", c.Name,
		"phase", phase,
		"duration", r.now().Sub(start),
	)
	return err
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
