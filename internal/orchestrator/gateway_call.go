package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mpataki/testorch/internal/gateway"
	"github.com/mpataki/testorch/internal/models"
)

// invoke runs one gateway call bounded by timeout. The call runs in its own
// goroutine so an agent that ignores cancellation cannot hold the engine:
// if ctx is cancelled first, invoke returns ctx.Err() and the late result
// is dropped. An expired per-call deadline becomes a timeout class error,
// including time spent waiting on the gateway throttle.
func invoke[T any](ctx context.Context, o *Orchestrator, name string, timeout time.Duration, fn func(context.Context) (*T, error)) (*T, error) {
	ctx, span := o.tracer.Start(ctx, "gateway."+name, trace.WithAttributes(attribute.String("gateway", name)))
	defer span.End()

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	started := time.Now()
	if o.limiter != nil {
		if err := o.limiter.Wait(callCtx); err != nil {
			if ctx.Err() != nil {
				o.metrics.RecordGateway(name, "cancelled", time.Since(started))
				span.SetStatus(codes.Error, "cancelled")
				return nil, ctx.Err()
			}
			// rate.Limiter refuses up front when the wait would outlast the deadline.
			gerr := &gateway.Error{Class: gateway.ClassTimeout, Detail: fmt.Sprintf("%s throttled past its %s deadline: %v", name, timeout, err)}
			o.metrics.RecordGateway(name, string(gerr.Class), time.Since(started))
			span.RecordError(gerr)
			span.SetStatus(codes.Error, string(gerr.Class))
			return nil, gerr
		}
	}

	type result struct {
		v   *T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{v, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}
	elapsed := time.Since(started)

	if ctx.Err() != nil {
		o.metrics.RecordGateway(name, "cancelled", elapsed)
		span.SetStatus(codes.Error, "cancelled")
		return nil, ctx.Err()
	}
	if res.err != nil {
		gerr := gateway.Classify(res.err)
		if errors.Is(res.err, context.DeadlineExceeded) {
			gerr = &gateway.Error{Class: gateway.ClassTimeout, Detail: fmt.Sprintf("%s did not answer within %s", name, timeout)}
		}
		o.metrics.RecordGateway(name, string(gerr.Class), elapsed)
		span.RecordError(gerr)
		span.SetStatus(codes.Error, string(gerr.Class))
		return nil, gerr
	}
	o.metrics.RecordGateway(name, "ok", elapsed)
	return res.v, nil
}

// stepFailure describes how a failed gateway step settles the project.
type stepFailure struct {
	// state is the terminal state for non-quota failures.
	state models.LifecycleState
	// kind is the error kind for permanent and transient failures.
	kind Kind
	what string
}

var (
	generateFailure = stepFailure{state: models.StateFailed, kind: KindGenerationFailed, what: "generation"}
	runFailure      = stepFailure{state: models.StateFailed, kind: KindExecutionInfrastructure, what: "execution"}
	rerunFailure    = stepFailure{state: models.StateExhausted, kind: KindExecutionInfrastructure, what: "re-run"}
	healFailure     = stepFailure{state: models.StateExhausted, kind: KindHealingFailed, what: "healing"}
)

// fail converts a gateway error or cancellation into a terminal state and
// the matching engine error. It never returns nil.
func (c *cycle) fail(ctx context.Context, f stepFailure, err error) error {
	p := c.project
	var change models.StateChange
	var out *Error

	gerr := gateway.Classify(err)
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		reason := fmt.Sprintf("%s cancelled", f.what)
		change = models.StateChange{State: f.state, Reason: reason, Class: string(KindCancelled)}
		out = newError(KindCancelled, c.op, p.ID, reason, err)
	case gerr.Class == gateway.ClassRateLimited:
		reason := fmt.Sprintf("%s rate limited: %s", f.what, gerr.Detail)
		change = models.StateChange{State: models.StateBlocked, Reason: reason, Class: string(KindQuotaExceeded)}
		if gerr.RetryAfter > 0 {
			until := c.o.now().Add(gerr.RetryAfter).UTC()
			change.BlockedUntil = &until
		}
		out = newError(KindQuotaExceeded, c.op, p.ID, reason, err)
		out.RetryAfter = gerr.RetryAfter
	case gerr.Class == gateway.ClassTimeout:
		reason := fmt.Sprintf("%s timed out: %s", f.what, gerr.Detail)
		change = models.StateChange{State: f.state, Reason: reason, Class: string(KindTimeout)}
		out = newError(KindTimeout, c.op, p.ID, reason, err)
	default:
		reason := fmt.Sprintf("%s failed (%s): %s", f.what, gerr.Class, gerr.Detail)
		change = models.StateChange{State: f.state, Reason: reason, Class: string(f.kind)}
		out = newError(f.kind, c.op, p.ID, reason, err)
	}

	if terr := c.transition(ctx, change); terr != nil {
		return errors.Join(out, terr)
	}
	return out
}
