package observability

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelid/kestrel/internal/domain"
	"github.com/kestrelid/kestrel/internal/identity"
	"github.com/kestrelid/kestrel/internal/security"
)

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a trigger runner with tracing.
// Per-invocation metrics are recorded inside the engine itself.
type InstrumentedRunner struct {
	inner  identity.Runner
	tracer trace.Tracer
}

// NewInstrumentedRunner wraps a trigger runner with observability.
func NewInstrumentedRunner(inner identity.Runner, ts *TracerSetup) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{inner: inner, tracer: tracer}
}

func (r *InstrumentedRunner) ExecuteTrigger(ctx context.Context, serviceID uuid.UUID, trigger domain.ActionTrigger, actx *domain.ActionContext) (*domain.ActionContext, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "action.execute_trigger",
			trace.WithAttributes(
				attribute.String("action.service_id", serviceID.String()),
				attribute.String("action.trigger", trigger.String()),
			))
		defer span.End()
	}

	out, err := r.inner.ExecuteTrigger(ctx, serviceID, trigger, actx)
	if err != nil && r.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// --- InstrumentedAuthorizer ---

// Authorizer is the access-control surface the gateway consults.
type Authorizer interface {
	Authorize(ctx context.Context, p security.Principal, serviceID uuid.UUID, right security.Right) error
}

// InstrumentedAuthorizer wraps an Authorizer with metrics and tracing.
type InstrumentedAuthorizer struct {
	inner   Authorizer
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedAuthorizer wraps an authorizer with observability.
func NewInstrumentedAuthorizer(inner Authorizer, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedAuthorizer {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedAuthorizer{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (a *InstrumentedAuthorizer) Authorize(ctx context.Context, p security.Principal, serviceID uuid.UUID, right security.Right) error {
	if a.tracer != nil {
		var span trace.Span
		ctx, span = a.tracer.Start(ctx, "security.authorize",
			trace.WithAttributes(
				attribute.String("security.key_id", p.KeyID),
				attribute.String("security.right", string(right)),
			))
		defer span.End()
	}

	err := a.inner.Authorize(ctx, p, serviceID, right)

	if a.metrics != nil {
		result := "allowed"
		if err != nil {
			result = "denied"
		}
		a.metrics.AuthChecksTotal.WithLabelValues(string(right), result).Inc()
	}

	return err
}

// --- Compile-time interface checks ---

var (
	_ identity.Runner = (*InstrumentedRunner)(nil)
	_ Authorizer      = (*InstrumentedAuthorizer)(nil)
	_ Authorizer      = (*security.Authorizer)(nil)
)
