package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sanduku/internal/console"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// InstrumentedDriver wraps a sandbox.Driver with metrics, tracing, and
// anomaly detection. All instrumentation fields may be nil.
type InstrumentedDriver struct {
	inner   sandbox.Driver
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

var _ sandbox.Driver = (*InstrumentedDriver)(nil)

// NewInstrumentedDriver wraps a driver with observability.
func NewInstrumentedDriver(inner sandbox.Driver, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedDriver {
	d := &InstrumentedDriver{
		inner:   inner,
		metrics: metrics,
		anomaly: anomaly,
	}
	if ts != nil {
		d.tracer = ts.Tracer()
	}
	return d
}

// Provision instruments sandbox provisioning.
func (d *InstrumentedDriver) Provision(ctx context.Context, sessionID uuid.UUID, ownerID string) (*console.Sandbox, error) {
	var span trace.Span
	if d.tracer != nil {
		ctx, span = d.tracer.Start(ctx, "sandbox.provision",
			trace.WithAttributes(attribute.String("session.id", sessionID.String())))
		defer span.End()
	}

	start := time.Now()
	sb, err := d.inner.Provision(ctx, sessionID, ownerID)
	duration := time.Since(start).Seconds()

	if d.metrics != nil {
		d.metrics.SandboxProvisionDuration.Observe(duration)
		if err != nil {
			d.metrics.SandboxProvisionsTotal.WithLabelValues("error").Inc()
		} else {
			d.metrics.SandboxProvisionsTotal.WithLabelValues("ok").Inc()
			d.metrics.SandboxesInUse.Inc()
		}
	}
	if err != nil {
		if span != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		d.anomaly.RecordError("sandbox.provision")
	} else {
		d.anomaly.RecordSuccess("sandbox.provision")
	}
	return sb, err
}

// Exec instruments command execution.
func (d *InstrumentedDriver) Exec(ctx context.Context, sandboxID uuid.UUID, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	var span trace.Span
	if d.tracer != nil {
		ctx, span = d.tracer.Start(ctx, "sandbox.exec",
			trace.WithAttributes(
				attribute.String("sandbox.id", sandboxID.String()),
				attribute.String("command", req.Command),
			))
		defer span.End()
	}

	result, err := d.inner.Exec(ctx, sandboxID, req)

	if err != nil {
		if span != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		d.anomaly.RecordError("sandbox.exec")
	} else {
		d.anomaly.RecordSuccess("sandbox.exec")
	}
	return result, err
}

// Destroy instruments sandbox teardown.
func (d *InstrumentedDriver) Destroy(ctx context.Context, sandboxID uuid.UUID) error {
	err := d.inner.Destroy(ctx, sandboxID)
	if err == nil && d.metrics != nil {
		d.metrics.SandboxesInUse.Dec()
	}
	return err
}

// Health delegates the probe unchanged.
func (d *InstrumentedDriver) Health(ctx context.Context, sandboxID uuid.UUID) error {
	return d.inner.Health(ctx, sandboxID)
}

// statusCode renders an HTTP status code as a metric label.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
