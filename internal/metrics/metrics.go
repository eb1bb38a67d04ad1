// Package metrics exposes queue, worker, and workflow measurements through
// an OpenTelemetry meter backed by a Prometheus registry.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/msageha/specforge/internal/events"
	"github.com/msageha/specforge/internal/model"
)

const meterName = "github.com/msageha/specforge"

var (
	attrCategory = attribute.Key("category")
	attrFrom     = attribute.Key("from")
	attrTo       = attribute.Key("to")
	attrOutcome  = attribute.Key("outcome")
	attrState    = attribute.Key("state")
	attrGate     = attribute.Key("gate")
	attrPassed   = attribute.Key("passed")
	attrStatus   = attribute.Key("status")
)

type depth struct {
	queued, inFlight int
}

// Metrics implements queue.Observer and worker.Observer.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	transitions  metric.Int64Counter
	executions   metric.Int64Counter
	execDuration metric.Float64Histogram
	workflows    metric.Int64Counter
	gates        metric.Int64Counter

	mu     sync.Mutex
	depths map[model.Category]depth
}

// New builds a private meter provider with a Prometheus exporter. Nothing
// is registered globally, so several instances can coexist in tests.
func New(ctx context.Context, serviceName string) (*Metrics, error) {
	if serviceName == "" {
		serviceName = "specforge"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("metrics resource: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	m := &Metrics{
		provider: provider,
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}),
		depths:   make(map[model.Category]depth),
	}
	if err := m.init(provider.Meter(meterName)); err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	return m, nil
}

func (m *Metrics) init(meter metric.Meter) error {
	var err error
	if m.transitions, err = meter.Int64Counter("specforge_task_transitions_total",
		metric.WithDescription("Task status transitions")); err != nil {
		return err
	}
	if m.executions, err = meter.Int64Counter("specforge_task_executions_total",
		metric.WithDescription("Worker executions by outcome")); err != nil {
		return err
	}
	if m.execDuration, err = meter.Float64Histogram("specforge_task_execution_duration_seconds",
		metric.WithDescription("Worker execution time in seconds")); err != nil {
		return err
	}
	if m.workflows, err = meter.Int64Counter("specforge_workflows_finished_total",
		metric.WithDescription("Workflows that reached a terminal status")); err != nil {
		return err
	}
	if m.gates, err = meter.Int64Counter("specforge_gate_evaluations_total",
		metric.WithDescription("Quality gate evaluations")); err != nil {
		return err
	}

	depthGauge, err := meter.Int64ObservableGauge("specforge_queue_depth",
		metric.WithDescription("Tasks per category that are queued or in flight"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		for cat, d := range m.depths {
			o.ObserveInt64(depthGauge, int64(d.queued), metric.WithAttributes(attrCategory.String(string(cat)), attrState.String("queued")))
			o.ObserveInt64(depthGauge, int64(d.inFlight), metric.WithAttributes(attrCategory.String(string(cat)), attrState.String("in_flight")))
		}
		return nil
	}, depthGauge)
	return err
}

// Handler serves the Prometheus exposition.
func (m *Metrics) Handler() http.Handler { return m.handler }

func (m *Metrics) TaskTransitioned(cat model.Category, from, to model.TaskStatus) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attrCategory.String(string(cat)),
		attrFrom.String(string(from)),
		attrTo.String(string(to)),
	))
}

func (m *Metrics) QueueDepth(cat model.Category, queued, inFlight int) {
	m.mu.Lock()
	m.depths[cat] = depth{queued: queued, inFlight: inFlight}
	m.mu.Unlock()
}

func (m *Metrics) TaskExecuted(cat model.Category, outcome string, elapsed time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attrCategory.String(string(cat)), attrOutcome.String(outcome))
	m.executions.Add(ctx, 1, attrs)
	m.execDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// Follow counts terminal workflow transitions and gate evaluations from the
// bus. It returns a function that stops both subscriptions.
func (m *Metrics) Follow(bus *events.Bus) func() {
	if bus == nil {
		return func() {}
	}
	stopWf := bus.Subscribe(events.EventWorkflowStatus, func(ev events.Event) {
		if model.WorkflowStatus(ev.To).IsTerminal() {
			m.workflows.Add(context.Background(), 1, metric.WithAttributes(attrStatus.String(ev.To)))
		}
	})
	stopGate := bus.Subscribe(events.EventGateEvaluated, func(ev events.Event) {
		m.gates.Add(context.Background(), 1, metric.WithAttributes(
			attrGate.String(ev.Detail["gate"]),
			attrPassed.String(ev.Detail["passed"]),
		))
	})
	return func() {
		stopWf()
		stopGate()
	}
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
