package observability

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsManager owns every OpenTelemetry instrument the platform emits.
// It is constructed once per process and handed down to every component.
type MetricsManager struct {
	meter metric.Meter

	// Event metrics
	eventsProcessedTotal    metric.Int64Counter
	eventProcessingDuration metric.Float64Histogram
	eventErrorsTotal        metric.Int64Counter
	eventsPublishedTotal    metric.Int64Counter

	// System metrics
	processCPUSecondsTotal     metric.Float64Counter
	processResidentMemoryBytes metric.Int64UpDownCounter
	goGoroutines               metric.Int64UpDownCounter
	goMemstatsAllocBytes       metric.Int64UpDownCounter

	// Message bus metrics (C1)
	busPublishDuration    metric.Float64Histogram
	busConsumeDuration    metric.Float64Histogram
	busBackpressureTotal  metric.Int64Counter
	busUnresponsiveTotal  metric.Int64Counter

	// Workflow metrics (C6)
	workflowPhaseDuration  metric.Float64Histogram
	workflowsCompleted     metric.Int64Counter
	workflowsFailed        metric.Int64Counter
	workflowsRolledBack    metric.Int64Counter
	workflowsActive        metric.Int64UpDownCounter

	// Model selector metrics (C4)
	modelSelections metric.Int64Counter

	// Inference gateway metrics (C5)
	gatewayCompletions   metric.Int64Counter
	gatewayErrors        metric.Int64Counter
	gatewayLatency       metric.Float64Histogram
	gatewayMigrationStep metric.Int64Counter
	gatewayRollbacks     metric.Int64Counter
}

func NewMetricsManager(meter metric.Meter) (*MetricsManager, error) {
	mm := &MetricsManager{meter: meter}

	var err error

	mm.eventsProcessedTotal, err = meter.Int64Counter(
		"events_processed_total",
		metric.WithDescription("Total number of events processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.eventProcessingDuration, err = meter.Float64Histogram(
		"event_processing_duration_seconds",
		metric.WithDescription("Event processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.eventErrorsTotal, err = meter.Int64Counter(
		"event_errors_total",
		metric.WithDescription("Total number of event processing errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.eventsPublishedTotal, err = meter.Int64Counter(
		"events_published_total",
		metric.WithDescription("Total number of events published"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.processCPUSecondsTotal, err = meter.Float64Counter(
		"process_cpu_seconds_total",
		metric.WithDescription("Total user and system CPU time spent in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.processResidentMemoryBytes, err = meter.Int64UpDownCounter(
		"process_resident_memory_bytes",
		metric.WithDescription("Resident memory size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	mm.goGoroutines, err = meter.Int64UpDownCounter(
		"go_goroutines",
		metric.WithDescription("Number of goroutines that currently exist"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.goMemstatsAllocBytes, err = meter.Int64UpDownCounter(
		"go_memstats_alloc_bytes",
		metric.WithDescription("Number of bytes allocated and still in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	mm.busPublishDuration, err = meter.Float64Histogram(
		"bus_publish_duration_seconds",
		metric.WithDescription("Message bus publish duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.busConsumeDuration, err = meter.Float64Histogram(
		"bus_consume_duration_seconds",
		metric.WithDescription("Message bus consume duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.busBackpressureTotal, err = meter.Int64Counter(
		"bus_backpressure_total",
		metric.WithDescription("Total number of sends rejected due to a full inbox"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.busUnresponsiveTotal, err = meter.Int64Counter(
		"bus_unresponsive_instance_total",
		metric.WithDescription("Total number of instances flagged unresponsive by missed heartbeats"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.workflowPhaseDuration, err = meter.Float64Histogram(
		"workflow_phase_duration_seconds",
		metric.WithDescription("Duration spent in each workflow phase"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.workflowsCompleted, err = meter.Int64Counter(
		"workflows_completed_total",
		metric.WithDescription("Total number of workflows that reached Completed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.workflowsFailed, err = meter.Int64Counter(
		"workflows_failed_total",
		metric.WithDescription("Total number of workflows that reached Failed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.workflowsRolledBack, err = meter.Int64Counter(
		"workflows_rolled_back_total",
		metric.WithDescription("Total number of workflows that reached RolledBack"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.workflowsActive, err = meter.Int64UpDownCounter(
		"workflows_active",
		metric.WithDescription("Number of workflows currently in flight"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.modelSelections, err = meter.Int64Counter(
		"model_selections_total",
		metric.WithDescription("Total number of model selector invocations, by chosen model"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.gatewayCompletions, err = meter.Int64Counter(
		"gateway_completions_total",
		metric.WithDescription("Total number of completion requests routed through the gateway"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.gatewayErrors, err = meter.Int64Counter(
		"gateway_errors_total",
		metric.WithDescription("Total number of completion errors, by environment"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.gatewayLatency, err = meter.Float64Histogram(
		"gateway_completion_latency_seconds",
		metric.WithDescription("Completion request latency as observed by the gateway"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.gatewayMigrationStep, err = meter.Int64Counter(
		"gateway_migration_steps_total",
		metric.WithDescription("Total number of migration schedule steps reached"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.gatewayRollbacks, err = meter.Int64Counter(
		"gateway_rollbacks_total",
		metric.WithDescription("Total number of automatic or manual gateway rollbacks"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return mm, nil
}

func (mm *MetricsManager) IncrementEventsProcessed(ctx context.Context, eventType, source string, success bool) {
	mm.eventsProcessedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("source", source),
		attribute.Bool("success", success),
	))
}

func (mm *MetricsManager) RecordEventProcessingDuration(ctx context.Context, eventType, source string, duration time.Duration) {
	mm.eventProcessingDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("source", source),
	))
}

func (mm *MetricsManager) IncrementEventErrors(ctx context.Context, eventType, source, errorType string) {
	mm.eventErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("source", source),
		attribute.String("error", errorType),
	))
}

func (mm *MetricsManager) IncrementEventsPublished(ctx context.Context, eventType, destination string) {
	mm.eventsPublishedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("destination", destination),
	))
}

func (mm *MetricsManager) UpdateSystemMetrics(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mm.goGoroutines.Add(ctx, int64(runtime.NumGoroutine()))
	mm.goMemstatsAllocBytes.Add(ctx, int64(m.Alloc))
	mm.processResidentMemoryBytes.Add(ctx, int64(m.Sys))
}

func (mm *MetricsManager) StartTimer() func(ctx context.Context, eventType, source string) {
	start := time.Now()
	return func(ctx context.Context, eventType, source string) {
		duration := time.Since(start)
		mm.RecordEventProcessingDuration(ctx, eventType, source, duration)
	}
}

// Message bus instrumentation

func (mm *MetricsManager) RecordBusPublishDuration(ctx context.Context, kind string, d time.Duration) {
	mm.busPublishDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}

func (mm *MetricsManager) RecordBusConsumeDuration(ctx context.Context, kind string, d time.Duration) {
	mm.busConsumeDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}

func (mm *MetricsManager) IncrementBusBackpressure(ctx context.Context, recipient string) {
	mm.busBackpressureTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("recipient", recipient)))
}

func (mm *MetricsManager) IncrementBusUnresponsive(ctx context.Context, instanceID string) {
	mm.busUnresponsiveTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("instance_id", instanceID)))
}

// Workflow instrumentation

func (mm *MetricsManager) RecordPhaseDuration(ctx context.Context, phase int, d time.Duration) {
	mm.workflowPhaseDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Int("phase", phase)))
}

func (mm *MetricsManager) IncrementWorkflowCompleted(ctx context.Context) {
	mm.workflowsCompleted.Add(ctx, 1)
}

func (mm *MetricsManager) IncrementWorkflowFailed(ctx context.Context, kind string) {
	mm.workflowsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("error_kind", kind)))
}

func (mm *MetricsManager) IncrementWorkflowRolledBack(ctx context.Context) {
	mm.workflowsRolledBack.Add(ctx, 1)
}

func (mm *MetricsManager) AdjustActiveWorkflows(ctx context.Context, delta int64) {
	mm.workflowsActive.Add(ctx, delta)
}

// Model selector instrumentation

func (mm *MetricsManager) IncrementModelSelection(ctx context.Context, modelName, useCase string) {
	mm.modelSelections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", modelName),
		attribute.String("use_case", useCase),
	))
}

// Inference gateway instrumentation

func (mm *MetricsManager) IncrementGatewayCompletions(ctx context.Context, env string, success bool) {
	mm.gatewayCompletions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", env),
		attribute.Bool("success", success),
	))
}

func (mm *MetricsManager) IncrementGatewayErrors(ctx context.Context, env, kind string) {
	mm.gatewayErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", env),
		attribute.String("error", kind),
	))
}

func (mm *MetricsManager) RecordGatewayLatency(ctx context.Context, env string, d time.Duration) {
	mm.gatewayLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("environment", env)))
}

func (mm *MetricsManager) IncrementMigrationStep(ctx context.Context, targetEnv string, splitRatio float64) {
	mm.gatewayMigrationStep.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target_environment", targetEnv),
		attribute.Float64("split_ratio", splitRatio),
	))
}

func (mm *MetricsManager) IncrementGatewayRollback(ctx context.Context, reason string) {
	mm.gatewayRollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
