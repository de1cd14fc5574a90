package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetrics holds the sync subsystem instruments. A nil *SyncMetrics is
// valid and records nothing.
type SyncMetrics struct {
	dispatched     metric.Int64Counter
	cycleDuration  metric.Float64Histogram
	queueDepth     metric.Int64Gauge
	referencePulls metric.Int64Counter
	pulledRecords  metric.Int64Counter
	reconnects     metric.Int64Counter
	realtimeEvents metric.Int64Counter
	connectivity   metric.Int64Counter
}

// NewSyncMetrics creates sync metrics instruments
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter(instrumentationName)

	dispatched, err := meter.Int64Counter(
		"syncagent.operations.dispatched",
		metric.WithDescription("Outbox operations sent to the backend, by outcome"),
		metric.WithUnit("{operations}"),
	)
	if err != nil {
		return nil, err
	}

	cycleDuration, err := meter.Float64Histogram(
		"syncagent.cycle.duration",
		metric.WithDescription("Duration of a sync cycle in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge(
		"syncagent.queue.pending",
		metric.WithDescription("Operations waiting to be delivered"),
		metric.WithUnit("{operations}"),
	)
	if err != nil {
		return nil, err
	}

	referencePulls, err := meter.Int64Counter(
		"syncagent.reference.pulls",
		metric.WithDescription("Reference snapshot pulls"),
		metric.WithUnit("{pulls}"),
	)
	if err != nil {
		return nil, err
	}

	pulledRecords, err := meter.Int64Counter(
		"syncagent.reference.records",
		metric.WithDescription("Reference records merged into the local store"),
		metric.WithUnit("{records}"),
	)
	if err != nil {
		return nil, err
	}

	reconnects, err := meter.Int64Counter(
		"syncagent.realtime.reconnects",
		metric.WithDescription("Realtime reconnect attempts"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		return nil, err
	}

	realtimeEvents, err := meter.Int64Counter(
		"syncagent.realtime.events",
		metric.WithDescription("Realtime events published, by kind"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		return nil, err
	}

	connectivity, err := meter.Int64Counter(
		"syncagent.connectivity.transitions",
		metric.WithDescription("Online/offline transitions"),
		metric.WithUnit("{transitions}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		dispatched:     dispatched,
		cycleDuration:  cycleDuration,
		queueDepth:     queueDepth,
		referencePulls: referencePulls,
		pulledRecords:  pulledRecords,
		reconnects:     reconnects,
		realtimeEvents: realtimeEvents,
		connectivity:   connectivity,
	}, nil
}

// RecordDispatch records the outcome of one delivery attempt
func (m *SyncMetrics) RecordDispatch(ctx context.Context, entityType, outcome string) {
	if m == nil {
		return
	}
	m.dispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.String("outcome", outcome),
	))
}

// RecordCycle records a finished sync cycle
func (m *SyncMetrics) RecordCycle(ctx context.Context, d time.Duration, success bool) {
	if m == nil {
		return
	}
	m.cycleDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordQueueDepth records the number of undelivered operations
func (m *SyncMetrics) RecordQueueDepth(ctx context.Context, pending int) {
	if m == nil {
		return
	}
	m.queueDepth.Record(ctx, int64(pending))
}

// RecordPull records a reference snapshot pull
func (m *SyncMetrics) RecordPull(ctx context.Context, kind string, records int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.Bool("success", err == nil))
	m.referencePulls.Add(ctx, 1, attrs)
	if err == nil {
		m.pulledRecords.Add(ctx, int64(records), metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordReconnect records a scheduled realtime reconnect
func (m *SyncMetrics) RecordReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}

// RecordRealtimeEvent records a published realtime event
func (m *SyncMetrics) RecordRealtimeEvent(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.realtimeEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordConnectivity records an online/offline transition
func (m *SyncMetrics) RecordConnectivity(ctx context.Context, online bool) {
	if m == nil {
		return
	}
	m.connectivity.Add(ctx, 1, metric.WithAttributes(attribute.Bool("online", online)))
}
