// Package observe carries the companion's OpenTelemetry metrics, tracing
// helpers and HTTP middleware.
//
// Instruments are created against a [metric.MeterProvider] so tests can use a
// ManualReader. [InitProvider] registers a Prometheus-backed provider globally
// for the /metrics endpoint.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/companionlab/companion"

// Metrics holds every instrument the service records. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// CallTransitions counts state machine transitions. Attributes: from, to.
	CallTransitions metric.Int64Counter

	// ActiveCalls tracks calls currently in the active state.
	ActiveCalls metric.Int64UpDownCounter

	// EngineErrors counts voice engine errors. Attribute: kind
	// (noise, meaningful, unauthorized).
	EngineErrors metric.Int64Counter

	// Utterances counts lines appended to a transcript log. Attribute: speaker.
	Utterances metric.Int64Counter

	// UtterancesDropped counts transcript events that produced no line.
	// Attribute: reason.
	UtterancesDropped metric.Int64Counter

	// Recaps counts recap requests. Attributes: provider, status.
	Recaps metric.Int64Counter

	// RecapDuration tracks recap latency.
	RecapDuration metric.Float64Histogram

	// HTTPRequestDuration tracks request latency. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CallTransitions, err = m.Int64Counter("companion.call.transitions",
		metric.WithDescription("Call state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("companion.call.active",
		metric.WithDescription("Number of calls in the active state."),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("companion.engine.errors",
		metric.WithDescription("Voice engine errors by classification."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("companion.transcript.utterances",
		metric.WithDescription("Utterances appended to the transcript by speaker."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesDropped, err = m.Int64Counter("companion.transcript.dropped",
		metric.WithDescription("Transcript events that produced no utterance, by reason."),
	); err != nil {
		return nil, err
	}
	if met.Recaps, err = m.Int64Counter("companion.recap.requests",
		metric.WithDescription("Recap requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.RecapDuration, err = m.Float64Histogram("companion.recap.duration",
		metric.WithDescription("Latency of recap generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("companion.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

const activeState = "active"

func (m *Metrics) RecordCallTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.CallTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
	switch {
	case to == activeState && from != activeState:
		m.ActiveCalls.Add(ctx, 1)
	case from == activeState && to != activeState:
		m.ActiveCalls.Add(ctx, -1)
	}
}

func (m *Metrics) RecordEngineError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.EngineErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordUtterance(ctx context.Context, speaker string) {
	if m == nil {
		return
	}
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}

func (m *Metrics) RecordUtteranceDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.UtterancesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRecap records one recap attempt and its latency in seconds.
func (m *Metrics) RecordRecap(ctx context.Context, provider, status string, seconds float64) {
	if m == nil {
		return
	}
	m.Recaps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
	m.RecapDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("provider", provider)))
}
