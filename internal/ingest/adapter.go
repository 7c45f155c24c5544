// Package ingest turns external telemetry sources into the canonical sample
// stream. Adapters only read from their sources; the sentinel never writes
// into a monitored system.
package ingest

import (
	"context"
	"time"
)

// Kind tells the normalizer how to interpret a record's value.
type Kind string

const (
	// KindGauge is an instantaneous level, forwarded as-is.
	KindGauge Kind = "gauge"
	// KindCounter is a monotonic total, re-based when the source resets.
	KindCounter Kind = "counter"
	// KindRate is a per-second rate, integrated into a cumulative level.
	KindRate Kind = "rate"
)

// Record is one raw measurement emitted by an adapter before normalization.
type Record struct {
	Host      string
	Metric    string
	Timestamp time.Time
	Value     float64
	Kind      Kind
}

// Sink accepts records for processing. Offer never blocks; it reports false
// when the record was dropped for flow control.
type Sink interface {
	Offer(rec Record) bool
}

// Adapter produces records from one telemetry source. Run polls the source
// on the adapter's own cadence and pushes into sink until ctx is cancelled.
// Source faults stay inside the adapter: they are logged and retried on the
// next cycle, never propagated into the engine.
type Adapter interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}
