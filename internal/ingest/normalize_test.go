package ingest

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/blackglass/coherence-sentinel/internal/models"
)

func TestNormalizeValidation(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	n := NewNormalizer([]string{"host-a"})

	cases := []struct {
		name   string
		rec    Record
		want   error
		reason string
	}{
		{
			name:   "empty host",
			rec:    Record{Metric: models.MetricCPULoad, Timestamp: now, Value: 1},
			want:   ErrInvalidRecord,
			reason: "invalid",
		},
		{
			name:   "empty metric",
			rec:    Record{Host: "host-a", Timestamp: now, Value: 1},
			want:   ErrInvalidRecord,
			reason: "invalid",
		},
		{
			name:   "zero timestamp",
			rec:    Record{Host: "host-a", Metric: models.MetricCPULoad, Value: 1},
			want:   ErrInvalidRecord,
			reason: "invalid",
		},
		{
			name:   "nan value",
			rec:    Record{Host: "host-a", Metric: models.MetricCPULoad, Timestamp: now, Value: math.NaN()},
			want:   ErrInvalidRecord,
			reason: "invalid",
		},
		{
			name:   "inf value",
			rec:    Record{Host: "host-a", Metric: models.MetricCPULoad, Timestamp: now, Value: math.Inf(1)},
			want:   ErrInvalidRecord,
			reason: "invalid",
		},
		{
			name:   "host outside allowlist",
			rec:    Record{Host: "host-b", Metric: models.MetricCPULoad, Timestamp: now, Value: 1},
			want:   ErrUnknownHost,
			reason: "unknown_host",
		},
	}

	for _, tc := range cases {
		_, err := n.Normalize(tc.rec)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		if got := DropReason(err); got != tc.reason {
			t.Fatalf("%s: expected reason %q, got %q", tc.name, tc.reason, got)
		}
	}

	sample, err := n.Normalize(Record{Host: "host-a", Metric: models.MetricCPULoad, Timestamp: now, Value: 42.5, Kind: KindGauge})
	if err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}
	if sample.Value != 42.5 || sample.HostID != "host-a" {
		t.Fatalf("unexpected sample: %+v", sample)
	}
}

func TestNormalizeEmptyAllowlistAdmitsAll(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	n := NewNormalizer(nil)
	if _, err := n.Normalize(Record{Host: "anyone", Metric: models.MetricCPULoad, Timestamp: now, Value: 1}); err != nil {
		t.Fatalf("expected any host admitted, got %v", err)
	}
}

func TestNormalizeRateIntegration(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	n := NewNormalizer(nil)
	rec := func(ts time.Time, rate float64) Record {
		return Record{Host: "host-a", Metric: models.MetricNetTxPackets, Timestamp: ts, Value: rate, Kind: KindRate}
	}

	// First record seeds the level at one second of rate.
	s, err := n.Normalize(rec(t0, 50))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if s.Value != 50 {
		t.Fatalf("expected seeded level 50, got %v", s.Value)
	}

	// Two seconds at 100/s.
	s, _ = n.Normalize(rec(t0.Add(2*time.Second), 100))
	if s.Value != 250 {
		t.Fatalf("expected level 250, got %v", s.Value)
	}

	// A gap beyond the clamp adds one second of rate only.
	s, _ = n.Normalize(rec(t0.Add(2*time.Second).Add(20*time.Minute), 30))
	if s.Value != 280 {
		t.Fatalf("expected clamped level 280, got %v", s.Value)
	}
}

func TestNormalizeCounterRebase(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	n := NewNormalizer(nil)
	rec := func(sec int, raw float64) Record {
		return Record{Host: "host-a", Metric: models.MetricNetRxPackets, Timestamp: t0.Add(time.Duration(sec) * time.Second), Value: raw, Kind: KindCounter}
	}

	values := []struct {
		raw  float64
		want float64
	}{
		{100, 100},
		{150, 150},
		{10, 160},
		{20, 170},
	}
	for i, v := range values {
		s, err := n.Normalize(rec(i, v.raw))
		if err != nil {
			t.Fatalf("normalize %d: %v", i, err)
		}
		if s.Value != v.want {
			t.Fatalf("step %d: expected %v, got %v", i, v.want, s.Value)
		}
	}
}

func TestNormalizeKeysAreIndependent(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	n := NewNormalizer(nil)

	a, _ := n.Normalize(Record{Host: "host-a", Metric: models.MetricNetTxPackets, Timestamp: t0, Value: 10, Kind: KindRate})
	b, _ := n.Normalize(Record{Host: "host-b", Metric: models.MetricNetTxPackets, Timestamp: t0, Value: 99, Kind: KindRate})
	if a.Value != 10 || b.Value != 99 {
		t.Fatalf("expected independent levels, got %v and %v", a.Value, b.Value)
	}
}
