package ingest

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/blackglass/coherence-sentinel/internal/models"
)

var (
	// ErrInvalidRecord marks records with missing fields or non-finite values.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrUnknownHost marks records from hosts outside the configured allowlist.
	ErrUnknownHost = errors.New("unknown host")
)

// maxIntegrationGap bounds the time delta used when integrating rate
// records. Gaps beyond it (restarts, long scrape outages) fall back to one
// second so a single record cannot inflate the level.
const maxIntegrationGap = 600 * time.Second

// Normalizer validates raw records and converts them into canonical samples.
// It keeps per-(host, metric) state for rate integration and counter
// re-basing, and is therefore not safe for concurrent use; the pipeline
// dispatcher owns it.
type Normalizer struct {
	allowed map[string]struct{}
	states  map[string]*keyState
}

type keyState struct {
	level       float64
	lastTS      time.Time
	counterBase float64
	prevRaw     float64
	seeded      bool
}

// NewNormalizer builds a Normalizer. An empty allowedHosts list admits every
// host.
func NewNormalizer(allowedHosts []string) *Normalizer {
	var allowed map[string]struct{}
	if len(allowedHosts) > 0 {
		allowed = make(map[string]struct{}, len(allowedHosts))
		for _, h := range allowedHosts {
			allowed[h] = struct{}{}
		}
	}
	return &Normalizer{allowed: allowed, states: make(map[string]*keyState)}
}

// Normalize validates rec and returns its canonical sample. A returned error
// means this sample is dropped; normalizer state is only advanced for
// accepted records.
func (n *Normalizer) Normalize(rec Record) (models.MetricSample, error) {
	if rec.Host == "" || rec.Metric == "" {
		return models.MetricSample{}, fmt.Errorf("%w: empty host or metric", ErrInvalidRecord)
	}
	if rec.Timestamp.IsZero() {
		return models.MetricSample{}, fmt.Errorf("%w: zero timestamp for %s/%s", ErrInvalidRecord, rec.Host, rec.Metric)
	}
	if math.IsNaN(rec.Value) || math.IsInf(rec.Value, 0) {
		return models.MetricSample{}, fmt.Errorf("%w: non-finite value for %s/%s", ErrInvalidRecord, rec.Host, rec.Metric)
	}
	if n.allowed != nil {
		if _, ok := n.allowed[rec.Host]; !ok {
			return models.MetricSample{}, fmt.Errorf("%w: %s", ErrUnknownHost, rec.Host)
		}
	}

	sample := models.MetricSample{
		HostID:    rec.Host,
		Metric:    rec.Metric,
		Timestamp: rec.Timestamp,
		Value:     rec.Value,
	}

	switch rec.Kind {
	case KindRate:
		sample.Value = n.integrate(sample.Key(), rec)
	case KindCounter:
		sample.Value = n.rebase(sample.Key(), rec.Value)
	}
	return sample, nil
}

// integrate folds a per-second rate into a cumulative level. The first
// record of a key seeds the level at rate x 1s; negative or oversized gaps
// clamp to one second.
func (n *Normalizer) integrate(key string, rec Record) float64 {
	st := n.state(key)
	delta := time.Second
	if !st.lastTS.IsZero() {
		delta = rec.Timestamp.Sub(st.lastTS)
		if delta < 0 || delta > maxIntegrationGap {
			delta = time.Second
		}
	}
	st.level += rec.Value * delta.Seconds()
	st.lastTS = rec.Timestamp
	return st.level
}

// rebase keeps counter output monotonic across source resets: after a reset
// the new raw total continues from the previous high-water mark, so window
// deltas stay non-negative.
func (n *Normalizer) rebase(key string, raw float64) float64 {
	st := n.state(key)
	if st.seeded && raw < st.prevRaw {
		st.counterBase += st.prevRaw
	}
	st.prevRaw = raw
	st.seeded = true
	return st.counterBase + raw
}

func (n *Normalizer) state(key string) *keyState {
	st, ok := n.states[key]
	if !ok {
		st = &keyState{}
		n.states[key] = st
	}
	return st
}

// DropReason classifies a Normalize error for drop accounting.
func DropReason(err error) string {
	if errors.Is(err, ErrUnknownHost) {
		return "unknown_host"
	}
	return "invalid"
}
