package detect

import (
	"reflect"
	"testing"
	"time"

	"github.com/blackglass/coherence-sentinel/internal/models"
	"github.com/blackglass/coherence-sentinel/internal/window"
)

type fakeView struct {
	stats  map[string]window.Stats
	values map[string][]float64
	rates  map[string][]float64
	deltas map[string]float64
	last   map[string]float64
}

func (f *fakeView) Stats(metric string) (window.Stats, bool) {
	s, ok := f.stats[metric]
	return s, ok
}

func (f *fakeView) Values(metric string) []float64 { return f.values[metric] }

func (f *fakeView) Rates(metric string, k int) []float64 {
	r := f.rates[metric]
	if len(r) > k {
		r = r[len(r)-k:]
	}
	return r
}

func (f *fakeView) Delta(metric string) (float64, bool) {
	d, ok := f.deltas[metric]
	return d, ok
}

func (f *fakeView) Last(metric string) (time.Time, float64, bool) {
	v, ok := f.last[metric]
	return time.Time{}, v, ok
}

func testConfig() Config {
	return Config{
		SeizureFactor:      2.0,
		CPUBaselineStdDev:  5.0,
		CPUNominalMean:     45.0,
		CPUNominalBand:     25.0,
		FeverRateLimit:     100.0,
		AmplificationLimit: 1.1,
		BrainZThreshold:    3.0,
		BrainMinSamples:    12,
	}
}

func signalsByPattern(signals []models.DetectionSignal) map[models.Pattern]models.DetectionSignal {
	out := make(map[models.Pattern]models.DetectionSignal, len(signals))
	for _, s := range signals {
		out[s.Pattern] = s
	}
	return out
}

func TestPhysicsSeizure(t *testing.T) {
	p := NewPhysics(testConfig())
	now := time.Unix(5000, 0)

	view := &fakeView{stats: map[string]window.Stats{
		models.MetricCPULoad: {Mean: 48, StdDev: 15, Samples: 20},
	}}
	signals := p.Evaluate("web-01", now, view)
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want 1", len(signals))
	}
	sig := signals[0]
	if sig.Pattern != models.PatternSeizure {
		t.Fatalf("pattern = %s", sig.Pattern)
	}
	if sig.Severity != 1.5 {
		t.Fatalf("severity = %v, want 1.5", sig.Severity)
	}
	if sig.Origin != models.OriginPhysics {
		t.Fatalf("origin = %s", sig.Origin)
	}

	// Same dispersion with a shifted mean is load, not thrash.
	view.stats[models.MetricCPULoad] = window.Stats{Mean: 90, StdDev: 15, Samples: 20}
	if signals := p.Evaluate("web-01", now, view); len(signals) != 0 {
		t.Fatalf("seizure fired outside nominal band: %+v", signals)
	}
}

func TestPhysicsFever(t *testing.T) {
	p := NewPhysics(testConfig())
	now := time.Unix(5000, 0)

	cases := []struct {
		name  string
		rates []float64
		fires bool
		sev   float64
	}{
		{"sustained climb", []float64{50, 150}, true, 1.5},
		{"spike after flat", []float64{0, 150}, false, 0},
		{"single rate", []float64{150}, false, 0},
		{"below limit", []float64{120, 90}, false, 0},
	}

	for _, tc := range cases {
		view := &fakeView{rates: map[string][]float64{models.MetricMemUsedMB: tc.rates}}
		signals := p.Evaluate("db-01", now, view)
		if tc.fires {
			if len(signals) != 1 || signals[0].Pattern != models.PatternFever {
				t.Fatalf("%s: got %+v, want one fever", tc.name, signals)
			}
			if signals[0].Severity != tc.sev {
				t.Fatalf("%s: severity = %v, want %v", tc.name, signals[0].Severity, tc.sev)
			}
		} else if len(signals) != 0 {
			t.Fatalf("%s: unexpected signals %+v", tc.name, signals)
		}
	}
}

func TestPhysicsAutoImmune(t *testing.T) {
	p := NewPhysics(testConfig())
	now := time.Unix(5000, 0)

	view := &fakeView{deltas: map[string]float64{
		models.MetricNetTxPackets: 1320,
		models.MetricNetRxPackets: 1000,
	}}
	signals := p.Evaluate("edge-01", now, view)
	if len(signals) != 1 || signals[0].Pattern != models.PatternAutoImmune {
		t.Fatalf("got %+v, want one auto-immune", signals)
	}
	if signals[0].Evidence["ratio"] != 1.32 {
		t.Fatalf("ratio = %v, want 1.32", signals[0].Evidence["ratio"])
	}

	// Zero ingress clamps the divisor to one instead of dividing by zero.
	view.deltas[models.MetricNetRxPackets] = 0
	signals = p.Evaluate("edge-01", now, view)
	if len(signals) != 1 || signals[0].Evidence["ratio"] != 1320 {
		t.Fatalf("zero-ingress ratio: %+v", signals)
	}

	// Missing counter window keeps the rule quiet.
	delete(view.deltas, models.MetricNetRxPackets)
	if signals := p.Evaluate("edge-01", now, view); len(signals) != 0 {
		t.Fatalf("fired without ingress data: %+v", signals)
	}
}

func TestPhysicsConcurrentRules(t *testing.T) {
	p := NewPhysics(testConfig())
	view := &fakeView{
		stats:  map[string]window.Stats{models.MetricCPULoad: {Mean: 45, StdDev: 20, Samples: 30}},
		rates:  map[string][]float64{models.MetricMemUsedMB: {110, 220}},
		deltas: map[string]float64{models.MetricNetTxPackets: 2400, models.MetricNetRxPackets: 1000},
	}

	signals := p.Evaluate("worker-07", time.Unix(6000, 0), view)
	byPattern := signalsByPattern(signals)
	if len(byPattern) != 3 {
		t.Fatalf("got %d distinct patterns, want 3: %+v", len(byPattern), signals)
	}
}

func TestPhysicsDeterministic(t *testing.T) {
	views := []*fakeView{
		{stats: map[string]window.Stats{models.MetricCPULoad: {Mean: 44, StdDev: 11, Samples: 10}}},
		{rates: map[string][]float64{models.MetricMemUsedMB: {10, 400}}},
		{
			stats:  map[string]window.Stats{models.MetricCPULoad: {Mean: 46, StdDev: 30, Samples: 12}},
			deltas: map[string]float64{models.MetricNetTxPackets: 500, models.MetricNetRxPackets: 100},
		},
	}

	run := func() []models.DetectionSignal {
		p := NewPhysics(testConfig())
		var all []models.DetectionSignal
		for i, v := range views {
			all = append(all, p.Evaluate("host-a", time.Unix(int64(7000+i), 0), v)...)
		}
		return all
	}

	first, second := run(), run()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("detector is not deterministic:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}
