package detect

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/blackglass/coherence-sentinel/internal/models"
)

func TestNewBrainCapability(t *testing.T) {
	cfg := testConfig()

	if _, err := NewBrain(cfg, 8); !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("capacity 8: got %v, want ErrCapabilityUnavailable", err)
	}
	brain, err := NewBrain(cfg, 60)
	if err != nil {
		t.Fatalf("capacity 60: %v", err)
	}
	if brain.Name() != models.OriginBrain {
		t.Fatalf("name = %s", brain.Name())
	}
}

func TestBrainSeizureRobustToSingleSpike(t *testing.T) {
	brain, err := NewBrain(testConfig(), 60)
	if err != nil {
		t.Fatalf("new brain: %v", err)
	}
	now := time.Unix(8000, 0)

	// One outlier sample barely moves the MAD; no seizure.
	quiet := &fakeView{values: map[string][]float64{
		models.MetricCPULoad: {45, 45, 45, 45, 45, 90},
	}}
	if signals := brain.Evaluate("web-02", now, quiet); len(signals) != 0 {
		t.Fatalf("single spike fired: %+v", signals)
	}

	// Genuine thrash: dispersion explodes while the median stays nominal.
	thrash := &fakeView{values: map[string][]float64{
		models.MetricCPULoad: {10, 90, 10, 90, 10, 90},
	}}
	signals := brain.Evaluate("web-02", now, thrash)
	if len(signals) != 1 || signals[0].Pattern != models.PatternSeizure {
		t.Fatalf("got %+v, want one seizure", signals)
	}
	wantSev := (madScale * 40) / 10 // MAD 40 against the 2.0 x 5.0 threshold
	if math.Abs(signals[0].Severity-wantSev) > 1e-9 {
		t.Fatalf("severity = %v, want %v", signals[0].Severity, wantSev)
	}
	if signals[0].Origin != models.OriginBrain {
		t.Fatalf("origin = %s", signals[0].Origin)
	}
}

func TestBrainFeverSteadyLeak(t *testing.T) {
	brain, err := NewBrain(testConfig(), 60)
	if err != nil {
		t.Fatalf("new brain: %v", err)
	}

	view := &fakeView{
		values: map[string][]float64{models.MetricMemUsedMB: {100, 220, 340, 460, 580}},
		rates:  map[string][]float64{models.MetricMemUsedMB: {120, 120, 120, 120}},
	}
	signals := brain.Evaluate("db-02", time.Unix(8100, 0), view)
	if len(signals) != 1 || signals[0].Pattern != models.PatternFever {
		t.Fatalf("got %+v, want one fever", signals)
	}
	if math.Abs(signals[0].Severity-1.2) > 1e-9 {
		t.Fatalf("severity = %v, want 1.2", signals[0].Severity)
	}
}

func TestBrainFeverShockNeedsFenceBreach(t *testing.T) {
	brain, err := NewBrain(testConfig(), 60)
	if err != nil {
		t.Fatalf("new brain: %v", err)
	}
	now := time.Unix(8200, 0)

	// Latest rate is hot and the level clears the IQR upper fence: fires.
	shock := &fakeView{
		values: map[string][]float64{models.MetricMemUsedMB: {100, 101, 102, 103, 260}},
		rates:  map[string][]float64{models.MetricMemUsedMB: {1, 1, 1, 157}},
	}
	signals := brain.Evaluate("db-02", now, shock)
	if len(signals) != 1 || signals[0].Pattern != models.PatternFever {
		t.Fatalf("shock: got %+v, want one fever", signals)
	}

	// A hot rate with the level still inside the fences is noise.
	noise := &fakeView{
		values: map[string][]float64{models.MetricMemUsedMB: {100, 150, 200, 250, 300}},
		rates:  map[string][]float64{models.MetricMemUsedMB: {50, 50, 50, 150}},
	}
	if signals := brain.Evaluate("db-02", now, noise); len(signals) != 0 {
		t.Fatalf("noise fired: %+v", signals)
	}
}

func TestBrainAutoImmuneMedianRatio(t *testing.T) {
	brain, err := NewBrain(testConfig(), 60)
	if err != nil {
		t.Fatalf("new brain: %v", err)
	}

	view := &fakeView{values: map[string][]float64{
		models.MetricNetTxPackets: {0, 200, 400, 600},
		models.MetricNetRxPackets: {0, 100, 200, 300},
	}}
	signals := brain.Evaluate("edge-02", time.Unix(8300, 0), view)
	if len(signals) != 1 || signals[0].Pattern != models.PatternAutoImmune {
		t.Fatalf("got %+v, want one auto-immune", signals)
	}
	if math.Abs(signals[0].Severity-2.0/1.1) > 1e-9 {
		t.Fatalf("severity = %v, want %v", signals[0].Severity, 2.0/1.1)
	}

	// Balanced traffic stays quiet.
	balanced := &fakeView{values: map[string][]float64{
		models.MetricNetTxPackets: {0, 100, 200, 300},
		models.MetricNetRxPackets: {0, 100, 200, 300},
	}}
	if signals := brain.Evaluate("edge-02", time.Unix(8301, 0), balanced); len(signals) != 0 {
		t.Fatalf("balanced traffic fired: %+v", signals)
	}
}

func TestSelectorRouting(t *testing.T) {
	cfg := testConfig()
	physics := NewPhysics(cfg)
	brain, err := NewBrain(cfg, 60)
	if err != nil {
		t.Fatalf("new brain: %v", err)
	}

	all := NewSelector(physics, brain, nil)
	if all.For("any-host").Name() != models.OriginBrain {
		t.Fatalf("empty allowlist should route everything to the brain")
	}

	scoped := NewSelector(physics, brain, []string{"db-01"})
	if scoped.For("db-01").Name() != models.OriginBrain {
		t.Fatalf("allowlisted host not routed to brain")
	}
	if scoped.For("web-01").Name() != models.OriginPhysics {
		t.Fatalf("unlisted host not routed to physics")
	}

	fallback := NewSelector(physics, nil, []string{"db-01"})
	if fallback.For("db-01").Name() != models.OriginPhysics {
		t.Fatalf("nil brain must route to physics")
	}
	if fallback.Enhanced() {
		t.Fatalf("nil brain reported as enhanced")
	}
}

func TestRobustHelpers(t *testing.T) {
	if m := median([]float64{3, 1, 2}); m != 2 {
		t.Fatalf("median = %v", m)
	}
	if m := median([]float64{4, 1, 3, 2}); m != 2.5 {
		t.Fatalf("even median = %v", m)
	}
	if p := percentile([]float64{1, 2, 3, 4, 5}, 25); p != 2 {
		t.Fatalf("q1 = %v", p)
	}
	if p := percentile([]float64{1, 2, 3, 4, 5}, 75); p != 4 {
		t.Fatalf("q3 = %v", p)
	}

	lower, upper := iqrBounds([]float64{1, 2, 3, 4, 5})
	if lower != -1 || upper != 7 {
		t.Fatalf("fences = (%v, %v), want (-1, 7)", lower, upper)
	}

	// Zero MAD saturates instead of dividing by zero.
	flat := []float64{5, 5, 5, 5}
	if z := robustZ(5, flat); z != 0 {
		t.Fatalf("on-median z = %v", z)
	}
	if z := robustZ(9, flat); z != saturatedZ {
		t.Fatalf("off-median z = %v, want %v", z, saturatedZ)
	}
}
