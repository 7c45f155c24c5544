//go:build property
// +build property

// Package correlate_test holds property-based checks for the incident
// correlation engine: detector origin must never influence grouping, and
// risk scores must never move backwards while an incident is open.
package correlate_test

import (
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/blackglass/coherence-sentinel/internal/correlate"
	"github.com/blackglass/coherence-sentinel/internal/models"
)

var patterns = []models.Pattern{
	models.PatternSeizure,
	models.PatternFever,
	models.PatternAutoImmune,
}

var hosts = []string{"host-a", "host-b", "host-c"}

// signalSeed is the generator-friendly form of one detection signal.
type signalSeed struct {
	Host     int
	Pattern  int
	Severity float64
	StepSec  int
}

func seedGen() gopter.Gen {
	return gen.Struct(reflect.TypeOf(signalSeed{}), map[string]gopter.Gen{
		"Host":     gen.IntRange(0, len(hosts)-1),
		"Pattern":  gen.IntRange(0, len(patterns)-1),
		"Severity": gen.Float64Range(0.1, 8.0),
		"StepSec":  gen.IntRange(1, 30),
	})
}

func buildSignals(seeds []signalSeed, origin string) []models.DetectionSignal {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	out := make([]models.DetectionSignal, 0, len(seeds))
	ts := base
	for _, s := range seeds {
		ts = ts.Add(time.Duration(s.StepSec) * time.Second)
		out = append(out, models.DetectionSignal{
			HostID:    hosts[s.Host],
			Timestamp: ts,
			Pattern:   patterns[s.Pattern],
			Severity:  s.Severity,
			Origin:    origin,
			Evidence:  map[string]float64{"value": s.Severity},
		})
	}
	return out
}

// timeline is an incident stripped of its random identifier so two runs can
// be compared structurally.
type timeline struct {
	Hosts        string
	Start        time.Time
	LastSignalAt time.Time
	State        models.IncidentState
	Dominant     models.Pattern
	Peak         float64
	Risk         float64
	Narrative    string
	Signals      int
}

func replay(seeds []signalSeed, origin string) []timeline {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := correlate.NewEngine(correlate.Config{
		GraceWindow: 45 * time.Second,
		HostGroups:  map[string][]string{"fleet": {"host-a", "host-b"}},
	}, logger)

	var last time.Time
	for _, s := range buildSignals(seeds, origin) {
		e.Process(s)
		last = s.Timestamp
	}
	closed := e.Sweep(last.Add(time.Hour))

	out := make([]timeline, 0, len(closed))
	for _, inc := range closed {
		var hs string
		for i, h := range inc.Hosts {
			if i > 0 {
				hs += ","
			}
			hs += h
		}
		out = append(out, timeline{
			Hosts:        hs,
			Start:        inc.StartTime,
			LastSignalAt: inc.LastSignalAt,
			State:        inc.State,
			Dominant:     inc.DominantPattern,
			Peak:         inc.PeakSeverity,
			Risk:         inc.RiskScore,
			Narrative:    inc.Narrative,
			Signals:      inc.SignalCount,
		})
	}
	return out
}

// TestOriginTransparency verifies that swapping every signal's origin label
// leaves the produced incidents untouched. Grouping must key off host,
// pattern, severity and time only.
func TestOriginTransparency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("incidents are identical for physics and brain origins", prop.ForAll(
		func(seeds []signalSeed) bool {
			if len(seeds) == 0 {
				return true
			}
			a := replay(seeds, models.OriginPhysics)
			b := replay(seeds, models.OriginBrain)
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(seedGen()),
	))

	properties.TestingRun(t)
}

// TestRiskMonotonicUnderAnyStream verifies the non-decreasing risk invariant
// for arbitrary severity sequences on a single host and pattern.
func TestRiskMonotonicUnderAnyStream(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	properties.Property("risk never decreases while an incident is open", prop.ForAll(
		func(severities []float64, strategy bool) bool {
			name := "mean"
			if strategy {
				name = "max"
			}
			e := correlate.NewEngine(correlate.Config{
				GraceWindow:  time.Hour,
				RiskStrategy: name,
			}, logger)

			prev := 0.0
			for i, sev := range severities {
				inc := e.Process(models.DetectionSignal{
					HostID:    "host-a",
					Timestamp: base.Add(time.Duration(i) * time.Second),
					Pattern:   models.PatternSeizure,
					Severity:  sev,
					Origin:    models.OriginPhysics,
				})
				if inc.RiskScore < prev || inc.RiskScore < 0 || inc.RiskScore > 1 {
					return false
				}
				prev = inc.RiskScore
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(0.0, 50.0)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
