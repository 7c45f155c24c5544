package detect

import (
	"errors"
	"time"

	"github.com/blackglass/coherence-sentinel/internal/models"
	"github.com/blackglass/coherence-sentinel/internal/window"
)

// ErrCapabilityUnavailable means the enhanced detector cannot run with the
// configured window geometry. Not a fault: the caller falls back to the
// physics engine for the process lifetime.
var ErrCapabilityUnavailable = errors.New("enhanced detection capability unavailable")

// HostView exposes one host's rolling windows to a detector. Implementations
// are only valid for the duration of a single Evaluate call.
type HostView interface {
	Stats(metric string) (window.Stats, bool)
	Values(metric string) []float64
	Rates(metric string, k int) []float64
	Delta(metric string) (float64, bool)
	Last(metric string) (time.Time, float64, bool)
}

// Detector classifies a host's current window state into detection signals.
// Implementations must be deterministic: identical window contents always
// produce identical signals.
type Detector interface {
	Name() string
	Evaluate(host string, ts time.Time, view HostView) []models.DetectionSignal
}

// Config carries the fixed detection thresholds. Values are validated by the
// configuration layer before they reach a detector.
type Config struct {
	SeizureFactor      float64
	CPUBaselineStdDev  float64
	CPUNominalMean     float64
	CPUNominalBand     float64
	FeverRateLimit     float64
	AmplificationLimit float64
	BrainZThreshold    float64
	BrainMinSamples    int
}

// Selector routes hosts to the enhanced detector when it is active, falling
// back to the baseline for everyone else. The routing set is resolved once at
// startup and never re-checked.
type Selector struct {
	physics Detector
	brain   Detector
	hosts   map[string]struct{}
	all     bool
}

// NewSelector builds the per-host routing table. A nil brain routes
// everything to physics. An empty host list with a non-nil brain enables the
// brain for all hosts.
func NewSelector(physics, brain Detector, enhancedHosts []string) *Selector {
	s := &Selector{physics: physics, brain: brain}
	if brain == nil {
		return s
	}
	if len(enhancedHosts) == 0 {
		s.all = true
		return s
	}
	s.hosts = make(map[string]struct{}, len(enhancedHosts))
	for _, h := range enhancedHosts {
		if h != "" {
			s.hosts[h] = struct{}{}
		}
	}
	return s
}

// For returns the detector owning the host's signals. Exactly one detector
// produces signals for a given host, so downstream consumers never see
// double counting.
func (s *Selector) For(host string) Detector {
	if s.brain == nil {
		return s.physics
	}
	if s.all {
		return s.brain
	}
	if _, ok := s.hosts[host]; ok {
		return s.brain
	}
	return s.physics
}

// Enhanced reports whether any host routes to the brain.
func (s *Selector) Enhanced() bool {
	return s.brain != nil
}
