package detect

import (
	"math"
	"time"

	"github.com/blackglass/coherence-sentinel/internal/models"
)

// brainMinPeriods is how much window depth the robust estimators want before
// they start scoring a host.
const brainMinPeriods = 5

// Brain recomputes the three instability patterns with robust statistics
// (median/MAD z-scores, IQR fences) for lower false-positive sensitivity.
// Signals are shape- and scale-compatible with Physics output, so nothing
// downstream can tell the two apart.
type Brain struct {
	cfg Config
}

// NewBrain validates that the enhanced detector can operate with the
// configured window geometry. Quartiles need depth: a window shallower than
// BrainMinSamples returns ErrCapabilityUnavailable and the caller stays on
// the physics engine for the process lifetime.
func NewBrain(cfg Config, windowCapacity int) (*Brain, error) {
	if cfg.BrainMinSamples <= 0 {
		cfg.BrainMinSamples = 12
	}
	if windowCapacity < cfg.BrainMinSamples {
		return nil, ErrCapabilityUnavailable
	}
	if cfg.BrainZThreshold <= 0 {
		cfg.BrainZThreshold = 3.0
	}
	return &Brain{cfg: cfg}, nil
}

// Name implements Detector.
func (b *Brain) Name() string { return models.OriginBrain }

// Evaluate implements Detector.
func (b *Brain) Evaluate(host string, ts time.Time, view HostView) []models.DetectionSignal {
	var signals []models.DetectionSignal

	if sig, ok := b.seizure(host, ts, view); ok {
		signals = append(signals, sig)
	}
	if sig, ok := b.fever(host, ts, view); ok {
		signals = append(signals, sig)
	}
	if sig, ok := b.autoImmune(host, ts, view); ok {
		signals = append(signals, sig)
	}
	return signals
}

// seizure mirrors the physics rule with robust estimators: scaled MAD in
// place of the standard deviation, median in place of the mean.
func (b *Brain) seizure(host string, ts time.Time, view HostView) (models.DetectionSignal, bool) {
	values := view.Values(models.MetricCPULoad)
	if len(values) < brainMinPeriods {
		return models.DetectionSignal{}, false
	}

	med := median(values)
	robustStd := madScale * medianAbsDeviation(values, med)
	threshold := b.cfg.SeizureFactor * b.cfg.CPUBaselineStdDev
	if threshold <= 0 || robustStd <= threshold {
		return models.DetectionSignal{}, false
	}
	if math.Abs(med-b.cfg.CPUNominalMean) > b.cfg.CPUNominalBand {
		return models.DetectionSignal{}, false
	}

	return models.DetectionSignal{
		HostID:    host,
		Timestamp: ts,
		Pattern:   models.PatternSeizure,
		Severity:  robustStd / threshold,
		Evidence: map[string]float64{
			"robust_stddev": robustStd,
			"median":        med,
			"threshold":     threshold,
		},
		Origin: b.Name(),
	}, true
}

// fever distinguishes a steady leak (median of the window's rates above the
// limit) from a shock allocation (latest rate above the limit while the
// level breaches the upper IQR fence). Isolated rate blips score under the
// median and stay silent.
func (b *Brain) fever(host string, ts time.Time, view HostView) (models.DetectionSignal, bool) {
	values := view.Values(models.MetricMemUsedMB)
	if len(values) < brainMinPeriods {
		return models.DetectionSignal{}, false
	}
	rates := view.Rates(models.MetricMemUsedMB, len(values))
	if len(rates) == 0 || b.cfg.FeverRateLimit <= 0 {
		return models.DetectionSignal{}, false
	}

	medRate := median(rates)
	latest := rates[len(rates)-1]
	_, upper := iqrBounds(values)
	level := values[len(values)-1]

	var severity float64
	switch {
	case medRate > b.cfg.FeverRateLimit:
		severity = medRate / b.cfg.FeverRateLimit
	case latest > b.cfg.FeverRateLimit && level > upper:
		severity = latest / b.cfg.FeverRateLimit
	default:
		return models.DetectionSignal{}, false
	}

	return models.DetectionSignal{
		HostID:    host,
		Timestamp: ts,
		Pattern:   models.PatternFever,
		Severity:  severity,
		Evidence: map[string]float64{
			"median_rate": medRate,
			"latest_rate": latest,
			"iqr_upper":   upper,
			"limit":       b.cfg.FeverRateLimit,
		},
		Origin: b.Name(),
	}, true
}

// autoImmune scores the per-interval egress/ingress ratio series. Fires on a
// robustly elevated median ratio, or on a latest ratio that is both over the
// limit and a strong robust-z outlier of its own series.
func (b *Brain) autoImmune(host string, ts time.Time, view HostView) (models.DetectionSignal, bool) {
	tx := view.Values(models.MetricNetTxPackets)
	rx := view.Values(models.MetricNetRxPackets)
	ratios := intervalRatios(tx, rx)
	if len(ratios) < 2 || b.cfg.AmplificationLimit <= 0 {
		return models.DetectionSignal{}, false
	}

	medRatio := median(ratios)
	latest := ratios[len(ratios)-1]

	var severity float64
	switch {
	case medRatio > b.cfg.AmplificationLimit:
		severity = medRatio / b.cfg.AmplificationLimit
	case latest > b.cfg.AmplificationLimit && math.Abs(robustZ(latest, ratios)) > b.cfg.BrainZThreshold:
		severity = latest / b.cfg.AmplificationLimit
	default:
		return models.DetectionSignal{}, false
	}

	return models.DetectionSignal{
		HostID:    host,
		Timestamp: ts,
		Pattern:   models.PatternAutoImmune,
		Severity:  severity,
		Evidence: map[string]float64{
			"median_ratio": medRatio,
			"latest_ratio": latest,
			"limit":        b.cfg.AmplificationLimit,
		},
		Origin: b.Name(),
	}, true
}

// intervalRatios pairs the two counter series tail-aligned and returns the
// per-interval egress/ingress delta ratios.
func intervalRatios(tx, rx []float64) []float64 {
	n := len(tx)
	if len(rx) < n {
		n = len(rx)
	}
	if n < 2 {
		return nil
	}
	dtx := successiveDeltas(tx[len(tx)-n:])
	drx := successiveDeltas(rx[len(rx)-n:])

	out := make([]float64, 0, len(dtx))
	for i := range dtx {
		out = append(out, dtx[i]/math.Max(drx[i], 1))
	}
	return out
}
