package detect

import (
	"math"
	"time"

	"github.com/blackglass/coherence-sentinel/internal/models"
)

// Physics is the always-on baseline detector: three fixed-threshold rules
// over rolling-window statistics. Thresholds come from configuration and are
// never learned.
type Physics struct {
	cfg Config
}

// NewPhysics constructs the baseline detector.
func NewPhysics(cfg Config) *Physics {
	return &Physics{cfg: cfg}
}

// Name implements Detector.
func (p *Physics) Name() string { return models.OriginPhysics }

// Evaluate applies the seizure, fever and auto-immune rules to the host's
// current windows. Rules are independent; any subset may fire on one tick.
func (p *Physics) Evaluate(host string, ts time.Time, view HostView) []models.DetectionSignal {
	var signals []models.DetectionSignal

	if sig, ok := p.seizure(host, ts, view); ok {
		signals = append(signals, sig)
	}
	if sig, ok := p.fever(host, ts, view); ok {
		signals = append(signals, sig)
	}
	if sig, ok := p.autoImmune(host, ts, view); ok {
		signals = append(signals, sig)
	}
	return signals
}

// seizure fires when cpu variance explodes while the mean stays nominal:
// thrash, not load.
func (p *Physics) seizure(host string, ts time.Time, view HostView) (models.DetectionSignal, bool) {
	stats, ok := view.Stats(models.MetricCPULoad)
	if !ok {
		return models.DetectionSignal{}, false
	}

	threshold := p.cfg.SeizureFactor * p.cfg.CPUBaselineStdDev
	if threshold <= 0 || stats.StdDev <= threshold {
		return models.DetectionSignal{}, false
	}
	if math.Abs(stats.Mean-p.cfg.CPUNominalMean) > p.cfg.CPUNominalBand {
		return models.DetectionSignal{}, false
	}

	return models.DetectionSignal{
		HostID:    host,
		Timestamp: ts,
		Pattern:   models.PatternSeizure,
		Severity:  stats.StdDev / threshold,
		Evidence: map[string]float64{
			"stddev":    stats.StdDev,
			"mean":      stats.Mean,
			"threshold": threshold,
		},
		Origin: p.Name(),
	}, true
}

// fever fires on sustained positive allocation velocity: the newest
// inter-sample rate exceeds the limit and the one before it was already
// climbing. A lone spike between flat samples stays silent.
func (p *Physics) fever(host string, ts time.Time, view HostView) (models.DetectionSignal, bool) {
	rates := view.Rates(models.MetricMemUsedMB, 2)
	if len(rates) < 2 {
		return models.DetectionSignal{}, false
	}
	prev, last := rates[0], rates[1]
	if p.cfg.FeverRateLimit <= 0 || last <= p.cfg.FeverRateLimit || prev <= 0 {
		return models.DetectionSignal{}, false
	}

	return models.DetectionSignal{
		HostID:    host,
		Timestamp: ts,
		Pattern:   models.PatternFever,
		Severity:  last / p.cfg.FeverRateLimit,
		Evidence: map[string]float64{
			"rate":      last,
			"prev_rate": prev,
			"limit":     p.cfg.FeverRateLimit,
		},
		Origin: p.Name(),
	}, true
}

// autoImmune fires when the host sends disproportionately more than it
// receives over the window: retry or fan-out amplification.
func (p *Physics) autoImmune(host string, ts time.Time, view HostView) (models.DetectionSignal, bool) {
	egress, okTx := view.Delta(models.MetricNetTxPackets)
	ingress, okRx := view.Delta(models.MetricNetRxPackets)
	if !okTx || !okRx {
		return models.DetectionSignal{}, false
	}

	ratio := egress / math.Max(ingress, 1)
	if p.cfg.AmplificationLimit <= 0 || ratio <= p.cfg.AmplificationLimit {
		return models.DetectionSignal{}, false
	}

	return models.DetectionSignal{
		HostID:    host,
		Timestamp: ts,
		Pattern:   models.PatternAutoImmune,
		Severity:  ratio / p.cfg.AmplificationLimit,
		Evidence: map[string]float64{
			"egress":  egress,
			"ingress": ingress,
			"ratio":   ratio,
			"limit":   p.cfg.AmplificationLimit,
		},
		Origin: p.Name(),
	}, true
}
