// Package sentinel owns the rolling windows, drives detection on every
// evaluation tick and re-derives the advisory veto state. It observes the
// monitored system and is structurally unable to act on it: the veto surface
// is data for pollers, nothing more.
package sentinel

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/blackglass/coherence-sentinel/internal/correlate"
	"github.com/blackglass/coherence-sentinel/internal/detect"
	"github.com/blackglass/coherence-sentinel/internal/metrics"
	"github.com/blackglass/coherence-sentinel/internal/models"
	"github.com/blackglass/coherence-sentinel/internal/playbook"
	"github.com/blackglass/coherence-sentinel/internal/window"
)

// Config holds the sentinel tunables resolved at startup. Detection
// thresholds live in detect.Config; nothing here is hot-reloadable.
type Config struct {
	Workers          int
	QueueSize        int
	WindowCapacity   int
	WindowSpan       time.Duration
	WarmupMinSamples int
	PollInterval     time.Duration
	// SeverityFloor and VetoFloor gate WATCH and VETO on the peak severity
	// of open incidents. Severities are multiples of a detector threshold,
	// so the default veto floor of 1.0 means "any threshold actually
	// crossed".
	SeverityFloor   float64
	VetoFloor       float64
	MaxSignalLag    time.Duration
	FlapWindow      int
	FlapTransitions int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.WindowCapacity <= 0 {
		c.WindowCapacity = 60
	}
	if c.WindowSpan < 0 {
		c.WindowSpan = 0
	}
	if c.WarmupMinSamples <= 0 {
		c.WarmupMinSamples = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.VetoFloor <= 0 {
		c.VetoFloor = 1.0
	}
	if c.MaxSignalLag <= 0 {
		c.MaxSignalLag = 300 * time.Second
	}
	if c.FlapWindow <= 0 {
		c.FlapWindow = 10
	}
	if c.FlapTransitions <= 0 {
		c.FlapTransitions = 3
	}
	return c
}

// Sentinel routes samples into shard-owned windows and folds each tick's
// detections into the veto state.
type Sentinel struct {
	cfg        Config
	selector   *detect.Selector
	correlator *correlate.Engine
	playbook   *playbook.Playbook
	logger     *slog.Logger

	shards []*shard

	// evidence keeps the measurement map of the latest signal per pattern
	// for advisory rendering. Owned by the evaluation loop.
	evidence map[models.Pattern]map[string]float64
	// ring holds the recent veto statuses for flap detection. Owned by the
	// evaluation loop.
	ring []models.Status

	mu    sync.RWMutex
	veto  models.VetoState
	hosts []models.HostState
}

// New wires the sentinel. The correlator and selector are required; playbook
// may be nil, which selects the built-in advisory mapping.
func New(cfg Config, selector *detect.Selector, correlator *correlate.Engine, pb *playbook.Playbook, logger *slog.Logger) *Sentinel {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	shards := make([]*shard, cfg.Workers)
	for i := range shards {
		shards[i] = newShard(cfg, selector, logger)
	}
	return &Sentinel{
		cfg:        cfg,
		selector:   selector,
		correlator: correlator,
		playbook:   pb,
		logger:     logger,
		shards:     shards,
		evidence:   make(map[models.Pattern]map[string]float64),
		veto:       models.VetoState{Status: models.StatusNominal},
	}
}

// Run drives the evaluation tick until ctx is cancelled. Sample ingestion is
// independent of this loop; the pipeline keeps feeding shards while ticks
// fire.
func (s *Sentinel) Run(ctx context.Context) error {
	s.logger.Info("evaluation loop started",
		slog.Duration("interval", s.cfg.PollInterval),
		slog.Int("shards", len(s.shards)))

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.EvaluateAt(time.Now().UTC())
		}
	}
}

// Ingest pushes one normalized sample into its host's shard. It reports
// window.ErrOutOfOrder for stale samples; the window is left untouched.
func (s *Sentinel) Ingest(sample models.MetricSample) error {
	return s.shards[shardIndex(sample.HostID, len(s.shards))].ingest(sample)
}

// EvaluateAt runs one evaluation tick at the given instant: per-host
// detection on hosts that received data since the last tick, correlation,
// incident sweep, host status derivation and veto state publication. It is
// level-triggered; once incidents close, the state returns to NOMINAL on the
// next tick with no reset call.
func (s *Sentinel) EvaluateAt(now time.Time) models.VetoState {
	start := time.Now()

	var states []models.HostState
	var signals []models.DetectionSignal
	for _, sh := range s.shards {
		st, sg := sh.evaluate(now)
		states = append(states, st...)
		signals = append(signals, sg...)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].HostID < states[j].HostID })
	sort.SliceStable(signals, func(i, j int) bool { return signals[i].HostID < signals[j].HostID })

	for _, sig := range signals {
		inc := s.correlator.Process(sig)
		metrics.CountSignal(string(sig.Pattern), sig.Origin)
		s.evidence[sig.Pattern] = sig.Evidence
		s.logger.Debug("signal correlated",
			slog.String("host", sig.HostID),
			slog.String("pattern", string(sig.Pattern)),
			slog.Float64("severity", sig.Severity),
			slog.String("incident_id", inc.ID))
	}

	s.correlator.Sweep(now)
	open := s.correlator.OpenIncidents()

	unstable := make(map[string]struct{})
	for _, inc := range open {
		for _, h := range inc.Hosts {
			unstable[h] = struct{}{}
		}
	}
	for i := range states {
		if _, ok := unstable[states[i].HostID]; ok && states[i].Status != models.HostStale {
			states[i].Status = models.HostUnstable
		}
	}

	status := models.StatusNominal
	for _, inc := range open {
		if inc.PeakSeverity >= s.cfg.VetoFloor {
			status = models.StatusVeto
			break
		}
		if inc.PeakSeverity > s.cfg.SeverityFloor {
			status = models.StatusWatch
		}
	}

	var advisories []models.Advisory
	seen := make(map[string]struct{})
	for _, inc := range open {
		if inc.PeakSeverity < s.cfg.VetoFloor {
			continue
		}
		for _, a := range s.playbook.Advise(inc.DominantPattern, inc.PeakSeverity, s.evidence[inc.DominantPattern]) {
			key := string(a.Pattern) + "/" + string(a.Action)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			advisories = append(advisories, a)
		}
	}

	s.ring = append(s.ring, status)
	if len(s.ring) > s.cfg.FlapWindow {
		s.ring = s.ring[len(s.ring)-s.cfg.FlapWindow:]
	}
	transitions := 0
	for i := 1; i < len(s.ring); i++ {
		if s.ring[i] != s.ring[i-1] {
			transitions++
		}
	}
	flapping := transitions >= s.cfg.FlapTransitions

	veto := models.VetoState{
		Status:          status,
		Flapping:        flapping,
		Advisories:      advisories,
		ActiveIncidents: open,
		EvaluatedAt:     now,
	}

	s.mu.Lock()
	prev := s.veto.Status
	s.veto = veto
	s.hosts = states
	s.mu.Unlock()

	if prev != status {
		s.logger.Info("veto status changed",
			slog.String("from", string(prev)),
			slog.String("to", string(status)),
			slog.Int("open_incidents", len(open)),
			slog.Bool("flapping", flapping))
	}

	metrics.SetOpenIncidents(len(open))
	metrics.SetVetoStatus(statusLevel(status))
	metrics.ObserveEvaluation(time.Since(start))
	return veto
}

// VetoState returns the most recently published veto state.
func (s *Sentinel) VetoState() models.VetoState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.veto
}

// HostStates returns the most recently published host states.
func (s *Sentinel) HostStates() []models.HostState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.HostState, len(s.hosts))
	copy(out, s.hosts)
	return out
}

// Snapshot returns the full polled view.
func (s *Sentinel) Snapshot() models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hosts := make([]models.HostState, len(s.hosts))
	copy(hosts, s.hosts)
	return models.Snapshot{Veto: s.veto, Hosts: hosts}
}

func statusLevel(st models.Status) int {
	switch st {
	case models.StatusVeto:
		return metrics.StatusVeto
	case models.StatusWatch:
		return metrics.StatusWatch
	}
	return metrics.StatusNominal
}

// shard owns the windows of the hosts hashed to it. Its mutex serializes the
// owning pipeline worker against the evaluation tick.
type shard struct {
	mu       sync.Mutex
	cfg      Config
	selector *detect.Selector
	logger   *slog.Logger

	windows  map[string]map[string]*window.Window
	lastSeen map[string]time.Time
	dirty    map[string]struct{}
}

func newShard(cfg Config, selector *detect.Selector, logger *slog.Logger) *shard {
	return &shard{
		cfg:      cfg,
		selector: selector,
		logger:   logger,
		windows:  make(map[string]map[string]*window.Window),
		lastSeen: make(map[string]time.Time),
		dirty:    make(map[string]struct{}),
	}
}

func (sh *shard) ingest(sample models.MetricSample) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	byMetric, ok := sh.windows[sample.HostID]
	if !ok {
		byMetric = make(map[string]*window.Window)
		sh.windows[sample.HostID] = byMetric
	}
	w, ok := byMetric[sample.Metric]
	if !ok {
		w = window.New(sh.cfg.WindowCapacity, sh.cfg.WindowSpan)
		byMetric[sample.Metric] = w
	}

	if err := w.Push(sample.Timestamp, sample.Value); err != nil {
		return err
	}
	if sample.Timestamp.After(sh.lastSeen[sample.HostID]) {
		sh.lastSeen[sample.HostID] = sample.Timestamp
	}
	sh.dirty[sample.HostID] = struct{}{}
	return nil
}

// evaluate derives host states for every tracked host and runs detection on
// the hosts that changed since the previous tick. One firing condition emits
// one signal per tick, never one per sample.
func (sh *shard) evaluate(now time.Time) ([]models.HostState, []models.DetectionSignal) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	states := make([]models.HostState, 0, len(sh.windows))
	for host, byMetric := range sh.windows {
		stats := make(map[string]models.MetricStats, len(byMetric))
		most := 0
		for metric, w := range byMetric {
			if w.Len() > most {
				most = w.Len()
			}
			st, ok := w.Stats()
			if !ok {
				stats[metric] = models.MetricStats{Samples: w.Len()}
				continue
			}
			stats[metric] = models.MetricStats{
				Mean:        st.Mean,
				Variance:    st.Variance,
				StdDev:      st.StdDev,
				Rate:        st.Rate,
				Samples:     st.Samples,
				SpanSeconds: w.Span().Seconds(),
			}
		}

		last := sh.lastSeen[host]
		status := models.HostStable
		switch {
		case now.Sub(last) > sh.cfg.MaxSignalLag:
			status = models.HostStale
		case most < sh.cfg.WarmupMinSamples:
			status = models.HostWarmup
		}

		states = append(states, models.HostState{
			HostID:   host,
			Status:   status,
			LastSeen: last,
			Stats:    stats,
		})
	}

	var signals []models.DetectionSignal
	for host := range sh.dirty {
		byMetric, ok := sh.windows[host]
		if !ok {
			continue
		}
		det := sh.selector.For(host)
		signals = append(signals, det.Evaluate(host, now, hostView{windows: byMetric})...)
	}
	sh.dirty = make(map[string]struct{})

	return states, signals
}

// hostView exposes one host's windows to a detector.
type hostView struct {
	windows map[string]*window.Window
}

func (v hostView) Stats(metric string) (window.Stats, bool) {
	w, ok := v.windows[metric]
	if !ok {
		return window.Stats{}, false
	}
	return w.Stats()
}

func (v hostView) Values(metric string) []float64 {
	w, ok := v.windows[metric]
	if !ok {
		return nil
	}
	return w.Values()
}

func (v hostView) Rates(metric string, k int) []float64 {
	w, ok := v.windows[metric]
	if !ok {
		return nil
	}
	return w.Rates(k)
}

func (v hostView) Delta(metric string) (float64, bool) {
	w, ok := v.windows[metric]
	if !ok || w.Len() < 2 {
		return 0, false
	}
	return w.Delta(), true
}

func (v hostView) Last(metric string) (time.Time, float64, bool) {
	w, ok := v.windows[metric]
	if !ok {
		return time.Time{}, 0, false
	}
	return w.Last()
}
