package ingest

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/blackglass/coherence-sentinel/internal/models"
)

// SimConfig tunes the scripted scenario replayed by the Sim adapter.
type SimConfig struct {
	Host     string
	Interval time.Duration
	Seed     int64
	// AmplifyFrom/AmplifyUntil bound an optional step range during which the
	// egress packet counter advances AmplifyFactor times faster than ingress,
	// reproducing a retry storm. Zero values disable the phase.
	AmplifyFrom   int
	AmplifyUntil  int
	AmplifyFactor float64
}

// Sim replays a deterministic instability scenario for one synthetic host:
// steps 21-29 thrash the CPU between ~10 and ~90, steps 41-49 churn memory
// at +500 MB per step, and packet counters advance steadily at +10 per step
// outside the optional amplification phase. A fixed seed makes every run
// identical.
type Sim struct {
	cfg    SimConfig
	rng    *rand.Rand
	logger *slog.Logger

	step int
	mem  float64
	sent float64
	recv float64
}

// NewSim builds the adapter; zero-value fields select the stock scenario.
func NewSim(cfg SimConfig, logger *slog.Logger) *Sim {
	if cfg.Host == "" {
		cfg.Host = "sim-host-1"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	if cfg.AmplifyFactor <= 0 {
		cfg.AmplifyFactor = 4.0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sim{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		logger: logger,
		mem:    4000.0,
		sent:   1000,
		recv:   1000,
	}
}

func (s *Sim) Name() string { return "sim" }

// Run emits one batch immediately and then one per interval until ctx is
// cancelled.
func (s *Sim) Run(ctx context.Context, sink Sink) error {
	s.logger.Info("sim adapter started",
		slog.String("host", s.cfg.Host), slog.Int64("seed", s.cfg.Seed))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.emit(time.Now().UTC(), sink)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.emit(now.UTC(), sink)
		}
	}
}

func (s *Sim) emit(now time.Time, sink Sink) {
	for _, rec := range s.advance(now) {
		sink.Offer(rec)
	}
}

// advance moves the scenario one step and returns the batch for that step.
func (s *Sim) advance(now time.Time) []Record {
	s.step++

	var cpu float64
	if s.step > 20 && s.step < 30 {
		cpu = 10.0
		if s.rng.Intn(2) == 1 {
			cpu = 90.0
		}
	} else {
		cpu = 40.0 + s.rng.Float64()*10.0
	}

	churn := 5.0
	if s.step > 40 && s.step < 50 {
		churn = 500.0
	}
	s.mem += churn

	txStep := 10.0
	if s.cfg.AmplifyFrom > 0 && s.step >= s.cfg.AmplifyFrom && s.step <= s.cfg.AmplifyUntil {
		txStep *= s.cfg.AmplifyFactor
	}
	s.sent += txStep
	s.recv += 10.0

	return []Record{
		{Host: s.cfg.Host, Metric: models.MetricCPULoad, Timestamp: now, Value: cpu, Kind: KindGauge},
		{Host: s.cfg.Host, Metric: models.MetricMemUsedMB, Timestamp: now, Value: s.mem, Kind: KindGauge},
		{Host: s.cfg.Host, Metric: models.MetricNetTxPackets, Timestamp: now, Value: s.sent, Kind: KindCounter},
		{Host: s.cfg.Host, Metric: models.MetricNetRxPackets, Timestamp: now, Value: s.recv, Kind: KindCounter},
	}
}
