package ingest

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/blackglass/coherence-sentinel/internal/models"
)

// LocalConfig tunes the local host adapter.
type LocalConfig struct {
	Host     string
	Interval time.Duration
}

// Local samples the machine the sentinel runs on: CPU utilisation since the
// previous poll, used virtual memory, and aggregate interface packet
// counters.
type Local struct {
	cfg    LocalConfig
	logger *slog.Logger
}

// NewLocal builds the adapter. An empty host id falls back to os.Hostname.
func NewLocal(cfg LocalConfig, logger *slog.Logger) *Local {
	if cfg.Host == "" {
		if hn, err := os.Hostname(); err == nil {
			cfg.Host = hn
		} else {
			cfg.Host = "localhost"
		}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{cfg: cfg, logger: logger}
}

func (l *Local) Name() string { return "local" }

// Run emits one batch immediately and then one per interval until ctx is
// cancelled. Sensor failures skip the affected metric for that cycle only.
func (l *Local) Run(ctx context.Context, sink Sink) error {
	l.logger.Info("local adapter started", slog.String("host", l.cfg.Host))

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.emit(ctx, sink)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.emit(ctx, sink)
		}
	}
}

func (l *Local) emit(ctx context.Context, sink Sink) {
	now := time.Now().UTC()

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		l.logger.Warn("cpu sensor failed", slog.Any("error", err))
	} else if len(percents) > 0 {
		sink.Offer(Record{Host: l.cfg.Host, Metric: models.MetricCPULoad, Timestamp: now, Value: percents[0], Kind: KindGauge})
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		l.logger.Warn("memory sensor failed", slog.Any("error", err))
	} else {
		usedMB := float64(vm.Used) / 1024.0 / 1024.0
		sink.Offer(Record{Host: l.cfg.Host, Metric: models.MetricMemUsedMB, Timestamp: now, Value: usedMB, Kind: KindGauge})
	}

	if counters, err := gnet.IOCountersWithContext(ctx, false); err != nil {
		l.logger.Warn("network sensor failed", slog.Any("error", err))
	} else if len(counters) > 0 {
		sink.Offer(Record{Host: l.cfg.Host, Metric: models.MetricNetTxPackets, Timestamp: now, Value: float64(counters[0].PacketsSent), Kind: KindCounter})
		sink.Offer(Record{Host: l.cfg.Host, Metric: models.MetricNetRxPackets, Timestamp: now, Value: float64(counters[0].PacketsRecv), Kind: KindCounter})
	}
}
