package sentinel

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/blackglass/coherence-sentinel/internal/ingest"
	"github.com/blackglass/coherence-sentinel/internal/metrics"
	"github.com/blackglass/coherence-sentinel/internal/models"
	"github.com/blackglass/coherence-sentinel/internal/utils"
)

// queuedRecord is one raw adapter record waiting for normalization, tagged
// with its source and enqueue instant for latency accounting.
type queuedRecord struct {
	rec     ingest.Record
	adapter string
	at      time.Time
}

type workerMsg struct {
	sample  models.MetricSample
	adapter string
	at      time.Time
}

// Pipeline moves records from adapters into sentinel shards. A single
// dispatcher owns the normalizer; records then fan out to workers partitioned
// by host hash, so every (host, metric) key is written by exactly one
// goroutine and window order is structural, not locked.
type Pipeline struct {
	sent    *Sentinel
	norm    *ingest.Normalizer
	logger  *slog.Logger
	latency *utils.LatencyTracker

	queue chan queuedRecord
	lanes []chan workerMsg
}

// NewPipeline wires the ingestion path in front of the sentinel. Queue and
// worker counts come from the sentinel's own configuration so the hash
// partitioning matches its shards.
func NewPipeline(sent *Sentinel, norm *ingest.Normalizer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	lanes := make([]chan workerMsg, sent.cfg.Workers)
	for i := range lanes {
		lanes[i] = make(chan workerMsg, 64)
	}
	return &Pipeline{
		sent:    sent,
		norm:    norm,
		logger:  logger,
		latency: utils.NewLatencyTracker(2048),
		queue:   make(chan queuedRecord, sent.cfg.QueueSize),
		lanes:   lanes,
	}
}

// SinkFor returns the sink an adapter pushes into. Each adapter gets its own
// handle so accepted-sample counts stay attributable.
func (p *Pipeline) SinkFor(adapter string) ingest.Sink {
	return adapterSink{pipe: p, adapter: adapter}
}

type adapterSink struct {
	pipe    *Pipeline
	adapter string
}

func (s adapterSink) Offer(rec ingest.Record) bool {
	return s.pipe.offer(rec, s.adapter)
}

// offer enqueues without ever blocking the caller. On a full queue the oldest
// waiting record is evicted to make room: fresh telemetry beats stale.
func (p *Pipeline) offer(rec ingest.Record, adapter string) bool {
	msg := queuedRecord{rec: rec, adapter: adapter, at: time.Now()}
	select {
	case p.queue <- msg:
		return true
	default:
	}

	select {
	case <-p.queue:
		metrics.CountDrop("overflow")
	default:
	}

	select {
	case p.queue <- msg:
		return true
	default:
		metrics.CountDrop("overflow")
		return false
	}
}

// Run consumes the queue until ctx is cancelled, then drains the worker lanes
// and returns. Adapters keep their own lifecycles; cancelling here never
// closes the queue, so a late Offer after shutdown is harmless.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, lane := range p.lanes {
		wg.Add(1)
		go func(ch <-chan workerMsg) {
			defer wg.Done()
			p.work(ch)
		}(lane)
	}

	p.logger.Info("pipeline started",
		slog.Int("workers", len(p.lanes)),
		slog.Int("queue_size", cap(p.queue)))

	p.dispatch(ctx)
	for _, lane := range p.lanes {
		close(lane)
	}
	wg.Wait()
	return nil
}

// dispatch normalizes queued records and routes them to the host's lane. It
// is the only goroutine touching the normalizer.
func (p *Pipeline) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-p.queue:
			sample, err := p.norm.Normalize(q.rec)
			if err != nil {
				reason := ingest.DropReason(err)
				metrics.CountDrop(reason)
				p.logger.Debug("record dropped",
					slog.String("adapter", q.adapter),
					slog.String("host", q.rec.Host),
					slog.String("metric", q.rec.Metric),
					slog.String("reason", reason),
					slog.Any("error", err))
				continue
			}
			msg := workerMsg{sample: sample, adapter: q.adapter, at: q.at}
			select {
			case <-ctx.Done():
				return
			case p.lanes[shardIndex(sample.HostID, len(p.lanes))] <- msg:
			}
		}
	}
}

func (p *Pipeline) work(ch <-chan workerMsg) {
	for msg := range ch {
		if err := p.sent.Ingest(msg.sample); err != nil {
			metrics.CountDrop("out_of_order")
			p.logger.Debug("sample dropped",
				slog.String("adapter", msg.adapter),
				slog.String("host", msg.sample.HostID),
				slog.String("metric", msg.sample.Metric),
				slog.String("reason", "out_of_order"))
			continue
		}
		metrics.CountSample(msg.adapter)
		p.latency.ObserveSince(msg.at)
		if total := p.latency.Total(); total%1000 == 0 {
			p.logger.Info("ingestion latency",
				slog.Uint64("samples", total),
				slog.Duration("p50", p.latency.Percentile(50)),
				slog.Duration("p95", p.latency.Percentile(95)))
		}
	}
}

// shardIndex maps a host to its shard and worker lane. Ingest and the
// pipeline share it so both partitions agree.
func shardIndex(host string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(host))
	return int(h.Sum32() % uint32(n))
}
