package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// StatusNominal..StatusVeto are the veto_status gauge values.
	StatusNominal = 0
	StatusWatch   = 1
	StatusVeto    = 2
)

var (
	samplesIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coherence",
			Name:      "samples_ingested_total",
			Help:      "Total telemetry samples accepted into the pipeline, partitioned by adapter.",
		},
		[]string{"adapter"},
	)

	samplesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coherence",
			Name:      "samples_dropped_total",
			Help:      "Total samples dropped before windowing, partitioned by reason.",
		},
		[]string{"reason"},
	)

	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coherence",
			Name:      "signals_total",
			Help:      "Detection signals emitted, partitioned by pattern and detector origin.",
		},
		[]string{"pattern", "origin"},
	)

	incidentsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coherence",
			Name:      "incidents_open",
			Help:      "Open incidents in the correlation table.",
		},
	)

	vetoStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coherence",
			Name:      "veto_status",
			Help:      "Current advisory level: 0 nominal, 1 watch, 2 veto.",
		},
	)

	evaluationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "coherence",
			Name:      "evaluation_seconds",
			Help:      "Evaluation tick latency in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)
)

// Register attaches coherence collectors to the supplied Prometheus
// registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		samplesIngestedTotal,
		samplesDroppedTotal,
		signalsTotal,
		incidentsOpen,
		vetoStatus,
		evaluationSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// CountSample records one accepted sample for the named adapter.
func CountSample(adapter string) {
	samplesIngestedTotal.WithLabelValues(adapter).Inc()
}

// CountDrop records one dropped sample with its classification.
func CountDrop(reason string) {
	samplesDroppedTotal.WithLabelValues(reason).Inc()
}

// CountSignal records one detection signal.
func CountSignal(pattern, origin string) {
	signalsTotal.WithLabelValues(pattern, origin).Inc()
}

// SetOpenIncidents publishes the current open incident count.
func SetOpenIncidents(n int) {
	incidentsOpen.Set(float64(n))
}

// SetVetoStatus publishes the advisory level using the Status* values.
func SetVetoStatus(level int) {
	vetoStatus.Set(float64(level))
}

// ObserveEvaluation records one evaluation tick duration.
func ObserveEvaluation(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	evaluationSeconds.Observe(duration.Seconds())
}
