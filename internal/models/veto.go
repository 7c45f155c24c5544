package models

import "time"

// Status is the sentinel-wide advisory level.
type Status string

const (
	StatusNominal Status = "NOMINAL"
	StatusWatch   Status = "WATCH"
	StatusVeto    Status = "VETO"
)

// VetoAction enumerates advisory actions. The sentinel only ever suggests;
// it never executes any of these.
type VetoAction string

const (
	ActionShedLoad   VetoAction = "SHED_LOAD"
	ActionThrottle   VetoAction = "THROTTLE"
	ActionCapRetries VetoAction = "CAP_RETRIES"
)

// Advisory pairs a firing pattern with the recommended operator action.
type Advisory struct {
	Pattern Pattern    `json:"pattern"`
	Action  VetoAction `json:"action"`
	Reason  string     `json:"reason"`
}

// VetoState is the process-wide sentinel output, re-derived every evaluation
// tick and read (never written) by the presentation layer.
type VetoState struct {
	Status          Status     `json:"status"`
	Flapping        bool       `json:"flapping"`
	Advisories      []Advisory `json:"advisories,omitempty"`
	ActiveIncidents []Incident `json:"active_incidents,omitempty"`
	EvaluatedAt     time.Time  `json:"evaluated_at"`
}

// HostStatus describes a single host's ingestion health.
type HostStatus string

const (
	HostWarmup   HostStatus = "WARMUP"
	HostStable   HostStatus = "STABLE"
	HostUnstable HostStatus = "UNSTABLE"
	HostStale    HostStatus = "STALE"
)

// MetricStats is the snapshot view of one rolling window.
type MetricStats struct {
	Mean        float64 `json:"mean"`
	Variance    float64 `json:"variance"`
	StdDev      float64 `json:"stddev"`
	Rate        float64 `json:"rate"`
	Samples     int     `json:"samples"`
	SpanSeconds float64 `json:"span_seconds"`
}

// HostState is the per-host slice of a snapshot.
type HostState struct {
	HostID   string                 `json:"host_id"`
	Status   HostStatus             `json:"status"`
	LastSeen time.Time              `json:"last_seen"`
	Stats    map[string]MetricStats `json:"stats,omitempty"`
}
