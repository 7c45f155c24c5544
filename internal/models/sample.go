package models

import "time"

// Canonical metric names produced by the normalizer. Adapters may emit
// arbitrary source names; only these reach the detection engine.
const (
	MetricCPULoad      = "cpu_load"
	MetricMemUsedMB    = "mem_used_mb"
	MetricNetRxPackets = "net_rx_packets"
	MetricNetTxPackets = "net_tx_packets"
)

// MetricSample is one normalized telemetry observation. Immutable once
// created; timestamps strictly increase per (host, metric).
type MetricSample struct {
	HostID    string    `json:"host_id"`
	Metric    string    `json:"metric"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Key returns the window-routing key for the sample.
func (s MetricSample) Key() string {
	return s.HostID + "/" + s.Metric
}
