package models

import "time"

// Pattern enumerates the instability signatures the detectors classify.
type Pattern string

const (
	// PatternSeizure is high variance with a nominal mean (contention/thrash).
	PatternSeizure Pattern = "seizure"
	// PatternFever is a sustained positive allocation rate (leak).
	PatternFever Pattern = "fever"
	// PatternAutoImmune is egress/ingress amplification (retry storm).
	PatternAutoImmune Pattern = "auto_immune"
)

// Detector origin labels carried on signals for observability. Correlation
// never branches on origin.
const (
	OriginPhysics = "physics"
	OriginBrain   = "brain"
)

// DetectionSignal is a single raw anomaly classification. Ephemeral: it is
// produced per evaluation tick and retained only as correlation input.
type DetectionSignal struct {
	HostID    string             `json:"host_id"`
	Timestamp time.Time          `json:"timestamp"`
	Pattern   Pattern            `json:"pattern"`
	Severity  float64            `json:"severity"`
	Evidence  map[string]float64 `json:"evidence,omitempty"`
	Origin    string             `json:"origin,omitempty"`
}
