package models

import "time"

// IncidentState tracks the correlation lifecycle of an incident.
type IncidentState string

const (
	IncidentOpen      IncidentState = "open"
	IncidentExtending IncidentState = "extending"
	IncidentClosed    IncidentState = "closed"
)

// Incident is a correlated group of detection signals over time. Owned
// exclusively by the correlation engine; everything handed out is a copy.
type Incident struct {
	ID              string        `json:"id"`
	Hosts           []string      `json:"hosts"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time,omitempty"`
	State           IncidentState `json:"state"`
	DominantPattern Pattern       `json:"dominant_pattern"`
	PeakSeverity    float64       `json:"peak_severity"`
	RiskScore       float64       `json:"risk_score"`
	Narrative       string        `json:"narrative"`
	SignalCount     int           `json:"signal_count"`
	LastSignalAt    time.Time     `json:"last_signal_at"`
}

// IsOpen reports whether the incident still accepts extending signals.
func (i Incident) IsOpen() bool {
	return i.State == IncidentOpen || i.State == IncidentExtending
}

// Covers reports whether the incident already includes the host.
func (i Incident) Covers(host string) bool {
	for _, h := range i.Hosts {
		if h == host {
			return true
		}
	}
	return false
}
