package models

import "time"

// HostProfile is an aggregated instability fingerprint mined from closed
// incidents.
type HostProfile struct {
	Host             string    `json:"host"`
	DominantPattern  Pattern   `json:"dominant_pattern"`
	Incidents        int       `json:"incidents"`
	MeanRisk         float64   `json:"mean_risk"`
	PeakRisk         float64   `json:"peak_risk"`
	MeanDurationMins float64   `json:"mean_duration_mins"`
	LastIncidentAt   time.Time `json:"last_incident_at"`
}
