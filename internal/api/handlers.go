package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/blackglass/coherence-sentinel/internal/models"
)

// SnapshotSource is the sentinel's published view.
type SnapshotSource interface {
	Snapshot() models.Snapshot
	HostStates() []models.HostState
}

// IncidentSource is the correlation engine's incident history.
type IncidentSource interface {
	OpenIncidents() []models.Incident
	ClosedIncidents(limit int) []models.Incident
}

// ProfileSource is the profiler's aggregated output.
type ProfileSource interface {
	Profiles() []models.HostProfile
}

// Handlers serves the read-only snapshot surface. There is deliberately no
// mutating route: pollers observe, the sentinel never takes commands.
type Handlers struct {
	snapshots SnapshotSource
	incidents IncidentSource
	profiles  ProfileSource
	logger    *slog.Logger
}

// NewHandlers wires the route handlers to their data sources.
func NewHandlers(snapshots SnapshotSource, incidents IncidentSource, profiles ProfileSource, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		snapshots: snapshots,
		incidents: incidents,
		profiles:  profiles,
		logger:    logger,
	}
}

// Routes builds the HTTP mux for the snapshot API.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/snapshot", h.getOnly(h.handleSnapshot))
	mux.HandleFunc("/api/v1/incidents", h.getOnly(h.handleIncidents))
	mux.HandleFunc("/api/v1/hosts", h.getOnly(h.handleHosts))
	mux.HandleFunc("/api/v1/profiles", h.getOnly(h.handleProfiles))
	mux.HandleFunc("/healthz", h.getOnly(h.handleHealth))
	return mux
}

func (h *Handlers) getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			h.jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		next(w, r)
	}
}

func (h *Handlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	h.jsonResp(w, http.StatusOK, h.snapshots.Snapshot())
}

func (h *Handlers) handleIncidents(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		state = "open"
	}

	var incidents []models.Incident
	switch state {
	case "open":
		incidents = h.incidents.OpenIncidents()
	case "closed":
		incidents = h.incidents.ClosedIncidents(0)
	case "all":
		incidents = append(h.incidents.OpenIncidents(), h.incidents.ClosedIncidents(0)...)
	default:
		h.jsonErr(w, http.StatusBadRequest, "state must be open, closed or all")
		return
	}
	if incidents == nil {
		incidents = []models.Incident{}
	}

	h.jsonResp(w, http.StatusOK, map[string]any{
		"state":     state,
		"incidents": incidents,
	})
}

func (h *Handlers) handleHosts(w http.ResponseWriter, r *http.Request) {
	hosts := h.snapshots.HostStates()
	if hosts == nil {
		hosts = []models.HostState{}
	}
	h.jsonResp(w, http.StatusOK, map[string]any{"hosts": hosts})
}

func (h *Handlers) handleProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := h.profiles.Profiles()
	if profiles == nil {
		profiles = []models.HostProfile{}
	}
	h.jsonResp(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.jsonResp(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) jsonResp(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("response encoding failed", slog.Any("error", err))
	}
}

func (h *Handlers) jsonErr(w http.ResponseWriter, status int, msg string) {
	h.jsonResp(w, status, map[string]string{"error": msg})
}
