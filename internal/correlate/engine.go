package correlate

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blackglass/coherence-sentinel/internal/models"
)

// successors lists, per dominant pattern, the patterns a later signal may
// carry and still join the same incident. The table encodes the observed
// failure chains: compute thrash degrades into memory pressure, memory
// pressure degrades into retry amplification. The reverse directions do not
// merge.
var successors = map[models.Pattern][]models.Pattern{
	models.PatternSeizure:    {models.PatternSeizure, models.PatternFever},
	models.PatternFever:      {models.PatternFever, models.PatternAutoImmune},
	models.PatternAutoImmune: {models.PatternAutoImmune},
}

// dominanceOrder fixes the tie-break when two patterns have accumulated the
// same total severity inside one incident: the earlier stage of the chain
// wins.
var dominanceOrder = []models.Pattern{
	models.PatternSeizure,
	models.PatternFever,
	models.PatternAutoImmune,
}

// Config holds the correlation tunables resolved at startup.
type Config struct {
	// GraceWindow is how long an open incident waits for a compatible
	// signal before it is closed.
	GraceWindow time.Duration
	// HostGroups maps a group name to the hosts it contains. Hosts that
	// share at least one group correlate into the same incident.
	HostGroups map[string][]string
	// RiskStrategy selects the severity blend: "mean" or "max".
	RiskStrategy string
	// HistoryCap bounds the closed-incident buffer.
	HistoryCap int
}

// incidentState carries the mutable bookkeeping for one open incident. The
// exported models.Incident inside it is what snapshots and the API see.
type incidentState struct {
	inc models.Incident

	severityByPattern map[models.Pattern]float64
	severitySum       float64
	chainFrom         models.Pattern
	chainTo           models.Pattern
	chained           bool
}

type closedEntry struct {
	seq int64
	inc models.Incident
}

// Engine groups detection signals into incidents and tracks their lifecycle.
// All methods are safe for concurrent use; state is guarded by a single
// mutex, so callers never observe a half-applied transition.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	risk    RiskStrategy
	groups  map[string][]string
	open    []*incidentState
	closed  []closedEntry
	nextSeq int64
	logger  *slog.Logger
}

// NewEngine builds a correlation engine from cfg. Unset fields fall back to
// a 60s grace window, the mean risk strategy and a history of 256 incidents.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 60 * time.Second
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 256
	}

	groups := make(map[string][]string)
	for name, hosts := range cfg.HostGroups {
		for _, h := range hosts {
			groups[h] = append(groups[h], name)
		}
	}

	return &Engine{
		cfg:     cfg,
		risk:    strategyByName(cfg.RiskStrategy),
		groups:  groups,
		nextSeq: 1,
		logger:  logger,
	}
}

// Process folds one detection signal into the incident table. The signal
// either extends the first open incident it is compatible with or opens a
// new one. The returned incident is a copy of the post-transition state.
func (e *Engine) Process(sig models.DetectionSignal) models.Incident {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, st := range e.open {
		if !e.accepts(st, sig) {
			continue
		}
		e.extend(st, sig)
		return st.inc
	}
	st := e.openIncident(sig)
	e.open = append(e.open, st)
	return st.inc
}

// Sweep closes every open incident whose last signal is older than the
// grace window relative to now. Closed incidents keep their data-time
// extent: EndTime is the timestamp of the last contributing signal, not the
// sweep time. The newly closed incidents are returned in close order.
func (e *Engine) Sweep(now time.Time) []models.Incident {
	e.mu.Lock()
	defer e.mu.Unlock()

	var swept []models.Incident
	kept := e.open[:0]
	for _, st := range e.open {
		if now.Sub(st.inc.LastSignalAt) <= e.cfg.GraceWindow {
			kept = append(kept, st)
			continue
		}
		st.inc.State = models.IncidentClosed
		st.inc.EndTime = st.inc.LastSignalAt
		e.closed = append(e.closed, closedEntry{seq: e.nextSeq, inc: st.inc})
		e.nextSeq++
		if len(e.closed) > e.cfg.HistoryCap {
			e.closed = e.closed[len(e.closed)-e.cfg.HistoryCap:]
		}
		swept = append(swept, st.inc)
		e.logger.Info("incident closed",
			slog.String("incident_id", st.inc.ID),
			slog.String("pattern", string(st.inc.DominantPattern)),
			slog.Int("signals", st.inc.SignalCount),
			slog.Float64("risk_score", st.inc.RiskScore),
		)
	}
	e.open = kept
	return swept
}

// OpenIncidents returns copies of every open incident ordered by start time.
func (e *Engine) OpenIncidents() []models.Incident {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.Incident, 0, len(e.open))
	for _, st := range e.open {
		out = append(out, st.inc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// OpenCount reports the number of open incidents without copying them.
func (e *Engine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open)
}

// ClosedIncidents returns up to limit most recent closed incidents, newest
// first. limit <= 0 returns the full retained history.
func (e *Engine) ClosedIncidents(limit int) []models.Incident {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.closed)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.Incident, 0, n)
	for i := len(e.closed) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, e.closed[i].inc)
	}
	return out
}

// ClosedSince returns the closed incidents recorded after the given cursor
// together with the next cursor value. A zero cursor reads from the start of
// the retained history.
func (e *Engine) ClosedSince(cursor int64) ([]models.Incident, int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := cursor
	var out []models.Incident
	for _, ce := range e.closed {
		if ce.seq <= cursor {
			continue
		}
		out = append(out, ce.inc)
		if ce.seq > next {
			next = ce.seq
		}
	}
	return out, next
}

// accepts reports whether sig may join the given open incident: the signal's
// host must already be covered or share a host group with a covered host,
// and its pattern must be a valid successor of the incident's dominant
// pattern.
func (e *Engine) accepts(st *incidentState, sig models.DetectionSignal) bool {
	hostOK := st.inc.Covers(sig.HostID)
	if !hostOK {
		for _, h := range st.inc.Hosts {
			if e.related(h, sig.HostID) {
				hostOK = true
				break
			}
		}
	}
	if !hostOK {
		return false
	}
	for _, p := range successors[st.inc.DominantPattern] {
		if p == sig.Pattern {
			return true
		}
	}
	return false
}

// related reports whether two distinct hosts share at least one host group.
func (e *Engine) related(a, b string) bool {
	if a == b {
		return true
	}
	for _, ga := range e.groups[a] {
		for _, gb := range e.groups[b] {
			if ga == gb {
				return true
			}
		}
	}
	return false
}

func (e *Engine) openIncident(sig models.DetectionSignal) *incidentState {
	st := &incidentState{
		inc: models.Incident{
			ID:              uuid.New().String(),
			Hosts:           []string{sig.HostID},
			StartTime:       sig.Timestamp,
			State:           models.IncidentOpen,
			DominantPattern: sig.Pattern,
			PeakSeverity:    sig.Severity,
			SignalCount:     1,
			LastSignalAt:    sig.Timestamp,
		},
		severityByPattern: map[models.Pattern]float64{sig.Pattern: sig.Severity},
		severitySum:       sig.Severity,
		chainFrom:         sig.Pattern,
		chainTo:           sig.Pattern,
	}
	st.inc.RiskScore = e.risk.Blend(0, st.severitySum, st.inc.SignalCount, st.inc.PeakSeverity)
	st.inc.Narrative = narrative(st)

	e.logger.Info("incident opened",
		slog.String("incident_id", st.inc.ID),
		slog.String("host", sig.HostID),
		slog.String("pattern", string(sig.Pattern)),
		slog.Float64("severity", sig.Severity),
	)
	return st
}

func (e *Engine) extend(st *incidentState, sig models.DetectionSignal) {
	st.inc.State = models.IncidentExtending
	if !st.inc.Covers(sig.HostID) {
		st.inc.Hosts = append(st.inc.Hosts, sig.HostID)
		sort.Strings(st.inc.Hosts)
	}
	st.inc.SignalCount++
	if sig.Timestamp.After(st.inc.LastSignalAt) {
		st.inc.LastSignalAt = sig.Timestamp
	}
	if sig.Severity > st.inc.PeakSeverity {
		st.inc.PeakSeverity = sig.Severity
	}
	st.severitySum += sig.Severity
	st.severityByPattern[sig.Pattern] += sig.Severity
	if sig.Pattern != st.chainFrom {
		st.chainTo = sig.Pattern
		st.chained = true
	}

	st.inc.DominantPattern = dominant(st.severityByPattern)
	st.inc.RiskScore = e.risk.Blend(st.inc.RiskScore, st.severitySum, st.inc.SignalCount, st.inc.PeakSeverity)
	st.inc.Narrative = narrative(st)

	e.logger.Debug("incident extended",
		slog.String("incident_id", st.inc.ID),
		slog.String("host", sig.HostID),
		slog.String("pattern", string(sig.Pattern)),
		slog.Int("signals", st.inc.SignalCount),
	)
}

// dominant picks the pattern with the highest accumulated severity,
// breaking ties toward the earlier chain stage.
func dominant(sev map[models.Pattern]float64) models.Pattern {
	best := dominanceOrder[0]
	bestSev := -1.0
	for _, p := range dominanceOrder {
		if s, ok := sev[p]; ok && s > bestSev {
			best = p
			bestSev = s
		}
	}
	return best
}

// patternHeadline returns the fixed description used in incident narratives.
func patternHeadline(p models.Pattern) string {
	switch p {
	case models.PatternSeizure:
		return "COMPUTE SEIZURE (High Variance)"
	case models.PatternFever:
		return "RESOURCE FEVER (Sustained Allocation)"
	case models.PatternAutoImmune:
		return "RETRY STORM (Egress Amplification)"
	}
	return string(p)
}

// patternStage is the short form used when naming one step of a chain.
func patternStage(p models.Pattern) string {
	switch p {
	case models.PatternSeizure:
		return "Variance"
	case models.PatternFever:
		return "Allocation"
	case models.PatternAutoImmune:
		return "Amplification"
	}
	return string(p)
}

// narrative renders the human-readable summary for the incident's current
// state. Rendering is a pure function of the bookkeeping, so replaying the
// same signals always reproduces the same text.
func narrative(st *incidentState) string {
	hosts := strings.Join(st.inc.Hosts, ", ")
	if st.chained {
		return "Detected instability on " + hosts +
			". Pattern: CASCADING FAILURE (" + patternStage(st.chainFrom) +
			" escalation leading to " + patternStage(st.chainTo) + ")."
	}
	return "Detected instability on " + hosts +
		". Pattern: " + patternHeadline(st.inc.DominantPattern) + "."
}
