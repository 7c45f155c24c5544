// Package profile folds closed incidents into per-host instability profiles.
// Profiles are a cumulative digest kept for operators; they never influence
// detection or correlation.
package profile

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/blackglass/coherence-sentinel/internal/models"
	"github.com/blackglass/coherence-sentinel/internal/utils"
)

// Source yields closed incidents recorded after the given cursor, together
// with the next cursor value.
type Source interface {
	ClosedSince(cursor int64) ([]models.Incident, int64)
}

// Store abstracts persistence for digested host profiles.
type Store interface {
	SaveProfiles(ctx context.Context, profiles []models.HostProfile) error
}

// patternOrder fixes the dominant-pattern tie-break toward the earlier
// stage of the failure chain.
var patternOrder = []models.Pattern{
	models.PatternSeizure,
	models.PatternFever,
	models.PatternAutoImmune,
}

// Digester accumulates incident history into host profiles.
type Digester struct {
	source Source
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	cursor int64
	hosts  map[string]*hostAggregate
}

// NewDigester constructs a Digester; store may be nil for dry runs.
func NewDigester(source Source, store Store, logger *slog.Logger) *Digester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Digester{
		source: source,
		store:  store,
		logger: logger,
		hosts:  make(map[string]*hostAggregate),
	}
}

// Digest pulls the incidents closed since the previous digest, folds them
// into the per-host aggregates and returns the refreshed profiles sorted by
// incident count. With no new incidents it returns nil and leaves the store
// untouched.
func (d *Digester) Digest(ctx context.Context) ([]models.HostProfile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	closed, next := d.source.ClosedSince(d.cursor)
	d.cursor = next
	if len(closed) == 0 {
		return nil, nil
	}

	for _, inc := range closed {
		for _, host := range inc.Hosts {
			agg := ensureAggregate(d.hosts, host)
			agg.incidents++
			agg.riskSum += inc.RiskScore
			agg.durationSum += utils.DurationMinutes(inc.StartTime, inc.EndTime)
			if inc.RiskScore > agg.peakRisk {
				agg.peakRisk = inc.RiskScore
			}
			if inc.EndTime.After(agg.lastIncident) {
				agg.lastIncident = inc.EndTime
			}
			agg.patternSeverity[inc.DominantPattern] += inc.PeakSeverity
		}
	}

	profiles := d.renderLocked()

	if d.store != nil {
		if err := d.store.SaveProfiles(ctx, profiles); err != nil {
			d.logger.Warn("profile store failed", slog.Any("error", err))
		}
	}
	d.logger.Debug("host profiles digested",
		slog.Int("incidents", len(closed)), slog.Int("hosts", len(profiles)))
	return profiles, nil
}

// Profiles returns the current aggregate state without consuming new
// incidents.
func (d *Digester) Profiles() []models.HostProfile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.renderLocked()
}

func (d *Digester) renderLocked() []models.HostProfile {
	profiles := make([]models.HostProfile, 0, len(d.hosts))
	for host, agg := range d.hosts {
		profiles = append(profiles, models.HostProfile{
			Host:             host,
			DominantPattern:  agg.dominant(),
			Incidents:        agg.incidents,
			MeanRisk:         agg.riskSum / float64(agg.incidents),
			PeakRisk:         agg.peakRisk,
			MeanDurationMins: agg.durationSum / float64(agg.incidents),
			LastIncidentAt:   agg.lastIncident,
		})
	}
	sort.Slice(profiles, func(i, j int) bool {
		if profiles[i].Incidents == profiles[j].Incidents {
			return profiles[i].Host < profiles[j].Host
		}
		return profiles[i].Incidents > profiles[j].Incidents
	})
	return profiles
}

type hostAggregate struct {
	incidents       int
	riskSum         float64
	peakRisk        float64
	durationSum     float64
	lastIncident    time.Time
	patternSeverity map[models.Pattern]float64
}

func ensureAggregate(m map[string]*hostAggregate, host string) *hostAggregate {
	if host == "" {
		host = "unknown"
	}
	agg, ok := m[host]
	if !ok {
		agg = &hostAggregate{patternSeverity: make(map[models.Pattern]float64)}
		m[host] = agg
	}
	return agg
}

func (agg *hostAggregate) dominant() models.Pattern {
	best := patternOrder[0]
	bestSev := -1.0
	for _, p := range patternOrder {
		if s, ok := agg.patternSeverity[p]; ok && s > bestSev {
			best = p
			bestSev = s
		}
	}
	return best
}
