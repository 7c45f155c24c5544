package profile

import (
	"context"
	"testing"
	"time"

	"github.com/blackglass/coherence-sentinel/internal/models"
)

type fakeSource struct {
	batches [][]models.Incident
	cursors []int64
	calls   int
}

func (f *fakeSource) ClosedSince(cursor int64) ([]models.Incident, int64) {
	if f.calls >= len(f.batches) {
		return nil, cursor
	}
	batch := f.batches[f.calls]
	next := f.cursors[f.calls]
	f.calls++
	return batch, next
}

type fakeProfileStore struct {
	saves int
	last  []models.HostProfile
}

func (f *fakeProfileStore) SaveProfiles(_ context.Context, profiles []models.HostProfile) error {
	f.saves++
	f.last = profiles
	return nil
}

func closedIncident(host string, pattern models.Pattern, risk, peakSev float64, end time.Time) models.Incident {
	return models.Incident{
		ID:              "inc-" + host,
		Hosts:           []string{host},
		State:           models.IncidentClosed,
		DominantPattern: pattern,
		PeakSeverity:    peakSev,
		RiskScore:       risk,
		StartTime:       end.Add(-5 * time.Minute),
		EndTime:         end,
	}
}

func TestDigestAggregatesPerHost(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{
		batches: [][]models.Incident{{
			closedIncident("host-a", models.PatternSeizure, 0.4, 2.0, now),
			closedIncident("host-a", models.PatternFever, 0.6, 3.0, now.Add(time.Minute)),
			closedIncident("host-b", models.PatternAutoImmune, 0.2, 1.2, now),
		}},
		cursors: []int64{3},
	}
	store := &fakeProfileStore{}
	d := NewDigester(source, store, nil)

	profiles, err := d.Digest(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	if store.saves != 1 {
		t.Fatalf("expected 1 store save, got %d", store.saves)
	}

	a := profiles[0]
	if a.Host != "host-a" {
		t.Fatalf("expected host-a first by incident count, got %s", a.Host)
	}
	if a.Incidents != 2 {
		t.Fatalf("expected 2 incidents for host-a, got %d", a.Incidents)
	}
	if a.DominantPattern != models.PatternFever {
		t.Fatalf("expected fever to dominate by severity, got %s", a.DominantPattern)
	}
	if got := a.MeanRisk; got < 0.499 || got > 0.501 {
		t.Fatalf("expected mean risk 0.5, got %v", got)
	}
	if a.PeakRisk != 0.6 {
		t.Fatalf("expected peak risk 0.6, got %v", a.PeakRisk)
	}
	if got := a.MeanDurationMins; got < 4.999 || got > 5.001 {
		t.Fatalf("expected mean duration 5 minutes, got %v", got)
	}
	if !a.LastIncidentAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected last incident time to advance, got %v", a.LastIncidentAt)
	}
}

func TestDigestSkipsStoreWhenIdle(t *testing.T) {
	source := &fakeSource{}
	store := &fakeProfileStore{}
	d := NewDigester(source, store, nil)

	profiles, err := d.Digest(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profiles != nil {
		t.Fatalf("expected nil profiles with no new incidents, got %+v", profiles)
	}
	if store.saves != 0 {
		t.Fatalf("expected no store save when idle, got %d", store.saves)
	}
}

func TestDigestAccumulatesAcrossRuns(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{
		batches: [][]models.Incident{
			{closedIncident("host-a", models.PatternSeizure, 0.4, 2.0, now)},
			{closedIncident("host-a", models.PatternSeizure, 0.8, 2.5, now.Add(time.Hour))},
		},
		cursors: []int64{1, 2},
	}
	d := NewDigester(source, StoreFunc(func(context.Context, []models.HostProfile) error { return nil }), nil)

	if _, err := d.Digest(context.Background()); err != nil {
		t.Fatalf("first digest: %v", err)
	}
	profiles, err := d.Digest(context.Background())
	if err != nil {
		t.Fatalf("second digest: %v", err)
	}
	if len(profiles) != 1 || profiles[0].Incidents != 2 {
		t.Fatalf("expected cumulative incident count 2, got %+v", profiles)
	}
	if profiles[0].PeakRisk != 0.8 {
		t.Fatalf("expected peak risk 0.8, got %v", profiles[0].PeakRisk)
	}

	// Profiles() reads the same aggregates without consuming anything.
	again := d.Profiles()
	if len(again) != 1 || again[0].Incidents != 2 {
		t.Fatalf("expected stable read, got %+v", again)
	}
}

func TestMemoryStoreCapsAndCopies(t *testing.T) {
	s := NewMemoryStore(2)
	in := []models.HostProfile{
		{Host: "host-a", Incidents: 5},
		{Host: "host-b", Incidents: 3},
		{Host: "host-c", Incidents: 1},
	}
	if err := s.SaveProfiles(context.Background(), in); err != nil {
		t.Fatalf("save: %v", err)
	}

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected cap of 2, got %d", len(snap))
	}
	if snap[0].Host != "host-a" || snap[1].Host != "host-b" {
		t.Fatalf("expected input order preserved, got %+v", snap)
	}

	snap[0].Host = "mutated"
	if s.Snapshot()[0].Host != "host-a" {
		t.Fatalf("snapshot must be a copy")
	}
}
