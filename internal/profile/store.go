package profile

import (
	"context"
	"sync"

	"github.com/blackglass/coherence-sentinel/internal/models"
)

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, profiles []models.HostProfile) error

// SaveProfiles implements Store.
func (f StoreFunc) SaveProfiles(ctx context.Context, profiles []models.HostProfile) error {
	return f(ctx, profiles)
}

// MemoryStore keeps the most recent digest in memory, capped to a fixed
// number of hosts. It backs the profile API in deployments that run without
// external persistence.
type MemoryStore struct {
	mu       sync.RWMutex
	cap      int
	profiles []models.HostProfile
}

// NewMemoryStore returns a store retaining at most capacity profiles per
// digest; capacity <= 0 selects 128.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 128
	}
	return &MemoryStore{cap: capacity}
}

// SaveProfiles replaces the stored digest. Input order is preserved, so the
// digester's incident-count ordering survives the cap.
func (s *MemoryStore) SaveProfiles(_ context.Context, profiles []models.HostProfile) error {
	if len(profiles) > s.cap {
		profiles = profiles[:s.cap]
	}
	cp := make([]models.HostProfile, len(profiles))
	copy(cp, profiles)

	s.mu.Lock()
	s.profiles = cp
	s.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the last saved digest.
func (s *MemoryStore) Snapshot() []models.HostProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]models.HostProfile, len(s.profiles))
	copy(cp, s.profiles)
	return cp
}
