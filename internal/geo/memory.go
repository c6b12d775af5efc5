package geo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/man2412/ride-hailing-platform/internal/domain"
)

type memoryEntry struct {
	lat, lon  float64
	updatedAt time.Time
}

// MemoryIndex is the in-process Index used by the tests; cmd/server always
// wires RedisIndex. Grounded in the teacher's InMemoryGeo.
type MemoryIndex struct {
	mu    sync.RWMutex
	tiers map[domain.Tier]map[string]memoryEntry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{tiers: make(map[domain.Tier]map[string]memoryEntry)}
}

func (m *MemoryIndex) Upsert(_ context.Context, tier domain.Tier, driverID string, lat, lon float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.tiers[tier]
	if !ok {
		set = make(map[string]memoryEntry)
		m.tiers[tier] = set
	}
	set[driverID] = memoryEntry{lat: lat, lon: lon, updatedAt: time.Now()}
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, tier domain.Tier, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tiers[tier], driverID)
	return nil
}

func (m *MemoryIndex) Nearby(_ context.Context, tier domain.Tier, lat, lon, radiusKM float64, count int) ([]Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-entryTTL)
	var out []Candidate
	for id, e := range m.tiers[tier] {
		if e.updatedAt.Before(cutoff) {
			continue
		}
		dist := haversineKM(lat, lon, e.lat, e.lon)
		if dist <= radiusKM {
			out = append(out, Candidate{DriverID: id, DistKM: dist})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistKM < out[j].DistKM })
	if count > 0 && len(out) > count {
		out = out[:count]
	}
	return out, nil
}

func (m *MemoryIndex) Supply(_ context.Context, tier domain.Tier) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-entryTTL)
	var n int64
	for _, e := range m.tiers[tier] {
		if !e.updatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// Reap drops entries past entryTTL so an idle tier's map doesn't grow
// without bound from drivers that stopped pinging without ever going
// offline.
func (m *MemoryIndex) Reap(_ context.Context, tier domain.Tier) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-entryTTL)
	set := m.tiers[tier]
	removed := 0
	for id, e := range set {
		if e.updatedAt.Before(cutoff) {
			delete(set, id)
			removed++
		}
	}
	return removed, nil
}
