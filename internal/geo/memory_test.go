package geo

import (
	"context"
	"testing"
	"time"

	"github.com/man2412/ride-hailing-platform/internal/domain"
)

func TestMemoryIndexUpsertAndNearby(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	// Bangalore MG Road, roughly.
	origin := [2]float64{12.9752, 77.6065}
	if err := idx.Upsert(ctx, domain.TierStandard, "near", origin[0], origin[1]); err != nil {
		t.Fatalf("Upsert near: %v", err)
	}
	// Chennai, ~290km away.
	if err := idx.Upsert(ctx, domain.TierStandard, "far", 13.0827, 80.2707); err != nil {
		t.Fatalf("Upsert far: %v", err)
	}
	// A driver in a different tier must never appear in a standard search.
	if err := idx.Upsert(ctx, domain.TierPremium, "other-tier", origin[0], origin[1]); err != nil {
		t.Fatalf("Upsert other-tier: %v", err)
	}

	got, err := idx.Nearby(ctx, domain.TierStandard, origin[0], origin[1], 5, 10)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if len(got) != 1 || got[0].DriverID != "near" {
		t.Fatalf("Nearby() = %+v, want only %q within radius", got, "near")
	}
}

func TestMemoryIndexNearbyOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	origin := domain.Coordinate{Latitude: 12.9716, Longitude: 77.5946}

	_ = idx.Upsert(ctx, domain.TierStandard, "d-far", 12.9900, 77.6500)
	_ = idx.Upsert(ctx, domain.TierStandard, "d-near", 12.9720, 77.5950)
	_ = idx.Upsert(ctx, domain.TierStandard, "d-mid", 12.9800, 77.6100)

	got, err := idx.Nearby(ctx, domain.TierStandard, origin.Latitude, origin.Longitude, 50, 10)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Nearby() returned %d candidates, want 3", len(got))
	}
	want := []string{"d-near", "d-mid", "d-far"}
	for i, id := range want {
		if got[i].DriverID != id {
			t.Errorf("position %d = %s, want %s", i, got[i].DriverID, id)
		}
	}
}

func TestMemoryIndexNearbyRespectsCount(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	for i := 0; i < 5; i++ {
		_ = idx.Upsert(ctx, domain.TierStandard, string(rune('a'+i)), 12.97, 77.59)
	}
	got, err := idx.Nearby(ctx, domain.TierStandard, 12.97, 77.59, 50, 2)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Nearby() returned %d candidates, want 2", len(got))
	}
}

func TestMemoryIndexRemove(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	_ = idx.Upsert(ctx, domain.TierStandard, "d1", 12.97, 77.59)

	if n, _ := idx.Supply(ctx, domain.TierStandard); n != 1 {
		t.Fatalf("Supply() before remove = %d, want 1", n)
	}
	if err := idx.Remove(ctx, domain.TierStandard, "d1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n, _ := idx.Supply(ctx, domain.TierStandard); n != 0 {
		t.Fatalf("Supply() after remove = %d, want 0", n)
	}
}

func TestMemoryIndexSupplyIsPerTier(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	_ = idx.Upsert(ctx, domain.TierStandard, "d1", 12.97, 77.59)
	_ = idx.Upsert(ctx, domain.TierStandard, "d2", 12.98, 77.60)
	_ = idx.Upsert(ctx, domain.TierPremium, "d3", 12.97, 77.59)

	if n, _ := idx.Supply(ctx, domain.TierStandard); n != 2 {
		t.Errorf("standard Supply() = %d, want 2", n)
	}
	if n, _ := idx.Supply(ctx, domain.TierPremium); n != 1 {
		t.Errorf("premium Supply() = %d, want 1", n)
	}
	if n, _ := idx.Supply(ctx, domain.TierXL); n != 0 {
		t.Errorf("xl Supply() = %d, want 0", n)
	}
}

func TestMemoryIndexExpiresStaleEntries(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	_ = idx.Upsert(ctx, domain.TierStandard, "stale", 12.97, 77.59)

	idx.mu.Lock()
	e := idx.tiers[domain.TierStandard]["stale"]
	e.updatedAt = e.updatedAt.Add(-entryTTL - time.Second)
	idx.tiers[domain.TierStandard]["stale"] = e
	idx.mu.Unlock()

	if n, _ := idx.Supply(ctx, domain.TierStandard); n != 0 {
		t.Errorf("Supply() after expiry = %d, want 0 (stale entry should not count)", n)
	}
	got, err := idx.Nearby(ctx, domain.TierStandard, 12.97, 77.59, 50, 10)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Nearby() after expiry = %+v, want no candidates", got)
	}

	removed, err := idx.Reap(ctx, domain.TierStandard)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if removed != 1 {
		t.Errorf("Reap() removed = %d, want 1", removed)
	}
	if _, ok := idx.tiers[domain.TierStandard]["stale"]; ok {
		t.Errorf("Reap() left the stale entry in place")
	}
}
