package ridecache

import (
	"context"
	"testing"
	"time"

	"github.com/man2412/ride-hailing-platform/internal/domain"
)

func TestMemoryCacheGetSet(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Fatalf("Get() on empty cache returned ok=true")
	}

	ride := domain.Ride{ID: "ride-1", Status: domain.RideRequested}
	c.Set(ctx, ride)

	got, ok := c.Get(ctx, "ride-1")
	if !ok {
		t.Fatalf("Get() after Set() returned ok=false")
	}
	if got.Status != domain.RideRequested {
		t.Errorf("Get() status = %s, want %s", got.Status, domain.RideRequested)
	}
}

func TestMemoryCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	c.Set(ctx, domain.Ride{ID: "ride-1", Status: domain.RideRequested})

	c.Invalidate(ctx, "ride-1")

	if _, ok := c.Get(ctx, "ride-1"); ok {
		t.Fatalf("Get() after Invalidate() returned ok=true")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	c.entries["ride-1"] = memEntry{
		ride:   domain.Ride{ID: "ride-1", Status: domain.RideRequested},
		expiry: time.Now().Add(-time.Second),
	}

	if _, ok := c.Get(ctx, "ride-1"); ok {
		t.Fatalf("Get() on expired entry returned ok=true")
	}
}

func TestMemoryCacheOverwrite(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	c.Set(ctx, domain.Ride{ID: "ride-1", Status: domain.RideRequested})
	c.Set(ctx, domain.Ride{ID: "ride-1", Status: domain.RideMatched})

	got, ok := c.Get(ctx, "ride-1")
	if !ok {
		t.Fatalf("Get() returned ok=false")
	}
	if got.Status != domain.RideMatched {
		t.Errorf("Get() status = %s, want %s (most recent Set should win)", got.Status, domain.RideMatched)
	}
}
