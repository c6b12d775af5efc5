package location

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/man2412/ride-hailing-platform/internal/apperr"
	"github.com/man2412/ride-hailing-platform/internal/domain"
	"github.com/man2412/ride-hailing-platform/internal/geo"
)

// fakeRecords is an in-memory Records implementation tracking durable
// location writes and GetDriver call counts.
type fakeRecords struct {
	mu      sync.Mutex
	drivers map[string]domain.Driver
	writes  []string
	reads   int
}

func newFakeRecords(drivers ...domain.Driver) *fakeRecords {
	m := make(map[string]domain.Driver, len(drivers))
	for _, d := range drivers {
		m[d.ID] = d
	}
	return &fakeRecords{drivers: m}
}

func (f *fakeRecords) GetDriver(_ context.Context, id string) (domain.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	d, ok := f.drivers[id]
	if !ok {
		return domain.Driver{}, apperr.NotFoundf("driver not found")
	}
	return d, nil
}

func (f *fakeRecords) UpdateDriverLocation(_ context.Context, driverID string, loc domain.Coordinate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.drivers[driverID]
	if !ok {
		return apperr.NotFoundf("driver not found")
	}
	d.Location = loc
	f.drivers[driverID] = d
	f.writes = append(f.writes, driverID)
	return nil
}

func (f *fakeRecords) setStatus(driverID string, status domain.DriverStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.drivers[driverID]
	d.Status = status
	f.drivers[driverID] = d
}

func (f *fakeRecords) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeRecords) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func ping(lat, lng float64) domain.Coordinate {
	return domain.Coordinate{Latitude: lat, Longitude: lng, At: time.Now()}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestUpdateIndexesAvailableDriver(t *testing.T) {
	records := newFakeRecords(domain.Driver{ID: "d1", Tier: domain.TierStandard, Status: domain.DriverAvailable})
	idx := geo.NewMemoryIndex()
	p := New(records, idx, 8, 1)

	if err := p.Update(context.Background(), "d1", ping(12.9716, 77.5946)); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	near, err := idx.Nearby(context.Background(), domain.TierStandard, 12.9716, 77.5946, 1.0, 5)
	if err != nil {
		t.Fatalf("Nearby returned error: %v", err)
	}
	if len(near) != 1 || near[0].DriverID != "d1" {
		t.Fatalf("Nearby = %+v, want exactly driver d1", near)
	}
}

func TestUpdateSkipsGeoIndexForUnavailableDriver(t *testing.T) {
	records := newFakeRecords(domain.Driver{ID: "d1", Tier: domain.TierStandard, Status: domain.DriverOnTrip})
	idx := geo.NewMemoryIndex()
	p := New(records, idx, 8, 1)

	if err := p.Update(context.Background(), "d1", ping(12.9716, 77.5946)); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	near, _ := idx.Nearby(context.Background(), domain.TierStandard, 12.9716, 77.5946, 1.0, 5)
	if len(near) != 0 {
		t.Fatalf("Nearby = %+v, an on_trip driver must not be indexed", near)
	}
}

func TestUpdateUnknownDriverFails(t *testing.T) {
	p := New(newFakeRecords(), geo.NewMemoryIndex(), 8, 1)

	err := p.Update(context.Background(), "ghost", ping(0, 0))
	if apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("Update(ghost) error kind = %v, want NOT_FOUND", apperr.KindOf(err))
	}
}

func TestSlowPathPersistsLocation(t *testing.T) {
	records := newFakeRecords(domain.Driver{ID: "d1", Tier: domain.TierStandard, Status: domain.DriverAvailable})
	p := New(records, geo.NewMemoryIndex(), 8, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	if err := p.Update(ctx, "d1", ping(12.9716, 77.5946)); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	waitFor(t, func() bool { return records.writeCount() == 1 })
}

func TestQueueFullFallsBackToSynchronousWrite(t *testing.T) {
	records := newFakeRecords(domain.Driver{ID: "d1", Tier: domain.TierStandard, Status: domain.DriverAvailable})
	// Depth 1, no workers started: the first update fills the queue, the
	// second must write synchronously instead of dropping.
	p := New(records, geo.NewMemoryIndex(), 1, 1)

	ctx := context.Background()
	if err := p.Update(ctx, "d1", ping(1, 1)); err != nil {
		t.Fatalf("first Update returned error: %v", err)
	}
	if err := p.Update(ctx, "d1", ping(2, 2)); err != nil {
		t.Fatalf("second Update returned error: %v", err)
	}
	if got := records.writeCount(); got != 1 {
		t.Fatalf("durable writes = %d, want 1 synchronous fallback write", got)
	}
}

func TestTierCacheAvoidsRepeatReads(t *testing.T) {
	records := newFakeRecords(domain.Driver{ID: "d1", Tier: domain.TierStandard, Status: domain.DriverAvailable})
	p := New(records, geo.NewMemoryIndex(), 8, 1)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := p.Update(ctx, "d1", ping(1, 1)); err != nil {
			t.Fatalf("Update #%d returned error: %v", i, err)
		}
	}
	if got := records.readCount(); got != 1 {
		t.Fatalf("driver reads = %d, want 1 (cache-first fast path)", got)
	}
}

func TestInvalidateForcesStatusReread(t *testing.T) {
	records := newFakeRecords(domain.Driver{ID: "d1", Tier: domain.TierStandard, Status: domain.DriverAvailable})
	idx := geo.NewMemoryIndex()
	p := New(records, idx, 8, 1)

	ctx := context.Background()
	if err := p.Update(ctx, "d1", ping(1, 1)); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	// Matching flips the driver to on_trip and invalidates; the next
	// heartbeat must see the new status and leave the index alone.
	records.setStatus("d1", domain.DriverOnTrip)
	p.Invalidate("d1")
	_ = idx.Remove(ctx, domain.TierStandard, "d1")

	if err := p.Update(ctx, "d1", ping(1.001, 1.001)); err != nil {
		t.Fatalf("Update after invalidate returned error: %v", err)
	}
	near, _ := idx.Nearby(ctx, domain.TierStandard, 1.001, 1.001, 1.0, 5)
	if len(near) != 0 {
		t.Fatalf("Nearby = %+v, a stale heartbeat must not re-index an on_trip driver", near)
	}
}
