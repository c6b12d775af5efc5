package payment

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/man2412/ride-hailing-platform/internal/domain"
)

// flakyPSP fails the first failures calls, then succeeds.
type flakyPSP struct {
	failures int
	calls    int
	ref      string
}

func (p *flakyPSP) Charge(_ context.Context, _ decimal.Decimal, _ string) (string, error) {
	p.calls++
	if p.calls <= p.failures {
		return "", &pspError{reason: "psp unavailable"}
	}
	return p.ref, nil
}

func newTestAdapter(psp PSP) (*Adapter, *[]time.Duration) {
	a := NewAdapter(psp)
	var slept []time.Duration
	a.sleep = func(d time.Duration) { slept = append(slept, d) }
	return a, &slept
}

func TestChargeSucceedsFirstAttempt(t *testing.T) {
	psp := &flakyPSP{failures: 0, ref: "psp_abc"}
	a, slept := newTestAdapter(psp)

	ref, status := a.Charge(context.Background(), decimal.NewFromInt(100), "card")
	if status != domain.PaymentSuccess {
		t.Fatalf("status = %s, want SUCCESS", status)
	}
	if ref != "psp_abc" {
		t.Fatalf("ref = %q, want psp_abc", ref)
	}
	if psp.calls != 1 {
		t.Fatalf("psp called %d times, want 1", psp.calls)
	}
	if len(*slept) != 0 {
		t.Fatalf("slept %v, want no backoff on first-attempt success", *slept)
	}
}

func TestChargeRecoversAfterTwoFailures(t *testing.T) {
	// Provider flap: fails twice, succeeds on attempt 3 after 2s + 4s of
	// backoff.
	psp := &flakyPSP{failures: 2, ref: "psp_flap"}
	a, slept := newTestAdapter(psp)

	ref, status := a.Charge(context.Background(), decimal.NewFromInt(480), "card")
	if status != domain.PaymentSuccess {
		t.Fatalf("status = %s, want SUCCESS", status)
	}
	if ref != "psp_flap" {
		t.Fatalf("ref = %q, want psp_flap", ref)
	}
	if psp.calls != 3 {
		t.Fatalf("psp called %d times, want 3", psp.calls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("backoff schedule = %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("backoff[%d] = %s, want %s", i, (*slept)[i], d)
		}
	}
}

func TestChargeExhaustsRetries(t *testing.T) {
	psp := &flakyPSP{failures: 99}
	a, slept := newTestAdapter(psp)

	ref, status := a.Charge(context.Background(), decimal.NewFromInt(100), "card")
	if status != domain.PaymentFailed {
		t.Fatalf("status = %s, want FAILED", status)
	}
	if ref != "" {
		t.Fatalf("ref = %q, want empty on exhaustion", ref)
	}
	if psp.calls != 3 {
		t.Fatalf("psp called %d times, want exactly 3", psp.calls)
	}
	if len(*slept) != 2 {
		t.Fatalf("slept %d times, want 2 (no backoff after the final attempt)", len(*slept))
	}
}

func TestChargeStopsOnCancelledContext(t *testing.T) {
	psp := &flakyPSP{failures: 99}
	a, _ := newTestAdapter(psp)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, status := a.Charge(ctx, decimal.NewFromInt(100), "card")
	if status != domain.PaymentFailed {
		t.Fatalf("status = %s, want FAILED on cancelled context", status)
	}
	if psp.calls != 1 {
		t.Fatalf("psp called %d times, want 1 (no retries once cancelled)", psp.calls)
	}
}

func TestStubPSPRejectsNonPositiveAmounts(t *testing.T) {
	stub := StubPSP{}
	if _, err := stub.Charge(context.Background(), decimal.Zero, "card"); err == nil {
		t.Fatal("Charge(0) succeeded, want error")
	}
	if _, err := stub.Charge(context.Background(), decimal.NewFromInt(-5), "card"); err == nil {
		t.Fatal("Charge(-5) succeeded, want error")
	}
	ref, err := stub.Charge(context.Background(), decimal.NewFromInt(1), "card")
	if err != nil || ref == "" {
		t.Fatalf("Charge(1) = (%q, %v), want a fabricated reference", ref, err)
	}
}
