package lifecycle

import (
	"testing"

	"github.com/man2412/ride-hailing-platform/internal/domain"
)

func TestAllowedTransitions(t *testing.T) {
	tests := []struct {
		name string
		from domain.RideStatus
		to   domain.RideStatus
		want bool
	}{
		{"requested to matched", domain.RideRequested, domain.RideMatched, true},
		{"requested to cancelled", domain.RideRequested, domain.RideCancelled, true},
		{"requested cannot skip to trip started", domain.RideRequested, domain.RideTripStarted, false},
		{"matched to driver en route", domain.RideMatched, domain.RideDriverEnRoute, true},
		{"driver en route to trip started", domain.RideDriverEnRoute, domain.RideTripStarted, true},
		{"trip started to trip paused", domain.RideTripStarted, domain.RideTripPaused, true},
		{"trip started cannot be cancelled", domain.RideTripStarted, domain.RideCancelled, false},
		{"trip paused cannot be cancelled", domain.RideTripPaused, domain.RideCancelled, false},
		{"matched can be cancelled", domain.RideMatched, domain.RideCancelled, true},
		{"driver en route can be cancelled", domain.RideDriverEnRoute, domain.RideCancelled, true},
		{"trip paused to trip started (resume)", domain.RideTripPaused, domain.RideTripStarted, true},
		{"trip started to trip ended", domain.RideTripStarted, domain.RideTripEnded, true},
		{"trip ended to payment pending", domain.RideTripEnded, domain.RidePaymentPending, true},
		{"trip ended cannot go back to trip started", domain.RideTripEnded, domain.RideTripStarted, false},
		{"payment pending to completed", domain.RidePaymentPending, domain.RideCompleted, true},
		{"payment pending to payment failed", domain.RidePaymentPending, domain.RidePaymentFailed, true},
		{"payment failed retries to payment pending", domain.RidePaymentFailed, domain.RidePaymentPending, true},
		{"completed is terminal", domain.RideCompleted, domain.RideCancelled, false},
		{"cancelled is terminal", domain.RideCancelled, domain.RideRequested, false},
		{"unknown source state has no edges", domain.RideStatus("BOGUS"), domain.RideMatched, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := allowed(tt.from, tt.to); got != tt.want {
				t.Errorf("allowed(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestAllowedTransitionsAreNotSymmetric(t *testing.T) {
	// Every non-terminal forward edge should not imply its reverse, except
	// the explicitly bidirectional pause/resume and payment-retry edges.
	if allowed(domain.RideMatched, domain.RideRequested) {
		t.Errorf("allowed(MATCHED, REQUESTED) = true, want false: matching cannot be undone")
	}
	if allowed(domain.RideCompleted, domain.RidePaymentPending) {
		t.Errorf("allowed(COMPLETED, PAYMENT_PENDING) = true, want false: COMPLETED is terminal")
	}
}
