// Package payment is the idempotent Payment Adapter: charge() retries a
// simulated PSP call up to three times with exponential backoff, and the
// Processor wires that into the full payment submission flow (load trip,
// validate amount, settle, transition the ride). Grounded directly in
// original_source/app/services/payment.py (charge/_call_psp) and
// app/routers/payments.py (the full POST /v1/payments handler logic).
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/man2412/ride-hailing-platform/internal/apperr"
	"github.com/man2412/ride-hailing-platform/internal/domain"
	"github.com/man2412/ride-hailing-platform/internal/lifecycle"
	"github.com/man2412/ride-hailing-platform/internal/store"
)

// maxAmountDrift is the largest acceptable gap between the client-reported
// amount and the server-computed fare before a request is rejected as
// tampered.
const maxAmountDrift = 0.01

// pspError models a failed call to the (simulated) payment service
// provider.
type pspError struct{ reason string }

func (e *pspError) Error() string { return e.reason }

// PSP is the external payment-service-provider collaborator. The only real
// implementation here is a stub mirroring the original implementation's
// _call_psp, which fails for non-positive amounts and otherwise fabricates
// a reference id; a production deployment swaps this for a real client.
type PSP interface {
	Charge(ctx context.Context, amount decimal.Decimal, method string) (pspRef string, err error)
}

type StubPSP struct{}

func (StubPSP) Charge(_ context.Context, amount decimal.Decimal, _ string) (string, error) {
	if amount.Sign() <= 0 {
		return "", &pspError{reason: "psp rejected non-positive amount"}
	}
	return fmt.Sprintf("psp_%s", uuid.NewString()), nil
}

// Adapter retries a charge up to three times with 2s/4s backoff, matching
// the original implementation's `wait = 2 ** attempt` schedule exactly.
type Adapter struct {
	psp   PSP
	sleep func(time.Duration)
}

func NewAdapter(psp PSP) *Adapter {
	return &Adapter{psp: psp, sleep: time.Sleep}
}

const maxAttempts = 3

// Charge attempts a PSP charge up to maxAttempts times. It has no error
// return: a PSP failure on the final attempt, or a context cancelled while
// waiting to retry, is reported as a FAILED result, exactly
// as the original implementation returns {"psp_ref": None, "status":
// "FAILED"} rather than raising.
func (a *Adapter) Charge(ctx context.Context, amount decimal.Decimal, method string) (pspRef string, status domain.PaymentStatus) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ref, err := a.psp.Charge(ctx, amount, method)
		if err == nil {
			return ref, domain.PaymentSuccess
		}
		if attempt == maxAttempts {
			return "", domain.PaymentFailed
		}
		wait := time.Duration(1<<attempt) * time.Second // 2s, 4s
		select {
		case <-ctx.Done():
			return "", domain.PaymentFailed
		default:
			a.sleep(wait)
		}
	}
	return "", domain.PaymentFailed
}

// Processor is the full payment submission flow sitting on top of the
// Adapter: load trip, short-circuit on a prior SUCCESS, validate the
// client's claimed amount against the server fare, charge, and drive the
// ride's lifecycle transition.
type Processor struct {
	gateway   *store.Gateway
	adapter   *Adapter
	lifecycle *lifecycle.Controller
}

func NewProcessor(gateway *store.Gateway, adapter *Adapter, ctrl *lifecycle.Controller) *Processor {
	return &Processor{gateway: gateway, adapter: adapter, lifecycle: ctrl}
}

type ChargeRequest struct {
	RideID         string
	RiderID        string
	ClientAmount   decimal.Decimal
	Method         string
	IdempotencyKey string
}

// Submit runs the payments endpoint's business logic. The HTTP layer is
// responsible for the outer idempotency-key replay check; this method
// still records the key on the payment row for audit purposes.
//
// Per this system's end-trip contract, EndTrip already inserted the PENDING
// payment row with amount = trip.total_fare; Submit resolves that row
// rather than creating a new one, matching the original payments router's
// "resolve trip, resolve payment, validate, charge" sequence.
func (p *Processor) Submit(ctx context.Context, req ChargeRequest) (domain.Payment, error) {
	if req.ClientAmount.Sign() <= 0 {
		return domain.Payment{}, apperr.Invalidf("amount must be positive")
	}
	trip, err := p.gateway.GetTripByRide(ctx, req.RideID)
	if err != nil {
		return domain.Payment{}, err
	}
	if trip.Status != domain.TripCompleted {
		return domain.Payment{}, apperr.Conflictf("trip for ride %s is not completed", req.RideID)
	}

	payment, err := p.gateway.GetPaymentByRide(ctx, req.RideID)
	if err != nil {
		return domain.Payment{}, err
	}
	if payment.Status == domain.PaymentSuccess {
		return payment, nil
	}

	if drift := req.ClientAmount.Sub(trip.FareTotal).Abs(); drift.GreaterThan(decimal.NewFromFloat(maxAmountDrift)) {
		return domain.Payment{}, apperr.Invalidf("client amount %s does not match trip total %s", req.ClientAmount, trip.FareTotal)
	}

	// A retry after a failed charge first re-opens the ride's payment leg
	// (PAYMENT_FAILED -> PAYMENT_PENDING) so the terminal transition below
	// starts from the state the machine expects.
	if _, err := p.lifecycle.ReopenPayment(ctx, req.RideID); err != nil {
		return domain.Payment{}, err
	}

	payment.Method = req.Method
	if err := p.gateway.UpdatePaymentResult(ctx, payment.ID, domain.PaymentPending, payment.PSPRef, req.Method, req.IdempotencyKey); err != nil {
		return domain.Payment{}, apperr.Wrap(apperr.Internal, "record idempotency token", err)
	}

	pspRef, status := p.adapter.Charge(ctx, payment.Amount, req.Method)
	if err := p.gateway.UpdatePaymentResult(ctx, payment.ID, status, pspRef, req.Method, req.IdempotencyKey); err != nil {
		return domain.Payment{}, apperr.Wrap(apperr.Internal, "record payment result", err)
	}
	payment.Status = status
	payment.PSPRef = pspRef

	if _, err := p.lifecycle.MarkPaymentOutcome(ctx, req.RideID, status == domain.PaymentSuccess); err != nil {
		return domain.Payment{}, err
	}
	return payment, nil
}
