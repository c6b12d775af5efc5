package api

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// metrics holds the process-wide counters exposed on /metrics in
// Prometheus text format, grounded in the teacher's handlers.go Metrics
// endpoint (hand-rolled, no client library, matching the teacher's choice
// not to pull in prometheus/client_golang for a handful of counters).
type metrics struct {
	requestsTotal   int64
	requestErrors   int64
	ridesCreated    int64
	ridesCompleted  int64
	ridesCancelled  int64
	paymentsSuccess int64
	paymentsFailed  int64
	latency         bucketCounter
}

var procMetrics = &metrics{
	latency: newBucketCounter(map[float64]int64{
		0.05: 0, 0.1: 0, 0.25: 0, 0.5: 0, 1: 0, 2.5: 0, 5: 0,
	}),
}

func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		atomic.AddInt64(&procMetrics.requestsTotal, 1)
		if rec.status >= 500 {
			atomic.AddInt64(&procMetrics.requestErrors, 1)
		}
		procMetrics.latency.observe(time.Since(start))
	})
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP dispatch_requests_total total HTTP requests served\n")
	fmt.Fprintf(w, "# TYPE dispatch_requests_total counter\n")
	fmt.Fprintf(w, "dispatch_requests_total %d\n", atomic.LoadInt64(&procMetrics.requestsTotal))

	fmt.Fprintf(w, "# HELP dispatch_request_errors_total HTTP 5xx responses\n")
	fmt.Fprintf(w, "# TYPE dispatch_request_errors_total counter\n")
	fmt.Fprintf(w, "dispatch_request_errors_total %d\n", atomic.LoadInt64(&procMetrics.requestErrors))

	fmt.Fprintf(w, "# HELP dispatch_rides_created_total rides moved into REQUESTED\n")
	fmt.Fprintf(w, "# TYPE dispatch_rides_created_total counter\n")
	fmt.Fprintf(w, "dispatch_rides_created_total %d\n", atomic.LoadInt64(&procMetrics.ridesCreated))

	fmt.Fprintf(w, "# HELP dispatch_rides_completed_total rides moved into COMPLETED\n")
	fmt.Fprintf(w, "# TYPE dispatch_rides_completed_total counter\n")
	fmt.Fprintf(w, "dispatch_rides_completed_total %d\n", atomic.LoadInt64(&procMetrics.ridesCompleted))

	fmt.Fprintf(w, "# HELP dispatch_rides_cancelled_total rides moved into CANCELLED\n")
	fmt.Fprintf(w, "# TYPE dispatch_rides_cancelled_total counter\n")
	fmt.Fprintf(w, "dispatch_rides_cancelled_total %d\n", atomic.LoadInt64(&procMetrics.ridesCancelled))

	fmt.Fprintf(w, "# HELP dispatch_payments_success_total successful PSP charges\n")
	fmt.Fprintf(w, "# TYPE dispatch_payments_success_total counter\n")
	fmt.Fprintf(w, "dispatch_payments_success_total %d\n", atomic.LoadInt64(&procMetrics.paymentsSuccess))

	fmt.Fprintf(w, "# HELP dispatch_payments_failed_total failed PSP charges\n")
	fmt.Fprintf(w, "# TYPE dispatch_payments_failed_total counter\n")
	fmt.Fprintf(w, "dispatch_payments_failed_total %d\n", atomic.LoadInt64(&procMetrics.paymentsFailed))

	fmt.Fprintf(w, "# HELP dispatch_request_latency_seconds request latency histogram\n")
	fmt.Fprintf(w, "# TYPE dispatch_request_latency_seconds histogram\n")
	for le, count := range procMetrics.latency.snapshot() {
		fmt.Fprintf(w, "dispatch_request_latency_seconds_bucket{le=\"%.2f\"} %d\n", le, count)
	}
}
