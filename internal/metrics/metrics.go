package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// SchedulingMetrics exposes counters for slot, appointment and payment flows.
type SchedulingMetrics struct {
	slotLocks    *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	reschedules  *prometheus.CounterVec
	payments     *prometheus.CounterVec
	reclaimed    prometheus.Counter
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		slotLocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caregiver",
			Subsystem: "slots",
			Name:      "lock_attempts_total",
			Help:      "Slot lock attempts by outcome",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caregiver",
			Subsystem: "appointments",
			Name:      "transitions_total",
			Help:      "Appointment status transitions",
		}, []string{"from", "to"}),
		reschedules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caregiver",
			Subsystem: "appointments",
			Name:      "reschedules_total",
			Help:      "Reschedule requests by outcome",
		}, []string{"outcome"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caregiver",
			Subsystem: "payments",
			Name:      "events_total",
			Help:      "Payment checkout and webhook events by fee type and outcome",
		}, []string{"fee_type", "outcome"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "caregiver",
			Subsystem: "slots",
			Name:      "reclaimed_total",
			Help:      "Expired slot locks returned to available",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caregiver",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "caregiver",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.slotLocks, m.transitions, m.reschedules, m.payments, m.reclaimed, m.httpRequests, m.httpLatency)
	return m
}

func (m *SchedulingMetrics) ObserveSlotLock(outcome string) {
	if m == nil {
		return
	}
	m.slotLocks.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *SchedulingMetrics) ObserveReschedule(outcome string) {
	if m == nil {
		return
	}
	m.reschedules.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObservePayment(feeType, outcome string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(feeType, outcome).Inc()
}

func (m *SchedulingMetrics) ObserveReclaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reclaimed.Add(float64(n))
}

// Middleware records request counts and latency labelled by the chi route
// pattern, which keeps label cardinality bounded.
func (m *SchedulingMetrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
