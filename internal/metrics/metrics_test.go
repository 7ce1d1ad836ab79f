package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSchedulingMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSchedulingMetrics(reg)

	m.ObserveSlotLock("acquired")
	m.ObserveSlotLock("contended")
	m.ObserveSlotLock("contended")
	m.ObserveTransition("pending", "session_waiting")
	m.ObserveReschedule("cutoff_exceeded")
	m.ObservePayment("booking_fee", "duplicate")
	m.ObserveReclaimed(3)
	m.ObserveReclaimed(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.slotLocks.WithLabelValues("acquired")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.slotLocks.WithLabelValues("contended")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("pending", "session_waiting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reschedules.WithLabelValues("cutoff_exceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.payments.WithLabelValues("booking_fee", "duplicate")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.reclaimed))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *SchedulingMetrics
	m.ObserveSlotLock("acquired")
	m.ObserveReclaimed(1)

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSchedulingMetrics(reg)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/slots/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slots/"+id, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/slots/{id}", "404")))
}
