package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSchedulingMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSchedulingMetrics(reg)

	m.ObserveBooking("book", "ok")
	m.ObserveBooking("book", "ok")
	m.ObserveBooking("book", "conflict")
	m.ObserveLockWait(true, 0.01)
	m.ObserveClassification("fallback", "CONFIRM")
	m.SetBreakerState(2)
	m.ObserveCalendarSync("failed")
	m.ObserveInbound("handled")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.bookingsTotal.WithLabelValues("book", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bookingsTotal.WithLabelValues("book", "conflict")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.classifications.WithLabelValues("fallback", "CONFIRM")))
}

func TestSchedulingMetricsNilSafe(t *testing.T) {
	var m *SchedulingMetrics
	m.ObserveBooking("book", "ok")
	m.ObserveLockWait(false, 1)
	m.ObserveClassification("remote", "CANCEL")
	m.SetBreakerState(1)
	m.ObserveCalendarSync("ok")
	m.ObserveInbound("duplicate")
}
