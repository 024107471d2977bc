package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters/histograms for booking, classification
// and calendar sync.
type SchedulingMetrics struct {
	bookingsTotal   *prometheus.CounterVec
	lockWait        *prometheus.HistogramVec
	classifications *prometheus.CounterVec
	breakerState    prometheus.Gauge
	calendarSyncs   *prometheus.CounterVec
	inboundMessages *prometheus.CounterVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "operations_total",
			Help:      "Booking operations by operation and result",
		}, []string{"operation", "result"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the doctor lock",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"acquired"}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "intent",
			Name:      "classifications_total",
			Help:      "Intent classifications by source and intent",
		}, []string{"source", "intent"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clinic",
			Subsystem: "intent",
			Name:      "breaker_state",
			Help:      "Remote classifier circuit state (0 closed, 1 half-open, 2 open)",
		}),
		calendarSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "calendar",
			Name:      "sync_total",
			Help:      "Calendar sync attempts by result",
		}, []string{"result"}),
		inboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "messaging",
			Name:      "inbound_total",
			Help:      "Inbound patient messages by outcome",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.lockWait, m.classifications, m.breakerState, m.calendarSyncs, m.inboundMessages)
	return m
}

func (m *SchedulingMetrics) ObserveBooking(operation, result string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(operation, result).Inc()
}

func (m *SchedulingMetrics) ObserveLockWait(acquired bool, seconds float64) {
	if m == nil {
		return
	}
	label := "false"
	if acquired {
		label = "true"
	}
	m.lockWait.WithLabelValues(label).Observe(seconds)
}

func (m *SchedulingMetrics) ObserveClassification(source, intent string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(source, intent).Inc()
}

func (m *SchedulingMetrics) SetBreakerState(value float64) {
	if m == nil {
		return
	}
	m.breakerState.Set(value)
}

func (m *SchedulingMetrics) ObserveCalendarSync(result string) {
	if m == nil {
		return
	}
	m.calendarSyncs.WithLabelValues(result).Inc()
}

func (m *SchedulingMetrics) ObserveInbound(outcome string) {
	if m == nil {
		return
	}
	m.inboundMessages.WithLabelValues(outcome).Inc()
}
