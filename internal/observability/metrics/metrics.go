package metrics

import "github.com/prometheus/client_golang/prometheus"

// CallMetrics exposes counters/histograms for call and booking flows.
type CallMetrics struct {
	callsTotal      *prometheus.CounterVec
	bookingAttempts *prometheus.CounterVec
	holdConflicts   prometheus.Counter
	callDuration    *prometheus.HistogramVec
}

func NewCallMetrics(reg prometheus.Registerer) *CallMetrics {
	m := &CallMetrics{
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduler",
			Subsystem: "calls",
			Name:      "total",
			Help:      "Total call sessions by direction and outcome",
		}, []string{"direction", "outcome"}),
		bookingAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduler",
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking commit attempts by result",
		}, []string{"result"}),
		holdConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scheduler",
			Subsystem: "slots",
			Name:      "hold_conflicts_total",
			Help:      "Slot holds lost to a concurrent session",
		}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scheduler",
			Subsystem: "calls",
			Name:      "duration_seconds",
			Help:      "Duration of completed call sessions",
			Buckets:   []float64{15, 30, 60, 120, 300, 600},
		}, []string{"direction"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.callsTotal, m.bookingAttempts, m.holdConflicts, m.callDuration)
	return m
}

func (m *CallMetrics) ObserveCall(direction, outcome string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(direction, outcome).Inc()
}

func (m *CallMetrics) ObserveBookingAttempt(result string) {
	if m == nil {
		return
	}
	m.bookingAttempts.WithLabelValues(result).Inc()
}

func (m *CallMetrics) ObserveHoldConflict() {
	if m == nil {
		return
	}
	m.holdConflicts.Inc()
}

func (m *CallMetrics) ObserveCallDuration(direction string, seconds float64) {
	if m == nil {
		return
	}
	m.callDuration.WithLabelValues(direction).Observe(seconds)
}
