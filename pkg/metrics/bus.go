package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BusMetrics counts the outcomes of the publish, feedback, rollup and retry paths.
// A nil *BusMetrics is a valid no-op recorder.
type BusMetrics struct {
	publish      *prometheus.CounterVec
	feedback     *prometheus.CounterVec
	rollup       *prometheus.CounterVec
	retry        *prometheus.CounterVec
	signalErrors prometheus.Counter
}

// NewBusMetrics registers the bus counters on reg.
func NewBusMetrics(reg prometheus.Registerer) *BusMetrics {
	if reg == nil {
		return nil
	}
	m := &BusMetrics{
		publish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Publish attempts by topic and result.",
		}, []string{"topic", "result"}),
		feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Recorded consumer outcomes by result.",
		}, []string{"result"}),
		rollup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollup_total",
			Help:      "Rollups written by resulting status.",
		}, []string{"status"}),
		retry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_total",
			Help:      "Retry requests by result.",
		}, []string{"result"}),
		signalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollup_signal_errors_total",
			Help:      "Rollup trigger signals that could not be emitted.",
		}),
	}
	reg.MustRegister(m.publish, m.feedback, m.rollup, m.retry, m.signalErrors)
	return m
}

func (m *BusMetrics) IncPublish(topic, result string) {
	if m == nil {
		return
	}
	m.publish.WithLabelValues(normalizeLabel(topic), normalizeLabel(result)).Inc()
}

func (m *BusMetrics) IncFeedback(result string) {
	if m == nil {
		return
	}
	m.feedback.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *BusMetrics) IncRollup(status string) {
	if m == nil {
		return
	}
	m.rollup.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *BusMetrics) IncRetry(result string) {
	if m == nil {
		return
	}
	m.retry.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *BusMetrics) IncSignalError() {
	if m == nil {
		return
	}
	m.signalErrors.Inc()
}
