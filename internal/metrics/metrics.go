// Package metrics exposes Prometheus collectors for correlation, retries, sends and
// event delivery.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/BTreeMap/CareNudge/internal/correlate"
	"github.com/BTreeMap/CareNudge/internal/models"
)

const namespace = "carenudge"

// Metrics implements the observer interfaces of the correlation core.
type Metrics struct {
	correlations *prometheus.CounterVec
	resends      *prometheus.CounterVec
	exhausted    *prometheus.CounterVec
	sends        *prometheus.CounterVec
	eventDrops   prometheus.Counter
	inbound      *prometheus.CounterVec
	openGauge    prometheus.GaugeFunc
}

// MustNewMetrics registers the collectors with reg and panics on conflict.
// openExpectations, if non-nil, backs a gauge of currently open expectations.
func MustNewMetrics(reg prometheus.Registerer, openExpectations func() float64) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		correlations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "replies_total",
			Help:      "Inbound replies by correlation outcome.",
		}, []string{"outcome"}),
		resends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "resends_total",
			Help:      "Requests re-sent because no reply arrived in time.",
		}, []string{"subject_type"}),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "exhausted_total",
			Help:      "Subjects driven to failed or missed after the last attempt.",
		}, []string{"subject_type"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sms",
			Name:      "sends_total",
			Help:      "Outbound SMS sends by message kind and result.",
		}, []string{"kind", "result"}),
		eventDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "State change events dropped for slow subscribers.",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "messages_total",
			Help:      "Inbound messages by handling result.",
		}, []string{"result"}),
	}
	collectors := []prometheus.Collector{m.correlations, m.resends, m.exhausted, m.sends, m.eventDrops, m.inbound}
	if openExpectations != nil {
		m.openGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "open_expectations",
			Help:      "Expectations currently awaiting a reply.",
		}, openExpectations)
		collectors = append(collectors, m.openGauge)
	}
	reg.MustRegister(collectors...)
	return m
}

// ObserveCorrelation counts one correlation outcome.
func (m *Metrics) ObserveCorrelation(outcome correlate.Outcome) {
	m.correlations.WithLabelValues(string(outcome)).Inc()
}

// ObserveResend counts one retry send.
func (m *Metrics) ObserveResend(subjectType models.SubjectType) {
	m.resends.WithLabelValues(string(subjectType)).Inc()
}

// ObserveExhausted counts one subject whose retries ran out.
func (m *Metrics) ObserveExhausted(subjectType models.SubjectType) {
	m.exhausted.WithLabelValues(string(subjectType)).Inc()
}

// ObserveSend counts one outbound send.
func (m *Metrics) ObserveSend(kind models.MessageKind, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sends.WithLabelValues(string(kind), result).Inc()
}

// ObserveEventDrop counts one event dropped for a slow subscriber. It matches
// broadcast.WithOnDrop.
func (m *Metrics) ObserveEventDrop(uint64) {
	m.eventDrops.Inc()
}

// ObserveInbound counts one inbound message by result (handled, duplicate, error).
func (m *Metrics) ObserveInbound(result string) {
	m.inbound.WithLabelValues(result).Inc()
}
