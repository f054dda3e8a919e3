package liquidsend

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts engine outcomes. A nil *Metrics records nothing.
type Metrics struct {
	initiated   *prometheus.CounterVec
	checks      *prometheus.CounterVec
	revocations *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		initiated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liquidsend",
			Name:      "initiated_total",
			Help:      "Payment initiations by result.",
		}, []string{"result"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liquidsend",
			Name:      "checks_total",
			Help:      "Payment status checks by outcome.",
		}, []string{"outcome"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liquidsend",
			Name:      "revocations_total",
			Help:      "Htlc revocations by result.",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{m.initiated, m.checks, m.revocations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) incInitiated(result string) {
	if m != nil {
		m.initiated.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) incCheck(outcome string) {
	if m != nil {
		m.checks.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) incRevocation(result string) {
	if m != nil {
		m.revocations.WithLabelValues(result).Inc()
	}
}

// result labels an error for the counters.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case Retryable(err):
		return "retry"
	}
	return "error"
}
