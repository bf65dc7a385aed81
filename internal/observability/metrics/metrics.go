package metrics

import "github.com/prometheus/client_golang/prometheus"

// SessionMetrics exposes counters/histograms for WhatsApp session lifecycle flows.
type SessionMetrics struct {
	transitionsTotal *prometheus.CounterVec
	qrIssuedTotal    prometheus.Counter
	reconnectsTotal  *prometheus.CounterVec
	qrWaitSeconds    *prometheus.HistogramVec
}

func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapclinic",
			Subsystem: "wasession",
			Name:      "transitions_total",
			Help:      "Total session state transitions",
		}, []string{"to", "reason"}),
		qrIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zapclinic",
			Subsystem: "wasession",
			Name:      "qr_issued_total",
			Help:      "Total pairing QR codes issued",
		}),
		reconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapclinic",
			Subsystem: "wasession",
			Name:      "reconnects_total",
			Help:      "Total supervisor reconnect attempts",
		}, []string{"outcome"}),
		qrWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zapclinic",
			Subsystem: "wasession",
			Name:      "qr_wait_seconds",
			Help:      "Time callers spend waiting for a pairing QR code",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitionsTotal, m.qrIssuedTotal, m.reconnectsTotal, m.qrWaitSeconds)
	return m
}

func (m *SessionMetrics) ObserveTransition(to, reason string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(to, reason).Inc()
}

func (m *SessionMetrics) ObserveQRIssued() {
	if m == nil {
		return
	}
	m.qrIssuedTotal.Inc()
}

func (m *SessionMetrics) ObserveReconnect(outcome string) {
	if m == nil {
		return
	}
	m.reconnectsTotal.WithLabelValues(outcome).Inc()
}

func (m *SessionMetrics) ObserveQRWait(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.qrWaitSeconds.WithLabelValues(outcome).Observe(seconds)
}
