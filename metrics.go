package tcpframe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports framing activity to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	framesReceived  *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	failures        *prometheus.CounterVec
	poolWait        prometheus.Histogram
	poolOutstanding prometheus.Gauge
	poolOverflows   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tcpframe",
				Name:      "frames_received_total",
				Help:      "Frames assembled from inbound byte streams.",
			},
			[]string{"format"},
		),
		framesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tcpframe",
				Name:      "frames_sent_total",
				Help:      "Frames written to outbound byte streams.",
			},
			[]string{"format"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tcpframe",
				Name:      "assembly_failures_total",
				Help:      "Connections terminated by a framing failure.",
			},
			[]string{"format", "kind"},
		),
		poolWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "tcpframe",
				Subsystem: "pool",
				Name:      "wait_seconds",
				Help:      "Time spent waiting for a pooled write buffer.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
		),
		poolOutstanding: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tcpframe",
				Subsystem: "pool",
				Name:      "outstanding",
				Help:      "Write buffers currently checked out.",
			},
		),
		poolOverflows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tcpframe",
				Subsystem: "pool",
				Name:      "overflows_total",
				Help:      "Frames too large for a pooled write buffer.",
			},
		),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.framesReceived, m.framesSent, m.failures, m.poolWait, m.poolOutstanding, m.poolOverflows} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) frameReceived(f Format) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(f.String()).Inc()
}

func (m *Metrics) frameSent(f Format) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(f.String()).Inc()
}

func (m *Metrics) result(f Format, res Result) {
	if m == nil {
		return
	}
	switch res.Status {
	case Complete:
		m.frameReceived(f)
	case ClosedMidMessage:
		m.failures.WithLabelValues(f.String(), "closed_mid_message").Inc()
	case Failed:
		kind := "unknown"
		if fe, ok := res.Err.(*FrameError); ok {
			kind = fe.Kind.String()
		}
		m.failures.WithLabelValues(f.String(), kind).Inc()
	}
}

func (m *Metrics) poolCheckout(waited time.Duration, outstanding int) {
	if m == nil {
		return
	}
	m.poolWait.Observe(waited.Seconds())
	m.poolOutstanding.Set(float64(outstanding))
}

func (m *Metrics) poolReturn(outstanding int) {
	if m == nil {
		return
	}
	m.poolOutstanding.Set(float64(outstanding))
}

func (m *Metrics) poolOverflow() {
	if m == nil {
		return
	}
	m.poolOverflows.Inc()
}
