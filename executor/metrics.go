package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Run and call outcomes, used as metric labels.
const (
	outcomeOK      = "ok"
	outcomeExit    = "exit"
	outcomeError   = "error"
	outcomeTimeout = "timeout"
)

// Metrics records executor activity. A nil *Metrics records nothing.
type Metrics struct {
	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	calls        *prometheus.CounterVec
	callDuration prometheus.Histogram
	sessions     prometheus.Gauge
}

// NewMetrics creates the executor metrics and registers them with r.
func NewMetrics(r prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gobridge",
			Name:      "runs_total",
			Help:      "number of completed program runs by outcome",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gobridge",
			Name:      "run_duration_seconds",
			Help:      "wall time of program runs",
			Buckets:   prometheus.DefBuckets,
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gobridge",
			Name:      "session_calls_total",
			Help:      "number of session calls by outcome",
		}, []string{"outcome"}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gobridge",
			Name:      "session_call_duration_seconds",
			Help:      "wall time of session calls",
			Buckets:   prometheus.DefBuckets,
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gobridge",
			Name:      "open_sessions",
			Help:      "number of sessions currently open",
		}),
	}
	err := multierr.Combine(
		r.Register(m.runs),
		r.Register(m.runDuration),
		r.Register(m.calls),
		r.Register(m.callDuration),
		r.Register(m.sessions),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) observeRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Metrics) observeCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
	m.callDuration.Observe(d.Seconds())
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}
