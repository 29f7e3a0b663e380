package distlock

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Lock acquisition outcomes, used as the "result" label.
const (
	resultAcquired     = "acquired"
	resultBusy         = "busy"
	resultCancelled    = "cancelled"
	resultRemoteFailed = "remote_failed"
)

// Metrics holds the Prometheus collectors of a Manager. A nil *Metrics
// records nothing.
type Metrics struct {
	acquisitions    *prometheus.CounterVec
	held            prometheus.Gauge
	localWait       prometheus.Histogram
	releaseFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddllock_acquisitions_total",
			Help: "Total number of lock attempts by result",
		}, []string{"result"}),
		held: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ddllock_held",
			Help: "Current number of locks held by this process",
		}),
		localWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ddllock_local_wait_seconds",
			Help:    "Time spent waiting in the local lock table",
			Buckets: prometheus.DefBuckets,
		}),
		releaseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ddllock_remote_release_failures_total",
			Help: "Total number of failed lease releases",
		}),
	}
	reg.MustRegister(m.acquisitions, m.held, m.localWait, m.releaseFailures)
	return m
}

func (m *Metrics) observeAttempt(result string) {
	if m == nil {
		return
	}
	m.acquisitions.WithLabelValues(result).Inc()
	if result == resultAcquired {
		m.held.Inc()
	}
}

func (m *Metrics) observeLocalWait(d time.Duration) {
	if m == nil {
		return
	}
	m.localWait.Observe(d.Seconds())
}

func (m *Metrics) observeUnlock(err error) {
	if m == nil {
		return
	}
	m.held.Dec()
	if err != nil {
		m.releaseFailures.Inc()
	}
}
