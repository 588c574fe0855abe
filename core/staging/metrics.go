package staging

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Domains
const (
	DomainGroups = "groups"
	DomainEmails = "emails"
)

// Metrics counts staging and publishing activity. A nil *Metrics records nothing.
type Metrics struct {
	intentsStaged   *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	remoteCalls     *prometheus.CounterVec
	publishes       *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		intentsStaged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "staging",
			Name:      "intents_staged_total",
			Help:      "Intents accepted by a staging store.",
		}, []string{"domain"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "staging",
			Name:      "conflicts_total",
			Help:      "Add calls rejected because a subject already had a pending change.",
		}, []string{"domain"}),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "staging",
			Name:      "remote_calls_total",
			Help:      "Remote calls made while publishing, by operation and outcome.",
		}, []string{"op", "outcome"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "staging",
			Name:      "publishes_total",
			Help:      "Publish runs, by domain and outcome (ok, partial, failed).",
		}, []string{"domain", "outcome"}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "staging",
			Name:      "publish_duration_seconds",
			Help:      "Wall time of a publish run.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"domain"}),
	}
	reg.MustRegister(m.intentsStaged, m.conflicts, m.remoteCalls, m.publishes, m.publishDuration)
	return m
}

// Staged records the outcome of a Store.Add call.
func (m *Metrics) Staged(domain string, n int, err error) {
	if m == nil {
		return
	}
	switch {
	case err == nil:
		m.intentsStaged.WithLabelValues(domain).Add(float64(n))
	case IsConflict(err):
		m.conflicts.WithLabelValues(domain).Inc()
	}
}

func (m *Metrics) call(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.remoteCalls.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) published(domain string, res *Result, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case len(res.Failed) > 0 && len(res.Succeeded) == 0:
		outcome = "failed"
	case len(res.Failed) > 0:
		outcome = "partial"
	}
	m.publishes.WithLabelValues(domain, outcome).Inc()
	m.publishDuration.WithLabelValues(domain).Observe(took.Seconds())
}
