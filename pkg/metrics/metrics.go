// Package metrics exposes Prometheus collectors for the transaction
// lifecycle of sink drivers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "twophase"

// Metrics groups the collectors shared by every driver registered against
// the same registry. Series are labelled by sink name.
type Metrics struct {
	Begun           *prometheus.CounterVec
	PreCommitted    *prometheus.CounterVec
	Committed       *prometheus.CounterVec
	Aborted         *prometheus.CounterVec
	RecoveredCommit *prometheus.CounterVec
	RecoveredAbort  *prometheus.CounterVec
	Snapshots       *prometheus.CounterVec
	Failures        *prometheus.CounterVec
	PendingCommits  *prometheus.GaugeVec
}

func counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, append([]string{"sink"}, labels...))
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which is handy in tests.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Begun:           counter("transactions_begun_total", "Transactions started by the handler."),
		PreCommitted:    counter("transactions_precommitted_total", "Transactions pre-committed on snapshot."),
		Committed:       counter("transactions_committed_total", "Transactions committed after checkpoint completion."),
		Aborted:         counter("transactions_aborted_total", "Transactions aborted on close."),
		RecoveredCommit: counter("transactions_recovered_committed_total", "Transactions committed during recovery."),
		RecoveredAbort:  counter("transactions_recovered_aborted_total", "Transactions aborted during recovery."),
		Snapshots:       counter("snapshots_total", "Snapshots taken."),
		Failures:        counter("failures_total", "Failed driver operations.", "op"),
		PendingCommits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_commit_transactions",
			Help:      "Pre-committed transactions waiting for checkpoint completion.",
		}, []string{"sink"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Begun, m.PreCommitted, m.Committed, m.Aborted,
		m.RecoveredCommit, m.RecoveredAbort, m.Snapshots,
		m.Failures, m.PendingCommits,
	}
}

func (m *Metrics) IncBegun(sink string) {
	if m != nil {
		m.Begun.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) IncPreCommitted(sink string) {
	if m != nil {
		m.PreCommitted.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) IncCommitted(sink string) {
	if m != nil {
		m.Committed.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) IncAborted(sink string) {
	if m != nil {
		m.Aborted.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) IncRecoveredCommit(sink string) {
	if m != nil {
		m.RecoveredCommit.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) IncRecoveredAbort(sink string) {
	if m != nil {
		m.RecoveredAbort.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) IncSnapshots(sink string) {
	if m != nil {
		m.Snapshots.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) IncFailures(sink, op string) {
	if m != nil {
		m.Failures.WithLabelValues(sink, op).Inc()
	}
}

func (m *Metrics) SetPending(sink string, n int) {
	if m != nil {
		m.PendingCommits.WithLabelValues(sink).Set(float64(n))
	}
}
