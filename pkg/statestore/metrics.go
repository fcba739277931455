package statestore

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation labels used in metrics.
const (
	opRead      = "read"
	opWrite     = "write"
	opIncrement = "increment"
	opSetField  = "set_field"
)

// Leniency labels used in metrics and log events.
const (
	LeniencyPermissionDegrade = "permission_degrade"
	LeniencyStaleRead         = "stale_read"
	LeniencyReplaceSkipped    = "replace_skipped"
)

// Outcome labels besides failure kinds.
const (
	outcomeOK      = "ok"
	outcomeSkipped = "skipped"
)

// Metrics counts store operations. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	leniency   *prometheus.CounterVec
}

// NewMetrics creates the store counters and registers them with reg. A nil
// reg leaves them unregistered, which is useful in tests.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statestore_operations_total",
				Help: "State store operations by outcome (ok, skipped, or failure kind).",
			},
			[]string{"op", "outcome"},
		),
		leniency: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statestore_leniency_total",
				Help: "Times a named leniency replaced a failure.",
			},
			[]string{"kind"},
		),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.operations, m.leniency} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering state store metrics: %w", err)
		}
	}

	return m, nil
}

// Operations exposes the operation counter, mainly for tests.
func (m *Metrics) Operations() *prometheus.CounterVec { return m.operations }

// Leniency exposes the leniency counter, mainly for tests.
func (m *Metrics) Leniency() *prometheus.CounterVec { return m.leniency }

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}

	outcome := outcomeOK
	if err != nil {
		outcome = Classify(err).String()
	}

	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) skipped(op string) {
	if m == nil {
		return
	}

	m.operations.WithLabelValues(op, outcomeSkipped).Inc()
}

func (m *Metrics) lenient(kind string) {
	if m == nil {
		return
	}

	m.leniency.WithLabelValues(kind).Inc()
}
