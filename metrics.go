package guardkit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors updated by the service.
// A nil *Metrics records nothing.
type Metrics struct {
	decisions       *prometheus.CounterVec
	auditEntries    *prometheus.CounterVec
	trashOperations *prometheus.CounterVec
	inconsistencies prometheus.Counter
	txDuration      *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardkit_decisions_total",
			Help: "Access decisions by component, action and result.",
		}, []string{"component", "action", "result"}),
		auditEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardkit_audit_entries_total",
			Help: "Audit entries written by table and action.",
		}, []string{"table", "action"}),
		trashOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardkit_trash_operations_total",
			Help: "Lifecycle operations by record kind and operation.",
		}, []string{"kind", "operation"}),
		inconsistencies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardkit_hierarchy_inconsistencies_total",
			Help: "Cycles found while traversing the manager graph.",
		}),
		txDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guardkit_transaction_duration_seconds",
			Help:    "Duration of service transactions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{
		m.decisions, m.auditEntries, m.trashOperations, m.inconsistencies, m.txDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) decision(component string, action Action, allowed bool) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.decisions.WithLabelValues(component, string(action), result).Inc()
}

func (m *Metrics) audit(table string, action AuditAction) {
	if m == nil {
		return
	}
	m.auditEntries.WithLabelValues(table, string(action)).Inc()
}

func (m *Metrics) trash(kind ResourceKind, operation string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.trashOperations.WithLabelValues(string(kind), operation).Add(float64(n))
}

func (m *Metrics) inconsistency() {
	if m == nil {
		return
	}
	m.inconsistencies.Inc()
}

func (m *Metrics) transaction(start time.Time, err error) {
	if m == nil {
		return
	}
	result := "commit"
	if err != nil {
		result = "rollback"
	}
	m.txDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

type pendingMetricsKey struct{}

// pendingMetrics holds the updates made by one transaction attempt. A retried
// attempt starts a fresh set, so nothing is counted twice.
type pendingMetrics struct {
	// decisions reached the caller unless the store itself failed.
	decisions []func(*Metrics)
	// committed only happened if the transaction committed.
	committed []func(*Metrics)
}

func (p *pendingMetrics) publish(m *Metrics, committed bool) {
	if p == nil || m == nil {
		return
	}
	for _, update := range p.decisions {
		update(m)
	}
	if !committed {
		return
	}
	for _, update := range p.committed {
		update(m)
	}
}

func pendingMetricsFromContext(ctx context.Context) *pendingMetrics {
	p, _ := ctx.Value(pendingMetricsKey{}).(*pendingMetrics)
	return p
}
