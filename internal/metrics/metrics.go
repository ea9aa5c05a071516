// Package metrics exposes settlement counters for Prometheus.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xtrntr/fairlaunch/internal/fault"
)

const (
	namespace = "fairlaunch"

	opLabel     = "op"
	resultLabel = "result"
)

var opLabels = []string{opLabel, resultLabel}

// Metrics counts core operations and tracks settlement totals.
type Metrics struct {
	operations     *prometheus.CounterVec
	batchesSettled prometheus.Counter
	allocated      prometheus.Counter
	released       prometheus.Counter
	liveEpoch      prometheus.Gauge
	auditSeq       prometheus.Gauge
	clearingPrice  prometheus.Gauge
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Number of core operations by outcome",
		}, opLabels),
		batchesSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_settled_total",
			Help:      "Number of batches cleared",
		}),
		allocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_allocated_total",
			Help:      "Tokens allocated by batch clearing",
		}),
		released: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_released_total",
			Help:      "Tokens released from vesting escrows",
		}),
		liveEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_epoch",
			Help:      "Epoch currently accepting sealed orders",
		}),
		auditSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_last_seq",
			Help:      "Sequence number of the last audit event",
		}),
		clearingPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_clearing_price",
			Help:      "Uniform price of the most recently settled batch",
		}),
	}

	err := errors.Join(
		registerer.Register(m.operations),
		registerer.Register(m.batchesSettled),
		registerer.Register(m.allocated),
		registerer.Register(m.released),
		registerer.Register(m.liveEpoch),
		registerer.Register(m.auditSeq),
		registerer.Register(m.clearingPrice),
	)
	return m, err
}

// Observe counts one operation. A nil err counts as "ok", otherwise the
// result label is the error's fault kind.
func (m *Metrics) Observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = fault.KindOf(err).String()
	}
	m.operations.WithLabelValues(op, result).Inc()
}

// BatchSettled records a cleared batch.
func (m *Metrics) BatchSettled(nextEpoch uint64, price, allocated float64) {
	m.batchesSettled.Inc()
	m.allocated.Add(allocated)
	m.clearingPrice.Set(price)
	m.liveEpoch.Set(float64(nextEpoch))
}

// Released records tokens leaving an escrow.
func (m *Metrics) Released(amount float64) {
	m.released.Add(amount)
}

// SetLiveEpoch sets the live epoch gauge.
func (m *Metrics) SetLiveEpoch(epoch uint64) {
	m.liveEpoch.Set(float64(epoch))
}

// SetAuditSeq sets the last audit sequence gauge.
func (m *Metrics) SetAuditSeq(seq uint64) {
	m.auditSeq.Set(float64(seq))
}
