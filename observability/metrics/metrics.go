// Package metrics exposes the Prometheus collectors for the marketplace node,
// one registry per subsystem, each lazily constructed and registered exactly
// once against the default registerer.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type discoveryMetrics struct {
	ingress     *prometheus.CounterVec
	broadcasts  *prometheus.CounterVec
	knownIDs    prometheus.Gauge
	rateLimited *prometheus.CounterVec
}

var (
	discoveryOnce sync.Once
	discoveryReg  *discoveryMetrics

	negotiationOnce sync.Once
	negotiationReg  *negotiationMetrics

	supervisorOnce sync.Once
	supervisorReg  *supervisorMetrics

	scanOnce sync.Once
	scanReg  *scanMetrics

	paymentOnce sync.Once
	paymentReg  *paymentMetrics
)

// Discovery returns the lazily-initialised discovery metrics registry.
func Discovery() *discoveryMetrics {
	discoveryOnce.Do(func() {
		discoveryReg = &discoveryMetrics{
			ingress: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "discovery",
				Name:      "ingress_total",
				Help:      "Count of gossiped offer/unsubscribe ids received, by kind and outcome.",
			}, []string{"kind", "outcome"}),
			broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "discovery",
				Name:      "broadcasts_total",
				Help:      "Count of cyclic and event-triggered broadcasts emitted, by kind.",
			}, []string{"kind"}),
			knownIDs: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "market",
				Subsystem: "discovery",
				Name:      "known_ids",
				Help:      "Current size of the known subscription id set.",
			}),
			rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "discovery",
				Name:      "rate_limited_total",
				Help:      "Count of broadcasts dropped by the rate limiter, by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			discoveryReg.ingress,
			discoveryReg.broadcasts,
			discoveryReg.knownIDs,
			discoveryReg.rateLimited,
		)
	})
	return discoveryReg
}

// RecordIngress records a single gossiped id of the given kind ("offer" or
// "unsubscribe") and outcome ("accepted", "duplicate", "rejected").
func (m *discoveryMetrics) RecordIngress(kind, outcome string) {
	if m == nil {
		return
	}
	m.ingress.WithLabelValues(normalize(kind), normalize(outcome)).Inc()
}

// RecordBroadcast increments the broadcast counter for the supplied kind.
func (m *discoveryMetrics) RecordBroadcast(kind string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(normalize(kind)).Inc()
}

// SetKnownIDs updates the known-id gauge.
func (m *discoveryMetrics) SetKnownIDs(count int) {
	if m == nil {
		return
	}
	m.knownIDs.Set(float64(count))
}

// RecordRateLimited increments the rate-limited-drop counter for the kind.
func (m *discoveryMetrics) RecordRateLimited(kind string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(normalize(kind)).Inc()
}

type negotiationMetrics struct {
	proposals  *prometheus.CounterVec
	agreements *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	gateDrops  *prometheus.CounterVec
}

// Negotiation returns the lazily-initialised negotiation metrics registry.
func Negotiation() *negotiationMetrics {
	negotiationOnce.Do(func() {
		negotiationReg = &negotiationMetrics{
			proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "negotiation",
				Name:      "proposals_total",
				Help:      "Count of proposals exchanged, by direction and outcome.",
			}, []string{"direction", "outcome"}),
			agreements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "negotiation",
				Name:      "agreements_total",
				Help:      "Count of agreements reaching Approved or a terminal state, by state.",
			}, []string{"state"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "market",
				Subsystem: "negotiation",
				Name:      "agreement_duration_seconds",
				Help:      "Wall-clock duration from proposal creation to agreement terminal state.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"state"}),
			gateDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "negotiation",
				Name:      "gate_drops_total",
				Help:      "Count of proposals rejected before negotiation by the gate, by reason code.",
			}, []string{"code"}),
		}
		prometheus.MustRegister(
			negotiationReg.proposals,
			negotiationReg.agreements,
			negotiationReg.duration,
			negotiationReg.gateDrops,
		)
	})
	return negotiationReg
}

// RecordProposal records a proposal exchange outcome.
func (m *negotiationMetrics) RecordProposal(direction, outcome string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(normalize(direction), normalize(outcome)).Inc()
}

// RecordAgreement records an agreement reaching the given state (Approved or
// a terminal state) and the time it took to get there.
func (m *negotiationMetrics) RecordAgreement(state string, d time.Duration) {
	if m == nil {
		return
	}
	label := normalize(state)
	m.agreements.WithLabelValues(label).Inc()
	m.duration.WithLabelValues(label).Observe(d.Seconds())
}

// RecordGateDrop increments the gate-drop counter for the supplied reason code.
func (m *negotiationMetrics) RecordGateDrop(code string) {
	if m == nil {
		return
	}
	m.gateDrops.WithLabelValues(normalize(code)).Inc()
}

type supervisorMetrics struct {
	transitions *prometheus.CounterVec
	active      prometheus.Gauge
	rejections  *prometheus.CounterVec
}

// Supervisor returns the lazily-initialised task supervisor metrics registry.
func Supervisor() *supervisorMetrics {
	supervisorOnce.Do(func() {
		supervisorReg = &supervisorMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "supervisor",
				Name:      "transitions_total",
				Help:      "Count of task state transitions, by resulting state.",
			}, []string{"state"}),
			active: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "market",
				Subsystem: "supervisor",
				Name:      "active_tasks",
				Help:      "Current number of supervised tasks that are neither not_active nor finalized.",
			}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "supervisor",
				Name:      "rejected_transitions_total",
				Help:      "Count of attempted transitions rejected as invalid, by from-state.",
			}, []string{"from"}),
		}
		prometheus.MustRegister(
			supervisorReg.transitions,
			supervisorReg.active,
			supervisorReg.rejections,
		)
	})
	return supervisorReg
}

// RecordTransition increments the transition counter for the resulting state.
func (m *supervisorMetrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(normalize(state)).Inc()
}

// SetActive updates the active task gauge.
func (m *supervisorMetrics) SetActive(count int) {
	if m == nil {
		return
	}
	m.active.Set(float64(count))
}

// RecordRejection increments the rejected-transition counter for the from-state.
func (m *supervisorMetrics) RecordRejection(from string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(normalize(from)).Inc()
}

type scanMetrics struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	extended  prometheus.Counter
	timedOut  prometheus.Counter
}

// Scan returns the lazily-initialised scan engine metrics registry.
func Scan() *scanMetrics {
	scanOnce.Do(func() {
		scanReg = &scanMetrics{
			started: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "scan",
				Name:      "started_total",
				Help:      "Count of scans started, by scope.",
			}, []string{"scope"}),
			completed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "scan",
				Name:      "completed_total",
				Help:      "Count of scans completed, by outcome.",
			}, []string{"outcome"}),
			extended: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "scan",
				Name:      "timeout_extended_total",
				Help:      "Count of scan timeout extensions granted.",
			}),
			timedOut: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "scan",
				Name:      "timed_out_total",
				Help:      "Count of scans that exhausted their timeout budget.",
			}),
		}
		prometheus.MustRegister(
			scanReg.started,
			scanReg.completed,
			scanReg.extended,
			scanReg.timedOut,
		)
	})
	return scanReg
}

// RecordStart increments the scan-started counter for the supplied scope.
func (m *scanMetrics) RecordStart(scope string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(normalize(scope)).Inc()
}

// RecordCompletion increments the scan-completed counter for the outcome.
func (m *scanMetrics) RecordCompletion(outcome string) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(normalize(outcome)).Inc()
}

// RecordExtension increments the timeout-extension counter.
func (m *scanMetrics) RecordExtension() {
	if m == nil {
		return
	}
	m.extended.Inc()
}

// RecordTimeout increments the scan timeout counter.
func (m *scanMetrics) RecordTimeout() {
	if m == nil {
		return
	}
	m.timedOut.Inc()
}

type paymentMetrics struct {
	allocations *prometheus.CounterVec
	batchState  *prometheus.CounterVec
	settled     *prometheus.CounterVec
}

// Payment returns the lazily-initialised allocation/order ledger metrics registry.
func Payment() *paymentMetrics {
	paymentOnce.Do(func() {
		paymentReg = &paymentMetrics{
			allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "payment",
				Name:      "allocations_total",
				Help:      "Count of allocations recorded, by outcome.",
			}, []string{"outcome"}),
			batchState: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "payment",
				Name:      "batch_order_transitions_total",
				Help:      "Count of order and batch order item state changes (batch creation counts as pending), by resulting state.",
			}, []string{"state"}),
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "payment",
				Name:      "settled_total",
				Help:      "Count of orders and batch order items that reached Paid, by payee.",
			}, []string{"payee"}),
		}
		prometheus.MustRegister(
			paymentReg.allocations,
			paymentReg.batchState,
			paymentReg.settled,
		)
	})
	return paymentReg
}

// RecordAllocation increments the allocation counter for the supplied outcome.
func (m *paymentMetrics) RecordAllocation(outcome string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(normalize(outcome)).Inc()
}

// RecordBatchState increments the batch-order transition counter for state.
func (m *paymentMetrics) RecordBatchState(state string) {
	if m == nil {
		return
	}
	m.batchState.WithLabelValues(normalize(state)).Inc()
}

// RecordSettled increments the settled-order counter for the payee.
func (m *paymentMetrics) RecordSettled(payee string) {
	if m == nil {
		return
	}
	m.settled.WithLabelValues(normalize(payee)).Inc()
}

func normalize(label string) string {
	trimmed := strings.TrimSpace(label)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
