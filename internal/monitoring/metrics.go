// Package monitoring exposes wallet metrics and raises operator alerts.
package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/iotaledger/hive.go/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "troczen"

// Snapshot keys evaluated by alert rules
const (
	MetricFlaggedVouchers = "flagged_vouchers"
	MetricGhostTransfers  = "ghost_transfers"
	MetricRelayFailures   = "relay_failures"
	MetricPendingVouchers = "pending_vouchers"
)

// MetricsCollector collects and exposes wallet metrics
type MetricsCollector struct {
	*logger.WrappedLogger

	// Transfer metrics
	transfersTotal   *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec
	transferErrors   *prometheus.CounterVec

	// Voucher metrics
	vouchers      *prometheus.GaugeVec
	vouchersValue *prometheus.GaugeVec
	locks         *prometheus.CounterVec

	// Reconciliation metrics
	reconciliations *prometheus.CounterVec

	// Relay metrics
	relayRequests *prometheus.CounterVec
	relayLatency  *prometheus.HistogramVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge

	// Alert metrics
	alertsTriggered *prometheus.CounterVec
	alertsResolved  *prometheus.CounterVec

	mu            sync.RWMutex
	flagged       int
	ghosts        int
	pending       int
	relayFailures int
}

// NewMetricsCollector registers the wallet metrics on reg.
func NewMetricsCollector(log *logger.Logger, reg prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(reg)

	return &MetricsCollector{
		WrappedLogger: logger.NewWrappedLogger(log),

		transfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfers",
			Name:      "total",
			Help:      "Total number of transfer handshakes by role and outcome",
		}, []string{"role", "outcome"}),

		transferDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transfers",
			Name:      "duration_seconds",
			Help:      "Handshake duration from offer generation to confirmation",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"role"}),

		transferErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfers",
			Name:      "errors_total",
			Help:      "Total number of handshake failures by kind",
		}, []string{"role", "kind"}),

		vouchers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vouchers",
			Name:      "count",
			Help:      "Number of vouchers held by status",
		}, []string{"status"}),

		vouchersValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vouchers",
			Name:      "value_minor_units",
			Help:      "Sum of voucher values by status in minor units",
		}, []string{"status"}),

		locks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "locks",
			Name:      "transitions_total",
			Help:      "Lock transitions by kind",
		}, []string{"transition"}),

		reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "outcomes_total",
			Help:      "Reconciliation outcomes per voucher",
		}, []string{"outcome"}),

		relayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Relay requests by operation and result",
		}, []string{"operation", "result"}),

		relayLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "latency_milliseconds",
			Help:      "Relay request latency in milliseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"operation"}),

		memoryUsage: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_bytes",
			Help:      "Allocated heap memory",
		}),

		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Number of goroutines",
		}),

		alertsTriggered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "triggered_total",
			Help:      "Total number of alerts triggered",
		}, []string{"severity", "type"}),

		alertsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "resolved_total",
			Help:      "Total number of alerts resolved",
		}, []string{"severity", "type"}),
	}
}

// RecordTransfer records a finished handshake
func (mc *MetricsCollector) RecordTransfer(role, outcome string, duration time.Duration) {
	mc.transfersTotal.WithLabelValues(role, outcome).Inc()
	mc.transferDuration.WithLabelValues(role).Observe(duration.Seconds())
}

// RecordTransferError records a handshake failure
func (mc *MetricsCollector) RecordTransferError(role, kind string) {
	mc.transferErrors.WithLabelValues(role, kind).Inc()
}

// RecordLockTransition records a lock manager transition
func (mc *MetricsCollector) RecordLockTransition(transition string) {
	mc.locks.WithLabelValues(transition).Inc()
}

// RecordReconciliation records the outcome for one voucher
func (mc *MetricsCollector) RecordReconciliation(outcome string) {
	mc.reconciliations.WithLabelValues(outcome).Inc()
}

// RecordRelayRequest records a relay round trip
func (mc *MetricsCollector) RecordRelayRequest(operation string, err error, latency time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
		mc.mu.Lock()
		mc.relayFailures++
		mc.mu.Unlock()
	}
	mc.relayRequests.WithLabelValues(operation, result).Inc()
	mc.relayLatency.WithLabelValues(operation).Observe(float64(latency.Milliseconds()))
}

// UpdateVoucherMetrics sets the voucher gauges. counts and values are keyed
// by status.
func (mc *MetricsCollector) UpdateVoucherMetrics(counts map[string]int, values map[string]uint64, flagged int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	for status, count := range counts {
		mc.vouchers.WithLabelValues(status).Set(float64(count))
	}
	for status, value := range values {
		mc.vouchersValue.WithLabelValues(status).Set(float64(value))
	}
	mc.flagged = flagged
	mc.pending = counts["pending"]
}

// SetGhostTransfers records the number of unresolved ghost transfers
func (mc *MetricsCollector) SetGhostTransfers(count int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.ghosts = count
}

// RecordAlert records an alert event
func (mc *MetricsCollector) RecordAlert(severity, alertType string, triggered bool) {
	if triggered {
		mc.alertsTriggered.WithLabelValues(severity, alertType).Inc()
	} else {
		mc.alertsResolved.WithLabelValues(severity, alertType).Inc()
	}
}

// Start collects system metrics until ctx is done.
func (mc *MetricsCollector) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			mc.memoryUsage.Set(float64(m.Alloc))
			mc.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// GetMetrics returns the snapshot evaluated by alert rules
func (mc *MetricsCollector) GetMetrics() map[string]interface{} {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return map[string]interface{}{
		MetricFlaggedVouchers: float64(mc.flagged),
		MetricGhostTransfers:  float64(mc.ghosts),
		MetricRelayFailures:   float64(mc.relayFailures),
		MetricPendingVouchers: float64(mc.pending),
	}
}
