package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	bridgeMetricsOnce sync.Once
	bridgeRegistry    *BridgeMetrics
)

// BridgeMetrics wraps the Prometheus collectors tracking bridge health:
// order throughput/latency by status, rate-scheduler pressure per venue,
// and settlement outcomes.
type BridgeMetrics struct {
	orderTransitions *prometheus.CounterVec
	orderLatency     *prometheus.HistogramVec
	schedulerWaits   *prometheus.HistogramVec
	schedulerDrops   *prometheus.CounterVec
	settlementErrors *prometheus.CounterVec
	activeAds        *prometheus.GaugeVec
}

// Metrics returns the process-wide bridge metrics registry.
func Metrics() *BridgeMetrics {
	bridgeMetricsOnce.Do(func() {
		bridgeRegistry = &BridgeMetrics{
			orderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bridge",
				Name:      "order_transitions_total",
				Help:      "Count of Order state transitions by resulting status.",
			}, []string{"status"}),
			orderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bridge",
				Name:      "order_stage_seconds",
				Help:      "Time spent in each Order status before advancing.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			schedulerWaits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bridge",
				Name:      "scheduler_wait_seconds",
				Help:      "Time a caller waited for a rate-limit token per venue.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"venue"}),
			schedulerDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bridge",
				Name:      "scheduler_rejections_total",
				Help:      "Count of calls that failed terminally (non-retryable or ceiling exceeded) per venue.",
			}, []string{"venue", "reason"}),
			settlementErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bridge",
				Name:      "settlement_errors_total",
				Help:      "Count of settlement failures by reason.",
			}, []string{"reason"}),
			activeAds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "bridge",
				Name:      "bybit_active_ad_count",
				Help:      "Current active_ad_count per Bybit account nickname.",
			}, []string{"nickname"}),
		}
		prometheus.MustRegister(
			bridgeRegistry.orderTransitions,
			bridgeRegistry.orderLatency,
			bridgeRegistry.schedulerWaits,
			bridgeRegistry.schedulerDrops,
			bridgeRegistry.settlementErrors,
			bridgeRegistry.activeAds,
		)
	})
	return bridgeRegistry
}

// RecordTransition increments the transition counter and, when known,
// observes the time spent in the previous status.
func (m *BridgeMetrics) RecordTransition(status string, dwell time.Duration) {
	if m == nil {
		return
	}
	m.orderTransitions.WithLabelValues(status).Inc()
	if dwell > 0 {
		m.orderLatency.WithLabelValues(status).Observe(dwell.Seconds())
	}
}

// ObserveSchedulerWait records how long a caller waited for a token.
func (m *BridgeMetrics) ObserveSchedulerWait(venue string, d time.Duration) {
	if m == nil {
		return
	}
	m.schedulerWaits.WithLabelValues(venue).Observe(d.Seconds())
}

// RecordSchedulerRejection increments the rejection counter for venue/reason.
func (m *BridgeMetrics) RecordSchedulerRejection(venue, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.schedulerDrops.WithLabelValues(venue, reason).Inc()
}

// RecordSettlementError increments the settlement error counter.
func (m *BridgeMetrics) RecordSettlementError(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.settlementErrors.WithLabelValues(reason).Inc()
}

// SetActiveAds updates the active_ad_count gauge for a Bybit account.
func (m *BridgeMetrics) SetActiveAds(nickname string, count int) {
	if m == nil {
		return
	}
	m.activeAds.WithLabelValues(nickname).Set(float64(count))
}
