// Package metrics defines the gateway's Prometheus instruments on top
// of the shared monitoring collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cardroom/railbird/pkg/api/railbird"
	"cardroom/railbird/pkg/monitoring"
)

// Metrics holds all Prometheus metrics for the Railbird gateway.
type Metrics struct {
	// WebSocket hub metrics
	HubConnections   *prometheus.GaugeVec
	HubTables        *prometheus.GaugeVec
	HubSubscriptions *prometheus.GaugeVec
	EventsBroadcast  *prometheus.CounterVec
	BroadcastLag     *prometheus.HistogramVec
	RateLimitDenials *prometheus.CounterVec

	// Kafka metrics
	KafkaMessages *prometheus.CounterVec
	KafkaDuration *prometheus.HistogramVec
	KafkaLag      *prometheus.GaugeVec
}

// New registers the gateway metrics on the shared collector.
func New(mc *monitoring.MetricsCollector) *Metrics {
	m := &Metrics{
		HubConnections:   mc.NewGauge("websocket_connections_active", "Active WebSocket connections", nil),
		HubTables:        mc.NewGauge("tables_active", "Tables with at least one connection", nil),
		HubSubscriptions: mc.NewGauge("channel_subscriptions", "Channel subscriptions by channel", []string{"channel"}),
		EventsBroadcast:  mc.NewCounter("events_broadcast_total", "Engine events fanned out to subscribers", []string{"topic", "frame_type"}),
		BroadcastLag:     mc.NewHistogram("broadcast_lag_seconds", "Delay between event publish and fan-out", []string{"topic"}, nil),
		RateLimitDenials: mc.NewCounter("rate_limit_denials_total", "Writes blocked by the rate limiter", []string{"channel"}),
	}
	m.KafkaMessages, m.KafkaDuration, m.KafkaLag = mc.CreateKafkaMetrics()
	return m
}

// ObserveHub refreshes the hub gauges from a stats snapshot. Safe on a
// nil receiver so callers do not need metrics wired in tests.
func (m *Metrics) ObserveHub(stats *railbird.HubStats) {
	if m == nil || stats == nil {
		return
	}
	m.HubConnections.WithLabelValues().Set(float64(stats.Connections))
	m.HubTables.WithLabelValues().Set(float64(stats.Tables))
	for channel, count := range stats.ChannelSubscriptions {
		m.HubSubscriptions.WithLabelValues(channel).Set(float64(count))
	}
}

// ObserveBroadcast counts one fanned-out event and, when the event
// carries a publish timestamp, its end-to-end lag.
func (m *Metrics) ObserveBroadcast(topic, frameType string, published time.Time) {
	if m == nil {
		return
	}
	m.EventsBroadcast.WithLabelValues(topic, frameType).Inc()
	if !published.IsZero() {
		m.BroadcastLag.WithLabelValues(topic).Observe(time.Since(published).Seconds())
	}
}

// ObserveRateLimitDenial counts one blocked write on a channel.
func (m *Metrics) ObserveRateLimitDenial(channel string) {
	if m == nil {
		return
	}
	m.RateLimitDenials.WithLabelValues(channel).Inc()
}
