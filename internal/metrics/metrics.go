package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors for the relay pod. Scraped at /metrics/prometheus;
// the JSON /metrics endpoint remains the operational contract.
var (
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_active",
		Help: "Current number of registered sessions across all relays",
	})

	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_connections_total",
		Help: "Total number of sessions registered since start",
	})

	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_delivered_total",
		Help: "Total messages delivered to local sessions",
	})

	BusPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_bus_published_total",
		Help: "Total envelopes published to the bus",
	})

	BusReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_bus_received_total",
		Help: "Total envelopes drained from bus subscriptions",
	})

	BusPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_bus_publish_failures_total",
		Help: "Total envelope publishes that failed on both channels",
	})

	MailboxDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_mailbox_dropped_total",
		Help: "Total commands dropped because a relay mailbox was full",
	})

	UpgradesRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_upgrades_rejected_total",
		Help: "Total websocket upgrades refused by admission control or saturation",
	})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_cpu_usage_percent",
		Help: "Host CPU usage sampled by the metrics pump",
	})

	MemoryUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_memory_usage_percent",
		Help: "Host memory usage sampled by the metrics pump",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsTotal,
		MessagesDelivered,
		BusPublished,
		BusReceived,
		BusPublishFailures,
		MailboxDropped,
		UpgradesRejected,
		CPUUsagePercent,
		MemoryUsagePercent,
	)
}

// Handler exposes the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
