package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the broker's observable state as prometheus
// collectors: active clients, retained topics, expired deliveries and
// traffic counters. PendingDeliveries is registered but no component
// updates it, so it always reads zero; per-session queue depth is
// available from Broker.PendingCount.
type Metrics struct {
	ActiveClients     prometheus.Gauge
	RetainedTopics    prometheus.Gauge
	PendingDeliveries prometheus.Gauge
	DeliveriesExpired prometheus.Counter
	PacketsReceived   prometheus.Counter
	PacketsSent       prometheus.Counter
	BytesReceived     prometheus.Counter
	BytesSent         prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		ActiveClients:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "emberq_active_client_count", Help: "The number of clients with a live attachment"}),
		RetainedTopics:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "emberq_retained_topic_count", Help: "The number of topics holding a retained message"}),
		PendingDeliveries: prometheus.NewGauge(prometheus.GaugeOpts{Name: "emberq_pending_delivery_count", Help: "The number of outbound deliveries awaiting acknowledgement"}),
		DeliveriesExpired: prometheus.NewCounter(prometheus.CounterOpts{Name: "emberq_expired_deliveries", Help: "The total number of deliveries dropped after exhausting retries"}),
		PacketsReceived:   prometheus.NewCounter(prometheus.CounterOpts{Name: "emberq_received_packets", Help: "The total number of received MQTT packets"}),
		PacketsSent:       prometheus.NewCounter(prometheus.CounterOpts{Name: "emberq_sent_packets", Help: "The total number of sent MQTT packets"}),
		BytesReceived:     prometheus.NewCounter(prometheus.CounterOpts{Name: "emberq_received_bytes", Help: "The total number of received bytes"}),
		BytesSent:         prometheus.NewCounter(prometheus.CounterOpts{Name: "emberq_sent_bytes", Help: "The total number of sent bytes"}),
	}
}

// Register installs the collectors on the given registry, or the
// default one when nil.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, collector := range []prometheus.Collector{
		m.ActiveClients, m.RetainedTopics, m.PendingDeliveries,
		m.DeliveriesExpired, m.PacketsReceived, m.PacketsSent,
		m.BytesReceived, m.BytesSent,
	} {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the /metrics http handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
