// Package metrics provides Prometheus metrics for the tunnel agent.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tunnel_agent"
)

// Datagram rejection reasons.
const (
	RejectForeignSource = "foreign_source"
	RejectShort         = "short"
	RejectBadTail       = "bad_tail"
	RejectStale         = "stale_token"
)

// Metrics contains all Prometheus metrics for the agent.
type Metrics struct {
	// UDP tunnel channel
	TokensSent        prometheus.Counter
	Confirmations     prometheus.Counter
	DatagramsSent     prometheus.Counter
	DatagramsReceived prometheus.Counter
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	DatagramsRejected *prometheus.CounterVec

	// Control channel
	PingsSent      prometheus.Counter
	KeepalivesSent prometheus.Counter
	FeedEvents     *prometheus.CounterVec
	Reconnects     prometheus.Counter

	// Relays
	TCPClientsActive prometheus.Gauge
	TCPClientsTotal  prometheus.Counter
	TCPBytes         *prometheus.CounterVec
	UDPFlowsActive   prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		TokensSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_sent_total",
			Help:      "Total UDP channel tokens transmitted to the relay",
		}),
		Confirmations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Total token echoes received from the relay",
		}),
		DatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total data datagrams sent over the UDP channel",
		}),
		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total data datagrams received over the UDP channel",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent over the UDP channel",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received over the UDP channel",
		}),
		DatagramsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_rejected_total",
			Help:      "Total inbound datagrams dropped by reason",
		}, []string{"reason"}),

		PingsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_pings_sent_total",
			Help:      "Total pings sent on the control channel",
		}),
		KeepalivesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_keepalives_sent_total",
			Help:      "Total session keep-alives sent on the control channel",
		}),
		FeedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_feed_events_total",
			Help:      "Total control feed events by type",
		}, []string{"type"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_reconnects_total",
			Help:      "Total control session re-establishments after a loss",
		}),

		TCPClientsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_clients_active",
			Help:      "Number of currently relayed TCP clients",
		}),
		TCPClientsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_clients_total",
			Help:      "Total TCP clients handed to the relay",
		}),
		TCPBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_bytes_total",
			Help:      "Total TCP bytes relayed by direction",
		}, []string{"direction"}),
		UDPFlowsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_flows_active",
			Help:      "Number of active UDP flow associations",
		}),
	}

	return m
}

// RecordTokenSent records a token transmission.
func (m *Metrics) RecordTokenSent() {
	m.TokensSent.Inc()
}

// RecordConfirmation records a token echo from the relay.
func (m *Metrics) RecordConfirmation() {
	m.Confirmations.Inc()
}

// RecordDatagramSent records an outbound data datagram.
func (m *Metrics) RecordDatagramSent(payloadBytes int) {
	m.DatagramsSent.Inc()
	m.BytesSent.Add(float64(payloadBytes))
}

// RecordDatagramReceived records an inbound data datagram.
func (m *Metrics) RecordDatagramReceived(payloadBytes int) {
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(payloadBytes))
}

// RecordRejected records a dropped inbound datagram.
func (m *Metrics) RecordRejected(reason string) {
	m.DatagramsRejected.WithLabelValues(reason).Inc()
}

// RecordPing records a control ping.
func (m *Metrics) RecordPing() {
	m.PingsSent.Inc()
}

// RecordKeepalive records a control keep-alive.
func (m *Metrics) RecordKeepalive() {
	m.KeepalivesSent.Inc()
}

// RecordFeedEvent records a control feed event.
func (m *Metrics) RecordFeedEvent(eventType string) {
	m.FeedEvents.WithLabelValues(eventType).Inc()
}

// RecordReconnect records a control session re-establishment.
func (m *Metrics) RecordReconnect() {
	m.Reconnects.Inc()
}

// RecordTCPClientOpen records a relayed TCP client.
func (m *Metrics) RecordTCPClientOpen() {
	m.TCPClientsActive.Inc()
	m.TCPClientsTotal.Inc()
}

// RecordTCPClientClose records the end of a relayed TCP client.
func (m *Metrics) RecordTCPClientClose() {
	m.TCPClientsActive.Dec()
}

// RecordTCPBytes records relayed TCP bytes. Direction is "inbound" or "outbound".
func (m *Metrics) RecordTCPBytes(direction string, bytes int64) {
	m.TCPBytes.WithLabelValues(direction).Add(float64(bytes))
}

// SetUDPFlows sets the number of active UDP flow associations.
func (m *Metrics) SetUDPFlows(count int) {
	m.UDPFlowsActive.Set(float64(count))
}
