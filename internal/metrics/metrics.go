package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mqtt_kafka_bridge"

// Endpoint label values
const (
	EndpointSource = "source"
	EndpointSink   = "sink"
)

// Metrics holds the prometheus collectors exported by the bridge.
type Metrics struct {
	messagesTotal    *prometheus.CounterVec
	publishAttempts  *prometheus.CounterVec
	connectionStatus *prometheus.GaugeVec
	reconnectsTotal  *prometheus.CounterVec
	backoffSeconds   *prometheus.GaugeVec
	inFlight         prometheus.Gauge
	publishLatency   prometheus.Histogram
	uptimeSeconds    prometheus.Gauge
	forwardRate      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages seen by the relay, by outcome.",
		}, []string{"status"}),
		publishAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_attempts_total",
			Help:      "Publish attempts against the destination, by result.",
		}, []string{"result"}),
		connectionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "1 when the endpoint is connected, 0 otherwise.",
		}, []string{"endpoint"}),
		reconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Connect retries scheduled after a failed attempt or a lost connection.",
		}, []string{"endpoint"}),
		backoffSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backoff_seconds",
			Help:      "Delay before the next connect attempt.",
		}, []string{"endpoint"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_publishes",
			Help:      "Records handed to the destination and not yet acknowledged.",
		}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_latency_seconds",
			Help:      "Time from publish to destination acknowledgment.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the bridge started.",
		}),
		forwardRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "forward_rate",
			Help:      "Average forwarded messages per second since start.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.messagesTotal,
		m.publishAttempts,
		m.connectionStatus,
		m.reconnectsTotal,
		m.backoffSeconds,
		m.inFlight,
		m.publishLatency,
		m.uptimeSeconds,
		m.forwardRate,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

// IncMessagesTotal counts a message outcome: received, forwarded, failed,
// dropped or rejected.
func (m *Metrics) IncMessagesTotal(status string) {
	m.messagesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncPublishAttempts(result string) {
	m.publishAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) SetConnectionStatus(endpoint string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	m.connectionStatus.WithLabelValues(endpoint).Set(v)
}

func (m *Metrics) IncReconnects(endpoint string) {
	m.reconnectsTotal.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) SetBackoff(endpoint string, d time.Duration) {
	m.backoffSeconds.WithLabelValues(endpoint).Set(d.Seconds())
}

func (m *Metrics) SetInFlight(n float64) {
	m.inFlight.Set(n)
}

func (m *Metrics) ObservePublishLatency(d time.Duration) {
	m.publishLatency.Observe(d.Seconds())
}

func (m *Metrics) SetUptime(d time.Duration) {
	m.uptimeSeconds.Set(d.Seconds())
}

func (m *Metrics) SetForwardRate(rate float64) {
	m.forwardRate.Set(rate)
}
