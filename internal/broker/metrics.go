package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "service_bridge"
	metricsSubsystem = "broker"
)

// Metrics broker 的 Prometheus 指标
type Metrics struct {
	ConnectAttempts *prometheus.CounterVec
	Published       *prometheus.CounterVec
	Consumed        *prometheus.CounterVec
	HandlerErrors   *prometheus.CounterVec
	ActiveConsumers prometheus.Gauge
}

// NewMetrics 创建指标并注册到 reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connect_attempts_total",
			Help:      "Broker connection attempts by outcome.",
		}, []string{"outcome"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "published_total",
			Help:      "Messages handed to the channel, by target and outcome.",
		}, []string{"target", "outcome"}),
		Consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "consumed_total",
			Help:      "Deliveries received per queue.",
		}, []string{"queue"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "handler_errors_total",
			Help:      "Deliveries whose handler failed; they are acknowledged regardless.",
		}, []string{"queue"}),
		ActiveConsumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "active_consumers",
			Help:      "Running consume loops.",
		}),
	}

	reg.MustRegister(m.ConnectAttempts, m.Published, m.Consumed, m.HandlerErrors, m.ActiveConsumers)
	return m
}
