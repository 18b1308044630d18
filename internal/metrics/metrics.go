// Package metrics 控制通道两端的Prometheus指标, 所有方法对nil接收者安全
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "control_channel"

// Side 指标所属的一端
type Side string

const (
	SideServer Side = "server"
	SideClient Side = "client"
)

type Metrics struct {
	activeSessions      prometheus.Gauge
	acceptedConnections prometheus.Counter
	authFailures        prometheus.Counter
	messagesIn          *prometheus.CounterVec
	messagesOut         *prometheus.CounterVec
	protocolErrors      *prometheus.CounterVec
	reconnectAttempts   prometheus.Counter
	queuedMessages      prometheus.Gauge
}

// New 在registry上注册全部指标, registry为nil时使用默认注册表
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of authenticated server sessions",
		}),
		acceptedConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepted_connections_total",
			Help:      "Total number of accepted TCP connections",
		}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of rejected authentication attempts",
		}),
		messagesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of MSG_PUB frames received",
		}, []string{"side"}),
		messagesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of MSG_PUB frames written",
		}, []string{"side"}),
		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of protocol errors by code",
		}, []string{"side", "code"}),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_connect_attempts_total",
			Help:      "Total number of client connection attempts",
		}),
		queuedMessages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_queued_messages",
			Help:      "Number of messages waiting in the client send queue",
		}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.acceptedConnections.Inc()
}

func (m *Metrics) AuthFailed() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *Metrics) MessageReceived(side Side) {
	if m == nil {
		return
	}
	m.messagesIn.WithLabelValues(string(side)).Inc()
}

func (m *Metrics) MessageSent(side Side) {
	if m == nil {
		return
	}
	m.messagesOut.WithLabelValues(string(side)).Inc()
}

func (m *Metrics) ProtocolError(side Side, code string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(string(side), code).Inc()
}

func (m *Metrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) SetQueued(n int) {
	if m == nil {
		return
	}
	m.queuedMessages.Set(float64(n))
}
