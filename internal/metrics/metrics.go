package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay 中继的指标集合，nil 时不记录任何数据
type Relay struct {
	registry        *prometheus.Registry
	activeSessions  prometheus.Gauge
	framesReceived  *prometheus.CounterVec
	framesDropped   prometheus.Counter
	commandFailures *prometheus.CounterVec
}

// New 在独立的 registry 上注册中继指标
func New() *Relay {
	reg := prometheus.NewRegistry()
	m := &Relay{
		registry: reg,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat_relay",
			Name:      "active_sessions",
			Help:      "Number of registered websocket sessions.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_relay",
			Name:      "frames_received_total",
			Help:      "Inbound frames by command kind.",
		}, []string{"kind"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat_relay",
			Name:      "frames_dropped_total",
			Help:      "Outbound frames dropped because a session queue was full.",
		}),
		commandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_relay",
			Name:      "command_failures_total",
			Help:      "Commands answered with an error frame, by command kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeSessions,
		m.framesReceived,
		m.framesDropped,
		m.commandFailures,
	)
	return m
}

// Handler 以 Prometheus 文本格式输出指标
func (m *Relay) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Relay) SessionOpened() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

func (m *Relay) SessionClosed() {
	if m != nil {
		m.activeSessions.Dec()
	}
}

func (m *Relay) FrameReceived(kind string) {
	if m != nil {
		m.framesReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Relay) FrameDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Relay) CommandFailed(kind string) {
	if m != nil {
		m.commandFailures.WithLabelValues(kind).Inc()
	}
}
