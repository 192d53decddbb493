package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the relay's prometheus collectors.
type Metrics struct {
	Connections prometheus.Gauge
	OnlineUsers prometheus.Gauge
	Events      *prometheus.CounterVec
	Broadcasts  *prometheus.CounterVec
	SendErrors  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vidachat",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open relay connections.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vidachat",
			Subsystem: "relay",
			Name:      "online_users",
			Help:      "Users with an active connection.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vidachat",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Inbound events by type and outcome.",
		}, []string{"type", "outcome"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vidachat",
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Outbound events written to connections, by type.",
		}, []string{"type"}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vidachat",
			Subsystem: "relay",
			Name:      "send_errors_total",
			Help:      "Outbound writes that failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.OnlineUsers, m.Events, m.Broadcasts, m.SendErrors)
	}
	return m
}
