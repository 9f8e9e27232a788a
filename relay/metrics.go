package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_messages_sent_total",
		Help: "Messages persisted and published.",
	})

	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_events_published_total",
		Help: "Domain events published on the bus, by kind.",
	}, []string{"kind"})

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_events_dropped_total",
		Help: "Events not delivered because a session buffer was full.",
	})

	openSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_open_sessions",
		Help: "Currently connected websocket sessions.",
	})
)

func init() {
	prometheus.MustRegister(messagesSent, eventsPublished, eventsDropped, openSessions)
}
