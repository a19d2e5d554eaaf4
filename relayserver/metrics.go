package relayserver

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "borderwars",
		Subsystem: "relay",
		Name:      "sessions_active",
		Help:      "Number of currently active relay client sessions.",
	})

	sessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "borderwars",
		Subsystem: "relay",
		Name:      "sessions_total",
		Help:      "Total relay sessions by outcome.",
	}, []string{"outcome"})

	outboundQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "borderwars",
		Subsystem: "relay",
		Name:      "outbound_queue_depth",
		Help:      "Depth of a session's outbound queue.",
	}, []string{"client_id"})

	framesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "borderwars",
		Subsystem: "relay",
		Name:      "frames_dropped_total",
		Help:      "Inbound frames dropped, by reason.",
	}, []string{"reason"})
)

// RegisterMetrics registers the relay server's Prometheus collectors with
// reg. Call once at startup, before serving traffic.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{sessionsActive, sessionsTotal, outboundQueueDepth, framesDropped} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
