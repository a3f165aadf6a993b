package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Connections prometheus.Gauge
	Messages    *prometheus.CounterVec
	Dropped     prometheus.Counter
	Undecodable *prometheus.CounterVec
}

const (
	reasonMalformed   = "malformed"
	reasonUnknownKind = "unknownKind"
)

// NewMetrics creates the relay collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "lottiesync_connections",
			Help: "Number of open participant connections.",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lottiesync_messages_total",
			Help: "Decoded messages by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "lottiesync_dropped_frames_total",
			Help: "Frames not delivered because a peer's send buffer was full.",
		}),
		Undecodable: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lottiesync_undecodable_messages_total",
			Help: "Inbound frames that could not be decoded, by reason.",
		}, []string{"reason"}),
	}
}
