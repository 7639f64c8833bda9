package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the resilience layer collectors. All methods are safe to
// call on a nil *Recorder.
type Recorder struct {
	registry *prometheus.Registry

	attempts      prometheus.Counter
	sequences     *prometheus.CounterVec
	triggers      *prometheus.CounterVec
	statusEvents  *prometheus.CounterVec
	heartbeatMiss prometheus.Counter
	attached      prometheus.Gauge
}

// New registers the collectors on a private registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnection attempts.",
		}),
		sequences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "reconnect_sequences_total",
			Help:      "Reconnection sequences by outcome.",
		}, []string{"outcome"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "triggers_total",
			Help:      "Reconnection triggers by reason and whether they started a sequence.",
		}, []string{"reason", "result"}),
		statusEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "status_events_total",
			Help:      "Published connection status events.",
		}, []string{"type"}),
		heartbeatMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "heartbeat_misses_total",
			Help:      "Heartbeat ticks that found a missing channel or a failed probe.",
		}),
		attached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime",
			Name:      "attached_channels",
			Help:      "Channels with a live instance after the last reconnection attempt.",
		}),
	}
	r.registry.MustRegister(r.attempts, r.sequences, r.triggers, r.statusEvents, r.heartbeatMiss, r.attached)
	return r
}

// Registry exposes the underlying registry, e.g. for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the collectors in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Attempt() {
	if r != nil {
		r.attempts.Inc()
	}
}

// Sequence records the outcome of a finished sequence:
// connected, disconnected, aborted or closed.
func (r *Recorder) Sequence(outcome string) {
	if r != nil {
		r.sequences.WithLabelValues(outcome).Inc()
	}
}

func (r *Recorder) Trigger(reason string, started bool) {
	if r == nil {
		return
	}
	result := "coalesced"
	if started {
		result = "started"
	}
	r.triggers.WithLabelValues(reason, result).Inc()
}

func (r *Recorder) Status(status string) {
	if r != nil {
		r.statusEvents.WithLabelValues(status).Inc()
	}
}

func (r *Recorder) HeartbeatMiss() {
	if r != nil {
		r.heartbeatMiss.Inc()
	}
}

func (r *Recorder) Attached(n int) {
	if r != nil {
		r.attached.Set(float64(n))
	}
}
