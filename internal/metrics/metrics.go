// Package metrics exposes bridge counters to prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements network.Recorder and tracks listener state.
type Collector struct {
	received   *prometheus.CounterVec
	discarded  *prometheus.CounterVec
	broadcast  *prometheus.CounterVec
	sendErrors *prometheus.CounterVec
	calibrated *prometheus.GaugeVec
	running    *prometheus.GaugeVec
	starts     *prometheus.CounterVec
}

// New creates a Collector and registers it with reg. A nil reg uses the
// default prometheus registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_datagrams_received_total",
			Help: "Datagrams read from a sensor's receive socket.",
		}, []string{"sensor"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_datagrams_discarded_total",
			Help: "Datagrams dropped before broadcast, by reason.",
		}, []string{"sensor", "reason"}),
		broadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_sentences_broadcast_total",
			Help: "Calibrated sentences sent to the broadcast address.",
		}, []string{"sensor"}),
		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_send_errors_total",
			Help: "Broadcast sends that failed at the socket.",
		}, []string{"sensor"}),
		calibrated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_last_calibrated_value",
			Help: "Most recent calibrated value broadcast.",
		}, []string{"sensor"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_listener_running",
			Help: "1 while a sensor's listener is running.",
		}, []string{"sensor"}),
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_listener_starts_total",
			Help: "Successful listener starts.",
		}, []string{"sensor"}),
	}

	reg.MustRegister(c.received, c.discarded, c.broadcast, c.sendErrors, c.calibrated, c.running, c.starts)
	return c
}

func (c *Collector) Received(sensor string) {
	c.received.WithLabelValues(sensor).Inc()
}

func (c *Collector) Discarded(sensor, reason string) {
	c.discarded.WithLabelValues(sensor, reason).Inc()
}

func (c *Collector) Broadcast(sensor string, calibrated float64) {
	c.broadcast.WithLabelValues(sensor).Inc()
	c.calibrated.WithLabelValues(sensor).Set(calibrated)
}

func (c *Collector) SendError(sensor string) {
	c.sendErrors.WithLabelValues(sensor).Inc()
}

// SetRunning records a listener state change.
func (c *Collector) SetRunning(sensor string, running bool) {
	if running {
		c.running.WithLabelValues(sensor).Set(1)
		c.starts.WithLabelValues(sensor).Inc()
		return
	}
	c.running.WithLabelValues(sensor).Set(0)
}
