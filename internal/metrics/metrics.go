// Package metrics exposes pipeline counters to Prometheus from a private
// registry.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/mirrorpipe/internal/liveness"
)

// Metrics holds all pipeline metrics
type Metrics struct {
	// Frame counters
	FramesRead      atomic.Uint64 // demuxed from the transcoder
	FramesDelivered atomic.Uint64 // handed to the consumer
	FramesFlushed   atomic.Uint64 // dropped by a restart flush

	// Fault counters
	PartialFrames  atomic.Uint64
	EndOfStream    atomic.Uint64
	Stalls         atomic.Uint64
	ProcessExits   atomic.Uint64
	LaunchFailures atomic.Uint64

	Restarts atomic.Uint64

	// Pipeline state
	State       atomic.Int32 // liveness.State
	BufferDepth atomic.Int64

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own Prometheus registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counters := []struct {
		name string
		help string
		v    *atomic.Uint64
	}{
		{"mirrorpipe_frames_read_total", "Total frames demuxed from the transcoder", &m.FramesRead},
		{"mirrorpipe_frames_delivered_total", "Total frames returned to the consumer", &m.FramesDelivered},
		{"mirrorpipe_frames_flushed_total", "Total buffered frames dropped by a restart", &m.FramesFlushed},
		{"mirrorpipe_partial_frames_total", "Total truncated records at end of stream", &m.PartialFrames},
		{"mirrorpipe_end_of_stream_total", "Total clean end-of-stream faults", &m.EndOfStream},
		{"mirrorpipe_stalls_total", "Total stall detections", &m.Stalls},
		{"mirrorpipe_process_exits_total", "Total unexpected process exits", &m.ProcessExits},
		{"mirrorpipe_launch_failures_total", "Total failed process launches", &m.LaunchFailures},
		{"mirrorpipe_restarts_total", "Total pipeline restarts", &m.Restarts},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mirrorpipe_pipeline_state",
			Help: "Pipeline state (0=stopped, 1=starting, 2=running, 3=restarting, 4=failed)",
		},
		func() float64 { return float64(m.State.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mirrorpipe_buffer_depth",
			Help: "Frames waiting in the consumer buffer",
		},
		func() float64 { return float64(m.BufferDepth.Load()) },
	))
}

// RecordFault counts a fault by cause
func (m *Metrics) RecordFault(cause liveness.Cause) {
	switch cause {
	case liveness.CausePartialFrame:
		m.PartialFrames.Add(1)
	case liveness.CauseEndOfStream:
		m.EndOfStream.Add(1)
	case liveness.CauseStall:
		m.Stalls.Add(1)
	case liveness.CauseProcessExit:
		m.ProcessExits.Add(1)
	case liveness.CauseLaunchFailed:
		m.LaunchFailures.Add(1)
	}
}

// SetState records the current pipeline state
func (m *Metrics) SetState(s liveness.State) {
	m.State.Store(int32(s))
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
