// Package metrics exposes agent-local operational counters on a private
// Prometheus registry — never the global default registry, so tests and
// multiple agent instances in one process never collide on metric names.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every metric the health surface exposes. All per-camera
// series are keyed by camera_id; cardinality is bounded by the site's
// camera count, which is small by construction (a single site's fleet).
type Collector struct {
	registry *prometheus.Registry

	eventsPending   prometheus.Gauge
	eventsProcessed prometheus.Counter
	eventsFailed    prometheus.Gauge
	camerasActive   prometheus.Gauge
	cloudSessionUp  prometheus.Gauge

	cameraFramesProcessed *prometheus.GaugeVec
	cameraDetections      *prometheus.GaugeVec
	cameraErrors          *prometheus.GaugeVec
	cameraConnected       *prometheus.GaugeVec
}

// NewCollector builds a Collector with every series registered against
// its own private registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg}

	c.eventsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edge_agent_events_pending",
		Help: "Events currently queued with status pending",
	})
	reg.MustRegister(c.eventsPending)

	c.eventsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_events_processed_total",
		Help: "Total events successfully submitted to the cloud",
	})
	reg.MustRegister(c.eventsProcessed)

	c.eventsFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edge_agent_events_failed",
		Help: "Events that exhausted their retry budget and became terminal",
	})
	reg.MustRegister(c.eventsFailed)

	c.camerasActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edge_agent_cameras_active",
		Help: "Number of camera stream tasks currently supervised",
	})
	reg.MustRegister(c.camerasActive)

	c.cloudSessionUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edge_agent_cloud_session_up",
		Help: "Whether the agent currently holds a valid cloud session token (1=up, 0=down)",
	})
	reg.MustRegister(c.cloudSessionUp)

	c.cameraFramesProcessed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edge_agent_camera_frames_processed",
		Help: "Frames read from the camera since the stream task started",
	}, []string{"camera_id"})
	reg.MustRegister(c.cameraFramesProcessed)

	c.cameraDetections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edge_agent_camera_detections",
		Help: "Detections produced for this camera since the stream task started",
	}, []string{"camera_id"})
	reg.MustRegister(c.cameraDetections)

	c.cameraErrors = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edge_agent_camera_errors",
		Help: "Detector and callback errors for this camera since the stream task started",
	}, []string{"camera_id"})
	reg.MustRegister(c.cameraErrors)

	c.cameraConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edge_agent_camera_connected",
		Help: "Whether this camera's stream task currently holds an open capture (1=connected, 0=not)",
	}, []string{"camera_id"})
	reg.MustRegister(c.cameraConnected)

	return c
}

// Handler exposes the registry in the standard Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) SetEventsPending(n int64)   { c.eventsPending.Set(float64(n)) }
func (c *Collector) SetEventsFailed(n int64)    { c.eventsFailed.Set(float64(n)) }
func (c *Collector) AddEventsProcessed(n int64) { c.eventsProcessed.Add(float64(n)) }
func (c *Collector) SetCamerasActive(n int)     { c.camerasActive.Set(float64(n)) }

func (c *Collector) SetCloudSessionUp(up bool) {
	if up {
		c.cloudSessionUp.Set(1)
	} else {
		c.cloudSessionUp.Set(0)
	}
}

// SetCameraStats updates every per-camera series from a stream task's
// latest stats snapshot.
func (c *Collector) SetCameraStats(cameraID string, framesProcessed, detections, errors int64, connected bool) {
	c.cameraFramesProcessed.WithLabelValues(cameraID).Set(float64(framesProcessed))
	c.cameraDetections.WithLabelValues(cameraID).Set(float64(detections))
	c.cameraErrors.WithLabelValues(cameraID).Set(float64(errors))
	conn := 0.0
	if connected {
		conn = 1.0
	}
	c.cameraConnected.WithLabelValues(cameraID).Set(conn)
}
