package hub

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "approval_relay_hub"

var (
	sessionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "sessions"),
		"The number of open sessions by authentication state.",
		[]string{"auth"}, nil,
	)
	pendingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "pending_requests"),
		"The number of popup requests waiting for an answer.",
		nil, nil,
	)
)

// Collector is a prometheus.Collector that collects metrics about the hub.
// Session and pending counts are read from the hub at scrape time.
type Collector struct {
	hub *Hub

	connections     prometheus.Counter
	authFailures    *prometheus.CounterVec
	heartbeatDrops  prometheus.Counter
	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
}

// NewMetricsCollector returns a new Collector for h.
func NewMetricsCollector(h *Hub) *Collector {
	return &Collector{
		hub: h,
		connections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "connections_total",
				Help:      "The number of WebSocket connections accepted.",
			},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "authentication_failures_total",
				Help:      "The number of sessions rejected during authentication.",
			}, []string{"reason"},
		),
		heartbeatDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "heartbeat_drops_total",
				Help:      "The number of sessions dropped by the heartbeat sweep.",
			},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "popup_requests_total",
				Help:      "The number of popup requests sent to sessions by outcome.",
			}, []string{"outcome"},
		),
		requestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "popup_request_seconds",
				Help:      "The time a human took to answer a popup request.",
				Buckets:   []float64{1, 5, 10, 20, 30, 60},
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sessionsDesc
	ch <- pendingDesc
	c.connections.Describe(ch)
	c.authFailures.Describe(ch)
	c.heartbeatDrops.Describe(ch)
	c.requests.Describe(ch)
	c.requestDuration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.hub.Status()
	ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue, float64(st.Authenticated), "authenticated")
	ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue, float64(st.Sessions-st.Authenticated), "unauthenticated")
	ch <- prometheus.MustNewConstMetric(pendingDesc, prometheus.GaugeValue, float64(st.PendingCount))
	c.connections.Collect(ch)
	c.authFailures.Collect(ch)
	c.heartbeatDrops.Collect(ch)
	c.requests.Collect(ch)
	c.requestDuration.Collect(ch)
}

func (c *Collector) connectionAccepted() { c.connections.Inc() }

func (c *Collector) authFailure(reason string) { c.authFailures.WithLabelValues(reason).Inc() }

func (c *Collector) heartbeatDrop() { c.heartbeatDrops.Inc() }

func (c *Collector) request(outcome string, took time.Duration) {
	c.requests.WithLabelValues(outcome).Inc()
	if took > 0 {
		c.requestDuration.Observe(took.Seconds())
	}
}
