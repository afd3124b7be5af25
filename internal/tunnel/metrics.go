package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/treykane/approval-relay/internal/model"
)

const metricsNamespace = "approval_relay_tunnel"

var allStates = []model.TunnelState{
	model.TunnelStopped,
	model.TunnelStarting,
	model.TunnelRunning,
	model.TunnelError,
}

// Collector is a prometheus.Collector for the reverse tunnel. A nil
// *Collector records nothing.
type Collector struct {
	state    *prometheus.GaugeVec
	starts   prometheus.Counter
	failures *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "state",
				Help:      "1 for the tunnel's current state, 0 otherwise.",
			}, []string{"state"},
		),
		starts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "starts_total",
				Help:      "The number of ssh processes spawned.",
			},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "failures_total",
				Help:      "The number of tunnel failures by cause.",
			}, []string{"cause"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.state.Describe(ch)
	c.starts.Describe(ch)
	c.failures.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.state.Collect(ch)
	c.starts.Collect(ch)
	c.failures.Collect(ch)
}

func (c *Collector) setState(st model.TunnelState) {
	if c == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == st {
			v = 1
		}
		c.state.WithLabelValues(string(s)).Set(v)
	}
}

func (c *Collector) started() {
	if c == nil {
		return
	}
	c.starts.Inc()
}

func (c *Collector) failure(cause string) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(cause).Inc()
}
