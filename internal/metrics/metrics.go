// Package metrics wraps the Prometheus collectors exported by the feed core.
// All methods are safe on a nil *Collector so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	framesTotal      *prometheus.CounterVec
	decodeFailures   *prometheus.CounterVec
	reconnectsTotal  *prometheus.CounterVec
	connectionState  *prometheus.GaugeVec
	throttleQueue    *prometheus.GaugeVec
	throttleInFlight *prometheus.GaugeVec
	candlesMerged    *prometheus.CounterVec
	pendingRequests  prometheus.Gauge
	ticksIngested    prometheus.Counter
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "marketfeed"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "frames_total",
			Help:      "Frames received from the streaming feed by kind (text, binary)",
		},
		[]string{"account", "kind"},
	)
	c.decodeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "decode_failures_total",
			Help:      "Frames dropped because they could not be decoded",
		},
		[]string{"kind"},
	)
	c.reconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled",
		},
		[]string{"account"},
	)
	c.connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "connection_state",
			Help:      "Current connection state (0=disconnected, 1=connecting, 2=open, 3=reconnecting, 4=closing)",
		},
		[]string{"account"},
	)
	c.throttleQueue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "throttle",
			Name:      "queue_depth",
			Help:      "Calls waiting in the vendor throttler",
		},
		[]string{"vendor"},
	)
	c.throttleInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "throttle",
			Name:      "in_flight",
			Help:      "Calls currently executing through the vendor throttler",
		},
		[]string{"vendor"},
	)
	c.candlesMerged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "candles",
			Name:      "merged_total",
			Help:      "Candles processed by the merge engine by result (inserted, exists)",
		},
		[]string{"result"},
	)
	c.pendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "candles",
		Name:      "pending_requests",
		Help:      "Failed historical fetches waiting for a drain",
	})
	c.ticksIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ticks",
		Name:      "ingested_total",
		Help:      "Ticks accepted by the aggregator after batch dedup",
	})

	c.registry.MustRegister(
		c.framesTotal,
		c.decodeFailures,
		c.reconnectsTotal,
		c.connectionState,
		c.throttleQueue,
		c.throttleInFlight,
		c.candlesMerged,
		c.pendingRequests,
		c.ticksIngested,
	)

	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) FrameReceived(account, kind string) {
	if c == nil {
		return
	}
	c.framesTotal.WithLabelValues(account, kind).Inc()
}

func (c *Collector) DecodeFailed(kind string) {
	if c == nil {
		return
	}
	c.decodeFailures.WithLabelValues(kind).Inc()
}

func (c *Collector) ReconnectScheduled(account string) {
	if c == nil {
		return
	}
	c.reconnectsTotal.WithLabelValues(account).Inc()
}

func (c *Collector) SetConnectionState(account string, state int) {
	if c == nil {
		return
	}
	c.connectionState.WithLabelValues(account).Set(float64(state))
}

func (c *Collector) SetThrottle(vendor string, queued, inFlight int) {
	if c == nil {
		return
	}
	c.throttleQueue.WithLabelValues(vendor).Set(float64(queued))
	c.throttleInFlight.WithLabelValues(vendor).Set(float64(inFlight))
}

func (c *Collector) CandlesMerged(inserted, existing int) {
	if c == nil {
		return
	}
	c.candlesMerged.WithLabelValues("inserted").Add(float64(inserted))
	c.candlesMerged.WithLabelValues("exists").Add(float64(existing))
}

func (c *Collector) SetPendingRequests(n int) {
	if c == nil {
		return
	}
	c.pendingRequests.Set(float64(n))
}

func (c *Collector) TicksIngested(n int) {
	if c == nil {
		return
	}
	c.ticksIngested.Add(float64(n))
}
