// Package metrics holds the prometheus collectors for one engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatsync"

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	framesReceived  *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	historyFetches  *prometheus.CounterVec
	historyLatency  *prometheus.HistogramVec
	historyDropped  *prometheus.CounterVec
	connects        prometheus.Counter
	disconnects     prometheus.Counter
	connectionState prometheus.Gauge
	sends           *prometheus.CounterVec
	sendLatency     prometheus.Histogram
	readPushes      *prometheus.CounterVec
	cacheSize       prometheus.Gauge
	unread          prometheus.Gauge
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		framesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "received_total",
			Help:      "Inbound frames by type.",
		}, []string{"type"}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "dropped_total",
			Help:      "Inbound frames dropped as malformed or unknown.",
		}, []string{"reason"}),
		historyFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "fetches_total",
			Help:      "History fetches by operation and result.",
		}, []string{"op", "result"}),
		historyLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "fetch_seconds",
			Help:      "History fetch latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		historyDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "dropped_total",
			Help:      "History requests dropped by the loading lock or rate limiter.",
		}, []string{"op"}),
		connects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "connects_total",
			Help:      "Successful connection attempts.",
		}),
		disconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "disconnects_total",
			Help:      "Connections lost or closed.",
		}),
		connectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "0 disconnected, 1 connecting, 2 connected.",
		}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sends",
			Name:      "total",
			Help:      "Optimistic sends by outcome.",
		}, []string{"outcome"}),
		sendLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sends",
			Name:      "confirm_seconds",
			Help:      "Time from send to server confirmation.",
			Buckets:   prometheus.DefBuckets,
		}),
		readPushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "read_state",
			Name:      "pushes_total",
			Help:      "Read cursor pushes by result.",
		}, []string{"result"}),
		cacheSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "messages",
			Help:      "Messages held in the cache.",
		}),
		unread: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "timeline",
			Name:      "unread_while_scrolled",
			Help:      "Messages from others that arrived while scrolled away.",
		}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) HistoryFetch(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.historyFetches.WithLabelValues(op, result(err)).Inc()
	m.historyLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) HistoryDropped(op string) {
	if m == nil {
		return
	}
	m.historyDropped.WithLabelValues(op).Inc()
}

func (m *Metrics) Connected() {
	if m == nil {
		return
	}
	m.connects.Inc()
}

func (m *Metrics) Disconnected() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}

func (m *Metrics) ConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

// Send counts a send outcome: started, confirmed, failed, retried or discarded.
func (m *Metrics) Send(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SendConfirmed(latency time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues("confirmed").Inc()
	m.sendLatency.Observe(latency.Seconds())
}

func (m *Metrics) ReadPush(err error) {
	if m == nil {
		return
	}
	m.readPushes.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) CacheSize(n int) {
	if m == nil {
		return
	}
	m.cacheSize.Set(float64(n))
}

func (m *Metrics) Unread(n int) {
	if m == nil {
		return
	}
	m.unread.Set(float64(n))
}
