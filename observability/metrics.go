package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gpunode"

// PoolMetrics tracks the RPC connection pool and its nonce sequencer.
type PoolMetrics struct {
	capacity *prometheus.GaugeVec
	live     *prometheus.GaugeVec
	idle     *prometheus.GaugeVec
	inUse    *prometheus.GaugeVec
	waiting  *prometheus.GaugeVec
	guards   *prometheus.CounterVec
	nonce    *prometheus.CounterVec
}

// NodeMetrics tracks the lifecycle manager.
type NodeMetrics struct {
	status *prometheus.GaugeVec
	tx     *prometheus.CounterVec
	sync   *prometheus.CounterVec
}

// RelayMetrics tracks calls to the relay service.
type RelayMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	poolMetricsOnce sync.Once
	poolRegistry    *PoolMetrics

	nodeMetricsOnce sync.Once
	nodeRegistry    *NodeMetrics

	relayMetricsOnce sync.Once
	relayRegistry    *RelayMetrics
)

// Pool returns the lazily-initialised pool metrics registry.
func Pool() *PoolMetrics {
	poolMetricsOnce.Do(func() {
		gauge := func(name, help string) *prometheus.GaugeVec {
			return prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      name,
				Help:      help,
			}, []string{"pool"})
		}
		poolRegistry = &PoolMetrics{
			capacity: gauge("capacity", "Maximum number of live guards."),
			live:     gauge("live_guards", "Guards currently tracked by the pool."),
			idle:     gauge("idle_guards", "Guards waiting in the idle queue."),
			inUse:    gauge("in_use_guards", "Guards handed out to callers."),
			waiting:  gauge("waiters", "Callers blocked waiting for a guard."),
			guards: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "guard_events_total",
				Help:      "Guard lifecycle events segmented by event.",
			}, []string{"pool", "event"}),
			nonce: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "nonce_events_total",
				Help:      "Nonce sequencer events segmented by event.",
			}, []string{"pool", "event"}),
		}
		prometheus.MustRegister(
			poolRegistry.capacity,
			poolRegistry.live,
			poolRegistry.idle,
			poolRegistry.inUse,
			poolRegistry.waiting,
			poolRegistry.guards,
			poolRegistry.nonce,
		)
	})
	return poolRegistry
}

// ObserveOccupancy publishes a snapshot of the pool's counters.
func (m *PoolMetrics) ObserveOccupancy(pool string, capacity, live, idle, inUse, waiting int) {
	if m == nil {
		return
	}
	pool = normalise(pool)
	m.capacity.WithLabelValues(pool).Set(float64(capacity))
	m.live.WithLabelValues(pool).Set(float64(live))
	m.idle.WithLabelValues(pool).Set(float64(idle))
	m.inUse.WithLabelValues(pool).Set(float64(inUse))
	m.waiting.WithLabelValues(pool).Set(float64(waiting))
}

// GuardEvent counts a guard open, close or construction failure.
func (m *PoolMetrics) GuardEvent(pool, event string) {
	if m == nil {
		return
	}
	m.guards.WithLabelValues(normalise(pool), normalise(event)).Inc()
}

// NonceEvent counts a nonce fetch, advance or invalidation.
func (m *PoolMetrics) NonceEvent(pool, event string) {
	if m == nil {
		return
	}
	m.nonce.WithLabelValues(normalise(pool), normalise(event)).Inc()
}

// Node returns the lazily-initialised lifecycle metrics registry.
func Node() *NodeMetrics {
	nodeMetricsOnce.Do(func() {
		nodeRegistry = &NodeMetrics{
			status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "status",
				Help:      "Set to 1 for the node's current local status.",
			}, []string{"status"}),
			tx: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "transitions_total",
				Help:      "Lifecycle operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			sync: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "sync_ticks_total",
				Help:      "Sync loop iterations segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(nodeRegistry.status, nodeRegistry.tx, nodeRegistry.sync)
	})
	return nodeRegistry
}

// SetStatus marks status as the only current status.
func (m *NodeMetrics) SetStatus(status string) {
	if m == nil {
		return
	}
	m.status.Reset()
	m.status.WithLabelValues(normalise(status)).Set(1)
}

// ObserveTransition counts a lifecycle operation outcome.
func (m *NodeMetrics) ObserveTransition(op, outcome string) {
	if m == nil {
		return
	}
	m.tx.WithLabelValues(normalise(op), normalise(outcome)).Inc()
}

// ObserveSync counts one sync loop iteration.
func (m *NodeMetrics) ObserveSync(outcome string) {
	if m == nil {
		return
	}
	m.sync.WithLabelValues(normalise(outcome)).Inc()
}

// Relay returns the lazily-initialised relay client metrics registry.
func Relay() *RelayMetrics {
	relayMetricsOnce.Do(func() {
		relayRegistry = &RelayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "requests_total",
				Help:      "Relay requests segmented by method and HTTP status.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for relay requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(relayRegistry.requests, relayRegistry.latency)
	})
	return relayRegistry
}

// Observe records one relay request. A zero status means the request never
// produced a response.
func (m *RelayMetrics) Observe(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	method = normalise(method)
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.requests.WithLabelValues(method, code).Inc()
	m.latency.WithLabelValues(method).Observe(elapsed.Seconds())
}

func normalise(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
