package sched

import (
	"strconv"
	"sync"

	"github.com/VividCortex/gohistogram"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects per-core scheduler instrumentation for export through
// the standard prometheus registry. Wait-latency (ticks spent Blocked
// before a wake) is additionally tracked through a streaming histogram,
// since scheduler wait times are exactly the kind of unbounded,
// high-cardinality distribution gohistogram's weighted-bucket sketch is
// built for.
type Metrics struct {
	readyDepth  *prometheus.GaugeVec
	wakes       prometheus.Counter
	timeouts    prometheus.Counter
	preemptions prometheus.Counter

	mu        sync.Mutex
	waitHisto *gohistogram.NumericHistogram
}

// NewMetrics builds a Metrics instance and registers it with reg. Pass a
// fresh prometheus.NewRegistry() in tests to avoid cross-test collisions on
// the global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		readyDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "oro",
			Subsystem: "sched",
			Name:      "ready_queue_depth",
			Help:      "Number of Ready threads currently queued on a core.",
		}, []string{"core"}),
		wakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oro",
			Subsystem: "sched",
			Name:      "wakes_total",
			Help:      "Total number of Blocked -> Ready transitions.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oro",
			Subsystem: "sched",
			Name:      "wait_timeouts_total",
			Help:      "Total number of WAIT deadlines that expired before a wake.",
		}),
		preemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oro",
			Subsystem: "sched",
			Name:      "preemptions_total",
			Help:      "Total number of quantum-exhaustion preemptions.",
		}),
		waitHisto: gohistogram.NewHistogram(20),
	}

	if reg != nil {
		reg.MustRegister(m.readyDepth, m.wakes, m.timeouts, m.preemptions)
	}
	return m
}

func (m *Metrics) observeReadyDepth(core int, depth int) {
	if m == nil {
		return
	}
	m.readyDepth.WithLabelValues(strconv.Itoa(core)).Set(float64(depth))
}

// ObserveWaitTicks records how many ticks a thread spent Blocked before
// waking.
func (m *Metrics) ObserveWaitTicks(ticks uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitHisto.Add(float64(ticks))
}

// WaitTicksQuantile returns the streaming estimate of the q-th quantile
// (0..1) of recorded wait latencies, in ticks.
func (m *Metrics) WaitTicksQuantile(q float64) float64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waitHisto.Quantile(q)
}

// IncWakes records a Blocked -> Ready transition.
func (m *Metrics) IncWakes() {
	if m == nil {
		return
	}
	m.wakes.Inc()
}

// IncTimeouts records a WAIT deadline expiring before a wake arrived.
func (m *Metrics) IncTimeouts() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

// IncPreemptions records a quantum-exhaustion preemption.
func (m *Metrics) IncPreemptions() {
	if m == nil {
		return
	}
	m.preemptions.Inc()
}
