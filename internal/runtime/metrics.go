package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rpcflow"

// serviceMetrics bundles the Prometheus collectors the runtime updates. A nil
// receiver disables every recording method, so disabled metrics cost one nil
// check per call site.
type serviceMetrics struct {
	invocations    *prometheus.CounterVec
	inflight       *prometheus.GaugeVec
	dispatches     *prometheus.CounterVec
	chunksSplit    prometheus.Counter
	chunksRebuilt  prometheus.Counter
	telemetrySent  prometheus.Counter
	telemetryRecvd prometheus.Counter
}

func newServiceMetrics(reg prometheus.Registerer) (*serviceMetrics, error) {
	m := &serviceMetrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "invocations_total",
			Help:      "Completed command invocations by outcome.",
		}, []string{"command", "outcome"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "invocations_in_flight",
			Help:      "Command invocations currently awaiting a response.",
		}, []string{"command"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatches_total",
			Help:      "Executor dispatch results by command.",
		}, []string{"command", "result"}),
		chunksSplit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunks_split_total",
			Help:      "Outgoing messages split into chunks.",
		}),
		chunksRebuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunks_reassembled_total",
			Help:      "Incoming chunked messages fully reassembled.",
		}),
		telemetrySent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "telemetry_sent_total",
			Help:      "Telemetry messages published.",
		}),
		telemetryRecvd: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "telemetry_received_total",
			Help:      "Telemetry messages delivered to receivers.",
		}),
	}

	collectors := []prometheus.Collector{
		m.invocations, m.inflight, m.dispatches,
		m.chunksSplit, m.chunksRebuilt,
		m.telemetrySent, m.telemetryRecvd,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Outcome labels for the invocation and dispatch counters.
const (
	metricOutcomeOK        = "ok"
	metricOutcomeAppError  = "app_error"
	metricOutcomeTimeout   = "timeout"
	metricOutcomeCancelled = "cancelled"
	metricOutcomeFailed    = "failed"

	metricDispatchHandled = "handled"
	metricDispatchCached  = "cached"
	metricDispatchFault   = "fault"
)

func (m *serviceMetrics) invocationStarted(command string) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(command).Inc()
}

func (m *serviceMetrics) invocationFinished(command, outcome string) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(command).Dec()
	m.invocations.WithLabelValues(command, outcome).Inc()
}

func (m *serviceMetrics) dispatchRecorded(command, result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(command, result).Inc()
}

func (m *serviceMetrics) chunkSplit() {
	if m == nil {
		return
	}
	m.chunksSplit.Inc()
}

func (m *serviceMetrics) chunkReassembled() {
	if m == nil {
		return
	}
	m.chunksRebuilt.Inc()
}

func (m *serviceMetrics) telemetryPublished() {
	if m == nil {
		return
	}
	m.telemetrySent.Inc()
}

func (m *serviceMetrics) telemetryDelivered() {
	if m == nil {
		return
	}
	m.telemetryRecvd.Inc()
}
