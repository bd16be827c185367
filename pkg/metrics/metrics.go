package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every recording method is safe to
// call on a nil *Metrics so components can run without instrumentation.
type Metrics struct {
	// Session metrics
	sessionsCreated    *prometheus.CounterVec
	sessionsTerminated *prometheus.CounterVec
	sessionsActive     *prometheus.GaugeVec
	sessionStoreOps    *prometheus.CounterVec
	admissions         *prometheus.CounterVec

	// Device identity metrics
	deviceResolutions    *prometheus.CounterVec
	deviceAddressChanges *prometheus.CounterVec

	// CoA metrics
	coaRequests *prometheus.CounterVec
	coaLatency  *prometheus.HistogramVec

	// Accounting metrics
	accountingRecords      *prometheus.CounterVec
	accountingPollDuration prometheus.Histogram
	reconcileFindings      *prometheus.GaugeVec

	// Background jobs
	jobRuns *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		sessionsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotspot_sessions_created_total",
				Help: "Sessions created by router",
			},
			[]string{"router"},
		),

		sessionsTerminated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotspot_sessions_terminated_total",
				Help: "Sessions terminated by cause",
			},
			[]string{"cause"},
		),

		sessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hotspot_sessions_active",
				Help: "Active sessions by router, as of the last statistics snapshot",
			},
			[]string{"router"},
		),

		sessionStoreOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotspot_session_store_operations_total",
				Help: "Session store operations by operation and result (hit, miss, ok, error)",
			},
			[]string{"op", "result"},
		),

		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotspot_admission_decisions_total",
				Help: "Admission decisions by outcome and reason",
			},
			[]string{"decision", "reason"},
		),

		deviceResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotspot_device_resolutions_total",
				Help: "Device identity resolutions by result (new, seen, error)",
			},
			[]string{"result"},
		),

		deviceAddressChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotspot_device_address_changes_total",
				Help: "Observed address changes of known devices by kind (mac, ip)",
			},
			[]string{"kind"},
		),

		coaRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotspot_coa_requests_total",
				Help: "CoA/Disconnect requests sent to NAS devices by type and result",
			},
			[]string{"type", "result"},
		),

		coaLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hotspot_coa_latency_seconds",
				Help:    "CoA/Disconnect request latency",
				Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"type"},
		),

		accountingRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotspot_accounting_records_total",
				Help: "Accounting rows seen by the collector by result (inserted, duplicate, error)",
			},
			[]string{"result"},
		),

		accountingPollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hotspot_accounting_poll_duration_seconds",
				Help:    "Duration of one accounting collection run",
				Buckets: prometheus.DefBuckets,
			},
		),

		reconcileFindings: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hotspot_reconcile_findings",
				Help: "Findings of the last reconciliation pass by kind",
			},
			[]string{"kind"},
		),

		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotspot_job_runs_total",
				Help: "Periodic job runs by job and result (ok, error, skipped)",
			},
			[]string{"job", "result"},
		),
	}

	return m
}

// Register registers all metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.sessionsCreated,
		m.sessionsTerminated,
		m.sessionsActive,
		m.sessionStoreOps,
		m.admissions,
		m.deviceResolutions,
		m.deviceAddressChanges,
		m.coaRequests,
		m.coaLatency,
		m.accountingRecords,
		m.accountingPollDuration,
		m.reconcileFindings,
		m.jobRuns,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns an HTTP handler exposing the metrics registered on a
// private registry together with the Go runtime collectors.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)
		_ = m.Register(m.registry)
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionCreated records a new session.
func (m *Metrics) RecordSessionCreated(routerID string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(routerID).Inc()
}

// RecordSessionTerminated records a termination.
func (m *Metrics) RecordSessionTerminated(cause string) {
	if m == nil {
		return
	}
	m.sessionsTerminated.WithLabelValues(cause).Inc()
}

// SetActiveSessions replaces the per-router active session gauge.
func (m *Metrics) SetActiveSessions(byRouter map[string]int) {
	if m == nil {
		return
	}
	m.sessionsActive.Reset()
	for router, count := range byRouter {
		m.sessionsActive.WithLabelValues(router).Set(float64(count))
	}
}

// RecordStoreOp records a session store operation.
func (m *Metrics) RecordStoreOp(op, result string) {
	if m == nil {
		return
	}
	m.sessionStoreOps.WithLabelValues(op, result).Inc()
}

// RecordAdmission records an admission decision.
func (m *Metrics) RecordAdmission(decision, reason string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(decision, reason).Inc()
}

// RecordDeviceResolution records a fingerprint resolution.
func (m *Metrics) RecordDeviceResolution(result string) {
	if m == nil {
		return
	}
	m.deviceResolutions.WithLabelValues(result).Inc()
}

// RecordDeviceAddressChange records a MAC or IP change of a known device.
func (m *Metrics) RecordDeviceAddressChange(kind string) {
	if m == nil {
		return
	}
	m.deviceAddressChanges.WithLabelValues(kind).Inc()
}

// RecordCoARequest records a CoA or Disconnect attempt.
func (m *Metrics) RecordCoARequest(reqType, result string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.coaRequests.WithLabelValues(reqType, result).Inc()
	m.coaLatency.WithLabelValues(reqType).Observe(latencySeconds)
}

// RecordAccountingRecord records the fate of one collected accounting row.
func (m *Metrics) RecordAccountingRecord(result string) {
	if m == nil {
		return
	}
	m.accountingRecords.WithLabelValues(result).Inc()
}

// ObserveAccountingPoll records the duration of one collection run.
func (m *Metrics) ObserveAccountingPoll(seconds float64) {
	if m == nil {
		return
	}
	m.accountingPollDuration.Observe(seconds)
}

// SetReconcileFindings replaces the findings gauge.
func (m *Metrics) SetReconcileFindings(byKind map[string]int) {
	if m == nil {
		return
	}
	m.reconcileFindings.Reset()
	for kind, count := range byKind {
		m.reconcileFindings.WithLabelValues(kind).Set(float64(count))
	}
}

// RecordJobRun records one periodic job tick.
func (m *Metrics) RecordJobRun(job, result string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
}
