package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for tripdesk
type Metrics struct {
	// Request lifecycle
	RequestsCreated    prometheus.Counter
	RequestTransitions *prometheus.CounterVec
	BackupsAssigned    *prometheus.CounterVec
	AcceptConflicts    prometheus.Counter
	RequestsFlagged    prometheus.Counter

	// Batches and escalation
	BatchesOpened     prometheus.Counter
	BatchFailures     *prometheus.CounterVec
	EscalationsRaised *prometheus.CounterVec
	CandidateScores   prometheus.Histogram

	// Scheduler
	SweepsTotal        *prometheus.CounterVec
	SweepDuration      prometheus.Histogram
	TripsNeedingBackup prometheus.Gauge
	PendingRequests    prometheus.Gauge

	// System
	EventsDelivered     *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics once per process
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			RequestsCreated: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tripdesk_backup_requests_created_total",
				Help: "Total number of backup requests created",
			}),
			RequestTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tripdesk_backup_request_transitions_total",
					Help: "Total number of backup request status transitions",
				},
				[]string{"to_status"},
			),
			BackupsAssigned: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tripdesk_backups_assigned_total",
					Help: "Trips whose backup slot was filled",
				},
				[]string{"method"}, // accept, override
			),
			AcceptConflicts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tripdesk_accept_conflicts_total",
				Help: "Acceptances rejected because the request was no longer available",
			}),
			RequestsFlagged: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tripdesk_backup_requests_flagged_total",
				Help: "Requests flagged for manual cleanup after an integrity failure",
			}),

			BatchesOpened: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tripdesk_batches_opened_total",
				Help: "Total number of request batches opened",
			}),
			BatchFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tripdesk_batch_failures_total",
					Help: "Batch attempts that did not open",
				},
				[]string{"reason"},
			),
			EscalationsRaised: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tripdesk_escalations_raised_total",
					Help: "Escalation alerts raised",
				},
				[]string{"severity"},
			),
			CandidateScores: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "tripdesk_candidate_match_score",
				Help:    "Match scores of candidates offered a backup request",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			}),

			SweepsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tripdesk_sweeps_total",
					Help: "Scheduler sweeps by trigger and result",
				},
				[]string{"trigger", "result"},
			),
			SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "tripdesk_sweep_duration_seconds",
				Help:    "Duration of scheduler sweeps",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			}),
			TripsNeedingBackup: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "tripdesk_trips_needing_backup",
				Help: "Trips without a backup sensei at the last sweep",
			}),
			PendingRequests: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "tripdesk_pending_requests",
				Help: "Pending backup requests at the last sweep",
			}),

			EventsDelivered: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tripdesk_audit_deliveries_total",
					Help: "Audit sink deliveries by result",
				},
				[]string{"result"},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tripdesk_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tripdesk_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})
	return sharedMetrics
}

// The helpers below accept a nil receiver so components can run without metrics.

// RecordTransition counts a request reaching a new status
func (m *Metrics) RecordTransition(to string) {
	if m == nil {
		return
	}
	m.RequestTransitions.WithLabelValues(to).Inc()
}

// RecordBatch counts an opened batch and the scores it offered
func (m *Metrics) RecordBatch(scores []int) {
	if m == nil {
		return
	}
	m.BatchesOpened.Inc()
	m.RequestsCreated.Add(float64(len(scores)))
	for _, s := range scores {
		m.CandidateScores.Observe(float64(s))
	}
}

// RecordBatchFailure counts a batch attempt that produced no requests
func (m *Metrics) RecordBatchFailure(reason string) {
	if m == nil {
		return
	}
	m.BatchFailures.WithLabelValues(reason).Inc()
}

// RecordAssignment counts a filled backup slot
func (m *Metrics) RecordAssignment(method string) {
	if m == nil {
		return
	}
	m.BackupsAssigned.WithLabelValues(method).Inc()
}

// RecordConflict counts a rejected acceptance
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.AcceptConflicts.Inc()
}

// RecordFlagged counts a request flagged for cleanup
func (m *Metrics) RecordFlagged() {
	if m == nil {
		return
	}
	m.RequestsFlagged.Inc()
}

// RecordEscalation counts a raised alert
func (m *Metrics) RecordEscalation(severity string) {
	if m == nil {
		return
	}
	m.EscalationsRaised.WithLabelValues(severity).Inc()
}

// RecordSweep records one scheduler sweep
func (m *Metrics) RecordSweep(trigger, result string, d time.Duration, tripsNeedingBackup, pending int) {
	if m == nil {
		return
	}
	m.SweepsTotal.WithLabelValues(trigger, result).Inc()
	m.SweepDuration.Observe(d.Seconds())
	m.TripsNeedingBackup.Set(float64(tripsNeedingBackup))
	m.PendingRequests.Set(float64(pending))
}

// RecordDelivery counts an audit delivery outcome
func (m *Metrics) RecordDelivery(result string) {
	if m == nil {
		return
	}
	m.EventsDelivered.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records one served HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
