package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UploadBatchesTotal counts finished batches by terminal status
	UploadBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_upload_batches_total",
			Help: "Upload batches by terminal status",
		},
		[]string{"format", "status"},
	)

	// UploadRowsTotal counts persisted rows by outcome
	UploadRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_upload_rows_total",
			Help: "Rows processed by outcome (inserted, updated, unchanged, rejected)",
		},
		[]string{"outcome"},
	)

	// RowErrorsTotal counts rejected rows by error kind
	RowErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_row_errors_total",
			Help: "Rejected rows by error kind",
		},
		[]string{"kind"},
	)

	// IngestDuration tracks end-to-end ingest time
	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_ingest_duration_seconds",
			Help:    "Ingest duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"format"},
	)

	// AlertEvaluationDuration tracks one engine run
	AlertEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_alert_evaluation_duration_seconds",
			Help:    "Alert evaluation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// AlertEventsTotal counts produced events by kind and whether they were new
	AlertEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_alert_events_total",
			Help: "Alert events produced by the engine",
		},
		[]string{"kind", "recorded"},
	)

	// NotificationsTotal counts channel deliveries
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_alert_notifications_total",
			Help: "Alert notifications by channel and result",
		},
		[]string{"channel", "result"},
	)

	// ReportQueriesTotal counts aggregator reads
	ReportQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_report_queries_total",
			Help: "Aggregator queries by report kind",
		},
		[]string{"kind"},
	)

	// ActiveWriters is 1 while a batch holds the write path
	ActiveWriters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_active_writers",
			Help: "Batches currently holding the write path",
		},
	)
)

// ObserveSince records the elapsed time since start on a histogram.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// WriteTextfile dumps the default registry in the node-exporter textfile
// format. One-shot commands use it in place of a scrape endpoint.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
