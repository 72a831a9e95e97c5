// Package metrics provides Prometheus metrics for bili-ingest.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RemoteRequestsTotal counts calls to the remote API by endpoint and outcome.
	RemoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bili_ingest",
			Name:      "remote_requests_total",
			Help:      "Total number of remote API requests",
		},
		[]string{"endpoint", "outcome"},
	)

	// RemoteRetriesTotal counts retried remote calls.
	RemoteRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bili_ingest",
			Name:      "remote_retries_total",
			Help:      "Total number of remote API retries after a timeout",
		},
		[]string{"endpoint"},
	)

	// PagesTotal counts listing pages by outcome.
	PagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bili_ingest",
			Name:      "pages_total",
			Help:      "Total number of listing pages processed",
		},
		[]string{"region", "outcome"},
	)

	// ItemsPersistedTotal counts record writes per table.
	ItemsPersistedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bili_ingest",
			Name:      "items_persisted_total",
			Help:      "Total number of item writes",
		},
		[]string{"table", "status"},
	)

	// FollowerLookupsTotal counts follower lookups.
	FollowerLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bili_ingest",
			Name:      "follower_lookups_total",
			Help:      "Total number of creator follower lookups",
		},
		[]string{"status"},
	)

	// RunsTotal counts finished crawl runs by stop reason.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bili_ingest",
			Name:      "runs_total",
			Help:      "Total number of crawl runs",
		},
		[]string{"status", "stop_reason"},
	)
)

// RecordRemoteRequest records a remote call.
func RecordRemoteRequest(endpoint, outcome string) {
	RemoteRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// RecordRetry records a retried remote call.
func RecordRetry(endpoint string) {
	RemoteRetriesTotal.WithLabelValues(endpoint).Inc()
}

// RecordPage records a processed listing page.
func RecordPage(region, outcome string) {
	PagesTotal.WithLabelValues(region, outcome).Inc()
}

// RecordPersist records a single record write.
func RecordPersist(table string, err error) {
	ItemsPersistedTotal.WithLabelValues(table, status(err)).Inc()
}

// RecordFollowerLookup records a follower lookup.
func RecordFollowerLookup(err error) {
	FollowerLookupsTotal.WithLabelValues(status(err)).Inc()
}

// RecordRun records a finished run.
func RecordRun(status, stopReason string) {
	RunsTotal.WithLabelValues(status, stopReason).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
