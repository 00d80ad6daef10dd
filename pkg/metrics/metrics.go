// Package metrics provides the centralized Prometheus metrics registry for
// the acquisition core. All metrics are defined in their respective packages
// (executor, paging, notify) to maintain modularity and avoid circular
// dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the acquisition core.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/executor):
//   - harvester_requests_total{endpoint, status} (Counter): Total requests by endpoint and HTTP status
//   - harvester_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - harvester_errors_total{class} (Counter): Errors by class (validation, client, auth, rate_limit, server, unknown)
//
// Retry Metrics (pkg/executor):
//   - harvester_retries_total{error_class} (Counter): Retry attempts by error class
//   - harvester_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - harvester_retry_exhausted_total{error_class} (Counter): Requests that exhausted the retry budget
//
// Collection Metrics (pkg/paging):
//   - harvester_collector_pages_total (Counter): Pages fetched across all collection runs
//   - harvester_collector_entities_total (Counter): Entities aggregated across all collection runs
//
// Channel Metrics (pkg/notify):
//   - harvester_channel_reconnects_total (Counter): Scheduled reconnect attempts
//   - harvester_channel_messages_total{topic} (Counter): Inbound messages by topic
//   - harvester_channel_handler_errors_total (Counter): Handler failures (logged, never propagated)
//
// Example Prometheus Queries:
//
//   # Retry Rate by Class
//   rate(harvester_retries_total[5m])
//
//   # Request Error Rate
//   rate(harvester_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(harvester_request_duration_seconds_bucket[5m]))
//
//   # Channel Flap Detection
//   increase(harvester_channel_reconnects_total[15m]) > 5
