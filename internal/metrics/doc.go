/*
Package metrics exports block cache and block store activity to Prometheus.

# Overview

A Collector implements types.MetricsCollector, so the cache, the block store
client and the daemon verbs all report into one private Prometheus registry.
The same collector also keeps a small per-operation summary for the
/debug/operations endpoint.

	collector, err := metrics.NewCollector(metrics.DefaultConfig(9464), logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

# Exported Metrics

Counters:
  - blockvfs_operations_total{operation,status}
  - blockvfs_cache_requests_total{result,container}
  - blockvfs_cache_bytes_total{result,container}
  - blockvfs_remote_fetch_bytes_total{container}
  - blockvfs_errors_total{operation,code}

Histograms:
  - blockvfs_operation_duration_seconds{operation}
  - blockvfs_operation_size_bytes{operation}

Gauges:
  - blockvfs_cache_size_bytes{container}

Errors are labelled with their error code (for example LOCK_HELD or
CHECKSUM_MISMATCH); errors without a code are labelled "other".

# HTTP Endpoints

/metrics serves the registry in OpenMetrics format, /health answers with a
static JSON status and /debug/operations prints the per-operation summary.
Handler returns the mux so callers can mount it on their own server.
*/
package metrics
