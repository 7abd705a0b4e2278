package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	bverrors "github.com/objectfs/blockvfs/pkg/errors"
	"github.com/objectfs/blockvfs/pkg/types"
)

var _ types.MetricsCollector = (*Collector)(nil)

// Collector exports block cache, block store and verb metrics to Prometheus.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   zerolog.Logger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	cacheCounter      *prometheus.CounterVec
	cacheBytes        *prometheus.CounterVec
	remoteFetchBytes  *prometheus.CounterVec
	cacheSizeGauge    *prometheus.GaugeVec
	errorCounter      *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// DefaultConfig returns an enabled configuration serving /metrics on port.
func DefaultConfig(port int) *Config {
	return &Config{
		Enabled:   true,
		Port:      port,
		Path:      "/metrics",
		Namespace: "blockvfs",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a new metrics collector. A disabled configuration
// yields a collector whose Record methods are no-ops.
func NewCollector(config *Config, logger zerolog.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig(0)
	}
	c := &Collector{
		config: config,
		logger: logger.With().Str("component", "metrics").Logger(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
	c.initMetrics()

	if err := c.registerMetrics(); err != nil {
		return nil, bverrors.Wrap(err, bverrors.ErrCodeInternalError, "failed to register metrics").WithComponent("metrics")
	}
	return c, nil
}

// Registry returns the Prometheus registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler serving the metrics and health endpoints.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.registry != nil {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Start serves Handler on the configured port until Stop is called.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Port == 0 {
		return nil
	}

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error().Err(err).Int("port", c.config.Port).Msg("metrics server stopped")
		}
	}()
	c.logger.Info().Int("port", c.config.Port).Str("path", c.config.Path).Msg("serving metrics")
	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records an operation with its metrics
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.WithLabelValues(operation, status).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.WithLabelValues(operation).Observe(float64(size))
	}
}

// RecordCacheHit records a block served from the local cache.
func (c *Collector) RecordCacheHit(container string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheCounter.WithLabelValues("hit", container).Inc()
	c.cacheBytes.WithLabelValues("hit", container).Add(float64(size))
}

// RecordCacheMiss records a block that had to be fetched.
func (c *Collector) RecordCacheMiss(container string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheCounter.WithLabelValues("miss", container).Inc()
	if size > 0 {
		c.cacheBytes.WithLabelValues("miss", container).Add(float64(size))
	}
}

// RecordRemoteFetch records bytes downloaded from the block store.
func (c *Collector) RecordRemoteFetch(container string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.remoteFetchBytes.WithLabelValues(container).Add(float64(size))
}

// RecordError records an error, labelled with its error code.
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	c.errorCounter.WithLabelValues(operation, classifyError(err)).Inc()
}

// UpdateCacheSize sets the bytes a container occupies in the local cache.
func (c *Collector) UpdateCacheSize(container string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheSizeGauge.WithLabelValues(container).Set(float64(size))
}

// Operations returns a copy of the per-operation summaries.
func (c *Collector) Operations() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics resets the per-operation summaries.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "operations_total",
			Help: "Total number of block store and verb operations",
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name:    "operation_duration_seconds",
			Help:    "Duration of operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name:    "operation_size_bytes",
			Help:    "Size of operations in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 20), // 1KB to ~1GB
		},
		[]string{"operation"},
	)

	c.cacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "cache_requests_total",
			Help: "Block lookups in the local cache",
		},
		[]string{"result", "container"},
	)

	c.cacheBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "cache_bytes_total",
			Help: "Bytes served from or missed in the local cache",
		},
		[]string{"result", "container"},
	)

	c.remoteFetchBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "remote_fetch_bytes_total",
			Help: "Bytes downloaded from the block store",
		},
		[]string{"container"},
	)

	c.cacheSizeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "cache_size_bytes",
			Help: "Bytes held in the local cache",
		},
		[]string{"container"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "errors_total",
			Help: "Total number of errors",
		},
		[]string{"operation", "code"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.cacheCounter,
		c.cacheBytes,
		c.remoteFetchBytes,
		c.cacheSizeGauge,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func classifyError(err error) string {
	if bvErr, ok := bverrors.As(err); ok {
		return string(bvErr.Code)
	}
	return "other"
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"blockcachevfsd"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("Uptime: %v\n\n", time.Since(c.lastReset).Round(time.Second))
	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	writef("%-20s %10s %10s %12s %10s\n", "Operation", "Count", "Errors", "Avg Duration", "Last Op")
	for name, op := range c.operations {
		writef("%-20s %10d %10d %12v %10s\n",
			name, op.Count, op.Errors, op.AvgDuration, op.LastOperation.Format("15:04:05"))
	}
}
