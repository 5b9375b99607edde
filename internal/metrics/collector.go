package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/vfile/pkg/utils"
)

// Collector records adapter, cache and pipeline activity as prometheus
// metrics. A disabled Collector accepts every call and records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	cacheRequests     *prometheus.CounterVec
	cacheSize         prometheus.Gauge
	queueDepth        prometheus.Gauge
	pipelineRequests  *prometheus.CounterVec
	pipelineLatency   *prometheus.HistogramVec
	pipelineBytes     *prometheus.CounterVec
	retries           *prometheus.CounterVec
	circuitState      *prometheus.GaugeVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server   *http.Server
	listener net.Listener
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Address   string            `yaml:"address"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig enables collection without an HTTP endpoint.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "vfile",
		Labels:    make(map[string]string),
	}
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

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger used by the HTTP endpoint.
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCollector creates a collector. A nil config means DefaultConfig.
func NewCollector(config *Config, opts ...Option) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Collector{config: config, logger: utils.NopLogger()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("metrics")
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
	c.initMetrics()

	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Enabled reports whether the collector records anything.
func (c *Collector) Enabled() bool { return c.config.Enabled }

// Registry returns the prometheus registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start serves Handler on Address. It does nothing when disabled or when no
// address is configured.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Address == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", c.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.config.Address, err)
	}

	c.mu.Lock()
	c.listener = ln
	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	srv := c.server
	c.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	c.logger.Info("metrics endpoint listening", map[string]interface{}{
		"address": ln.Addr().String(),
		"path":    c.config.Path,
	})
	return nil
}

// Addr returns the address of the running endpoint, or "".
func (c *Collector) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop shuts the endpoint down.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	srv := c.server
	c.server, c.listener = nil, nil
	c.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RecordOperation implements vfile.MetricsRecorder.
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

	c.operationCounter.WithLabelValues(operation, statusLabel(success)).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.WithLabelValues(operation).Observe(float64(size))
	}
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordCacheHit counts a read-ahead block served from memory.
func (c *Collector) RecordCacheHit() {
	if c.config.Enabled {
		c.cacheRequests.WithLabelValues("hit").Inc()
	}
}

// RecordCacheMiss counts a read-ahead block fetched from the backend.
func (c *Collector) RecordCacheMiss() {
	if c.config.Enabled {
		c.cacheRequests.WithLabelValues("miss").Inc()
	}
}

// UpdateCacheSize sets the number of cached bytes.
func (c *Collector) UpdateCacheSize(size int64) {
	if c.config.Enabled {
		c.cacheSize.Set(float64(size))
	}
}

// SetPipelineQueueDepth implements pipeline.Observer.
func (c *Collector) SetPipelineQueueDepth(depth int) {
	if c.config.Enabled {
		c.queueDepth.Set(float64(depth))
	}
}

// RecordPipelineRequest implements pipeline.Observer.
func (c *Collector) RecordPipelineRequest(op, status string, latency time.Duration, bytes int) {
	if !c.config.Enabled {
		return
	}
	c.pipelineRequests.WithLabelValues(op, status).Inc()
	c.pipelineLatency.WithLabelValues(op).Observe(latency.Seconds())
	if bytes > 0 {
		c.pipelineBytes.WithLabelValues(op).Add(float64(bytes))
	}
}

// RecordRetry counts one retry of a backend call.
func (c *Collector) RecordRetry(component string) {
	if c.config.Enabled {
		c.retries.WithLabelValues(component).Inc()
	}
}

// SetCircuitState records a breaker state (0 closed, 1 open, 2 half-open).
func (c *Collector) SetCircuitState(breaker string, state int) {
	if c.config.Enabled {
		c.circuitState.WithLabelValues(breaker).Set(float64(state))
	}
}

// Operations returns a copy of the per-operation totals.
func (c *Collector) Operations() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetOperations clears the per-operation totals. Prometheus series are
// cumulative and are not reset.
func (c *Collector) ResetOperations() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "operations_total",
		Help: "Adapter operations by outcome",
	}, []string{"operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "operation_duration_seconds",
		Help:    "Duration of adapter operations",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
	}, []string{"operation"})

	c.operationSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "operation_size_bytes",
		Help:    "Bytes moved per adapter operation",
		Buckets: prometheus.ExponentialBuckets(512, 4, 12),
	}, []string{"operation"})

	c.cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "readahead_requests_total",
		Help: "Read-ahead block lookups",
	}, []string{"result"})

	c.cacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "readahead_size_bytes",
		Help: "Bytes held by the read-ahead cache",
	})

	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "pipeline_queue_depth",
		Help: "Requests submitted but not yet running",
	})

	c.pipelineRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "pipeline_requests_total",
		Help: "Finished pipeline requests by final status",
	}, []string{"operation", "status"})

	c.pipelineLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "pipeline_latency_seconds",
		Help:    "Time from submission to completion",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
	}, []string{"operation"})

	c.pipelineBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "pipeline_bytes_total",
		Help: "Bytes transferred by pipeline requests",
	}, []string{"operation"})

	c.retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "retries_total",
		Help: "Retried backend calls",
	}, []string{"component"})

	c.circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "circuit_state",
		Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
	}, []string{"breaker"})
}

func (c *Collector) registerMetrics() error {
	for _, m := range []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.cacheRequests,
		c.cacheSize,
		c.queueDepth,
		c.pipelineRequests,
		c.pipelineLatency,
		c.pipelineBytes,
		c.retries,
		c.circuitState,
	} {
		if err := c.registry.Register(m); err != nil {
			return err
		}
	}
	return nil
}
