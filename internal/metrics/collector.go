package metrics

import (
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 指标收集器
type Collector struct {
	queriesTotal       *prometheus.CounterVec
	cacheHits          *prometheus.CounterVec
	cacheEvictions     prometheus.Counter
	upstreamLatency    prometheus.Histogram
	flattenedRecords   prometheus.Counter
	cnameLoops         prometheus.Counter
	rateLimited        prometheus.Counter
	degradedSelections prometheus.Counter
	healthyUpstreams   prometheus.Gauge
}

// NewCollector 创建新的指标收集器
func NewCollector() *Collector {
	return &Collector{
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_queries_total",
				Help: "Total DNS queries processed",
			},
			[]string{"type", "status"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total cache hits",
			},
			[]string{"type"},
		),
		cacheEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_evictions_total",
				Help: "Total cache entries evicted or swept",
			},
		),
		upstreamLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "upstream_query_latency_seconds",
				Help:    "Latency of upstream DNS queries",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		),
		flattenedRecords: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flattened_records_total",
				Help: "Total address records produced by CNAME flattening",
			},
		),
		cnameLoops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cname_loops_total",
				Help: "Total CNAME chains aborted by loop or depth limit",
			},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rate_limited_total",
				Help: "Total queries dropped by per-client rate limiting",
			},
		),
		degradedSelections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "degraded_selections_total",
				Help: "Total selections made with no healthy upstream available",
			},
		),
		healthyUpstreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "healthy_upstreams",
				Help: "Number of upstreams currently in the healthy state",
			},
		),
	}
}

// Register 注册所有指标
func (c *Collector) Register() {
	prometheus.MustRegister(c.queriesTotal)
	prometheus.MustRegister(c.cacheHits)
	prometheus.MustRegister(c.cacheEvictions)
	prometheus.MustRegister(c.upstreamLatency)
	prometheus.MustRegister(c.flattenedRecords)
	prometheus.MustRegister(c.cnameLoops)
	prometheus.MustRegister(c.rateLimited)
	prometheus.MustRegister(c.degradedSelections)
	prometheus.MustRegister(c.healthyUpstreams)
}

// GetQueriesTotal 获取查询总数指标
func (c *Collector) GetQueriesTotal() *prometheus.CounterVec {
	return c.queriesTotal
}

// GetCacheHits 获取缓存命中指标
func (c *Collector) GetCacheHits() *prometheus.CounterVec {
	return c.cacheHits
}

// GetCacheEvictions 获取缓存驱逐指标
func (c *Collector) GetCacheEvictions() prometheus.Counter {
	return c.cacheEvictions
}

// GetUpstreamLatency 获取上游查询延迟指标
func (c *Collector) GetUpstreamLatency() prometheus.Histogram {
	return c.upstreamLatency
}

// GetFlattenedRecords 获取展开记录数指标
func (c *Collector) GetFlattenedRecords() prometheus.Counter {
	return c.flattenedRecords
}

// GetCNAMELoops 获取CNAME环路指标
func (c *Collector) GetCNAMELoops() prometheus.Counter {
	return c.cnameLoops
}

// GetRateLimited 获取限速丢弃指标
func (c *Collector) GetRateLimited() prometheus.Counter {
	return c.rateLimited
}

// GetDegradedSelections 获取降级选择指标
func (c *Collector) GetDegradedSelections() prometheus.Counter {
	return c.degradedSelections
}

// GetHealthyUpstreams 获取健康上游数量指标
func (c *Collector) GetHealthyUpstreams() prometheus.Gauge {
	return c.healthyUpstreams
}

// StartMetricsServer 启动指标服务器
func StartMetricsServer(port int) {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Printf("Starting metrics server on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Printf("Metrics server failed: %v", err)
	}
}
