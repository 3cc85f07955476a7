package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "insights_build_info",
			Help: "Build information of the insights service",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "insights_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
	)

	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_auth_failures_total",
			Help: "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_pipeline_turns_total",
			Help: "Total number of pipeline turns by terminal state",
		},
		[]string{"state"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insights_pipeline_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
		},
		[]string{"stage"},
	)

	LLMCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_llm_calls_total",
			Help: "Total number of language model calls",
		},
		[]string{"purpose", "status"},
	)

	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_llm_tokens_total",
			Help: "Total number of language model tokens",
		},
		[]string{"purpose", "direction"},
	)

	LLMInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "insights_llm_inflight",
			Help: "Number of language model calls currently holding a slot",
		},
	)

	LLMQueueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "insights_llm_queue_wait_seconds",
			Help:    "Time spent waiting for a language model slot",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	LLMBusyTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insights_llm_busy_total",
			Help: "Total number of language model calls rejected after the queue wait",
		},
	)

	QueryExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_query_executions_total",
			Help: "Total number of query executions",
		},
		[]string{"mode", "status"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insights_query_duration_seconds",
			Help:    "Duration of query executions",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"mode"},
	)

	QueryRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insights_query_retries_total",
			Help: "Total number of query retries after transient failures",
		},
	)

	QueryCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insights_query_cache_hits_total",
			Help: "Total number of query results served from cache",
		},
	)

	QueryTruncatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insights_query_truncated_total",
			Help: "Total number of query results truncated at the row cap",
		},
	)

	ValidationChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_validation_checks_total",
			Help: "Total number of validation check outcomes",
		},
		[]string{"check", "severity"},
	)

	InsightFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_insight_fallbacks_total",
			Help: "Total number of narratives that fell back to the deterministic skeleton",
		},
		[]string{"reason"},
	)

	MemorySessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "insights_memory_sessions",
			Help: "Number of live conversation sessions",
		},
	)

	MemoryEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_memory_evictions_total",
			Help: "Total number of evicted conversation sessions",
		},
		[]string{"reason"},
	)

	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_mcp_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)

	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insights_mcp_tool_call_duration_seconds",
			Help:    "Duration of MCP tool calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"tool"},
	)
)
