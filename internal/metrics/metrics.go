package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label value constants to prevent typos
const (
	// Queue types
	QueueTypeChunkTask   = "chunk_task"
	QueueTypeAggregation = "aggregation_event"

	// Queue results
	ResultSuccess     = "success"
	ResultRetry       = "retry"
	ResultRateLimited = "rate_limited"
	ResultDropped     = "dropped"
	ResultFailure     = "failure"

	// Worker outcomes
	OutcomeTaskFound   = "task_found"
	OutcomeIdle        = "idle"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeThrottled   = "throttled"

	// HTTP endpoints
	EndpointOAuthStart      = "oauth_start"
	EndpointOAuthCallback   = "oauth_callback"
	EndpointToday           = "today"
	EndpointPeriod          = "period"
	EndpointTrainingLoad    = "training_load"
	EndpointPowerProfile    = "power_profile"
	EndpointBackfill        = "backfill"
	EndpointLifetime        = "lifetime"
	EndpointRecommendations = "recommendations"
	EndpointSync            = "sync"
	EndpointDisconnect      = "disconnect"
	EndpointHealth          = "health"

	// Provider API operations
	OpExchangeCode    = "exchange_code"
	OpRefreshToken    = "refresh_token"
	OpDailyHealth     = "daily_health"
	OpListActivities  = "list_activities"
	OpCountActivities = "count_activities"
	OpActivityDetail  = "activity_detail"

	// Rate limit types
	RateLimit15Min = "15min"
	RateLimitDaily = "daily"

	// Rate limit buckets
	BucketLimit = "limit"
	BucketUsage = "usage"

	// Database operations
	DBOpGetConnection            = "get_connection"
	DBOpUpsertConnection         = "upsert_connection"
	DBOpSetSession               = "set_session"
	DBOpClearSession             = "clear_session"
	DBOpListConnections          = "list_connections"
	DBOpUpdateLastSync           = "update_last_sync"
	DBOpAcquireLease             = "acquire_lease"
	DBOpReleaseLease             = "release_lease"
	DBOpCreateBackfillJob        = "create_backfill_job"
	DBOpGetBackfillJob           = "get_backfill_job"
	DBOpUpdateBackfillJob        = "update_backfill_job"
	DBOpDispatchChunks           = "dispatch_chunks"
	DBOpAcknowledgeChunk         = "acknowledge_chunk"
	DBOpFailChunk                = "fail_chunk"
	DBOpClaimChunkTask           = "claim_chunk_task"
	DBOpDeleteChunkTask          = "delete_chunk_task"
	DBOpReleaseChunkTask         = "release_chunk_task"
	DBOpCancelUserTasks          = "cancel_user_tasks"
	DBOpGetChunkTaskQueueLength  = "get_chunk_task_queue_length"
	DBOpGetDailySnapshot         = "get_daily_snapshot"
	DBOpPutDailySnapshot         = "put_daily_snapshot"
	DBOpInsertActivity           = "insert_activity"
	DBOpAttachPowerSummary       = "attach_power_summary"
	DBOpListActivities           = "list_activities"
	DBOpUpsertPeriodStats        = "upsert_period_stats"
	DBOpGetPeriodStats           = "get_period_stats"
	DBOpDeletePeriodStats        = "delete_period_stats"
	DBOpGetLifetimeStats         = "get_lifetime_stats"
	DBOpSaveLifetimeStats        = "save_lifetime_stats"
	DBOpReplaceTrainingLoad      = "replace_training_load"
	DBOpListTrainingLoad         = "list_training_load"
	DBOpGetFTP                   = "get_ftp"
	DBOpSetFTP                   = "set_ftp"
	DBOpGetProfile               = "get_profile"
	DBOpUpsertProfile            = "upsert_profile"
	DBOpInsertRecommendation     = "insert_recommendation"
	DBOpListRecommendations      = "list_recommendations"
	DBOpEnqueueAggregation       = "enqueue_aggregation"
	DBOpClaimAggregation         = "claim_aggregation"
	DBOpCompleteAggregation      = "complete_aggregation"
	DBOpGetCircuitBreakerState   = "get_circuit_breaker_state"
	DBOpOpenCircuitBreaker       = "open_circuit_breaker"
	DBOpTransitionCircuitBreaker = "transition_circuit_breaker"
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "status_code"},
	)
)

// Queue Metrics
var (
	QueueDepthTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_total",
			Help: "Total number of items in queue (all states)",
		},
		[]string{"queue_type"},
	)

	QueueDepthReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_ready",
			Help: "Number of items ready for processing",
		},
		[]string{"queue_type"},
	)

	QueueDepthProcessing = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_processing",
			Help: "Number of items currently being processed",
		},
		[]string{"queue_type"},
	)

	QueueEnqueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueue_total",
			Help: "Total number of items enqueued",
		},
		[]string{"queue_type"},
	)

	QueueDequeueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_dequeue_total",
			Help: "Total number of items dequeued with outcome",
		},
		[]string{"queue_type", "result"},
	)

	QueueProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_processing_duration_seconds",
			Help:    "Time spent processing queue items",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"queue_type", "result"},
	)

	QueueRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_retry_total",
			Help: "Total number of retry attempts",
		},
		[]string{"queue_type", "retry_count"},
	)
)

// Worker Metrics
var (
	WorkerPollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_poll_cycles_total",
			Help: "Total number of worker poll cycles by outcome",
		},
		[]string{"outcome"},
	)

	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workers_active",
			Help: "Number of chunk workers currently running",
		},
	)

	WorkerPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_panics_total",
			Help: "Total number of recovered worker panics",
		},
	)
)

// Provider API Metrics
var (
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_api_requests_total",
			Help: "Total number of provider API requests",
		},
		[]string{"operation", "status_code"},
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_api_request_duration_seconds",
			Help:    "Provider API request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation", "status_code"},
	)

	ProviderRateLimitUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_rate_limit_usage",
			Help: "Provider API rate limit usage as reported by response headers",
		},
		[]string{"limit_type", "bucket"},
	)

	ThrottleWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "throttle_wait_duration_seconds",
			Help:    "Time spent waiting on the client-side rate ceiling",
			Buckets: []float64{0, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)
)

// Database Metrics
var (
	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_operation_duration_seconds",
			Help:    "Database operation latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	DBOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_operation_errors_total",
			Help: "Total number of database operation errors",
		},
		[]string{"operation"},
	)
)

// Business Metrics
var (
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total number of incremental sync requests by reason and status",
		},
		[]string{"reason", "status"},
	)

	BackfillJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfill_jobs_total",
			Help: "Total number of backfill jobs reaching a terminal state",
		},
		[]string{"status"},
	)

	BackfillChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfill_chunks_total",
			Help: "Total number of backfill chunks settled by kind and result",
		},
		[]string{"kind", "result"},
	)

	IngestRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_records_total",
			Help: "Total number of provider records handled by ingestion, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	PeriodRecomputeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "period_recompute_total",
			Help: "Total number of period rollup recomputations",
		},
		[]string{"period_type"},
	)

	LifetimeDriftTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lifetime_stats_drift_total",
			Help: "Total number of lifetime stats reconciliations that corrected drift",
		},
	)

	TrainingLoadReplayDays = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "training_load_replay_days",
			Help:    "Number of days replayed per training load recompute",
			Buckets: []float64{1, 7, 30, 90, 365, 730, 1825, 3650},
		},
	)
)

// Circuit Breaker Metrics
var (
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"breaker_type"},
	)

	CircuitBreakerOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "circuit_breaker_opened_total",
			Help: "Total number of times circuit breaker opened due to rate limits",
		},
	)

	CircuitBreakerRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "circuit_breaker_recovered_total",
			Help: "Total number of times circuit breaker recovered to closed state",
		},
	)

	ChunkTasksThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chunk_tasks_throttled_total",
			Help: "Total number of chunk task claims skipped due to proactive throttling",
		},
	)

	RecommendationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recommendations_total",
			Help: "Total number of recommendation requests by result",
		},
		[]string{"result"},
	)
)
