package bus

// Channel names a pub/sub topic. The platform channels are enumerated
// below; producers may also publish free-form dotted names such as
// "pumpfun:migration", "research:report", or "safekeeping:alert", which the
// bus accepts as-is.
type Channel string

const (
	// News pipeline (produced by the external news service).
	NewsClustered     Channel = "NEWS_CLUSTERED"
	NewsHotClusters   Channel = "NEWS_HOT_CLUSTERS"
	NewsCategorized   Channel = "NEWS_CATEGORIZED"
	NewsAnomaly       Channel = "NEWS_ANOMALY"
	NewsPrediction    Channel = "NEWS_PREDICTION"
	NewsCrossCategory Channel = "NEWS_CROSS_CATEGORY"
	EntityTrending    Channel = "ENTITY_TRENDING"
	UserEngagement    Channel = "USER_ENGAGEMENT"
	QualityMetric     Channel = "QUALITY_METRIC"

	// Trading cycle lifecycle.
	CycleStart    Channel = "CYCLE_START"
	CycleComplete Channel = "CYCLE_COMPLETE"
	CycleError    Channel = "CYCLE_ERROR"

	// Order execution and positions.
	ExecutionFilled Channel = "EXECUTION_FILLED"
	ExecutionFailed Channel = "EXECUTION_FAILED"
	PositionOpened  Channel = "POSITION_OPENED"
	PositionClosed  Channel = "POSITION_CLOSED"

	// Shared services.
	CircuitBreakerOpen   Channel = "CIRCUIT_BREAKER_OPEN"
	CircuitBreakerClosed Channel = "CIRCUIT_BREAKER_CLOSED"
	Error                Channel = "ERROR"
)
