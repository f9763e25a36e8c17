package config

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	Addr               string
	MaxHistory         int
	EventStoreCapacity int
	WarmupCount        int

	StableSampleRate   float64
	WarningSampleRate  float64
	CriticalSampleRate float64
	WarningThreshold   float64
	CriticalThreshold  float64

	PredictionWindowSec       int
	P99ThresholdMs            float64
	SLOThresholdMs            float64
	StrictConsecutiveRequired int

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":3000"),
		MaxHistory:         GetInt("METRIC_MAX_HISTORY", 500),
		EventStoreCapacity: GetInt("EVENT_STORE_CAPACITY", 5000),
		WarmupCount:        GetInt("WARMUP_EVENT_COUNT", 500),

		StableSampleRate:   GetFloat("STABLE_SAMPLE_RATE", 0.1),
		WarningSampleRate:  GetFloat("WARNING_SAMPLE_RATE", 0.5),
		CriticalSampleRate: GetFloat("CRITICAL_SAMPLE_RATE", 1.0),
		WarningThreshold:   GetFloat("WARNING_RISK_THRESHOLD", 45),
		CriticalThreshold:  GetFloat("CRITICAL_RISK_THRESHOLD", 70),

		PredictionWindowSec:       GetInt("PREDICTION_WINDOW_SECONDS", 30),
		P99ThresholdMs:            GetFloat("PREDICTION_P99_THRESHOLD_MS", 1500),
		SLOThresholdMs:            GetFloat("PREDICTION_SLO_THRESHOLD_MS", 1500),
		StrictConsecutiveRequired: GetInt("PREDICTION_STRICT_CONSECUTIVE", 2),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
