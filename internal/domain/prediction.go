package domain

// Prediction record statuses and breach reasons.
const (
	PredictionSuccess = "success"
	PredictionFail    = "fail"

	BreachReasonP99       = "p99"
	BreachReasonSLO       = "slo"
	BreachReasonP99AndSLO = "p99_and_slo"
	BreachReasonStrictRun = "p99_and_slo_consecutive"
	BreachReasonTimeout   = "timeout"
)

// PredictionConfig tunes the breach-forecast state machine. Changing it wipes
// all prediction state; prior forecasts are never re-evaluated under new
// thresholds.
type PredictionConfig struct {
	WindowSec                 int     `json:"windowSec"`
	P99ThresholdMs            float64 `json:"p99ThresholdMs"`
	SLOThresholdMs            float64 `json:"sloThresholdMs"`
	StrictConsecutiveRequired int     `json:"strictConsecutiveRequired"`
}

// PendingPrediction is an open forecast awaiting early and strict resolution.
// Timestamps are epoch milliseconds.
type PendingPrediction struct {
	ID                    int64   `json:"predictionId"`
	CreatedAt             int64   `json:"createdAt"`
	ExpiresAt             int64   `json:"expiresAt"`
	RiskScoreAtPrediction float64 `json:"riskScoreAtPrediction"`
	ModeAtPrediction      string  `json:"modeAtPrediction"`
	PredictionEventID     string  `json:"predictionEventId"`
	PredictionEventName   string  `json:"predictionEventName"`

	EarlyMatched  bool `json:"earlyMatched"`
	StrictMatched bool `json:"strictMatched"`
	StrictStreak  int  `json:"strictStreak"`
}

// PredictionRecord is one terminal outcome appended to the early or strict log.
type PredictionRecord struct {
	PredictionID          int64   `json:"predictionId"`
	Status                string  `json:"status"`
	CreatedAt             int64   `json:"createdAt"`
	ExpiresAt             int64   `json:"expiresAt"`
	ResolvedAt            int64   `json:"resolvedAt"`
	ModeAtPrediction      string  `json:"modeAtPrediction"`
	RiskScoreAtPrediction float64 `json:"riskScoreAtPrediction"`
	PredictionEventID     string  `json:"predictionEventId"`
	PredictionEventName   string  `json:"predictionEventName"`
	MatchedEventID        *string `json:"matchedEventId"`
	MatchedEventName      *string `json:"matchedEventName"`
	Reason                string  `json:"reason"`
}

// PredictionStats is the live forecast accuracy snapshot. Success rates are nil
// until at least one forecast of that kind has resolved.
type PredictionStats struct {
	WindowSec                 int      `json:"windowSec"`
	P99ThresholdMs            float64  `json:"p99ThresholdMs"`
	SLOThresholdMs            float64  `json:"sloThresholdMs"`
	StrictConsecutiveRequired int      `json:"strictConsecutiveRequired"`
	TotalPredictions          int64    `json:"totalPredictions"`
	EarlySuccessCount         int64    `json:"earlySuccessCount"`
	EarlyFailCount            int64    `json:"earlyFailCount"`
	StrictSuccessCount        int64    `json:"strictSuccessCount"`
	StrictFailCount           int64    `json:"strictFailCount"`
	PendingCount              int      `json:"pendingCount"`
	EarlyResolvedCount        int64    `json:"earlyResolvedCount"`
	StrictResolvedCount       int64    `json:"strictResolvedCount"`
	EarlySuccessRate          *float64 `json:"earlySuccessRate"`
	StrictSuccessRate         *float64 `json:"strictSuccessRate"`
	SuccessRate               *float64 `json:"successRate"`
}

// PendingSummary is a pending forecast as exposed by the detail listing.
type PendingSummary struct {
	PredictionID          int64   `json:"predictionId"`
	CreatedAt             int64   `json:"createdAt"`
	ExpiresAt             int64   `json:"expiresAt"`
	ModeAtPrediction      string  `json:"modeAtPrediction"`
	RiskScoreAtPrediction float64 `json:"riskScoreAtPrediction"`
	PredictionEventID     string  `json:"predictionEventId"`
	PredictionEventName   string  `json:"predictionEventName"`
	RemainingSec          int64   `json:"remainingSec"`
}

// PredictionDetails lists recent resolutions and open forecasts,
// most-recent-first.
type PredictionDetails struct {
	Limit   int                `json:"limit"`
	Early   []PredictionRecord `json:"early"`
	Strict  []PredictionRecord `json:"strict"`
	Pending []PendingSummary   `json:"pending"`
}
