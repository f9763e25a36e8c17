package apm

import (
	"errors"

	"github.com/splax/tailscope/internal/domain"
)

// DefaultSamplingConfig mirrors the dashboard defaults: keep everything
// suspicious, thin out the routine baseline to 10%.
func DefaultSamplingConfig() domain.SamplingConfig {
	return domain.SamplingConfig{
		StableSampleRate:   0.1,
		WarningSampleRate:  0.5,
		CriticalSampleRate: 1.0,
		WarningThreshold:   45,
		CriticalThreshold:  70,
	}
}

// ErrInvalidConfig rejects configuration updates before they touch live state.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidateSamplingConfig checks rates are probabilities and thresholds are
// ordered.
func ValidateSamplingConfig(cfg domain.SamplingConfig) error {
	rates := []float64{cfg.StableSampleRate, cfg.WarningSampleRate, cfg.CriticalSampleRate}
	for _, rate := range rates {
		if rate < 0 || rate > 1 {
			return ErrInvalidConfig
		}
	}
	if cfg.WarningThreshold <= 0 || cfg.CriticalThreshold <= cfg.WarningThreshold {
		return ErrInvalidConfig
	}
	return nil
}

// ValidatePredictionConfig enforces positive window/thresholds and a
// consecutive count of at least 1.
func ValidatePredictionConfig(cfg domain.PredictionConfig) error {
	if cfg.WindowSec <= 0 || cfg.P99ThresholdMs <= 0 || cfg.SLOThresholdMs <= 0 || cfg.StrictConsecutiveRequired < 1 {
		return ErrInvalidConfig
	}
	return nil
}

// decideMode maps a risk score onto a sampling mode and its base sample rate.
func decideMode(cfg domain.SamplingConfig, riskScore float64) (string, float64) {
	switch {
	case riskScore >= cfg.CriticalThreshold:
		return domain.ModeCritical, cfg.CriticalSampleRate
	case riskScore >= cfg.WarningThreshold:
		return domain.ModeWarning, cfg.WarningSampleRate
	default:
		return domain.ModeStable, cfg.StableSampleRate
	}
}

// detailMetricAllowList names the metrics kept when an event is subsampled
// away from full detail.
var detailMetricAllowList = []string{"durationMs", "requestCount", "errorCount", "apdex"}

// shapeForStorage strips the trace and reduces metrics to the allow-list for
// events not retained at full detail.
func shapeForStorage(event *domain.TelemetryEvent) {
	event.Trace = nil
	light := make(map[string]float64, len(detailMetricAllowList))
	for _, key := range detailMetricAllowList {
		if v, ok := event.Metrics[key]; ok {
			light[key] = v
		}
	}
	event.Metrics = light
}
