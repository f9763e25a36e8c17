package apm

import (
	"errors"
	"testing"

	"github.com/splax/tailscope/internal/domain"
)

func TestDecideModeThresholds(t *testing.T) {
	cfg := DefaultSamplingConfig()
	cases := []struct {
		score    float64
		wantMode string
		wantRate float64
	}{
		{0, domain.ModeStable, 0.1},
		{44.99, domain.ModeStable, 0.1},
		{45, domain.ModeWarning, 0.5},
		{69.99, domain.ModeWarning, 0.5},
		{70, domain.ModeCritical, 1.0},
		{100, domain.ModeCritical, 1.0},
	}
	for _, tc := range cases {
		mode, rate := decideMode(cfg, tc.score)
		if mode != tc.wantMode || rate != tc.wantRate {
			t.Errorf("score %v: got (%s, %v), want (%s, %v)", tc.score, mode, rate, tc.wantMode, tc.wantRate)
		}
	}
}

func TestValidateSamplingConfig(t *testing.T) {
	valid := DefaultSamplingConfig()
	if err := ValidateSamplingConfig(valid); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	bad := []domain.SamplingConfig{
		func() domain.SamplingConfig { c := valid; c.StableSampleRate = -0.1; return c }(),
		func() domain.SamplingConfig { c := valid; c.CriticalSampleRate = 1.5; return c }(),
		func() domain.SamplingConfig { c := valid; c.WarningThreshold = 0; return c }(),
		func() domain.SamplingConfig { c := valid; c.CriticalThreshold = c.WarningThreshold; return c }(),
		func() domain.SamplingConfig { c := valid; c.CriticalThreshold = 10; return c }(),
	}
	for i, cfg := range bad {
		if err := ValidateSamplingConfig(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
}

func TestValidatePredictionConfig(t *testing.T) {
	valid := DefaultPredictionConfig()
	if err := ValidatePredictionConfig(valid); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	bad := []domain.PredictionConfig{
		{WindowSec: 0, P99ThresholdMs: 1500, SLOThresholdMs: 1500, StrictConsecutiveRequired: 2},
		{WindowSec: 30, P99ThresholdMs: -1, SLOThresholdMs: 1500, StrictConsecutiveRequired: 2},
		{WindowSec: 30, P99ThresholdMs: 1500, SLOThresholdMs: 0, StrictConsecutiveRequired: 2},
		{WindowSec: 30, P99ThresholdMs: 1500, SLOThresholdMs: 1500, StrictConsecutiveRequired: 0},
	}
	for i, cfg := range bad {
		if err := ValidatePredictionConfig(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
}

func TestShapeForStorage(t *testing.T) {
	event := &domain.TelemetryEvent{
		Trace: []domain.TraceStep{{Name: "db.query", Value: 12}},
		Metrics: map[string]float64{
			"durationMs":   420,
			"requestCount": 3,
			"errorCount":   1,
			"apdex":        0.92,
			"cpuUtil":      55,
			"queueDepth":   80,
		},
	}
	shapeForStorage(event)
	if event.Trace != nil {
		t.Fatal("expected trace to be dropped")
	}
	if len(event.Metrics) != 4 {
		t.Fatalf("expected only allow-listed metrics, got %v", event.Metrics)
	}
	for _, key := range []string{"durationMs", "requestCount", "errorCount", "apdex"} {
		if _, ok := event.Metrics[key]; !ok {
			t.Errorf("expected %s to survive shaping", key)
		}
	}
}
