package apm

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/splax/tailscope/internal/domain"
)

// DefaultWarmupCount seeds the histograms with enough synthetic traffic to
// fill a metric window before live events arrive.
const DefaultWarmupCount = 500

// BuildSamplePayload generates one synthetic telemetry event in the shape real
// producers send, tagged with the given source.
func BuildSamplePayload(nowMs int64, source string, random *rand.Rand) domain.TelemetryEvent {
	return domain.TelemetryEvent{
		EventID:   fmt.Sprintf("%s-%d-%s", source, nowMs, uuid.NewString()),
		Name:      "sample_http",
		StartTime: nowMs - random.Int63n(60000),
		EndTime:   nowMs,
		Metrics: map[string]float64{
			"durationMs":    50 + random.Float64()*1950,
			"requestCount":  float64(1 + random.Intn(20)),
			"errorCount":    sampleErrorCount(random),
			"apdex":         0.6 + random.Float64()*0.4,
			"queuePressure": random.Float64() * 100,
			"dbWaitRatio":   random.Float64() * 100,
			"lockWait":      random.Float64() * 100,
			"retryRate":     random.Float64() * 100,
			"gcRatio":       random.Float64() * 100,
			"cpuUtil":       5 + random.Float64()*90,
			"cpuPct":        5 + random.Float64()*90,
			"memMb":         100 + random.Float64()*900,
		},
		Trace: []domain.TraceStep{
			{Name: "handler", Value: random.Float64() * 50},
			{Name: "db.query", Value: random.Float64() * 120},
		},
		Tags: map[string]string{"source": source},
	}
}

func sampleErrorCount(random *rand.Rand) float64 {
	if random.Intn(20) == 0 {
		return 1
	}
	return 0
}

// WarmUp feeds count synthetic warm-up events through the pipeline with
// broadcast suppressed, then resets prediction state so bootstrap traffic
// leaves no forecast residue.
func (p *Pipeline) WarmUp(count int, random *rand.Rand) {
	if count <= 0 {
		count = DefaultWarmupCount
	}
	if random == nil {
		random = rand.New(rand.NewSource(p.now().UnixNano()))
	}
	nowMs := p.now().UnixMilli()
	for i := 0; i < count; i++ {
		payload := BuildSamplePayload(nowMs, warmupSource, random)
		if _, err := p.Process(payload, false); err != nil && p.logger != nil {
			p.logger.Warn("warm-up event rejected", "error", err)
		}
	}
	p.ResetPredictionStats()
	if p.logger != nil {
		p.logger.Info("histogram warm-up complete", "events", count)
	}
}

// GenerateSamples pushes count synthetic events through the pipeline with
// broadcast enabled and returns how many were processed.
func (p *Pipeline) GenerateSamples(count int, random *rand.Rand) int {
	if count <= 0 {
		return 0
	}
	if random == nil {
		random = rand.New(rand.NewSource(p.now().UnixNano()))
	}
	nowMs := p.now().UnixMilli()
	processed := 0
	for i := 0; i < count; i++ {
		payload := BuildSamplePayload(nowMs, "sample", random)
		if _, err := p.Process(payload, true); err == nil {
			processed++
		}
	}
	return processed
}
