package apm

import (
	"math"

	"github.com/splax/tailscope/internal/domain"
)

// riskSignal describes one scored operational signal. Aliases are tried in
// order and the first present metric wins; rawAliases name absolute-scale
// variants that need min-max normalization against rawMin/rawMax before they
// join the percent-scale signals.
type riskSignal struct {
	reason     string
	weight     float64
	aliases    []string
	rawAliases []string
	rawMin     float64
	rawMax     float64
}

// Weights sum to 1.0; queue pressure dominates because saturation there leads
// every other symptom.
var riskSignals = []riskSignal{
	{
		reason:     "queue_pressure",
		weight:     0.35,
		aliases:    []string{"queuePressure", "queue_pressure"},
		rawAliases: []string{"queueDepth", "queueLen"},
		rawMin:     10,
		rawMax:     300,
	},
	{
		reason:  "db_wait_ratio",
		weight:  0.25,
		aliases: []string{"dbWaitRatio", "db_wait_ratio", "dbPoolUsagePct", "dbConnPoolPct"},
	},
	{
		reason:  "lock_wait",
		weight:  0.15,
		aliases: []string{"lockWait", "lock_wait", "lockWaitRatio", "lock_wait_ratio"},
	},
	{
		reason:  "retry_spike",
		weight:  0.10,
		aliases: []string{"retryRate", "retry_rate", "retryPct"},
	},
	{
		reason:  "gc_ratio",
		weight:  0.10,
		aliases: []string{"gcRatio", "gc_ratio", "gcPauseRatio", "gc_pause_ratio"},
	},
	{
		reason:  "cpu_util",
		weight:  0.05,
		aliases: []string{"cpuUtil", "cpu_util", "cpuPct"},
	},
}

const reasonThreshold = 0.8

// ScoreRisk combines the six operational signals into a weighted 0-100 risk
// score with contributing-reason tags. It is pure: identical metrics always
// produce identical output, and absent signals contribute exactly zero.
func ScoreRisk(metrics map[string]float64) domain.RiskAssessment {
	assessment := domain.RiskAssessment{Reasons: []string{}}
	vectorSlots := []**float64{
		&assessment.Vector.QueuePressure,
		&assessment.Vector.DBWaitRatio,
		&assessment.Vector.LockWait,
		&assessment.Vector.RetryRate,
		&assessment.Vector.GCRatio,
		&assessment.Vector.CPUUtil,
	}

	weighted := 0.0
	for i, signal := range riskSignals {
		percent := signal.percentValue(metrics)
		if percent != nil {
			v := *percent
			*vectorSlots[i] = &v
		}
		component := 0.0
		if percent != nil {
			component = normalize(*percent, 0, 100)
		}
		weighted += component * signal.weight
		if component >= reasonThreshold {
			assessment.Reasons = append(assessment.Reasons, signal.reason)
		}
	}

	assessment.Score = round2(weighted * 100)
	return assessment
}

// percentValue resolves the signal to a 0-100 scale value, or nil when no
// accepted metric key is present.
func (s riskSignal) percentValue(metrics map[string]float64) *float64 {
	if raw, ok := pickMetric(metrics, s.aliases); ok {
		v := toPercentScale(raw)
		return &v
	}
	if raw, ok := pickMetric(metrics, s.rawAliases); ok {
		v := normalize(raw, s.rawMin, s.rawMax) * 100
		return &v
	}
	return nil
}

func pickMetric(metrics map[string]float64, keys []string) (float64, bool) {
	for _, key := range keys {
		if v, ok := metrics[key]; ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v, true
		}
	}
	return 0, false
}

// toPercentScale rescales ratio-style values: anything at or below 1 is taken
// to be on a 0-1 scale.
func toPercentScale(v float64) float64 {
	if v <= 1 {
		return v * 100
	}
	return v
}

func normalize(value, min, max float64) float64 {
	if max <= min {
		return 0
	}
	n := (value - min) / (max - min)
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
