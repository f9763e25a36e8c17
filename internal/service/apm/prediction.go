package apm

import (
	"github.com/splax/tailscope/internal/domain"
)

const predictionHistoryLimit = 300

// breachCheck is the per-event breach evaluation fed to the engine.
type breachCheck struct {
	eventID   string
	eventName string
	p99       bool
	slo       bool
}

func (b breachCheck) early() bool  { return b.p99 || b.slo }
func (b breachCheck) strict() bool { return b.p99 && b.slo }

func (b breachCheck) earlyReason() string {
	switch {
	case b.p99 && b.slo:
		return domain.BreachReasonP99AndSLO
	case b.p99:
		return domain.BreachReasonP99
	default:
		return domain.BreachReasonSLO
	}
}

// observeResult reports what one event did to the forecast state, so the
// pipeline can bump its metrics without re-deriving anything.
type observeResult struct {
	Opened        bool
	EarlySuccess  int
	EarlyFail     int
	StrictSuccess int
	StrictFail    int
}

// predictionEngine owns the pending-forecast set, the last observed mode, the
// running counters, and the bounded resolution logs. It has no locking of its
// own: the pipeline serializes every call.
type predictionEngine struct {
	cfg           domain.PredictionConfig
	nextID        int64
	total         int64
	earlySuccess  int64
	earlyFail     int64
	strictSuccess int64
	strictFail    int64
	earlyRecords  []domain.PredictionRecord
	strictRecords []domain.PredictionRecord
	pending       []*domain.PendingPrediction
	lastMode      string
	historyLimit  int
}

// DefaultPredictionConfig mirrors the dashboard defaults.
func DefaultPredictionConfig() domain.PredictionConfig {
	return domain.PredictionConfig{
		WindowSec:                 30,
		P99ThresholdMs:            1500,
		SLOThresholdMs:            1500,
		StrictConsecutiveRequired: 2,
	}
}

func newPredictionEngine(cfg domain.PredictionConfig) *predictionEngine {
	e := &predictionEngine{historyLimit: predictionHistoryLimit}
	e.cfg = cfg
	e.reset()
	return e
}

// reset restores clean-slate state under the current configuration.
func (e *predictionEngine) reset() {
	e.nextID = 1
	e.total = 0
	e.earlySuccess = 0
	e.earlyFail = 0
	e.strictSuccess = 0
	e.strictFail = 0
	e.earlyRecords = nil
	e.strictRecords = nil
	e.pending = nil
	e.lastMode = domain.ModeStable
}

// setConfig swaps thresholds and wipes all forecast state. Old predictions are
// never re-evaluated under the new parameters.
func (e *predictionEngine) setConfig(cfg domain.PredictionConfig) {
	e.cfg = cfg
	e.reset()
}

func (e *predictionEngine) config() domain.PredictionConfig {
	return e.cfg
}

// observe processes one eligible event: it first advances (and possibly
// resolves or expires) every forecast that was already pending, then opens a
// new forecast when the mode transitioned away from stable. Ordering matters:
// an event never resolves the forecast it opened, and its breach status never
// feeds that forecast's strict streak.
func (e *predictionEngine) observe(ts int64, mode string, riskScore float64, check breachCheck) observeResult {
	var result observeResult
	e.advance(ts, check, &result)

	if e.lastMode == domain.ModeStable && mode != domain.ModeStable {
		e.total++
		e.pending = append(e.pending, &domain.PendingPrediction{
			ID:                    e.nextID,
			CreatedAt:             ts,
			ExpiresAt:             ts + int64(e.cfg.WindowSec)*1000,
			RiskScoreAtPrediction: riskScore,
			ModeAtPrediction:      mode,
			PredictionEventID:     check.eventID,
			PredictionEventName:   check.eventName,
		})
		e.nextID++
		result.Opened = true
	}
	e.lastMode = mode

	return result
}

func (e *predictionEngine) advance(ts int64, check breachCheck, result *observeResult) {
	if len(e.pending) == 0 {
		return
	}
	matchedID := check.eventID
	matchedName := check.eventName

	remaining := e.pending[:0]
	for _, p := range e.pending {
		if !p.EarlyMatched && check.early() {
			p.EarlyMatched = true
			e.earlySuccess++
			result.EarlySuccess++
			e.appendEarly(terminalRecord(p, domain.PredictionSuccess, ts, &matchedID, &matchedName, check.earlyReason()))
		}

		if !p.StrictMatched {
			if check.strict() {
				p.StrictStreak++
			} else {
				p.StrictStreak = 0
			}
			if p.StrictStreak >= e.cfg.StrictConsecutiveRequired {
				p.StrictMatched = true
				e.strictSuccess++
				result.StrictSuccess++
				e.appendStrict(terminalRecord(p, domain.PredictionSuccess, ts, &matchedID, &matchedName, domain.BreachReasonStrictRun))
			}
		}

		if ts > p.ExpiresAt {
			if !p.EarlyMatched {
				e.earlyFail++
				result.EarlyFail++
				e.appendEarly(terminalRecord(p, domain.PredictionFail, ts, nil, nil, domain.BreachReasonTimeout))
			}
			if !p.StrictMatched {
				e.strictFail++
				result.StrictFail++
				e.appendStrict(terminalRecord(p, domain.PredictionFail, ts, nil, nil, domain.BreachReasonTimeout))
			}
			continue
		}
		if p.EarlyMatched && p.StrictMatched {
			continue
		}
		remaining = append(remaining, p)
	}
	e.pending = remaining
}

func terminalRecord(p *domain.PendingPrediction, status string, ts int64, matchedID, matchedName *string, reason string) domain.PredictionRecord {
	return domain.PredictionRecord{
		PredictionID:          p.ID,
		Status:                status,
		CreatedAt:             p.CreatedAt,
		ExpiresAt:             p.ExpiresAt,
		ResolvedAt:            ts,
		ModeAtPrediction:      p.ModeAtPrediction,
		RiskScoreAtPrediction: p.RiskScoreAtPrediction,
		PredictionEventID:     p.PredictionEventID,
		PredictionEventName:   p.PredictionEventName,
		MatchedEventID:        matchedID,
		MatchedEventName:      matchedName,
		Reason:                reason,
	}
}

func (e *predictionEngine) appendEarly(record domain.PredictionRecord) {
	e.earlyRecords = appendBounded(e.earlyRecords, record, e.historyLimit)
}

func (e *predictionEngine) appendStrict(record domain.PredictionRecord) {
	e.strictRecords = appendBounded(e.strictRecords, record, e.historyLimit)
}

func appendBounded(records []domain.PredictionRecord, record domain.PredictionRecord, limit int) []domain.PredictionRecord {
	records = append(records, record)
	if limit > 0 && len(records) > limit {
		records = records[1:]
	}
	return records
}

func (e *predictionEngine) stats() domain.PredictionStats {
	earlyResolved := e.earlySuccess + e.earlyFail
	strictResolved := e.strictSuccess + e.strictFail

	stats := domain.PredictionStats{
		WindowSec:                 e.cfg.WindowSec,
		P99ThresholdMs:            e.cfg.P99ThresholdMs,
		SLOThresholdMs:            e.cfg.SLOThresholdMs,
		StrictConsecutiveRequired: e.cfg.StrictConsecutiveRequired,
		TotalPredictions:          e.total,
		EarlySuccessCount:         e.earlySuccess,
		EarlyFailCount:            e.earlyFail,
		StrictSuccessCount:        e.strictSuccess,
		StrictFailCount:           e.strictFail,
		PendingCount:              len(e.pending),
		EarlyResolvedCount:        earlyResolved,
		StrictResolvedCount:       strictResolved,
	}
	if earlyResolved > 0 {
		rate := round4(float64(e.earlySuccess) / float64(earlyResolved))
		stats.EarlySuccessRate = &rate
		stats.SuccessRate = &rate
	}
	if strictResolved > 0 {
		rate := round4(float64(e.strictSuccess) / float64(strictResolved))
		stats.StrictSuccessRate = &rate
	}
	return stats
}

// details lists the most recent limit records per log and pending forecasts,
// most-recent-first.
func (e *predictionEngine) details(limit int, nowMs int64) domain.PredictionDetails {
	d := domain.PredictionDetails{
		Limit:  limit,
		Early:  recentRecords(e.earlyRecords, limit),
		Strict: recentRecords(e.strictRecords, limit),
	}
	start := 0
	if len(e.pending) > limit {
		start = len(e.pending) - limit
	}
	d.Pending = make([]domain.PendingSummary, 0, len(e.pending)-start)
	for i := len(e.pending) - 1; i >= start; i-- {
		p := e.pending[i]
		remaining := (p.ExpiresAt - nowMs) / 1000
		if remaining < 0 {
			remaining = 0
		}
		d.Pending = append(d.Pending, domain.PendingSummary{
			PredictionID:          p.ID,
			CreatedAt:             p.CreatedAt,
			ExpiresAt:             p.ExpiresAt,
			ModeAtPrediction:      p.ModeAtPrediction,
			RiskScoreAtPrediction: p.RiskScoreAtPrediction,
			PredictionEventID:     p.PredictionEventID,
			PredictionEventName:   p.PredictionEventName,
			RemainingSec:          remaining,
		})
	}
	return d
}

func recentRecords(records []domain.PredictionRecord, limit int) []domain.PredictionRecord {
	start := 0
	if len(records) > limit {
		start = len(records) - limit
	}
	out := make([]domain.PredictionRecord, 0, len(records)-start)
	for i := len(records) - 1; i >= start; i-- {
		out = append(out, records[i])
	}
	return out
}
