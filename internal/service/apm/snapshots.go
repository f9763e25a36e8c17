package apm

import (
	"github.com/splax/tailscope/internal/domain"
)

// SamplingStats returns the aggregate sampling-mode statistics snapshot.
func (p *Pipeline) SamplingStats() domain.SamplingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.samplingStatsLocked()
}

func (p *Pipeline) samplingStatsLocked() domain.SamplingStats {
	c := p.counters
	stats := domain.SamplingStats{
		Total: c.total,
		ModeCounts: map[string]int64{
			domain.ModeStable:   c.stableCount,
			domain.ModeWarning:  c.warningCount,
			domain.ModeCritical: c.criticalCount,
		},
		ModeRatios: map[string]float64{
			domain.ModeStable:   0,
			domain.ModeWarning:  0,
			domain.ModeCritical: 0,
		},
		Config: p.sampling,
	}
	if c.total > 0 {
		total := float64(c.total)
		stats.ModeRatios[domain.ModeStable] = round4(float64(c.stableCount) / total)
		stats.ModeRatios[domain.ModeWarning] = round4(float64(c.warningCount) / total)
		stats.ModeRatios[domain.ModeCritical] = round4(float64(c.criticalCount) / total)
		stats.DetailedCaptureRatio = round4(float64(c.detailed) / total)
		stats.AvgRisk = round2(c.riskSum / total)
	}
	if c.minRisk != nil {
		v := *c.minRisk
		stats.MinRisk = &v
	}
	if c.maxRisk != nil {
		v := *c.maxRisk
		stats.MaxRisk = &v
	}
	return stats
}

// ResetSamplingStats zeroes the sampling counters and returns the fresh
// snapshot.
func (p *Pipeline) ResetSamplingStats() domain.SamplingStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters = samplingCounters{}
	return p.samplingStatsLocked()
}

// SamplingConfig returns the current sampling configuration.
func (p *Pipeline) SamplingConfig() domain.SamplingConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sampling
}

// UpdateSamplingConfig swaps thresholds and rates after validation. Unlike
// prediction config changes, sampling stats survive the update.
func (p *Pipeline) UpdateSamplingConfig(cfg domain.SamplingConfig) (domain.SamplingConfig, error) {
	if err := ValidateSamplingConfig(cfg); err != nil {
		return domain.SamplingConfig{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sampling = cfg
	return p.sampling, nil
}

// PredictionStats returns the live forecast accuracy snapshot.
func (p *Pipeline) PredictionStats() domain.PredictionStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.engine.stats()
}

// ResetPredictionStats wipes all forecast state and returns the fresh
// snapshot.
func (p *Pipeline) ResetPredictionStats() domain.PredictionStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.engine.reset()
	return p.engine.stats()
}

// PredictionConfig returns the current forecast configuration.
func (p *Pipeline) PredictionConfig() domain.PredictionConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.engine.config()
}

// UpdatePredictionConfig validates and applies new forecast parameters,
// resetting all prediction counters and logs, then pushes the clean snapshot
// to live subscribers.
func (p *Pipeline) UpdatePredictionConfig(cfg domain.PredictionConfig) (domain.PredictionConfig, error) {
	if err := ValidatePredictionConfig(cfg); err != nil {
		return domain.PredictionConfig{}, err
	}
	p.mu.Lock()
	p.engine.setConfig(cfg)
	applied := p.engine.config()
	var frames [][]byte
	frames = appendFrame(frames, "prediction_stats", p.engine.stats(), p.logger)
	p.mu.Unlock()

	for _, frame := range frames {
		p.hub.Broadcast(FeedTopic, frame)
	}
	return applied, nil
}

// PredictionDetails lists recent early/strict resolutions and pending
// forecasts, most-recent-first. The caller clamps limit.
func (p *Pipeline) PredictionDetails(limit int) domain.PredictionDetails {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.engine.details(limit, p.now().UnixMilli())
}

// EventDetail returns the enriched record for an event identifier, including
// the risk_score alias some dashboard consumers expect.
func (p *Pipeline) EventDetail(id string) (map[string]any, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	event, ok := p.store.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return marshalEventDetail(event), nil
}

func marshalEventDetail(event domain.TelemetryEvent) map[string]any {
	detail := map[string]any{
		"eventId":        event.EventID,
		"name":           event.Name,
		"metrics":        event.Metrics,
		"tags":           event.Tags,
		"percentiles":    event.Percentiles,
		"riskScore":      event.RiskScore,
		"risk_score":     event.RiskScore,
		"riskReasons":    event.RiskReasons,
		"stateVector":    event.StateVector,
		"sampling":       event.Sampling,
		"outlierReasons": event.OutlierReasons,
		"severity":       event.Severity,
	}
	if event.Service != "" {
		detail["service"] = event.Service
	}
	if event.StartTime != 0 {
		detail["startTime"] = event.StartTime
	}
	if event.EndTime != 0 {
		detail["endTime"] = event.EndTime
	}
	if event.Trace != nil {
		detail["trace"] = event.Trace
	} else {
		detail["trace"] = []domain.TraceStep{}
	}
	return detail
}
