package apm

import (
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/splax/tailscope/internal/domain"
	"github.com/splax/tailscope/internal/ws"
)

// FeedTopic is the hub topic all live-feed frames are published on.
const FeedTopic = "feed"

// ErrMissingEventID rejects payloads without an identifier at the boundary.
var ErrMissingEventID = errors.New("eventId required")

// ErrNotFound reports an unknown event identifier.
var ErrNotFound = errors.New("event not found")

// warmupSource tags bootstrap traffic; it feeds histograms but never opens or
// resolves forecasts.
const warmupSource = "warmup"

// Frame is the envelope pushed to live-feed subscribers.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Options tunes a Pipeline; zero values fall back to the dashboard defaults.
type Options struct {
	MaxHistory    int
	StoreCapacity int
	Sampling      domain.SamplingConfig
	Prediction    domain.PredictionConfig
}

// Pipeline is the tail-first sampling and breach-prediction engine. Every
// event is fully estimated, scored, sampled, and checked against all pending
// forecasts before the next one begins: Process serializes under the write
// lock, snapshot queries run concurrently under the read lock.
type Pipeline struct {
	mu       sync.RWMutex
	hists    *histogramSet
	sampling domain.SamplingConfig
	counters samplingCounters
	engine   *predictionEngine
	store    *eventStore
	hub      *ws.Hub
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
	roll     func() float64
}

type samplingCounters struct {
	total         int64
	stableCount   int64
	warningCount  int64
	criticalCount int64
	detailed      int64
	riskSum       float64
	minRisk       *float64
	maxRisk       *float64
}

// NewPipeline constructs a Pipeline with sane defaults.
func NewPipeline(hub *ws.Hub, logger *slog.Logger, metrics *Metrics, opts Options) *Pipeline {
	if hub == nil {
		hub = ws.NewHub()
	}
	if logger != nil {
		logger = logger.With("component", "apm_pipeline")
	}
	sampling := opts.Sampling
	if sampling == (domain.SamplingConfig{}) {
		sampling = DefaultSamplingConfig()
	}
	prediction := opts.Prediction
	if prediction == (domain.PredictionConfig{}) {
		prediction = DefaultPredictionConfig()
	}
	random := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Pipeline{
		hists:    newHistogramSet(opts.MaxHistory),
		sampling: sampling,
		engine:   newPredictionEngine(prediction),
		store:    newEventStore(opts.StoreCapacity),
		hub:      hub,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		roll:     random.Float64,
	}
}

// Hub exposes the live-feed hub for transport consumers.
func (p *Pipeline) Hub() *ws.Hub {
	return p.hub
}

// Process runs one event through the full pipeline. The returned event carries
// the annotations as stored. Broadcast frames go out after the lock is
// released so a slow subscriber never stalls ingestion.
func (p *Pipeline) Process(event domain.TelemetryEvent, broadcast bool) (domain.TelemetryEvent, error) {
	if strings.TrimSpace(event.EventID) == "" {
		return event, ErrMissingEventID
	}

	processed, frames := p.processAndSnapshot(event, broadcast)
	for _, frame := range frames {
		p.hub.Broadcast(FeedTopic, frame)
	}
	return processed, nil
}

func (p *Pipeline) processAndSnapshot(event domain.TelemetryEvent, broadcast bool) (domain.TelemetryEvent, [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	processed, point := p.processLocked(event)
	if !broadcast {
		return processed, nil
	}
	var frames [][]byte
	if point != nil {
		frames = appendFrame(frames, "point", point, p.logger)
	}
	frames = appendFrame(frames, "prediction_stats", p.engine.stats(), p.logger)
	return processed, frames
}

func (p *Pipeline) processLocked(event domain.TelemetryEvent) (domain.TelemetryEvent, *domain.FeedPoint) {
	ts := event.EndTime
	if ts <= 0 {
		ts = p.now().UnixMilli()
	}
	eligible := event.Tags["source"] != warmupSource

	percentiles := make(map[string]int, len(event.Metrics))
	var durationValue *float64
	durationPct := 0
	for key, value := range event.Metrics {
		pct := p.hists.Observe(key, value)
		if key == "errorCount" {
			// lower is strictly better here, so high percentile must still
			// mean bad downstream
			pct = 100 - pct
		}
		percentiles[key] = pct
		if key == "durationMs" {
			v := value
			durationValue = &v
			durationPct = pct
		}
	}

	risk := ScoreRisk(event.Metrics)
	mode, rate := decideMode(p.sampling, risk.Score)
	retain := mode != domain.ModeStable || p.roll() <= rate

	if eligible {
		cfg := p.engine.config()
		check := breachCheck{
			eventID:   event.EventID,
			eventName: displayName(event),
			p99:       durationValue != nil && durationPct >= 99 && *durationValue > cfg.P99ThresholdMs,
			slo:       durationValue != nil && *durationValue > cfg.SLOThresholdMs,
		}
		result := p.engine.observe(ts, mode, risk.Score, check)
		p.recordPredictionMetrics(result)
	}

	event.Percentiles = percentiles
	event.RiskScore = risk.Score
	event.RiskReasons = risk.Reasons
	event.StateVector = risk.Vector
	event.Sampling = domain.SamplingInfo{Mode: mode, SampleRate: rate, DetailedTrace: retain}

	tags := make(map[string]string, len(event.Tags)+3)
	for k, v := range event.Tags {
		tags[k] = v
	}
	tags["tailFirstMode"] = mode
	tags["tailFirstDetailed"] = strconv.FormatBool(retain)
	tags["tailFirstRiskScore"] = strconv.FormatFloat(risk.Score, 'f', -1, 64)
	event.Tags = tags

	p.counters.record(mode, retain, risk.Score)
	if p.metrics != nil {
		p.metrics.EventsProcessed.WithLabelValues(mode).Inc()
		if retain {
			p.metrics.DetailRetained.Inc()
		}
	}

	reasons, severity := classifyOutliers(event.Metrics, percentiles)
	event.OutlierReasons = reasons
	event.Severity = severity

	if !retain {
		shapeForStorage(&event)
	}
	p.store.Put(event)

	var point *domain.FeedPoint
	if durationValue != nil && retain {
		point = &domain.FeedPoint{
			EventID:        event.EventID,
			Name:           displayName(event),
			MetricKey:      "durationMs",
			Value:          *durationValue,
			Percentile:     durationPct,
			TS:             ts,
			Outlier:        len(reasons) > 0,
			OutlierReasons: reasons,
			Severity:       severity,
			RiskScore:      risk.Score,
			SamplingMode:   mode,
		}
	}
	return event, point
}

func (c *samplingCounters) record(mode string, retained bool, riskScore float64) {
	c.total++
	switch mode {
	case domain.ModeCritical:
		c.criticalCount++
	case domain.ModeWarning:
		c.warningCount++
	default:
		c.stableCount++
	}
	if retained {
		c.detailed++
	}
	c.riskSum += riskScore
	if c.minRisk == nil || riskScore < *c.minRisk {
		v := riskScore
		c.minRisk = &v
	}
	if c.maxRisk == nil || riskScore > *c.maxRisk {
		v := riskScore
		c.maxRisk = &v
	}
}

func (p *Pipeline) recordPredictionMetrics(result observeResult) {
	if p.metrics == nil {
		return
	}
	if result.Opened {
		p.metrics.PredictionsOpened.Inc()
	}
	resolutions := []struct {
		kind   string
		status string
		count  int
	}{
		{"early", domain.PredictionSuccess, result.EarlySuccess},
		{"early", domain.PredictionFail, result.EarlyFail},
		{"strict", domain.PredictionSuccess, result.StrictSuccess},
		{"strict", domain.PredictionFail, result.StrictFail},
	}
	for _, r := range resolutions {
		if r.count > 0 {
			p.metrics.PredictionResolutions.WithLabelValues(r.kind, r.status).Add(float64(r.count))
		}
	}
}

// classifyOutliers derives outlier reasons and severity from the full metric
// set, before any storage shaping. Severity only escalates.
func classifyOutliers(metrics map[string]float64, percentiles map[string]int) ([]string, string) {
	reasons := []string{}
	severity := domain.SeverityNormal

	warn := func() {
		if severity == domain.SeverityNormal {
			severity = domain.SeverityWarning
		}
	}

	if _, ok := metrics["durationMs"]; ok {
		switch pct := percentiles["durationMs"]; {
		case pct >= 99:
			reasons = append(reasons, "latency_p99")
			severity = domain.SeverityCritical
		case pct >= 95:
			reasons = append(reasons, "latency_p95")
			warn()
		}
	}

	if metrics["errorCount"] >= 1 {
		reasons = append(reasons, "error_count_critical")
		severity = domain.SeverityCritical
	}

	for _, probe := range []struct {
		key      string
		p99, p95 string
	}{
		{key: "cpuPct", p99: "cpu_p99", p95: "cpu_p95"},
		{key: "memMb", p99: "mem_p99", p95: "mem_p95"},
	} {
		if _, ok := metrics[probe.key]; !ok {
			continue
		}
		switch pct := percentiles[probe.key]; {
		case pct >= 99:
			reasons = append(reasons, probe.p99)
			severity = domain.SeverityCritical
		case pct >= 95:
			reasons = append(reasons, probe.p95)
			warn()
		}
	}

	if _, ok := metrics["requestCount"]; ok && percentiles["requestCount"] >= 99 {
		reasons = append(reasons, "req_p99")
		warn()
	}

	return reasons, severity
}

func displayName(event domain.TelemetryEvent) string {
	if event.Name != "" {
		return event.Name
	}
	return "event"
}

func appendFrame(frames [][]byte, frameType string, data any, logger *slog.Logger) [][]byte {
	payload, err := json.Marshal(Frame{Type: frameType, Data: data})
	if err != nil {
		if logger != nil {
			logger.Warn("failed to marshal feed frame", "type", frameType, "error", err)
		}
		return frames
	}
	return append(frames, payload)
}

// HelloFrame is the greeting pushed to a subscriber on connect.
func HelloFrame(serverStart time.Time) ([]byte, error) {
	return json.Marshal(Frame{Type: "hello", Data: map[string]any{
		"status":      "connected",
		"serverStart": serverStart.UnixMilli(),
	}})
}

// PredictionStatsFrame marshals the current forecast snapshot as a feed frame.
func (p *Pipeline) PredictionStatsFrame() ([]byte, error) {
	return json.Marshal(Frame{Type: "prediction_stats", Data: p.PredictionStats()})
}
