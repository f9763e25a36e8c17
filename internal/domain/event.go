package domain

// Sampling mode labels, ordered by escalating risk.
const (
	ModeStable   = "stable"
	ModeWarning  = "warning"
	ModeCritical = "critical"
)

// Severity labels attached to processed events.
const (
	SeverityNormal   = "normal"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// TraceStep is a single named measurement inside an event's trace.
type TraceStep struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// TelemetryEvent is the unit processed end-to-end by the ingestion pipeline.
// Fields up to Tags arrive from producers; the rest are annotated exactly once
// during processing and are immutable afterwards.
type TelemetryEvent struct {
	EventID   string             `json:"eventId"`
	Name      string             `json:"name,omitempty"`
	Service   string             `json:"service,omitempty"`
	StartTime int64              `json:"startTime,omitempty"`
	EndTime   int64              `json:"endTime,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Trace     []TraceStep        `json:"trace,omitempty"`
	Tags      map[string]string  `json:"tags,omitempty"`

	Percentiles    map[string]int `json:"percentiles,omitempty"`
	RiskScore      float64        `json:"riskScore"`
	RiskReasons    []string       `json:"riskReasons"`
	StateVector    RiskVector     `json:"stateVector"`
	Sampling       SamplingInfo   `json:"sampling"`
	OutlierReasons []string       `json:"outlierReasons"`
	Severity       string         `json:"severity,omitempty"`
}

// SamplingInfo records the mode decision made for one event.
type SamplingInfo struct {
	Mode          string  `json:"mode"`
	SampleRate    float64 `json:"sampleRate"`
	DetailedTrace bool    `json:"detailedTrace"`
}

// RiskVector holds the percent-scale signal values that fed the risk score.
// Nil means the producer never reported the signal.
type RiskVector struct {
	QueuePressure *float64 `json:"queuePressure"`
	DBWaitRatio   *float64 `json:"dbWaitRatio"`
	LockWait      *float64 `json:"lockWait"`
	RetryRate     *float64 `json:"retryRate"`
	GCRatio       *float64 `json:"gcRatio"`
	CPUUtil       *float64 `json:"cpuUtil"`
}

// RiskAssessment is the scorer output for one event.
type RiskAssessment struct {
	Score   float64
	Reasons []string
	Vector  RiskVector
}

// FeedPoint is the point-summary projection pushed to live subscribers when an
// event carried a duration value and was retained at full detail.
type FeedPoint struct {
	EventID        string   `json:"eventId"`
	Name           string   `json:"name"`
	MetricKey      string   `json:"metricKey"`
	Value          float64  `json:"value"`
	Percentile     int      `json:"percentile"`
	TS             int64    `json:"ts"`
	Outlier        bool     `json:"outlier"`
	OutlierReasons []string `json:"outlierReasons"`
	Severity       string   `json:"severity"`
	RiskScore      float64  `json:"riskScore"`
	SamplingMode   string   `json:"samplingMode"`
}

// SamplingConfig tunes the mode thresholds and per-mode base sample rates.
type SamplingConfig struct {
	StableSampleRate   float64 `json:"stableSampleRate"`
	WarningSampleRate  float64 `json:"warningSampleRate"`
	CriticalSampleRate float64 `json:"criticalSampleRate"`
	WarningThreshold   float64 `json:"warningThreshold"`
	CriticalThreshold  float64 `json:"criticalThreshold"`
}

// SamplingStats is the aggregate mode statistics snapshot.
type SamplingStats struct {
	Total                int64              `json:"total"`
	ModeCounts           map[string]int64   `json:"modeCounts"`
	ModeRatios           map[string]float64 `json:"modeRatios"`
	DetailedCaptureRatio float64            `json:"detailedCaptureRatio"`
	AvgRisk              float64            `json:"avgRisk"`
	MinRisk              *float64           `json:"minRisk"`
	MaxRisk              *float64           `json:"maxRisk"`
	Config               SamplingConfig     `json:"config"`
}
