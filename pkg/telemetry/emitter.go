package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrInvalidArgument indicates the API rejected the payload with validation errors.
var ErrInvalidArgument = errors.New("telemetry invalid argument")

// ErrRateLimited indicates the ingest endpoint throttled the emitter.
var ErrRateLimited = errors.New("telemetry rate limited")

// Emitter sends telemetry events to the tailscope ingest endpoint.
type Emitter struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// TraceStep is one named measurement inside an event's trace.
type TraceStep struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Event accumulates metrics, trace steps, and tags for one unit of work.
// Build one with StartEvent and ship it with Finish, or fill it directly and
// call Emit.
type Event struct {
	EventID   string             `json:"eventId"`
	Name      string             `json:"name,omitempty"`
	Service   string             `json:"service,omitempty"`
	StartTime int64              `json:"startTime,omitempty"`
	EndTime   int64              `json:"endTime,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Trace     []TraceStep        `json:"trace,omitempty"`
	Tags      map[string]string  `json:"tags,omitempty"`

	emitter *Emitter
}

// NewEmitter creates an emitter targeting the given API base URL.
func NewEmitter(baseURL string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("telemetry base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL: trimmed,
		client:  client,
		now:     time.Now,
	}, nil
}

// StartEvent opens a timed event with a generated identifier.
func (e *Emitter) StartEvent(name string, tags map[string]string) *Event {
	copied := make(map[string]string, len(tags))
	for k, v := range tags {
		copied[k] = v
	}
	return &Event{
		EventID:   uuid.NewString(),
		Name:      name,
		StartTime: e.now().UnixMilli(),
		Metrics:   make(map[string]float64),
		Tags:      copied,
		emitter:   e,
	}
}

// AddMetric records a named numeric observation.
func (ev *Event) AddMetric(key string, value float64) *Event {
	ev.Metrics[key] = value
	return ev
}

// AddTraceStep appends a named step measurement to the trace.
func (ev *Event) AddTraceStep(name string, value float64) *Event {
	ev.Trace = append(ev.Trace, TraceStep{Name: name, Value: value})
	return ev
}

// SetTag attaches a tag to the event.
func (ev *Event) SetTag(key, value string) *Event {
	if ev.Tags == nil {
		ev.Tags = make(map[string]string)
	}
	ev.Tags[key] = value
	return ev
}

// Finish stamps the end time and sends the event through the owning emitter.
func (ev *Event) Finish(ctx context.Context) error {
	if ev.emitter == nil {
		return errors.New("event not created by an emitter")
	}
	if ev.EndTime == 0 {
		ev.EndTime = ev.emitter.now().UnixMilli()
	}
	return ev.emitter.Emit(ctx, *ev)
}

// Emit sends the supplied event to the ingest endpoint.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if e == nil {
		return errors.New("telemetry emitter not initialised")
	}
	if strings.TrimSpace(event.EventID) == "" {
		return fmt.Errorf("%w: eventId required", ErrInvalidArgument)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal telemetry event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/ingest", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telemetry request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return e.errorForStatus(resp)
	}
	return nil
}

func (e *Emitter) errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, summary)
	default:
		return fmt.Errorf("telemetry request failed: %s", summary)
	}
}
