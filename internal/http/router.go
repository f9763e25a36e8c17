package httpx

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/tailscope/internal/domain"
	"github.com/splax/tailscope/internal/service/apm"
	"github.com/splax/tailscope/internal/ws"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitIngest    = 600
	rateLimitSample    = 30
	rateLimitConfig    = 30
	rateLimitFeed      = 30

	detailLimitDefault = 30
	detailLimitMax     = 200
	sampleCountDefault = 20
	sampleCountMax     = 200

	sseHeartbeatEvery = 15 * time.Second
)

// Router wires HTTP endpoints to the ingestion pipeline.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	pipeline    *apm.Pipeline
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	serverStart time.Time

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, pipeline *apm.Pipeline, limiter RateLimiter, serverStart time.Time) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		pipeline: pipeline,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     limiter,
		serverStart: serverStart,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/ingest", r.audit("/ingest", r.withRateLimit("/ingest", rateLimitIngest, rateWindowDefault, r.handleIngest)))
	r.mux.HandleFunc("/event/", r.audit("/event", r.handleEvent))
	r.mux.HandleFunc("/sample", r.audit("/sample", r.withRateLimit("/sample", rateLimitSample, rateWindowDefault, r.handleSample)))
	r.mux.HandleFunc("/tail-first/config", r.audit("/tail-first/config", r.handleSamplingConfig))
	r.mux.HandleFunc("/tail-first/stats", r.audit("/tail-first/stats", r.handleSamplingStats))
	r.mux.HandleFunc("/tail-first/stats/reset", r.audit("/tail-first/stats/reset", r.handleSamplingStatsReset))
	r.mux.HandleFunc("/prediction/stats", r.audit("/prediction/stats", r.handlePredictionStats))
	r.mux.HandleFunc("/prediction/stats/reset", r.audit("/prediction/stats/reset", r.handlePredictionStatsReset))
	r.mux.HandleFunc("/prediction/details", r.audit("/prediction/details", r.handlePredictionDetails))
	r.mux.HandleFunc("/prediction/config", r.audit("/prediction/config", r.handlePredictionConfig))
	r.mux.HandleFunc("/ws/feed", r.audit("/ws/feed", r.withRateLimit("/ws/feed", rateLimitFeed, rateWindowRealtime, r.handleFeedWS)))
	r.mux.HandleFunc("/sse/feed", r.audit("/sse/feed", r.withRateLimit("/sse/feed", rateLimitFeed, rateWindowRealtime, r.handleFeedSSE)))
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
}

// ingestPayload is the wire shape accepted from producers. Metrics are decoded
// loosely so a single non-numeric field degrades that field, not the event.
type ingestPayload struct {
	EventID   string            `json:"eventId"`
	Name      string            `json:"name"`
	Service   string            `json:"service"`
	StartTime int64             `json:"startTime"`
	EndTime   int64             `json:"endTime"`
	Metrics   map[string]any    `json:"metrics"`
	Trace     []tracePayload    `json:"trace"`
	Tags      map[string]string `json:"tags"`
}

type tracePayload struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

func (p ingestPayload) toEvent() domain.TelemetryEvent {
	event := domain.TelemetryEvent{
		EventID:   strings.TrimSpace(p.EventID),
		Name:      p.Name,
		Service:   p.Service,
		StartTime: p.StartTime,
		EndTime:   p.EndTime,
		Tags:      p.Tags,
	}
	if len(p.Metrics) > 0 {
		event.Metrics = make(map[string]float64, len(p.Metrics))
		for key, raw := range p.Metrics {
			if v, ok := numericValue(raw); ok {
				event.Metrics[key] = v
			}
		}
	}
	for _, step := range p.Trace {
		if v, ok := numericValue(step.Value); ok {
			event.Trace = append(event.Trace, domain.TraceStep{Name: step.Name, Value: v})
		}
	}
	return event
}

func numericValue(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Use POST /ingest with JSON payload."})
	case http.MethodPost:
		var payload ingestPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		event := payload.toEvent()
		if _, err := r.pipeline.Process(event, true); err != nil {
			if errors.Is(err, apm.ErrMissingEventID) {
				writeError(w, http.StatusBadRequest, "invalid payload")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeOK(w)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleEvent(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(req.URL.Path, "/event/")
	if id == "" || strings.Contains(id, "/") {
		r.notFound(w)
		return
	}
	detail, err := r.pipeline.EventDetail(id)
	if err != nil {
		r.notFound(w)
		return
	}
	writeData(w, http.StatusOK, detail)
}

func (r *Router) handleSample(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	count, _ := strconv.Atoi(req.URL.Query().Get("count"))
	if count <= 0 {
		count = sampleCountDefault
	}
	if count > sampleCountMax {
		count = sampleCountMax
	}
	processed := r.pipeline.GenerateSamples(count, nil)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": processed})
}

func (r *Router) handleSamplingConfig(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeData(w, http.StatusOK, r.pipeline.SamplingConfig())
	case http.MethodPost:
		var cfg domain.SamplingConfig
		if err := json.NewDecoder(req.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		applied, err := r.pipeline.UpdateSamplingConfig(cfg)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid sampling config")
			return
		}
		writeData(w, http.StatusOK, applied)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleSamplingStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeData(w, http.StatusOK, r.pipeline.SamplingStats())
}

func (r *Router) handleSamplingStatsReset(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	writeData(w, http.StatusOK, r.pipeline.ResetSamplingStats())
}

func (r *Router) handlePredictionStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeData(w, http.StatusOK, r.pipeline.PredictionStats())
}

func (r *Router) handlePredictionStatsReset(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	writeData(w, http.StatusOK, r.pipeline.ResetPredictionStats())
}

func (r *Router) handlePredictionDetails(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = detailLimitDefault
	}
	if limit > detailLimitMax {
		limit = detailLimitMax
	}
	writeData(w, http.StatusOK, r.pipeline.PredictionDetails(limit))
}

// predictionConfigPayload keeps strictConsecutiveRequired optional so posting
// only window and thresholds preserves the current count.
type predictionConfigPayload struct {
	WindowSec                 *int     `json:"windowSec"`
	P99ThresholdMs            *float64 `json:"p99ThresholdMs"`
	SLOThresholdMs            *float64 `json:"sloThresholdMs"`
	StrictConsecutiveRequired *int     `json:"strictConsecutiveRequired"`
}

func (r *Router) handlePredictionConfig(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeData(w, http.StatusOK, r.pipeline.PredictionConfig())
	case http.MethodPost:
		r.withRateLimit("/prediction/config", rateLimitConfig, rateWindowDefault, r.handlePredictionConfigUpdate)(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handlePredictionConfigUpdate(w http.ResponseWriter, req *http.Request) {
	var payload predictionConfigPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cfg := r.pipeline.PredictionConfig()
	next := domain.PredictionConfig{StrictConsecutiveRequired: cfg.StrictConsecutiveRequired}
	if payload.WindowSec != nil {
		next.WindowSec = *payload.WindowSec
	}
	if payload.P99ThresholdMs != nil {
		next.P99ThresholdMs = *payload.P99ThresholdMs
	}
	if payload.SLOThresholdMs != nil {
		next.SLOThresholdMs = *payload.SLOThresholdMs
	}
	if payload.StrictConsecutiveRequired != nil {
		next.StrictConsecutiveRequired = *payload.StrictConsecutiveRequired
	}
	applied, err := r.pipeline.UpdatePredictionConfig(next)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid prediction config")
		return
	}
	writeData(w, http.StatusOK, applied)
}

func (r *Router) handleFeedWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.sendGreeting(client)
	hub := r.pipeline.Hub()
	hub.Register(apm.FeedTopic, client)
	go func() {
		defer func() {
			hub.Unregister(apm.FeedTopic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleFeedSSE(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.sendGreeting(client)
	hub := r.pipeline.Hub()
	hub.Register(apm.FeedTopic, client)
	defer func() {
		hub.Unregister(apm.FeedTopic, client)
		client.Close()
	}()

	heartbeat := time.NewTicker(sseHeartbeatEvery)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

type greetable interface {
	Send([]byte) error
}

func (r *Router) sendGreeting(client greetable) {
	if hello, err := apm.HelloFrame(r.serverStart); err == nil {
		_ = client.Send(hello)
	}
	if stats, err := r.pipeline.PredictionStatsFrame(); err == nil {
		_ = client.Send(stats)
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	stats := r.pipeline.SamplingStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"uptime_sec":       int64(time.Since(r.serverStart).Seconds()),
		"events_processed": stats.Total,
		"timestamp":        time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequest(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
