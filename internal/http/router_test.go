package httpx

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/splax/tailscope/internal/service/apm"
	"github.com/splax/tailscope/internal/ws"
)

func newTestRouter(t *testing.T) (*Router, *apm.Pipeline) {
	t.Helper()
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	pipeline := apm.NewPipeline(ws.NewHub(), log, nil, apm.Options{})
	router := NewRouter(log, pipeline, nil, time.Now())
	t.Cleanup(router.Close)
	return router, pipeline
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func doJSON(t *testing.T, router *Router, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: bad envelope %q: %v", method, target, rec.Body.String(), err)
	}
	return rec, env
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}

	if rec, _ := doJSON(t, router, http.MethodPost, "/healthz", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestIngestValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, env := doJSON(t, router, http.MethodPost, "/ingest", `{"name":"checkout"}`)
	if rec.Code != http.StatusBadRequest || env.OK {
		t.Fatalf("expected 400 for missing eventId, got %d %+v", rec.Code, env)
	}

	rec, env = doJSON(t, router, http.MethodPost, "/ingest", `{not json`)
	if rec.Code != http.StatusBadRequest || env.OK {
		t.Fatalf("expected 400 for bad JSON, got %d %+v", rec.Code, env)
	}

	// GET answers with a usage hint instead of rejecting
	rec, env = doJSON(t, router, http.MethodGet, "/ingest", "")
	if rec.Code != http.StatusOK || !env.OK {
		t.Fatalf("expected usage hint, got %d %+v", rec.Code, env)
	}

	if rec, _ := doJSON(t, router, http.MethodDelete, "/ingest", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestIngestThenEventDetail(t *testing.T) {
	router, _ := newTestRouter(t)

	payload := `{
		"eventId": "evt-1",
		"name": "checkout",
		"endTime": 1000,
		"metrics": {"durationMs": 120, "weird": "not-a-number"},
		"trace": [{"name": "db.query", "value": 12}],
		"tags": {"region": "eu"}
	}`
	rec, env := doJSON(t, router, http.MethodPost, "/ingest", payload)
	if rec.Code != http.StatusOK || !env.OK {
		t.Fatalf("ingest failed: %d %+v", rec.Code, env)
	}

	rec, env = doJSON(t, router, http.MethodGet, "/event/evt-1", "")
	if rec.Code != http.StatusOK || !env.OK {
		t.Fatalf("detail failed: %d %+v", rec.Code, env)
	}
	var detail map[string]any
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		t.Fatalf("bad detail: %v", err)
	}
	metrics, ok := detail["metrics"].(map[string]any)
	if !ok {
		t.Fatalf("missing metrics: %v", detail)
	}
	if _, ok := metrics["durationMs"]; !ok {
		t.Fatal("expected numeric metric kept")
	}
	if _, ok := metrics["weird"]; ok {
		t.Fatal("expected non-numeric metric dropped")
	}
	if detail["riskScore"] != detail["risk_score"] {
		t.Fatal("expected risk score alias in detail")
	}
	if detail["severity"] == nil {
		t.Fatalf("expected severity annotation, got %v", detail)
	}
}

func TestEventNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	if rec, _ := doJSON(t, router, http.MethodGet, "/event/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec, _ := doJSON(t, router, http.MethodGet, "/event/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for empty id, got %d", rec.Code)
	}
}

func TestSampleEndpoint(t *testing.T) {
	router, pipeline := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sample?count=3", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body["count"] != 3.0 {
		t.Fatalf("expected 3 samples, got %v", body["count"])
	}
	if got := pipeline.SamplingStats(); got.Total != 3 {
		t.Fatalf("expected 3 processed events, got %+v", got)
	}

	if rec, _ := doJSON(t, router, http.MethodGet, "/sample", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestSamplingConfigEndpoint(t *testing.T) {
	router, pipeline := newTestRouter(t)

	rec, env := doJSON(t, router, http.MethodGet, "/tail-first/config", "")
	if rec.Code != http.StatusOK || !env.OK {
		t.Fatalf("config get failed: %d", rec.Code)
	}

	bad := `{"stableSampleRate":2,"warningSampleRate":0.5,"criticalSampleRate":1,"warningThreshold":45,"criticalThreshold":70}`
	if rec, _ := doJSON(t, router, http.MethodPost, "/tail-first/config", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := pipeline.SamplingConfig(); got != apm.DefaultSamplingConfig() {
		t.Fatal("rejected update must not change the live config")
	}

	good := `{"stableSampleRate":0.2,"warningSampleRate":0.6,"criticalSampleRate":1,"warningThreshold":40,"criticalThreshold":75}`
	rec, env = doJSON(t, router, http.MethodPost, "/tail-first/config", good)
	if rec.Code != http.StatusOK || !env.OK {
		t.Fatalf("config update failed: %d %+v", rec.Code, env)
	}
	if got := pipeline.SamplingConfig(); got.StableSampleRate != 0.2 || got.CriticalThreshold != 75 {
		t.Fatalf("config not applied: %+v", got)
	}
}

func TestSamplingStatsEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)
	doJSON(t, router, http.MethodPost, "/ingest", `{"eventId":"e1","metrics":{"durationMs":100}}`)

	_, env := doJSON(t, router, http.MethodGet, "/tail-first/stats", "")
	var stats struct {
		Total int64 `json:"total"`
	}
	if err := json.Unmarshal(env.Data, &stats); err != nil || stats.Total != 1 {
		t.Fatalf("expected one counted event, got %s (%v)", env.Data, err)
	}

	_, env = doJSON(t, router, http.MethodPost, "/tail-first/stats/reset", "")
	if err := json.Unmarshal(env.Data, &stats); err != nil || stats.Total != 0 {
		t.Fatalf("expected zeroed stats, got %s (%v)", env.Data, err)
	}
}

func TestPredictionEndpoints(t *testing.T) {
	router, pipeline := newTestRouter(t)

	_, env := doJSON(t, router, http.MethodGet, "/prediction/stats", "")
	var stats struct {
		WindowSec int `json:"windowSec"`
	}
	if err := json.Unmarshal(env.Data, &stats); err != nil || stats.WindowSec != 30 {
		t.Fatalf("expected default window, got %s (%v)", env.Data, err)
	}

	// partial update: the consecutive requirement is optional and preserved
	body := `{"windowSec":45,"p99ThresholdMs":1200,"sloThresholdMs":1800}`
	rec, env := doJSON(t, router, http.MethodPost, "/prediction/config", body)
	if rec.Code != http.StatusOK || !env.OK {
		t.Fatalf("config update failed: %d %+v", rec.Code, env)
	}
	cfg := pipeline.PredictionConfig()
	if cfg.WindowSec != 45 || cfg.P99ThresholdMs != 1200 || cfg.StrictConsecutiveRequired != 2 {
		t.Fatalf("unexpected applied config: %+v", cfg)
	}

	bad := `{"windowSec":-1,"p99ThresholdMs":1200,"sloThresholdMs":1800}`
	if rec, _ := doJSON(t, router, http.MethodPost, "/prediction/config", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := pipeline.PredictionConfig(); got.WindowSec != 45 {
		t.Fatal("rejected update must not change the live config")
	}

	if rec, _ := doJSON(t, router, http.MethodPost, "/prediction/stats/reset", ""); rec.Code != http.StatusOK {
		t.Fatalf("reset failed: %d", rec.Code)
	}
}

func TestPredictionDetailsLimitClamp(t *testing.T) {
	router, _ := newTestRouter(t)

	var details struct {
		Limit int `json:"limit"`
	}
	_, env := doJSON(t, router, http.MethodGet, "/prediction/details", "")
	if err := json.Unmarshal(env.Data, &details); err != nil || details.Limit != 30 {
		t.Fatalf("expected default limit 30, got %s (%v)", env.Data, err)
	}

	_, env = doJSON(t, router, http.MethodGet, "/prediction/details?limit=999", "")
	if err := json.Unmarshal(env.Data, &details); err != nil || details.Limit != 200 {
		t.Fatalf("expected limit clamped to 200, got %s (%v)", env.Data, err)
	}

	_, env = doJSON(t, router, http.MethodGet, "/prediction/details?limit=abc", "")
	if err := json.Unmarshal(env.Data, &details); err != nil || details.Limit != 30 {
		t.Fatalf("expected default limit for junk input, got %s (%v)", env.Data, err)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	router, _ := newTestRouter(t)

	var lastCode int
	for i := 0; i < 31; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sample?count=1", nil))
		lastCode = rec.Code
		if i == 0 && rec.Header().Get("X-RateLimit-Limit") != "30" {
			t.Fatalf("expected limit header, got %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}
	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after the window fills, got %d", lastCode)
	}

	// a different client address gets its own bucket
	req := httptest.NewRequest(http.MethodPost, "/sample?count=1", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected fresh bucket for new client, got %d", rec.Code)
	}
}

func TestMemoryRateLimiterWindowRoll(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	if d := rl.Allow("k", 2, 50*time.Millisecond); !d.allowed || d.count != 1 {
		t.Fatalf("unexpected first decision: %+v", d)
	}
	if d := rl.Allow("k", 2, 50*time.Millisecond); !d.allowed || d.count != 2 {
		t.Fatalf("unexpected second decision: %+v", d)
	}
	if d := rl.Allow("k", 2, 50*time.Millisecond); d.allowed {
		t.Fatalf("expected third request rejected: %+v", d)
	}
	time.Sleep(60 * time.Millisecond)
	if d := rl.Allow("k", 2, 50*time.Millisecond); !d.allowed || d.count != 1 {
		t.Fatalf("expected a fresh window, got %+v", d)
	}
}
