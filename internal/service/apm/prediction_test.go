package apm

import (
	"testing"

	"github.com/splax/tailscope/internal/domain"
)

func testPredictionConfig() domain.PredictionConfig {
	return domain.PredictionConfig{
		WindowSec:                 30,
		P99ThresholdMs:            1500,
		SLOThresholdMs:            1500,
		StrictConsecutiveRequired: 2,
	}
}

func TestEngineOpensOnceOnTransition(t *testing.T) {
	e := newPredictionEngine(testPredictionConfig())

	res := e.observe(0, domain.ModeWarning, 55, breachCheck{eventID: "a", eventName: "checkout"})
	if !res.Opened {
		t.Fatal("expected transition away from stable to open a forecast")
	}
	if res = e.observe(1000, domain.ModeWarning, 58, breachCheck{eventID: "b"}); res.Opened {
		t.Fatal("expected no second forecast while staying elevated")
	}
	if res = e.observe(2000, domain.ModeCritical, 80, breachCheck{eventID: "c"}); res.Opened {
		t.Fatal("expected no forecast on warning-to-critical escalation")
	}
	if got := e.stats(); got.TotalPredictions != 1 || got.PendingCount != 1 {
		t.Fatalf("expected one pending forecast, got %+v", got)
	}
}

func TestEngineEachTransitionOpensIndependently(t *testing.T) {
	e := newPredictionEngine(testPredictionConfig())

	e.observe(0, domain.ModeWarning, 50, breachCheck{eventID: "a"})
	e.observe(1000, domain.ModeStable, 10, breachCheck{eventID: "b"})
	res := e.observe(2000, domain.ModeWarning, 52, breachCheck{eventID: "c"})
	if !res.Opened {
		t.Fatal("expected a fresh forecast after recovery and re-escalation")
	}
	if got := e.stats(); got.TotalPredictions != 2 || got.PendingCount != 2 {
		t.Fatalf("expected two pending forecasts, got %+v", got)
	}
}

func TestEngineNeverResolvesOwnOpeningEvent(t *testing.T) {
	e := newPredictionEngine(testPredictionConfig())

	// the opening event itself breaches, but a forecast only counts when a
	// later event confirms it
	res := e.observe(0, domain.ModeCritical, 90, breachCheck{eventID: "a", p99: true, slo: true})
	if !res.Opened || res.EarlySuccess != 0 {
		t.Fatalf("opening event must not resolve its own forecast: %+v", res)
	}
	if got := e.stats(); got.EarlySuccessCount != 0 || got.PendingCount != 1 {
		t.Fatalf("unexpected stats after opening: %+v", got)
	}
}

func TestEngineEarlyResolutionReasons(t *testing.T) {
	cases := []struct {
		name  string
		check breachCheck
		want  string
	}{
		{"p99 only", breachCheck{eventID: "b", p99: true}, domain.BreachReasonP99},
		{"slo only", breachCheck{eventID: "b", slo: true}, domain.BreachReasonSLO},
		{"both", breachCheck{eventID: "b", p99: true, slo: true}, domain.BreachReasonP99AndSLO},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newPredictionEngine(testPredictionConfig())
			e.observe(0, domain.ModeWarning, 50, breachCheck{eventID: "a"})
			res := e.observe(5000, domain.ModeWarning, 50, tc.check)
			if res.EarlySuccess != 1 {
				t.Fatalf("expected early resolution, got %+v", res)
			}
			d := e.details(10, 5000)
			if len(d.Early) != 1 || d.Early[0].Reason != tc.want {
				t.Fatalf("expected reason %q, got %+v", tc.want, d.Early)
			}
			if d.Early[0].MatchedEventID == nil || *d.Early[0].MatchedEventID != "b" {
				t.Fatalf("expected matched event b, got %+v", d.Early[0].MatchedEventID)
			}
		})
	}
}

func TestEngineStrictStreakResetsOnGap(t *testing.T) {
	e := newPredictionEngine(testPredictionConfig())
	e.observe(0, domain.ModeWarning, 50, breachCheck{eventID: "a"})

	strict := breachCheck{eventID: "x", p99: true, slo: true}
	calm := breachCheck{eventID: "y"}

	e.observe(1000, domain.ModeWarning, 50, strict) // streak 1, also early success
	e.observe(2000, domain.ModeWarning, 50, calm)   // streak back to 0
	e.observe(3000, domain.ModeWarning, 50, strict) // streak 1
	if got := e.stats(); got.StrictSuccessCount != 0 || got.PendingCount != 1 {
		t.Fatalf("streak must restart after a gap: %+v", got)
	}

	res := e.observe(4000, domain.ModeWarning, 50, strict) // streak 2, resolves
	if res.StrictSuccess != 1 {
		t.Fatalf("expected strict resolution, got %+v", res)
	}
	got := e.stats()
	if got.StrictSuccessCount != 1 || got.PendingCount != 0 {
		t.Fatalf("expected strict success and empty pending, got %+v", got)
	}
	d := e.details(10, 4000)
	if len(d.Strict) != 1 || d.Strict[0].Reason != domain.BreachReasonStrictRun {
		t.Fatalf("expected strict-run record, got %+v", d.Strict)
	}
}

func TestEngineTimeoutFailsUnmatchedFlags(t *testing.T) {
	e := newPredictionEngine(testPredictionConfig())
	e.observe(0, domain.ModeWarning, 50, breachCheck{eventID: "a"})
	// early match, strict still open
	e.observe(5000, domain.ModeWarning, 50, breachCheck{eventID: "b", slo: true})

	res := e.observe(31000, domain.ModeStable, 5, breachCheck{eventID: "c"})
	if res.StrictFail != 1 || res.EarlyFail != 0 {
		t.Fatalf("expected timeout to fail only the strict flag, got %+v", res)
	}
	got := e.stats()
	if got.EarlySuccessCount != 1 || got.StrictFailCount != 1 || got.PendingCount != 0 {
		t.Fatalf("unexpected stats after timeout: %+v", got)
	}
	if got.SuccessRate == nil || *got.SuccessRate != 1 {
		t.Fatalf("expected early success rate 1, got %v", got.SuccessRate)
	}
	if got.StrictSuccessRate == nil || *got.StrictSuccessRate != 0 {
		t.Fatalf("expected strict success rate 0, got %v", got.StrictSuccessRate)
	}
}

func TestEngineTimeoutFailsBothWhenSilent(t *testing.T) {
	e := newPredictionEngine(testPredictionConfig())
	e.observe(0, domain.ModeWarning, 50, breachCheck{eventID: "a"})

	res := e.observe(40000, domain.ModeStable, 5, breachCheck{eventID: "b"})
	if res.EarlyFail != 1 || res.StrictFail != 1 {
		t.Fatalf("expected both flags to time out, got %+v", res)
	}
	d := e.details(10, 40000)
	if len(d.Early) != 1 || d.Early[0].Reason != domain.BreachReasonTimeout || d.Early[0].MatchedEventID != nil {
		t.Fatalf("expected unmatched timeout record, got %+v", d.Early)
	}
}

func TestEngineSetConfigWipesState(t *testing.T) {
	e := newPredictionEngine(testPredictionConfig())
	e.observe(0, domain.ModeWarning, 50, breachCheck{eventID: "a"})
	e.observe(5000, domain.ModeWarning, 50, breachCheck{eventID: "b", slo: true})

	cfg := testPredictionConfig()
	cfg.WindowSec = 60
	e.setConfig(cfg)

	got := e.stats()
	if got.TotalPredictions != 0 || got.EarlySuccessCount != 0 || got.PendingCount != 0 {
		t.Fatalf("expected clean slate after config change, got %+v", got)
	}
	if got.WindowSec != 60 {
		t.Fatalf("expected new window in stats, got %d", got.WindowSec)
	}
	// the next elevated event opens ID 1 again
	e.observe(10000, domain.ModeWarning, 50, breachCheck{eventID: "c"})
	d := e.details(10, 10000)
	if len(d.Pending) != 1 || d.Pending[0].PredictionID != 1 {
		t.Fatalf("expected forecast numbering to restart, got %+v", d.Pending)
	}
}

func TestEngineDetailsOrderAndRemaining(t *testing.T) {
	e := newPredictionEngine(testPredictionConfig())
	e.observe(0, domain.ModeWarning, 50, breachCheck{eventID: "a"})
	e.observe(1000, domain.ModeStable, 5, breachCheck{eventID: "b"})
	e.observe(2000, domain.ModeWarning, 50, breachCheck{eventID: "c"})

	d := e.details(10, 12000)
	if len(d.Pending) != 2 {
		t.Fatalf("expected two pending summaries, got %d", len(d.Pending))
	}
	if d.Pending[0].PredictionID != 2 || d.Pending[1].PredictionID != 1 {
		t.Fatalf("expected most-recent-first ordering, got %+v", d.Pending)
	}
	// second forecast expires at 32000, so 20s remain at now=12000
	if d.Pending[0].RemainingSec != 20 || d.Pending[1].RemainingSec != 18 {
		t.Fatalf("unexpected remaining seconds: %+v", d.Pending)
	}
}

func TestEngineHistoryBounded(t *testing.T) {
	e := newPredictionEngine(testPredictionConfig())
	e.historyLimit = 3
	ts := int64(0)
	for i := 0; i < 5; i++ {
		e.observe(ts, domain.ModeWarning, 50, breachCheck{eventID: "open"})
		ts += 1000
		e.observe(ts, domain.ModeWarning, 50, breachCheck{eventID: "hit", p99: true, slo: true})
		ts += 1000
		e.observe(ts, domain.ModeWarning, 50, breachCheck{eventID: "hit", p99: true, slo: true})
		ts += 1000
		e.observe(ts, domain.ModeStable, 5, breachCheck{eventID: "calm"})
		ts += 1000
	}
	if len(e.earlyRecords) != 3 || len(e.strictRecords) != 3 {
		t.Fatalf("expected bounded logs, got early=%d strict=%d", len(e.earlyRecords), len(e.strictRecords))
	}
	if got := e.stats(); got.EarlySuccessCount != 5 {
		t.Fatalf("counters must survive log eviction, got %+v", got)
	}
}
