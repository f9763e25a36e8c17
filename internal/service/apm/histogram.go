package apm

import (
	"math"
	"sort"
)

const defaultMaxHistory = 500

// histogramSet keeps a bounded recent-history sample per metric key and ranks
// new observations against it. It is deliberately a rank-within-window
// estimator, not an exact quantile structure: downstream thresholds are tuned
// against this recency-biased behavior.
type histogramSet struct {
	maxHistory int
	histories  map[string][]float64
}

func newHistogramSet(maxHistory int) *histogramSet {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &histogramSet{
		maxHistory: maxHistory,
		histories:  make(map[string][]float64),
	}
}

// Observe appends value to key's history, evicting the oldest entry when the
// window is full, and returns the rank-based percentile of the new value in
// [0,100]. The first observation on a fresh key reports the neutral prior 50.
func (h *histogramSet) Observe(key string, value float64) int {
	hist := h.histories[key]
	fresh := len(hist) == 0
	hist = append(hist, value)
	if len(hist) > h.maxHistory {
		hist = hist[1:]
	}
	h.histories[key] = hist
	if fresh {
		return 50
	}

	sorted := append([]float64(nil), hist...)
	sort.Float64s(sorted)
	atOrBelow := sort.Search(len(sorted), func(i int) bool { return sorted[i] > value })
	pct := int(math.Round(float64(atOrBelow) / float64(len(sorted)) * 100))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Len reports the current window size for a key.
func (h *histogramSet) Len(key string) int {
	return len(h.histories[key])
}
