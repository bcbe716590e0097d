package cache

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"
)

const (
	defaultSampleWindow = 1000
	// Recommendations need at least this many lookups for a pattern.
	minRequestsForAdvice = 20
	lowHitRate           = 0.5
	slowP95              = 50 * time.Millisecond
)

// PatternStats summarizes lookups for one key pattern.
type PatternStats struct {
	Hits      int64         `json:"hits"`
	Misses    int64         `json:"misses"`
	HitRate   float64       `json:"hit_rate"`
	AvgTime   time.Duration `json:"-"`
	P95Time   time.Duration `json:"-"`
	AvgTimeMs float64       `json:"avg_time_ms"`
	P95TimeMs float64       `json:"p95_time_ms"`
}

// Recommendation is tuning advice for one pattern.
type Recommendation struct {
	Pattern string `json:"pattern"`
	Message string `json:"message"`
}

type patternData struct {
	hits, misses int64
	timed        int64
	total        time.Duration
	samples      []time.Duration
	next         int
}

// Analytics tracks hit/miss counts and lookup timings per key pattern. It is
// observational only. A nil *Analytics ignores every call.
type Analytics struct {
	mu       sync.Mutex
	window   int
	patterns map[string]*patternData
}

func NewAnalytics() *Analytics {
	return &Analytics{window: defaultSampleWindow, patterns: make(map[string]*patternData)}
}

func (a *Analytics) data(pattern string) *patternData {
	d, ok := a.patterns[pattern]
	if !ok {
		d = &patternData{}
		a.patterns[pattern] = d
	}
	return d
}

func (a *Analytics) RecordHit(pattern string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.data(pattern).hits++
	a.mu.Unlock()
}

func (a *Analytics) RecordMiss(pattern string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.data(pattern).misses++
	a.mu.Unlock()
}

// RecordTiming keeps a rolling window of recent durations for percentiles
// and a running total for the mean.
func (a *Analytics) RecordTiming(pattern string, d time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	pd := a.data(pattern)
	pd.timed++
	pd.total += d
	if len(pd.samples) < a.window {
		pd.samples = append(pd.samples, d)
		return
	}
	pd.samples[pd.next] = d
	pd.next = (pd.next + 1) % a.window
}

// Stats returns a snapshot of every pattern seen so far.
func (a *Analytics) Stats() map[string]PatternStats {
	out := make(map[string]PatternStats)
	if a == nil {
		return out
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for name, pd := range a.patterns {
		s := PatternStats{Hits: pd.hits, Misses: pd.misses}
		if total := pd.hits + pd.misses; total > 0 {
			s.HitRate = float64(pd.hits) / float64(total)
		}
		if pd.timed > 0 {
			s.AvgTime = pd.total / time.Duration(pd.timed)
		}
		s.P95Time = percentile(pd.samples, 0.95)
		s.AvgTimeMs = float64(s.AvgTime) / float64(time.Millisecond)
		s.P95TimeMs = float64(s.P95Time) / float64(time.Millisecond)
		out[name] = s
	}
	return out
}

// Recommendations suggests TTL or warming changes for patterns with enough
// traffic to judge.
func (a *Analytics) Recommendations() []Recommendation {
	stats := a.Stats()
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	var recs []Recommendation
	for _, name := range names {
		s := stats[name]
		if s.Hits+s.Misses < minRequestsForAdvice {
			continue
		}
		if s.HitRate < lowHitRate {
			recs = append(recs, Recommendation{
				Pattern: name,
				Message: fmt.Sprintf("hit rate %.0f%% is low, consider a longer TTL or warming %q keys", s.HitRate*100, name),
			})
		}
		if s.P95Time > slowP95 {
			recs = append(recs, Recommendation{
				Pattern: name,
				Message: fmt.Sprintf("p95 lookup time %s is high, check distributed cache latency", s.P95Time.Round(time.Millisecond)),
			})
		}
	}
	return recs
}

// Reset drops all recorded data.
func (a *Analytics) Reset() {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.patterns = make(map[string]*patternData)
	a.mu.Unlock()
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
