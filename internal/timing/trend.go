package timing

import (
	"context"
	"time"
)

// DefaultTrendInterval is how often the background sampler records a trend
// point.
const DefaultTrendInterval = 30 * time.Second

// TrendSample is one rolling performance sample, taken from the most recent
// finalized execution at the time of sampling.
type TrendSample struct {
	Timestamp     time.Time
	PromptID      string
	ExecutionTime time.Duration
	QueueTime     time.Duration
	CacheHitRate  float64
}

// RunTrendSampler records a trend point every interval until ctx is
// cancelled. Samples older than the retention window are discarded as new
// ones arrive. It blocks; run it in its own goroutine.
func (a *Analyzer) RunTrendSampler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTrendInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.SampleTrend()
		}
	}
}

// SampleTrend records one trend point from the most recent finalized
// execution. It is a no-op while the history is empty.
func (a *Analyzer) SampleTrend() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.history) == 0 {
		return
	}
	latest := a.history[len(a.history)-1]

	hitRate := 0.0
	if len(latest.Nodes) > 0 {
		hitRate = float64(len(latest.CachedNodes)) / float64(len(latest.Nodes)) * 100
	}

	now := a.now()
	a.trend = append(a.trend, TrendSample{
		Timestamp:     now,
		PromptID:      latest.PromptID,
		ExecutionTime: latest.ExecutionTime,
		QueueTime:     latest.QueueTime,
		CacheHitRate:  hitRate,
	})

	cutoff := now.Add(-a.trendKeep)
	for len(a.trend) > 0 && a.trend[0].Timestamp.Before(cutoff) {
		a.trend = a.trend[1:]
	}
}

// Trend returns the retained trend samples, oldest first.
func (a *Analyzer) Trend() []TrendSample {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]TrendSample, len(a.trend))
	copy(out, a.trend)
	return out
}
