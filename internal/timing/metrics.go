package timing

import (
	"fmt"
	"sort"
	"time"
)

// Metrics are aggregate figures computed on demand from the execution
// history. They are never cached or incrementally updated.
type Metrics struct {
	TotalExecutions       int
	CompletedExecutions   int
	ErrorExecutions       int
	InterruptedExecutions int
	AverageExecutionTime  time.Duration
	AverageQueueTime      time.Duration
	// SuccessRate is completed / total, in percent.
	SuccessRate float64
	// CacheHitRate is cached nodes / total nodes across history, in percent.
	CacheHitRate float64
	// EstimatedGPUUtilization approximates busy time as
	// execution / (execution + queue), in percent.
	EstimatedGPUUtilization float64
}

// NodeStats aggregates timing for one node type across the history.
type NodeStats struct {
	NodeType        string
	Count           int
	TotalDuration   time.Duration
	AverageDuration time.Duration
	MinDuration     time.Duration
	MaxDuration     time.Duration
	CacheHits       int
	CacheHitRate    float64
	Errors          int
	ErrorRate       float64
	IsBottleneck    bool
	// BottleneckScore is AverageDuration divided by the threshold; values
	// above 1 mark a bottleneck.
	BottleneckScore float64
}

// BottleneckReport names the node types slowing generations down, with
// threshold-rule recommendations.
type BottleneckReport struct {
	GeneratedAt     time.Time
	Threshold       time.Duration
	Bottlenecks     []NodeStats
	Recommendations []string
}

// Metrics computes aggregate performance figures from the current history.
func (a *Analyzer) Metrics() Metrics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	m := Metrics{TotalExecutions: len(a.history)}
	if m.TotalExecutions == 0 {
		return m
	}

	var totalExec, totalQueue time.Duration
	var totalNodes, cachedNodes int
	for _, exec := range a.history {
		switch exec.Status {
		case StatusCompleted:
			m.CompletedExecutions++
		case StatusError:
			m.ErrorExecutions++
		case StatusInterrupted:
			m.InterruptedExecutions++
		}
		totalExec += exec.ExecutionTime
		totalQueue += exec.QueueTime
		totalNodes += len(exec.Nodes)
		cachedNodes += len(exec.CachedNodes)
	}

	n := time.Duration(m.TotalExecutions)
	m.AverageExecutionTime = totalExec / n
	m.AverageQueueTime = totalQueue / n
	m.SuccessRate = float64(m.CompletedExecutions) / float64(m.TotalExecutions) * 100
	if totalNodes > 0 {
		m.CacheHitRate = float64(cachedNodes) / float64(totalNodes) * 100
	}
	if busy := totalExec + totalQueue; busy > 0 {
		m.EstimatedGPUUtilization = float64(totalExec) / float64(busy) * 100
	}
	return m
}

// NodeStats aggregates per-node-type statistics across the history, sorted
// by average duration, slowest first. Nodes with no reported type are
// grouped under their node id.
func (a *Analyzer) NodeStats() []NodeStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nodeStatsLocked()
}

func (a *Analyzer) nodeStatsLocked() []NodeStats {
	byType := make(map[string]*NodeStats)
	for _, exec := range a.history {
		for _, node := range exec.Nodes {
			key := node.NodeType
			if key == "" {
				key = node.NodeID
			}
			st, ok := byType[key]
			if !ok {
				st = &NodeStats{NodeType: key, MinDuration: node.Duration}
				byType[key] = st
			}
			st.Count++
			st.TotalDuration += node.Duration
			if node.Duration < st.MinDuration {
				st.MinDuration = node.Duration
			}
			if node.Duration > st.MaxDuration {
				st.MaxDuration = node.Duration
			}
			if node.Cached {
				st.CacheHits++
			}
			if exec.Error != nil && exec.Error.NodeID == node.NodeID {
				st.Errors++
			}
		}
	}

	out := make([]NodeStats, 0, len(byType))
	for _, st := range byType {
		st.AverageDuration = st.TotalDuration / time.Duration(st.Count)
		st.CacheHitRate = float64(st.CacheHits) / float64(st.Count) * 100
		st.ErrorRate = float64(st.Errors) / float64(st.Count) * 100
		st.BottleneckScore = float64(st.AverageDuration) / float64(a.threshold)
		st.IsBottleneck = st.AverageDuration > a.threshold
		out = append(out, *st)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].AverageDuration != out[j].AverageDuration {
			return out[i].AverageDuration > out[j].AverageDuration
		}
		return out[i].NodeType < out[j].NodeType
	})
	return out
}

// Recommendation rule thresholds.
const (
	highErrorRatePercent   = 20.0
	minErrorSamples        = 3
	lowCacheHitRatePercent = 10.0
	minCacheSamples        = 5
)

// Bottlenecks builds the bottleneck report from the current history. The
// recommendations are deterministic threshold rules over the node stats.
func (a *Analyzer) Bottlenecks() BottleneckReport {
	a.mu.RLock()
	stats := a.nodeStatsLocked()
	threshold := a.threshold
	now := a.now()
	a.mu.RUnlock()

	report := BottleneckReport{
		GeneratedAt: now,
		Threshold:   threshold,
	}

	for _, st := range stats {
		if st.IsBottleneck {
			report.Bottlenecks = append(report.Bottlenecks, st)
			report.Recommendations = append(report.Recommendations, fmt.Sprintf(
				"%s averages %s per run (threshold %s); a smaller model or lower resolution for this stage would cut generation time the most",
				st.NodeType, st.AverageDuration.Round(time.Millisecond), threshold))
		}
		if st.Count >= minErrorSamples && st.ErrorRate >= highErrorRatePercent {
			report.Recommendations = append(report.Recommendations, fmt.Sprintf(
				"%s fails in %.0f%% of runs; check its inputs and available memory",
				st.NodeType, st.ErrorRate))
		}
		if st.Count >= minCacheSamples && st.CacheHitRate < lowCacheHitRatePercent {
			report.Recommendations = append(report.Recommendations, fmt.Sprintf(
				"%s rarely hits the server cache (%.0f%% over %d runs); keeping its inputs stable between prompts lets the server reuse results",
				st.NodeType, st.CacheHitRate, st.Count))
		}
	}

	return report
}
