package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/easelhq/easel/internal/progress"
	"github.com/easelhq/easel/internal/protocol"
	"github.com/easelhq/easel/internal/timing"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	labelStyle  = lipgloss.NewStyle().Faint(true)
	goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	barStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

const progressBarWidth = 30

// renderState formats a connection-state transition for the watch stream.
func renderState(state protocol.ConnectionState) string {
	label := string(state)
	switch state {
	case protocol.StateConnected:
		label = goodStyle.Render(label)
	case protocol.StateError:
		label = badStyle.Render(label)
	case protocol.StateConnecting, protocol.StateReconnecting:
		label = warnStyle.Render(label)
	}
	return labelStyle.Render("connection: ") + label
}

// renderProgressLine formats the one-line live progress view.
func renderProgressLine(snap progress.Snapshot) string {
	if !snap.IsGenerating {
		if snap.PromptID == "" {
			return labelStyle.Render("idle")
		}
		return fmt.Sprintf("%s %s", goodStyle.Render("done"), snap.PromptID)
	}

	pct := snap.Percentage()
	filled := pct * progressBarWidth / 100
	bar := barStyle.Render(strings.Repeat("█", filled)) +
		labelStyle.Render(strings.Repeat("░", progressBarWidth-filled))

	line := fmt.Sprintf("%s %3d%%", bar, pct)
	if snap.CurrentNode != "" {
		line += "  " + labelStyle.Render("node ") + snap.CurrentNode
	}
	if remaining := snap.EstimatedRemaining(time.Now()); remaining != nil {
		line += "  " + labelStyle.Render("eta ") + remaining.Round(time.Second).String()
	}
	if snap.QueueRemaining > 0 {
		line += "  " + labelStyle.Render(fmt.Sprintf("(%d queued)", snap.QueueRemaining))
	}
	return line
}

// renderMetrics formats the aggregate metrics block.
func renderMetrics(m timing.Metrics) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Execution metrics"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "  %s %d (%d ok, %d failed, %d interrupted)\n",
		labelStyle.Render("executions:"),
		m.TotalExecutions, m.CompletedExecutions, m.ErrorExecutions, m.InterruptedExecutions)
	fmt.Fprintf(&b, "  %s %.1f%%\n", labelStyle.Render("success rate:"), m.SuccessRate)
	fmt.Fprintf(&b, "  %s %s executing, %s queued\n",
		labelStyle.Render("average time:"),
		m.AverageExecutionTime.Round(time.Millisecond),
		m.AverageQueueTime.Round(time.Millisecond))
	fmt.Fprintf(&b, "  %s %.1f%%\n", labelStyle.Render("cache hit rate:"), m.CacheHitRate)
	fmt.Fprintf(&b, "  %s %.1f%%\n", labelStyle.Render("est. GPU busy:"), m.EstimatedGPUUtilization)
	return b.String()
}

// renderNodeTable formats the per-node-type timing table, slowest first.
func renderNodeTable(stats []timing.NodeStats) string {
	if len(stats) == 0 {
		return labelStyle.Render("no node timings recorded")
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("Node timings"))
	b.WriteString("\n")

	nameWidth := len("NODE")
	for _, st := range stats {
		if len(st.NodeType) > nameWidth {
			nameWidth = len(st.NodeType)
		}
	}

	fmt.Fprintf(&b, "  %-*s  %5s  %9s  %9s  %9s  %6s\n",
		nameWidth, "NODE", "RUNS", "AVG", "MIN", "MAX", "CACHE")
	for _, st := range stats {
		name := st.NodeType
		if st.IsBottleneck {
			name = badStyle.Render(fmt.Sprintf("%-*s", nameWidth, name))
		} else {
			name = fmt.Sprintf("%-*s", nameWidth, name)
		}
		fmt.Fprintf(&b, "  %s  %5d  %9s  %9s  %9s  %5.0f%%\n",
			name, st.Count,
			st.AverageDuration.Round(time.Millisecond),
			st.MinDuration.Round(time.Millisecond),
			st.MaxDuration.Round(time.Millisecond),
			st.CacheHitRate)
	}
	return b.String()
}

// renderRecommendations formats the bottleneck report's recommendation list.
func renderRecommendations(report timing.BottleneckReport) string {
	if len(report.Recommendations) == 0 {
		return goodStyle.Render("No bottlenecks detected.") + "\n"
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("Recommendations"))
	b.WriteString("\n")
	for _, rec := range report.Recommendations {
		fmt.Fprintf(&b, "  %s %s\n", warnStyle.Render("•"), rec)
	}
	return b.String()
}
