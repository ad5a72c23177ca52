package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	statsServer   string
	statsClientID string
	statsDuration time.Duration
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Collect and print execution performance statistics",
	Long: `Connects to the server, observes the execution stream for the given
duration (or until interrupt), then prints aggregate metrics, per-node
timings, and bottleneck recommendations.`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsServer, "server", "", "server URL (overrides config)")
	statsCmd.Flags().StringVar(&statsClientID, "client-id", "", "client id (overrides config)")
	statsCmd.Flags().DurationVar(&statsDuration, "duration", time.Minute, "how long to observe")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := newClient(statsServer, statsClientID)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Observing for %s (interrupt to stop early)...\n", statsDuration)

	select {
	case <-ctx.Done():
	case <-time.After(statsDuration):
	}

	m := c.Metrics()
	if m.TotalExecutions == 0 {
		fmt.Fprintln(out, "No executions observed.")
		return nil
	}

	fmt.Fprintln(out, renderMetrics(m))
	fmt.Fprintln(out, renderNodeTable(c.NodeStats()))
	fmt.Fprint(out, renderRecommendations(c.Bottlenecks()))
	return nil
}
