package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/easelhq/easel/internal/bus"
	"github.com/easelhq/easel/internal/progress"
	"github.com/easelhq/easel/internal/protocol"
)

var (
	watchServer   string
	watchClientID string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch live generation progress",
	Long: `Connects to the server and renders a live progress line for the current
generation. On interrupt, prints a summary of everything observed.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "", "server URL (overrides config)")
	watchCmd.Flags().StringVar(&watchClientID, "client-id", "", "client id (overrides config)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	c, err := newClient(watchServer, watchClientID)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()

	unsubState := c.Subscribe(bus.EventConnectionState, func(payload any) {
		state := payload.(protocol.ConnectionState)
		fmt.Fprintf(out, "\r\033[K%s\n", renderState(state))
	})
	defer unsubState()

	unsubProgress := c.Subscribe(bus.EventProgress, func(payload any) {
		snap := payload.(progress.Snapshot)
		fmt.Fprintf(out, "\r\033[K%s", renderProgressLine(snap))
	})
	defer unsubProgress()

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	<-ctx.Done()
	fmt.Fprintln(out)

	if c.Metrics().TotalExecutions > 0 {
		fmt.Fprintln(out, renderMetrics(c.Metrics()))
		fmt.Fprintln(out, renderNodeTable(c.NodeStats()))
		fmt.Fprint(out, renderRecommendations(c.Bottlenecks()))
	}
	return nil
}
