package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/easelhq/easel/internal/client"
	"github.com/easelhq/easel/internal/config"
	"github.com/easelhq/easel/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "easel",
	Short: "Observe an image-generation server's execution stream",
	Long: `Easel connects to a ComfyUI-style image-generation server over WebSocket
and turns its event stream into live progress and performance analytics:
per-node timings, cache-hit rates, and bottleneck detection.`,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("easel version {{.Version}}\n")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verbose {
			logging.SetLevel(logging.LevelDebug)
		}
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newClient loads the config from the working directory, applies command-line
// overrides, and builds a Client.
func newClient(serverOverride, clientIDOverride string) (*client.Client, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	cfg, err := config.LoadConfig(cwd)
	if err != nil {
		return nil, err
	}
	if serverOverride != "" {
		cfg.Server.URL = serverOverride
	}
	if clientIDOverride != "" {
		cfg.Server.ClientID = clientIDOverride
	}

	return client.New(*cfg, nil)
}
