// Package cli implements the dreamd command-line interface using Cobra.
// Each subcommand drives one piece of the DREAM agent scheduler surface
// exposed over the daemon's status/submit HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dreamd",
	Short: "dreamd — the DREAM multi-agent task scheduler",
	Long: `dreamd runs one or more agent schedulers behind a single device
manager, handling admission, dependency resolution, priority dispatch, and
adaptive rebalancing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var apiAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "http://127.0.0.1:11535", "dreamd API base address")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
