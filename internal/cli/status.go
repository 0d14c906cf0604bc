package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	statusCmd.Flags().StringVar(&statusAgent, "agent", "", "agent label (e.g. Reasoning/default)")
	rootCmd.AddCommand(statusCmd)
}

var statusAgent string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a scheduler's live metrics snapshot",
	RunE:  runStatus,
}

// metricsView mirrors the JSON shape of agent.Metrics closely enough for
// tabular display without importing the scheduler packages into the CLI.
type metricsView struct {
	ActiveTasks     int     `json:"ActiveTasks"`
	QueuedTasks     int     `json:"QueuedTasks"`
	BlockedTasks    int     `json:"BlockedTasks"`
	CompletedTasks  int     `json:"CompletedTasks"`
	FailedTasks     int     `json:"FailedTasks"`
	CancelledTasks  int     `json:"CancelledTasks"`
	TaskSuccessRate float64 `json:"TaskSuccessRate"`
	LoadFactor      float64 `json:"LoadFactor"`
	MeanWaitTime    int64   `json:"MeanWaitTime"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusAgent == "" {
		return fmt.Errorf("--agent is required")
	}

	resp, err := http.Get(apiAddr + "/api/agents/" + statusAgent + "/metrics")
	if err != nil {
		return fmt.Errorf("reach dreamd: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dreamd returned %s", resp.Status)
	}

	var m metricsView
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "active\t%d\n", m.ActiveTasks)
	fmt.Fprintf(w, "queued\t%d\n", m.QueuedTasks)
	fmt.Fprintf(w, "blocked\t%d\n", m.BlockedTasks)
	fmt.Fprintf(w, "completed\t%d\n", m.CompletedTasks)
	fmt.Fprintf(w, "failed\t%d\n", m.FailedTasks)
	fmt.Fprintf(w, "cancelled\t%d\n", m.CancelledTasks)
	fmt.Fprintf(w, "success_rate\t%.2f%%\n", m.TaskSuccessRate*100)
	fmt.Fprintf(w, "load_factor\t%.2f\n", m.LoadFactor)
	fmt.Fprintf(w, "mean_wait\t%s\n", time.Duration(m.MeanWaitTime))
	return w.Flush()
}
