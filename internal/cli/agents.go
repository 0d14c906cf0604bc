package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(agentsCmd)
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List configured agent schedulers",
	RunE:  runAgents,
}

type agentsResponse struct {
	Agents []string `json:"agents"`
}

func runAgents(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(apiAddr + "/api/agents")
	if err != nil {
		return fmt.Errorf("reach dreamd: %w", err)
	}
	defer resp.Body.Close()

	var body agentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if len(body.Agents) == 0 {
		fmt.Println("No agents configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT")
	for _, label := range body.Agents {
		fmt.Fprintln(w, label)
	}
	return w.Flush()
}
