package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func init() {
	submitCmd.Flags().StringVar(&submitAgent, "agent", "", "agent label (e.g. Reasoning/default)")
	submitCmd.Flags().StringVar(&submitDescription, "description", "", "human-readable task description")
	submitCmd.Flags().StringVar(&submitPriority, "priority", "medium", "critical|high|medium|low|background")
	submitCmd.Flags().StringVar(&submitInput, "input", "", "task input payload")
	rootCmd.AddCommand(submitCmd)
}

var (
	submitAgent       string
	submitDescription string
	submitPriority    string
	submitInput       string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task to an agent scheduler",
	RunE:  runSubmit,
}

type submitBody struct {
	Description string `json:"description"`
	Input       []byte `json:"input"`
	Priority    string `json:"priority"`
}

type submitResponse struct {
	TaskId uint64 `json:"task_id"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if submitAgent == "" {
		return fmt.Errorf("--agent is required")
	}

	body, err := json.Marshal(submitBody{
		Description: submitDescription,
		Input:       []byte(submitInput),
		Priority:    submitPriority,
	})
	if err != nil {
		return err
	}

	resp, err := http.Post(apiAddr+"/api/agents/"+submitAgent+"/submit", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("reach dreamd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var errBody map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("submit rejected: %s", errBody["error"])
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Printf("task %d submitted\n", out.TaskId)
	return nil
}
