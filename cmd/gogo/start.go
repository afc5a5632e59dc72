package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/internal/domain"
)

var (
	startAgent      string
	startSupervised bool
	startUser       string
	startRequestID  string
	startTimeout    time.Duration
	startWatch      bool
)

var startCmd = &cobra.Command{
	Use:   "start [flags] <input...>",
	Short: "Start an execution",
	Long: `Start an execution for the given input.

Without --agent the request goes to the supervisor, which answers itself or
delegates to the agent best suited for it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startAgent, "agent", "", "Talk to this agent directly")
	startCmd.Flags().BoolVar(&startSupervised, "supervised", false, "Route through the supervisor even when --agent is set")
	startCmd.Flags().StringVar(&startUser, "user", "", "User id, scopes custom agents")
	startCmd.Flags().StringVar(&startRequestID, "request-id", "", "Idempotency key; repeating it returns the same execution")
	startCmd.Flags().DurationVar(&startTimeout, "timeout", 0, "Execution budget override")
	startCmd.Flags().BoolVarP(&startWatch, "watch", "w", false, "Stream events until the execution finishes")
}

func runStart(cmd *cobra.Command, args []string) error {
	client := newClient()
	req := domain.StartExecutionRequest{
		Input:           strings.Join(args, " "),
		AgentID:         startAgent,
		ForceSupervised: startSupervised,
		UserID:          startUser,
		RequestID:       startRequestID,
		TimeoutMs:       startTimeout.Milliseconds(),
	}
	var resp domain.StartExecutionResponse
	if err := client.do(cmd.Context(), http.MethodPost, "/v1/executions", req, &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "execution %s (mode %s, agent %s, thread %s)\n", resp.ExecutionID, resp.Mode, resp.AgentID, resp.ThreadID)
	if !startWatch {
		return nil
	}
	return watchExecution(cmd.Context(), client, resp.ExecutionID, 0, out)
}
