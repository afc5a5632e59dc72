package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/internal/domain"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <execution_id>",
	Short: "Show an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var exec domain.Execution
		if err := newClient().do(cmd.Context(), http.MethodGet, "/v1/executions/"+url.PathEscape(args[0]), nil, &exec); err != nil {
			return err
		}
		if statusJSON {
			return printJSON(cmd.OutOrStdout(), exec)
		}
		displayExecution(cmd.OutOrStdout(), &exec)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw execution record")
}

func displayExecution(w io.Writer, exec *domain.Execution) {
	fmt.Fprintf(w, "Execution: %s\n", exec.ID)
	fmt.Fprintf(w, "  State:   %s\n", exec.State)
	fmt.Fprintf(w, "  Mode:    %s\n", exec.Mode)
	fmt.Fprintf(w, "  Agent:   %s\n", exec.AgentID)
	fmt.Fprintf(w, "  Thread:  %s\n", exec.ThreadID)
	if exec.ParentExecutionID != "" {
		fmt.Fprintf(w, "  Parent:  %s (depth %d)\n", exec.ParentExecutionID, exec.Depth)
	}
	if exec.RetryOfExecutionID != "" {
		fmt.Fprintf(w, "  Retry of: %s\n", exec.RetryOfExecutionID)
	}
	if exec.RetryExecutionID != "" {
		fmt.Fprintf(w, "  Retried as: %s\n", exec.RetryExecutionID)
	}
	fmt.Fprintf(w, "  Steps:   %d, tool calls: %d, tokens: %d/%d\n",
		exec.Usage.Steps, exec.Usage.ToolCalls, exec.Usage.PromptTokens, exec.Usage.CompletionTokens)
	if exec.Reason != "" {
		fmt.Fprintf(w, "  Reason:  %s\n", exec.Reason)
	}
	if exec.Result != "" {
		fmt.Fprintf(w, "\n%s\n", exec.Result)
	}
}
