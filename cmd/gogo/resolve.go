package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/internal/domain"
)

var (
	resolveArgs   string
	resolveReason string
	resolveBy     string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <interrupt_id> approve|reject",
	Short: "Approve or reject a pending tool call",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := domain.ResolveInterruptRequest{
			Decision:  domain.Decision(args[1]),
			Reason:    resolveReason,
			DecidedBy: resolveBy,
		}
		if resolveArgs != "" {
			if !json.Valid([]byte(resolveArgs)) {
				return fmt.Errorf("--args must be valid JSON")
			}
			req.AmendedArguments = json.RawMessage(resolveArgs)
		}
		var it domain.Interrupt
		path := "/v1/interrupts/" + url.PathEscape(args[0]) + "/resolve"
		if err := newClient().do(cmd.Context(), http.MethodPost, path, req, &it); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "interrupt %s %s (tool %s, execution %s)\n", it.ID, it.Status, it.ToolName, it.ExecutionID)
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveArgs, "args", "", "Amended tool arguments as JSON (approve only)")
	resolveCmd.Flags().StringVar(&resolveReason, "reason", "", "Reason recorded with the decision")
	resolveCmd.Flags().StringVar(&resolveBy, "by", "", "Who decided")
}
