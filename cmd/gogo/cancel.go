package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/internal/domain"
)

var cancelReason string

var cancelCmd = &cobra.Command{
	Use:   "cancel <execution_id>",
	Short: "Cancel an execution and its children",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var exec domain.Execution
		path := "/v1/executions/" + url.PathEscape(args[0]) + "/cancel"
		body := map[string]string{"reason": cancelReason}
		if err := newClient().do(cmd.Context(), http.MethodPost, path, body, &exec); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "execution %s %s\n", exec.ID, exec.State)
		return nil
	},
}

func init() {
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Cancellation reason")
}
