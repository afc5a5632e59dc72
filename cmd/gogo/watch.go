package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/internal/domain"
)

var watchAfterSeq int64

var watchCmd = &cobra.Command{
	Use:   "watch <execution_id>",
	Short: "Stream an execution's events until it finishes",
	Long: `Stream an execution's events over WebSocket until it finishes.

When the execution times out and is retried, watching continues with the
retry.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchExecution(cmd.Context(), newClient(), args[0], watchAfterSeq, cmd.OutOrStdout())
	},
}

func init() {
	watchCmd.Flags().Int64Var(&watchAfterSeq, "after-seq", 0, "Only show events after this sequence number")
}

// watchExecution prints events of executionID and of any retry it spawns,
// then the final state.
func watchExecution(ctx context.Context, client *apiClient, executionID string, afterSeq int64, out io.Writer) error {
	for {
		if err := streamEvents(ctx, client, executionID, afterSeq, out); err != nil {
			return err
		}
		var exec domain.Execution
		if err := client.do(ctx, http.MethodGet, "/v1/executions/"+url.PathEscape(executionID), nil, &exec); err != nil {
			return err
		}
		if exec.State == domain.ExecutionTimedOut && exec.RetryExecutionID != "" {
			fmt.Fprintf(out, "-- %s timed out, following retry %s\n", exec.ID, exec.RetryExecutionID)
			executionID, afterSeq = exec.RetryExecutionID, 0
			continue
		}
		fmt.Fprintln(out)
		displayExecution(out, &exec)
		return nil
	}
}

// streamEvents prints events until the server closes the stream after a
// terminal event.
func streamEvents(ctx context.Context, client *apiClient, executionID string, afterSeq int64, out io.Writer) error {
	target, err := client.streamURL(executionID, afterSeq)
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("open event stream: %w (HTTP %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("open event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		var evt domain.Event
		if err := conn.ReadJSON(&evt); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("event stream closed: %s", closeErr.Text)
			}
			return fmt.Errorf("read event: %w", err)
		}
		printEvent(out, &evt)
	}
}

func printEvent(w io.Writer, evt *domain.Event) {
	ts := time.UnixMilli(evt.Ts).Format("15:04:05.000")
	if len(evt.Payload) == 0 {
		fmt.Fprintf(w, "%s #%d %s\n", ts, evt.Seq, evt.Type)
		return
	}
	fmt.Fprintf(w, "%s #%d %s %s\n", ts, evt.Seq, evt.Type, evt.Payload)
}
