package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// NewStatusCmd creates the command that queries a tracked request's state.
func NewStatusCmd() *cobra.Command {
	var (
		relayURL    string
		httpTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status <request-id>",
		Short: "Query the state of a tracked proof request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
				relayURL+"/api/v1/requests/"+args[0], nil)
			if err != nil {
				return err
			}

			resp, err := (&http.Client{Timeout: httpTimeout}).Do(req)
			if err != nil {
				return fmt.Errorf("failed to reach relay: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			switch resp.StatusCode {
			case http.StatusOK:
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			case http.StatusNotFound:
				return fmt.Errorf("request %s is not tracked; it may have completed", args[0])
			default:
				return fmt.Errorf("relay error: %s: %s", resp.Status, body)
			}
		},
	}

	cmd.Flags().StringVar(&relayURL, "relay", "http://localhost:8080", "base URL of the relay API")
	cmd.Flags().DurationVar(&httpTimeout, "timeout", 30*time.Second, "HTTP timeout")
	return cmd
}
