package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// NewPublishCmd creates the command that submits a callback request to a
// running relay over its REST API.
func NewPublishCmd() *cobra.Command {
	var (
		relayURL    string
		apiKey      string
		account     string
		imageID     string
		input       string
		contract    string
		selector    string
		gasLimit    uint64
		httpTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a callback request to a running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]any{
				"account":           account,
				"image_id":          imageID,
				"input":             input,
				"callback_contract": contract,
				"function_selector": selector,
				"gas_limit":         gasLimit,
			})
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
				relayURL+"/api/v1/callbacks", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if apiKey != "" {
				req.Header.Set("Authorization", "Bearer "+apiKey)
			}

			resp, err := (&http.Client{Timeout: httpTimeout}).Do(req)
			if err != nil {
				return fmt.Errorf("failed to reach relay: %w", err)
			}
			defer resp.Body.Close()

			respBody, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusCreated {
				return fmt.Errorf("relay rejected request: %s: %s", resp.Status, respBody)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(respBody))
			return nil
		},
	}

	cmd.Flags().StringVar(&relayURL, "relay", "http://localhost:8080", "base URL of the relay API")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "bearer token for the relay API")
	cmd.Flags().StringVar(&account, "account", "", "requesting account address (hex, optional)")
	cmd.Flags().StringVar(&imageID, "image-id", "", "32-byte program image id (hex)")
	cmd.Flags().StringVar(&input, "input", "", "program input (hex, optional)")
	cmd.Flags().StringVar(&contract, "contract", "", "callback contract address (hex)")
	cmd.Flags().StringVar(&selector, "selector", "", "4-byte callback function selector (hex)")
	cmd.Flags().Uint64Var(&gasLimit, "gas-limit", 100000, "gas limit for the callback")
	cmd.Flags().DurationVar(&httpTimeout, "timeout", 30*time.Second, "HTTP timeout")
	_ = cmd.MarkFlagRequired("image-id")
	_ = cmd.MarkFlagRequired("contract")
	_ = cmd.MarkFlagRequired("selector")

	return cmd
}
