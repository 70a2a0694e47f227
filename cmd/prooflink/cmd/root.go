package cmd

import (
	"github.com/spf13/cobra"
)

var version = "1.0.0"

// NewRootCmd creates the root command for prooflink. It is called once in
// the main function.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "prooflink",
		Short: "Proof relay daemon",
		Long: `prooflink relays proof jobs between an application contract, an external
proving service and Ethereum: it watches callback-request events, drives each
proof job to completion and delivers the results back on chain in batches.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		NewStartCmd(),
		NewPublishCmd(),
		NewStatusCmd(),
	)

	return rootCmd
}
