package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Status string `json:"status"`
			}
			if err := newClient().getJSON("/healthz", &result); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if structured() {
				return printOutput(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server is %s\n", result.Status)
			return nil
		},
	}
}
