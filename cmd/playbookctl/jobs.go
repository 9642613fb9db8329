package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect background generation jobs",
	}
	cmd.AddCommand(newJobsListCmd(), newJobsGetCmd(), newJobsCancelCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var playbookID, state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs of the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := projectPath(); err != nil {
				return err
			}
			q := url.Values{}
			if playbookID != "" {
				q.Set("playbookId", playbookID)
			}
			if state != "" {
				q.Set("state", state)
			}
			var result struct {
				Jobs      []job `json:"jobs"`
				TotalSize int   `json:"totalSize"`
			}
			if err := newClient().getJSON(apiBase+"/jobs/?"+q.Encode(), &result); err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if structured() {
				return printOutput(cmd.OutOrStdout(), result)
			}
			out := cmd.OutOrStdout()
			rows := make([][]string, 0, len(result.Jobs))
			for _, j := range result.Jobs {
				rows = append(rows, []string{
					j.ID, j.PlaybookID, j.State, strconv.Itoa(j.AttemptCount), orDash(j.DraftID), j.RequestedAt,
				})
			}
			printTable(out, []string{"ID", "Playbook", "State", "Attempts", "Draft", "Requested"}, rows)
			fmt.Fprintf(out, "Total: %d\n", result.TotalSize)
			return nil
		},
	}
	cmd.Flags().StringVar(&playbookID, "playbook", "", "Filter by playbook ID")
	cmd.Flags().StringVar(&state, "state", "", "Filter by state (queued, running, succeeded, failed, canceled)")
	return cmd
}

func newJobsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result job
			if err := newClient().getJSON(apiBase+"/jobs/"+url.PathEscape(args[0]), &result); err != nil {
				return fmt.Errorf("failed to get job: %w", err)
			}
			if structured() {
				return printOutput(cmd.OutOrStdout(), result)
			}
			printKV(cmd.OutOrStdout(), [][2]string{
				{"ID", result.ID},
				{"Playbook", result.PlaybookID},
				{"State", result.State},
				{"Attempts", strconv.Itoa(result.AttemptCount)},
				{"Draft", orDash(result.DraftID)},
				{"Draft status", orDash(result.DraftStatus)},
				{"Last error", orDash(result.LastError)},
			})
			return nil
		},
	}
}

func newJobsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Status string `json:"status"`
				JobID  string `json:"jobId"`
			}
			if _, err := newClient().postJSON(apiBase+"/jobs/"+url.PathEscape(args[0])+"/cancel", struct{}{}, &result); err != nil {
				return fmt.Errorf("failed to cancel job: %w", err)
			}
			if structured() {
				return printOutput(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s\n", result.JobID, result.Status)
			return nil
		},
	}
}
