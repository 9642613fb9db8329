package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func newDraftsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "Inspect drafts",
	}
	cmd.AddCommand(newDraftsListCmd(), newDraftsGetCmd())
	return cmd
}

func newDraftsListCmd() *cobra.Command {
	var playbookID, status, pageToken string
	var pageSize int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drafts of the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := projectPath()
			if err != nil {
				return err
			}
			q := url.Values{}
			if playbookID != "" {
				q.Set("playbookId", playbookID)
			}
			if status != "" {
				q.Set("status", status)
			}
			if pageSize > 0 {
				q.Set("pageSize", strconv.Itoa(pageSize))
			}
			if pageToken != "" {
				q.Set("pageToken", pageToken)
			}
			path := base + "/drafts"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var result draftsResponse
			if err := newClient().getJSON(path, &result); err != nil {
				return fmt.Errorf("failed to list drafts: %w", err)
			}
			if structured() {
				return printOutput(cmd.OutOrStdout(), result)
			}

			out := cmd.OutOrStdout()
			rows := make([][]string, 0, len(result.Drafts))
			for _, d := range result.Drafts {
				rows = append(rows, []string{
					d.ID,
					d.PlaybookID,
					d.Status,
					strconv.Itoa(d.Counts.AffectedTotal),
					strconv.Itoa(d.Counts.DraftGenerated),
					truncate(d.ScopeID, 16),
					d.UpdatedAt,
				})
			}
			printTable(out, []string{"ID", "Playbook", "Status", "Affected", "Generated", "Scope", "Updated"}, rows)
			fmt.Fprintf(out, "Total: %d\n", result.TotalSize)
			if result.NextPageToken != "" {
				fmt.Fprintf(out, "Next page: --page-token %s\n", result.NextPageToken)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&playbookID, "playbook", "", "Filter by playbook ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, PARTIAL, COMPLETE, STALE)")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Page size")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Page token from a previous list")
	return cmd
}

func newDraftsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a draft with its suggestions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := projectPath()
			if err != nil {
				return err
			}
			var result draft
			if err := newClient().getJSON(base+"/drafts/"+url.PathEscape(args[0]), &result); err != nil {
				return fmt.Errorf("failed to get draft: %w", err)
			}
			if structured() {
				return printOutput(cmd.OutOrStdout(), result)
			}
			printDraft(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func newInvalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <asset-key>",
		Short: "Mark drafts covering a changed asset as stale",
		Long: `Mark every open draft that covers the asset as stale. The key is the
canonical reference, for example product:123, page_handle:about-us or
collection_handle:mugs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := projectPath()
			if err != nil {
				return err
			}
			var result struct {
				StaleDraftIDs []string `json:"staleDraftIds"`
			}
			path := base + "/assets/" + url.PathEscape(args[0]) + "/invalidate"
			if _, err := newClient().postJSON(path, struct{}{}, &result); err != nil {
				return fmt.Errorf("failed to invalidate: %w", err)
			}
			if structured() {
				return printOutput(cmd.OutOrStdout(), result)
			}
			out := cmd.OutOrStdout()
			if len(result.StaleDraftIDs) == 0 {
				fmt.Fprintln(out, "No open drafts cover this asset")
				return nil
			}
			for _, id := range result.StaleDraftIDs {
				fmt.Fprintf(out, "Draft %s is now stale\n", id)
			}
			return nil
		},
	}
}
