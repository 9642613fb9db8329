package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

func newApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Manage apply approvals",
	}
	cmd.AddCommand(
		newApprovalsListCmd(),
		newApprovalsGetCmd(),
		newApprovalsRequestCmd(),
		newApprovalsDecideCmd("approve"),
		newApprovalsDecideCmd("reject"),
	)
	return cmd
}

func newApprovalsListCmd() *cobra.Command {
	var status, pageToken string
	var pageSize int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := projectPath()
			if err != nil {
				return err
			}
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if pageSize > 0 {
				q.Set("pageSize", strconv.Itoa(pageSize))
			}
			if pageToken != "" {
				q.Set("pageToken", pageToken)
			}
			path := base + "/approvals"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var result approvalsResponse
			if err := newClient().getJSON(path, &result); err != nil {
				return fmt.Errorf("failed to list approvals: %w", err)
			}
			if structured() {
				return printOutput(cmd.OutOrStdout(), result)
			}

			out := cmd.OutOrStdout()
			rows := make([][]string, 0, len(result.Approvals))
			for _, a := range result.Approvals {
				rows = append(rows, []string{
					a.ID,
					truncate(a.DraftID, 12),
					a.Status,
					a.RequestedBy,
					orDash(a.DecidedBy),
					strconv.FormatBool(a.Consumed),
					a.CreatedAt,
				})
			}
			printTable(out, []string{"ID", "Draft", "Status", "Requester", "Decided by", "Consumed", "Created"}, rows)
			fmt.Fprintf(out, "Total: %d\n", result.TotalSize)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING_APPROVAL, APPROVED, REJECTED)")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Page size")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Page token from a previous list")
	return cmd
}

func newApprovalsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := projectPath()
			if err != nil {
				return err
			}
			var result approval
			if err := newClient().getJSON(base+"/approvals/"+url.PathEscape(args[0]), &result); err != nil {
				return fmt.Errorf("failed to get approval: %w", err)
			}
			if structured() {
				return printOutput(cmd.OutOrStdout(), result)
			}
			printApproval(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func newApprovalsRequestCmd() *cobra.Command {
	var draftID, playbookID, scopeID, rulesHash, reason string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request approval to apply a draft",
		Long: `Request approval to apply a draft, identified either by --draft-id or by
--playbook, --scope-id and --rules-hash. An open request for the same
draft is returned instead of creating a second one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if draftID == "" && (scopeID == "" || rulesHash == "") {
				return fmt.Errorf("either --draft-id or both --scope-id and --rules-hash are required")
			}
			base, err := projectPath()
			if err != nil {
				return err
			}
			body := map[string]string{
				"draftId":    draftID,
				"playbookId": playbookID,
				"scopeId":    scopeID,
				"rulesHash":  rulesHash,
				"reason":     reason,
			}
			var result approval
			status, err := newClient().postJSON(base+"/approvals", body, &result)
			if err != nil {
				return fmt.Errorf("failed to request approval: %w", err)
			}
			if structured() {
				return printOutput(cmd.OutOrStdout(), result)
			}
			verb := "Requested"
			if status != http.StatusCreated {
				verb = "Existing request"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s approval %s (%s)\n", verb, result.ID, result.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&draftID, "draft-id", "", "Draft to approve")
	cmd.Flags().StringVar(&playbookID, "playbook", "", "Playbook ID, with --scope-id and --rules-hash")
	cmd.Flags().StringVar(&scopeID, "scope-id", "", "Scope ID of the draft")
	cmd.Flags().StringVar(&rulesHash, "rules-hash", "", "Rules hash of the draft")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the change is needed")
	return cmd
}

func newApprovalsDecideCmd(verdict string) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   verdict + " <id>",
		Short: fmt.Sprintf("%s an approval request (OWNER only)", cases.Title(language.English).String(verdict)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := projectPath()
			if err != nil {
				return err
			}
			body := map[string]string{"verdict": verdict, "note": note}
			var result approval
			path := base + "/approvals/" + url.PathEscape(args[0]) + "/decision"
			if _, err := newClient().postJSON(path, body, &result); err != nil {
				return fmt.Errorf("failed to %s: %w", verdict, err)
			}
			if structured() {
				return printOutput(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Approval %s is now %s\n", result.ID, result.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "Decision note")
	return cmd
}

func printApproval(out io.Writer, a approval) {
	printKV(out, [][2]string{
		{"ID", a.ID},
		{"Draft", a.DraftID},
		{"Status", a.Status},
		{"Requested by", a.RequestedBy},
		{"Reason", orDash(a.Reason)},
		{"Decided by", orDash(a.DecidedBy)},
		{"Note", orDash(a.Note)},
		{"Consumed", strconv.FormatBool(a.Consumed)},
		{"Created", a.CreatedAt},
	})
}
