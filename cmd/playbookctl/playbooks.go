package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type scopeBody struct {
	AssetType  string   `json:"assetType"`
	ProductIDs []string `json:"productIds,omitempty"`
	HandleRefs []string `json:"handleRefs,omitempty"`
}

type rulesBody struct {
	Preset string         `json:"preset,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// scopeOptions holds the flags that select a playbook's target set.
type scopeOptions struct {
	assetType  string
	productIDs []string
	handles    []string
	preset     string
	rulesFile  string
}

func (o *scopeOptions) addFlags(cmd *cobra.Command, withRulesFile bool) {
	cmd.Flags().StringVar(&o.assetType, "asset-type", "PRODUCTS", "Asset type: PRODUCTS, PAGES or COLLECTIONS")
	cmd.Flags().StringSliceVar(&o.productIDs, "product-ids", nil, "Product IDs (PRODUCTS only)")
	cmd.Flags().StringSliceVar(&o.handles, "handles", nil, "Page or collection handles")
	cmd.Flags().StringVar(&o.preset, "preset", "", "Rule preset name")
	if withRulesFile {
		cmd.Flags().StringVar(&o.rulesFile, "rules-file", "", "YAML or JSON file with an explicit rule config")
	}
}

func (o *scopeOptions) scope() scopeBody {
	return scopeBody{
		AssetType:  strings.ToUpper(o.assetType),
		ProductIDs: o.productIDs,
		HandleRefs: o.handles,
	}
}

func (o *scopeOptions) rules() (rulesBody, error) {
	body := rulesBody{Preset: o.preset}
	if o.rulesFile == "" {
		return body, nil
	}
	if o.preset != "" {
		return body, fmt.Errorf("--preset and --rules-file are mutually exclusive")
	}
	data, err := os.ReadFile(o.rulesFile)
	if err != nil {
		return body, fmt.Errorf("read rules file: %w", err)
	}
	// JSON is valid YAML.
	if err := yaml.Unmarshal(data, &body.Config); err != nil {
		return body, fmt.Errorf("parse rules file %s: %w", o.rulesFile, err)
	}
	return body, nil
}

func (o *scopeOptions) query() url.Values {
	q := url.Values{}
	q.Set("assetType", strings.ToUpper(o.assetType))
	if len(o.productIDs) > 0 {
		q.Set("productIds", strings.Join(o.productIDs, ","))
	}
	if len(o.handles) > 0 {
		q.Set("handles", strings.Join(o.handles, ","))
	}
	if o.preset != "" {
		q.Set("preset", o.preset)
	}
	return q
}

func playbookPath(id string) (string, error) {
	base, err := projectPath()
	if err != nil {
		return "", err
	}
	return base + "/playbooks/" + url.PathEscape(id), nil
}

// explain adds a next step to the errors a user can act on.
func explain(err error) error {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case "STALE_DRAFT":
		return fmt.Errorf("%w\nthe scope or rules changed since the draft was generated; run estimate and generate again", err)
	case "APPROVAL_REQUIRED":
		return fmt.Errorf("%w\nrequest one with: playbookctl approvals request --playbook <id> --scope-id <id> --rules-hash <hash>", err)
	}
	return err
}

func newPlaybooksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "playbooks",
		Short: "List available playbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := projectPath()
			if err != nil {
				return err
			}
			var result playbooksResponse
			if err := newClient().getJSON(base+"/playbooks", &result); err != nil {
				return fmt.Errorf("failed to list playbooks: %w", err)
			}
			if structured() {
				return printOutput(cmd.OutOrStdout(), result)
			}
			rows := make([][]string, 0, len(result.Playbooks))
			for _, p := range result.Playbooks {
				rows = append(rows, []string{p.ID, p.DisplayName, p.Field})
			}
			printTable(cmd.OutOrStdout(), []string{"ID", "Name", "Field"}, rows)
			return nil
		},
	}
}

func newEstimateCmd() *cobra.Command {
	var opts scopeOptions
	cmd := &cobra.Command{
		Use:   "estimate <playbook>",
		Short: "Count the assets a playbook would change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := playbookPath(args[0])
			if err != nil {
				return err
			}
			var result estimateResponse
			if err := newClient().getJSON(path+"/estimate?"+opts.query().Encode(), &result); err != nil {
				return fmt.Errorf("failed to estimate: %w", err)
			}
			if structured() {
				return printOutput(cmd.OutOrStdout(), result)
			}
			out := cmd.OutOrStdout()
			printKV(out, [][2]string{
				{"Playbook", result.PlaybookID},
				{"Field", result.Field},
				{"Affected", strconv.Itoa(result.AffectedCount)},
				{"Eligible", strconv.FormatBool(result.Eligible)},
				{"Scope ID", result.ScopeID},
				{"Rules hash", result.RulesHash},
			})
			if len(result.Excluded) > 0 {
				fmt.Fprintln(out)
				rows := make([][]string, 0, len(result.Excluded))
				for _, e := range result.Excluded {
					rows = append(rows, []string{e.Ref.String(), e.Reason})
				}
				printTable(out, []string{"Excluded", "Reason"}, rows)
			}
			return nil
		},
	}
	opts.addFlags(cmd, false)
	return cmd
}

func newPreviewCmd() *cobra.Command {
	var (
		opts       scopeOptions
		sampleSize int
		brandNotes string
	)
	cmd := &cobra.Command{
		Use:   "preview <playbook>",
		Short: "Generate a small sample without saving a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := playbookPath(args[0])
			if err != nil {
				return err
			}
			rules, err := opts.rules()
			if err != nil {
				return err
			}
			body := map[string]any{
				"scope":      opts.scope(),
				"rules":      rules,
				"sampleSize": sampleSize,
				"brandNotes": brandNotes,
			}
			var result previewResponse
			if _, err := newClient().postJSON(path+"/preview", body, &result); err != nil {
				return fmt.Errorf("failed to preview: %w", err)
			}
			if structured() {
				return printOutput(cmd.OutOrStdout(), result)
			}
			out := cmd.OutOrStdout()
			rows := make([][]string, 0, len(result.Items))
			for _, it := range result.Items {
				rows = append(rows, []string{
					it.AssetRef,
					truncate(it.CurrentValue, 30),
					truncate(orDash(it.Final), 60),
					it.Outcome,
				})
			}
			printTable(out, []string{"Asset", "Current", "Suggestion", "Outcome"}, rows)
			fmt.Fprintf(out, "Sampled %d of %d\n", len(result.Items), result.AffectedTotal)
			return nil
		},
	}
	opts.addFlags(cmd, true)
	cmd.Flags().IntVar(&sampleSize, "sample-size", 0, "Number of assets to sample (server default 3, max 10)")
	cmd.Flags().StringVar(&brandNotes, "brand-notes", "", "Brand guidance passed to the generator")
	return cmd
}

func newGenerateCmd() *cobra.Command {
	var (
		opts       scopeOptions
		scopeID    string
		rulesHash  string
		brandNotes string
		async      bool
	)
	cmd := &cobra.Command{
		Use:   "generate <playbook>",
		Short: "Generate or reuse the draft for a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := playbookPath(args[0])
			if err != nil {
				return err
			}
			rules, err := opts.rules()
			if err != nil {
				return err
			}
			body := map[string]any{
				"scope":      opts.scope(),
				"rules":      rules,
				"scopeId":    scopeID,
				"rulesHash":  rulesHash,
				"brandNotes": brandNotes,
			}
			path += "/drafts"
			out := cmd.OutOrStdout()
			if async {
				var result asyncGenerateResponse
				if _, err := newClient().postJSON(path+"?async=true", body, &result); err != nil {
					return fmt.Errorf("failed to queue generation: %w", explain(err))
				}
				if structured() {
					return printOutput(out, result)
				}
				verb := "Queued"
				if !result.Created {
					verb = "Already queued"
				}
				fmt.Fprintf(out, "%s job %s (%s)\n", verb, result.Job.ID, result.Job.State)
				return nil
			}

			var result draft
			if _, err := newClient().postJSON(path, body, &result); err != nil {
				return fmt.Errorf("failed to generate: %w", explain(err))
			}
			if structured() {
				return printOutput(out, result)
			}
			printDraft(out, result)
			return nil
		},
	}
	opts.addFlags(cmd, true)
	cmd.Flags().StringVar(&scopeID, "scope-id", "", "Expected scope ID from estimate")
	cmd.Flags().StringVar(&rulesHash, "rules-hash", "", "Expected rules hash from estimate")
	cmd.Flags().StringVar(&brandNotes, "brand-notes", "", "Brand guidance passed to the generator")
	cmd.Flags().BoolVar(&async, "async", false, "Queue the generation as a background job")
	return cmd
}

func newLatestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "latest <playbook>",
		Short: "Show the most recent draft of a playbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := playbookPath(args[0])
			if err != nil {
				return err
			}
			var result draft
			if err := newClient().getJSON(path+"/drafts/latest", &result); err != nil {
				return fmt.Errorf("failed to get latest draft: %w", err)
			}
			if structured() {
				return printOutput(cmd.OutOrStdout(), result)
			}
			printDraft(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func newApplyCmd() *cobra.Command {
	var scopeID, rulesHash, approvalID string
	cmd := &cobra.Command{
		Use:   "apply <playbook>",
		Short: "Write a draft's suggestions to the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := playbookPath(args[0])
			if err != nil {
				return err
			}
			body := map[string]any{
				"scopeId":   scopeID,
				"rulesHash": rulesHash,
			}
			if approvalID != "" {
				body["approvalId"] = approvalID
			}
			var result applyResponse
			if _, err := newClient().postJSON(path+"/apply", body, &result); err != nil {
				return fmt.Errorf("failed to apply: %w", explain(err))
			}
			if structured() {
				return printOutput(cmd.OutOrStdout(), result)
			}
			printApplyResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeID, "scope-id", "", "Scope ID of the draft")
	cmd.Flags().StringVar(&rulesHash, "rules-hash", "", "Rules hash of the draft")
	cmd.Flags().StringVar(&approvalID, "approval-id", "", "Approved request to consume")
	_ = cmd.MarkFlagRequired("scope-id")
	_ = cmd.MarkFlagRequired("rules-hash")
	return cmd
}

func printDraft(out io.Writer, d draft) {
	pairs := [][2]string{
		{"ID", d.ID},
		{"Playbook", d.PlaybookID},
		{"Status", d.Status},
		{"Scope ID", d.ScopeID},
		{"Rules hash", d.RulesHash},
		{"Affected", strconv.Itoa(d.Counts.AffectedTotal)},
		{"Generated", strconv.Itoa(d.Counts.DraftGenerated)},
		{"No suggestion", strconv.Itoa(d.Counts.NoSuggestion)},
	}
	if d.Reused {
		pairs = append(pairs, [2]string{"Reused", "true"})
	}
	if d.LastError != "" {
		pairs = append(pairs, [2]string{"Last error", d.LastError})
	}
	if d.StaleReason != "" {
		pairs = append(pairs, [2]string{"Stale", d.StaleReason})
	}
	printKV(out, pairs)

	if len(d.Suggestions) == 0 {
		return
	}
	fmt.Fprintln(out)
	rows := make([][]string, 0, len(d.Suggestions))
	for _, s := range d.Suggestions {
		final := "-"
		if s.FinalSuggestion != nil {
			final = truncate(*s.FinalSuggestion, 60)
		}
		rows = append(rows, []string{s.AssetRef, final, s.Outcome, orDash(s.AppliedAt)})
	}
	printTable(out, []string{"Asset", "Suggestion", "Outcome", "Applied"}, rows)
}

func printApplyResult(out io.Writer, r applyResponse) {
	fmt.Fprintf(out, "Draft %s: applied %d, skipped %d already applied, failed %d\n",
		r.DraftID, r.AppliedCount, r.SkippedAlreadyApplied, r.FailedCount)
	if len(r.Failures) == 0 {
		return
	}
	rows := make([][]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		rows = append(rows, []string{f.AssetRef, f.Reason, truncate(f.Detail, 60)})
	}
	printTable(out, []string{"Asset", "Reason", "Detail"}, rows)
}
