package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/seoforge/playbook-engine/pkg/audit"
	"github.com/seoforge/playbook-engine/pkg/playbook"
	"github.com/seoforge/playbook-engine/pkg/playbook/apply"
	"github.com/seoforge/playbook-engine/pkg/playbook/approvals"
	"github.com/seoforge/playbook-engine/pkg/playbook/drafts"
	"github.com/seoforge/playbook-engine/pkg/playbook/scope"
)

// ApplyInput identifies the draft to apply by the scope ID and rules hash
// the caller generated against.
type ApplyInput struct {
	ProjectID  string
	PlaybookID string
	ScopeID    string
	RulesHash  string
	// Scope, when given, is only checked for shape; the draft's own scope
	// is what gets applied.
	Scope      *scope.Request
	ApprovalID string
	Actor      string
	Role       playbook.Role
}

// currentDraft returns the live draft for the key, or ErrStaleDraft.
func (s *Service) currentDraft(ctx context.Context, projectID, playbookID, scopeID, rulesHash string) (*drafts.DraftRecord, error) {
	d, err := s.drafts.FindCurrent(ctx, drafts.CacheKey(projectID, playbookID, scopeID, rulesHash))
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: no current draft for scope %s and rules %s", drafts.ErrStaleDraft, scopeID, rulesHash)
	}
	return d, nil
}

// Apply writes the current draft for (scopeID, rulesHash) to the storefront.
// OWNERs apply directly; EDITORs on projects that need approval must pass
// an approved, unconsumed ApprovalID; VIEWERs are refused. Row failures
// are reported in the result and retried by the next Apply. A consumed
// approval is released only when Apply fails before any row was written.
func (s *Service) Apply(ctx context.Context, in ApplyInput) (*apply.Result, error) {
	if _, err := playbook.Lookup(in.PlaybookID); err != nil {
		return nil, err
	}
	if in.ProjectID == "" || in.ScopeID == "" || in.RulesHash == "" {
		return nil, invalidRequest("projectId, scopeId and rulesHash are required")
	}
	if in.Scope != nil {
		req := *in.Scope
		req.ProjectID = in.ProjectID
		if _, err := scope.Validate(req); err != nil {
			return nil, err
		}
	}

	policy, err := s.policies.Policy(ctx, in.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load governance policy: %w", err)
	}
	gateErr := s.gate.Check(in.Role, policy, approvals.ActionApply)
	if errors.Is(gateErr, approvals.ErrForbidden) {
		return nil, gateErr
	}

	d, err := s.currentDraft(ctx, in.ProjectID, in.PlaybookID, in.ScopeID, in.RulesHash)
	if err != nil {
		return nil, err
	}
	rd, err := s.drafts.Resolve(ctx, d.ID, in.ScopeID, in.RulesHash)
	if err != nil {
		return nil, err
	}

	consumed := ""
	var required *approvals.ApprovalRequiredError
	if errors.As(gateErr, &required) {
		required.DraftID = d.ID
		required.ScopeID = d.ScopeID
		required.RulesHash = d.RulesHash
		if in.ApprovalID == "" {
			pending, err := s.approvals.PendingForDraft(ctx, in.ProjectID, d.ID)
			if err != nil {
				return nil, err
			}
			if pending != nil {
				required.PendingRequestID = pending.ID
			}
			return nil, required
		}
		if _, err := s.approvals.Consume(ctx, in.ApprovalID, in.ProjectID, d.ID); err != nil {
			return nil, err
		}
		consumed = in.ApprovalID
		s.recorder.Record(ctx, audit.Event{
			ProjectID:    in.ProjectID,
			Actor:        in.Actor,
			Action:       audit.ActionApprovalConsumed,
			ResourceType: audit.ResourceApproval,
			ResourceID:   consumed,
			Metadata:     map[string]any{"draftId": d.ID},
		})
	} else if gateErr != nil {
		return nil, gateErr
	}

	res, err := s.executor.Apply(ctx, rd, in.Actor)
	if err != nil && !res.Attempted() {
		if consumed != "" {
			if rerr := s.approvals.Release(context.WithoutCancel(ctx), consumed); rerr != nil {
				s.logger.Error("failed to release approval after apply error", "approvalId", consumed, "error", rerr)
			}
		}
		return nil, err
	}

	outcome := audit.OutcomeSuccess
	if res.FailedCount > 0 {
		outcome = audit.OutcomeFailure
	}
	metadata := map[string]any{
		"playbookId":            d.PlaybookID,
		"approvalId":            consumed,
		"appliedCount":          res.AppliedCount,
		"skippedAlreadyApplied": res.SkippedAlreadyApplied,
		"failedCount":           res.FailedCount,
	}
	if err != nil {
		// Rows already reached the store, so the approval stays consumed and
		// the ledger keeps a retry of the same draft idempotent.
		s.logger.Warn("apply finished after losing the draft lock", "draftId", d.ID, "approvalId", consumed, "error", err)
		metadata["error"] = err.Error()
	}
	s.recorder.Record(ctx, audit.Event{
		ProjectID:    in.ProjectID,
		Actor:        in.Actor,
		Action:       audit.ActionApplyExecuted,
		ResourceType: audit.ResourceDraft,
		ResourceID:   d.ID,
		Outcome:      outcome,
		Metadata:     metadata,
	})
	if res.AppliedCount > 0 {
		s.invalidateCaches(in.ProjectID)
	}
	return res, nil
}

// ApprovalInput describes an approval request. The draft is named either
// by DraftID or by (PlaybookID, ScopeID, RulesHash).
type ApprovalInput struct {
	ProjectID  string
	DraftID    string
	PlaybookID string
	ScopeID    string
	RulesHash  string
	Reason     string
	Actor      string
	Role       playbook.Role
}

// RequestApproval asks an OWNER to approve applying a draft. A pending
// request for the same draft is returned instead of a new one.
func (s *Service) RequestApproval(ctx context.Context, in ApprovalInput) (*approvals.RequestRecord, bool, error) {
	if in.Role != playbook.RoleOwner && in.Role != playbook.RoleEditor {
		return nil, false, fmt.Errorf("%w: role %s cannot request approvals", approvals.ErrForbidden, in.Role)
	}
	if in.ProjectID == "" {
		return nil, false, invalidRequest("projectId is required")
	}

	var d *drafts.DraftRecord
	var err error
	switch {
	case in.DraftID != "":
		d, err = s.drafts.Get(ctx, in.DraftID)
		if err != nil {
			return nil, false, err
		}
		if d == nil || d.ProjectID != in.ProjectID {
			return nil, false, fmt.Errorf("%w: %s", drafts.ErrDraftNotFound, in.DraftID)
		}
	case in.PlaybookID != "" && in.ScopeID != "" && in.RulesHash != "":
		d, err = s.currentDraft(ctx, in.ProjectID, in.PlaybookID, in.ScopeID, in.RulesHash)
		if err != nil {
			return nil, false, err
		}
	default:
		return nil, false, invalidRequest("draftId or playbookId, scopeId and rulesHash are required")
	}
	if _, err := s.drafts.Resolve(ctx, d.ID, d.ScopeID, d.RulesHash); err != nil {
		return nil, false, err
	}

	rec, created, err := s.approvals.Create(ctx, approvals.CreateInput{
		ProjectID:   in.ProjectID,
		DraftID:     d.ID,
		ScopeID:     d.ScopeID,
		RulesHash:   d.RulesHash,
		RequestedBy: in.Actor,
		Reason:      in.Reason,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.recorder.Record(ctx, audit.Event{
			ProjectID:    in.ProjectID,
			Actor:        in.Actor,
			Action:       audit.ActionApprovalRequested,
			ResourceType: audit.ResourceApproval,
			ResourceID:   rec.ID,
			Reason:       in.Reason,
			Metadata:     map[string]any{"draftId": d.ID, "playbookId": d.PlaybookID},
		})
	}
	return rec, created, nil
}

// DecisionInput is an OWNER's verdict on an approval request.
type DecisionInput struct {
	ProjectID  string
	ApprovalID string
	Verdict    approvals.Verdict
	Note       string
	Actor      string
	Role       playbook.Role
}

// DecideApproval approves or rejects a pending request.
func (s *Service) DecideApproval(ctx context.Context, in DecisionInput) (*approvals.RequestRecord, error) {
	if _, err := s.GetApproval(ctx, in.ProjectID, in.ApprovalID); err != nil {
		return nil, err
	}
	rec, err := s.approvals.Decide(ctx, in.ApprovalID, in.Actor, in.Role, in.Verdict, in.Note)
	if err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, audit.Event{
		ProjectID:    in.ProjectID,
		Actor:        in.Actor,
		Action:       audit.ActionApprovalDecided,
		ResourceType: audit.ResourceApproval,
		ResourceID:   rec.ID,
		Reason:       in.Note,
		Metadata:     map[string]any{"verdict": string(in.Verdict), "status": string(rec.Status), "draftId": rec.ResourceID},
	})
	return rec, nil
}

// ApprovalDetail is an approval request with its decision history.
type ApprovalDetail struct {
	Request   *approvals.RequestRecord
	Decisions []approvals.DecisionRecord
}

// GetApproval returns an approval request of the project.
func (s *Service) GetApproval(ctx context.Context, projectID, id string) (*ApprovalDetail, error) {
	rec, decisions, err := s.approvals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.ProjectID != projectID {
		return nil, fmt.Errorf("%w: %s", approvals.ErrApprovalNotFound, id)
	}
	return &ApprovalDetail{Request: rec, Decisions: decisions}, nil
}

// ListApprovals lists the approval requests of a project, newest first.
func (s *Service) ListApprovals(ctx context.Context, projectID string, status approvals.Status, pageSize int, pageToken string) ([]approvals.RequestRecord, string, int, error) {
	return s.approvals.List(ctx, projectID, status, pageSize, pageToken)
}
