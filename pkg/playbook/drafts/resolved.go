package drafts

import (
	"context"
	"fmt"
)

// Unit is one applicable (asset, field) value of a resolved draft.
type Unit struct {
	AssetKey   string
	ExternalID string
	Field      string
	Value      string
}

// ResolvedDraft is a draft whose suggestions are materialized as plain
// values read back from storage. It can only be built by Store.Resolve, so
// anything that accepts a ResolvedDraft never sees a path to the AI provider.
type ResolvedDraft struct {
	id         string
	projectID  string
	playbookID string
	scopeID    string
	rulesHash  string
	status     Status
	units      []Unit
}

func (r *ResolvedDraft) ID() string         { return r.id }
func (r *ResolvedDraft) ProjectID() string  { return r.projectID }
func (r *ResolvedDraft) PlaybookID() string { return r.playbookID }
func (r *ResolvedDraft) ScopeID() string    { return r.scopeID }
func (r *ResolvedDraft) RulesHash() string  { return r.rulesHash }
func (r *ResolvedDraft) Status() Status     { return r.status }

// Valid reports whether r came from Store.Resolve.
func (r *ResolvedDraft) Valid() bool { return r != nil && r.id != "" }

// Units returns a copy of the applicable units in asset key order.
func (r *ResolvedDraft) Units() []Unit {
	out := make([]Unit, len(r.units))
	copy(out, r.units)
	return out
}

// Resolve loads draftID for apply. The caller's scopeID and rulesHash must
// match the draft, and the draft must be COMPLETE or PARTIAL; anything else
// is ErrStaleDraft. Only GENERATED rows with a final suggestion become
// units.
func (s *Store) Resolve(ctx context.Context, draftID, scopeID, rulesHash string) (*ResolvedDraft, error) {
	d, err := s.Get(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrDraftNotFound, draftID)
	}
	if d.ScopeID != scopeID || d.RulesHash != rulesHash {
		return nil, fmt.Errorf("%w: draft %s was generated for a different scope or rules", ErrStaleDraft, d.ID)
	}
	if d.Status != StatusComplete && d.Status != StatusPartial {
		return nil, fmt.Errorf("%w: draft %s is %s", ErrStaleDraft, d.ID, d.Status)
	}

	rows, err := s.Suggestions(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	rd := &ResolvedDraft{
		id:         d.ID,
		projectID:  d.ProjectID,
		playbookID: d.PlaybookID,
		scopeID:    d.ScopeID,
		rulesHash:  d.RulesHash,
		status:     d.Status,
	}
	for _, row := range rows {
		if row.Outcome != OutcomeGenerated || row.FinalSuggestion == nil || *row.FinalSuggestion == "" {
			continue
		}
		rd.units = append(rd.units, Unit{
			AssetKey:   row.AssetKey,
			ExternalID: row.ExternalID,
			Field:      row.Field,
			Value:      *row.FinalSuggestion,
		})
	}
	return rd, nil
}
