// Package scope normalizes a playbook request's target set into a
// canonical, order-independent Scope with a stable scope ID.
package scope

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/seoforge/playbook-engine/pkg/playbook"
	"github.com/seoforge/playbook-engine/pkg/playbook/hashing"
)

// ErrInvalidScope is the sentinel wrapped by every InvalidScopeError.
var ErrInvalidScope = errors.New("invalid scope")

// InvalidScopeError reports a malformed or mixed-type asset reference set.
type InvalidScopeError struct {
	Reason string
}

func (e *InvalidScopeError) Error() string { return "invalid scope: " + e.Reason }

func (e *InvalidScopeError) Unwrap() error { return ErrInvalidScope }

func invalidScope(format string, args ...any) error {
	return &InvalidScopeError{Reason: fmt.Sprintf(format, args...)}
}

// Exclusion reasons recorded for refs dropped during resolution.
const (
	ExcludedNotFound     = "NOT_FOUND"
	ExcludedFieldPresent = "FIELD_PRESENT"
)

// Request is the raw target set of a playbook run. When both ProductIDs and
// HandleRefs are empty the request targets every affected asset.
type Request struct {
	ProjectID  string             `json:"projectId"`
	AssetType  playbook.AssetType `json:"assetType"`
	ProductIDs []string           `json:"productIds,omitempty"`
	HandleRefs []string           `json:"handleRefs,omitempty"`
}

// Explicit reports whether the request names assets rather than "all affected".
func (r Request) Explicit() bool {
	return len(r.ProductIDs) > 0 || len(r.HandleRefs) > 0
}

// Asset is a live asset as read from project data.
type Asset struct {
	Ref         AssetRef
	ExternalID  string
	Title       string
	Description string
	Fields      map[playbook.Field]string
}

// Value returns the current value of field, or "".
func (a Asset) Value(f playbook.Field) string {
	if a.Fields == nil {
		return ""
	}
	return a.Fields[f]
}

// Catalog reads live project data.
type Catalog interface {
	// Lookup returns the assets that still exist among refs. Missing refs are
	// absent from the result rather than an error.
	Lookup(ctx context.Context, projectID string, refs []AssetRef) ([]Asset, error)
	// ListMissing returns every asset of the given type whose field is empty.
	ListMissing(ctx context.Context, projectID string, t playbook.AssetType, field playbook.Field) ([]Asset, error)
}

// Excluded is a requested ref that did not make it into the scope.
type Excluded struct {
	Ref    AssetRef `json:"ref"`
	Reason string   `json:"reason"`
}

// Scope is the canonical target set of a playbook run. Refs and Assets are
// sorted by ref key and index-aligned.
type Scope struct {
	ID        string             `json:"scopeId"`
	ProjectID string             `json:"projectId"`
	AssetType playbook.AssetType `json:"assetType"`
	Refs      []AssetRef         `json:"refs"`
	Assets    []Asset            `json:"-"`
	Excluded  []Excluded         `json:"excluded,omitempty"`
}

// Keys returns the canonical ref keys in scope order.
func (s *Scope) Keys() []string {
	keys := make([]string, len(s.Refs))
	for i, r := range s.Refs {
		keys[i] = r.Key()
	}
	return keys
}

// ScopeID hashes the sorted canonical keys together with the asset type.
// The result does not depend on the order refs are given in.
func ScopeID(t playbook.AssetType, refs []AssetRef) string {
	keys := make([]string, len(refs))
	for i, r := range refs {
		keys[i] = r.Key()
	}
	sort.Strings(keys)
	return hashing.MustCanonical(hashing.DomainScope, map[string]any{
		"assetType": string(t),
		"refs":      keys,
	})
}

// Resolver turns a Request into a Scope against live project data.
type Resolver struct {
	catalog Catalog
}

// NewResolver creates a Resolver reading from catalog.
func NewResolver(catalog Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Validate checks the shape of a request without touching project data.
func Validate(req Request) ([]AssetRef, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, invalidScope("projectId is required")
	}
	if !req.AssetType.Valid() {
		return nil, invalidScope("unknown assetType %q", req.AssetType)
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	var refs []AssetRef
	add := func(r AssetRef) {
		if seen.Add(r.Key()) {
			refs = append(refs, r)
		}
	}

	switch req.AssetType {
	case playbook.AssetTypeProducts:
		if len(req.HandleRefs) > 0 {
			return nil, invalidScope("handle refs are not allowed for %s", req.AssetType)
		}
		for _, id := range req.ProductIDs {
			id = strings.TrimSpace(id)
			if id == "" {
				return nil, invalidScope("empty product id")
			}
			add(ProductRef(id))
		}
	default:
		if len(req.ProductIDs) > 0 {
			return nil, invalidScope("product ids are not allowed for %s", req.AssetType)
		}
		for _, raw := range req.HandleRefs {
			ref, err := ParseHandleRef(raw)
			if err != nil {
				return nil, err
			}
			if ref.AssetType != req.AssetType {
				return nil, invalidScope("handle ref %q does not match assetType %s", raw, req.AssetType)
			}
			add(ref)
		}
	}
	return refs, nil
}

// Resolve validates req and resolves it against live data. Refs to assets
// that no longer exist, or whose field is already filled, are recorded in
// Excluded instead of failing the request.
func (r *Resolver) Resolve(ctx context.Context, req Request, field playbook.Field) (*Scope, error) {
	refs, err := Validate(req)
	if err != nil {
		return nil, err
	}

	var assets []Asset
	var excluded []Excluded
	if req.Explicit() {
		found, err := r.catalog.Lookup(ctx, req.ProjectID, refs)
		if err != nil {
			return nil, fmt.Errorf("lookup scope assets: %w", err)
		}
		byKey := make(map[string]Asset, len(found))
		for _, a := range found {
			byKey[a.Ref.Key()] = a
		}
		for _, ref := range refs {
			a, ok := byKey[ref.Key()]
			switch {
			case !ok:
				excluded = append(excluded, Excluded{Ref: ref, Reason: ExcludedNotFound})
			case strings.TrimSpace(a.Value(field)) != "":
				excluded = append(excluded, Excluded{Ref: ref, Reason: ExcludedFieldPresent})
			default:
				assets = append(assets, a)
			}
		}
	} else {
		assets, err = r.catalog.ListMissing(ctx, req.ProjectID, req.AssetType, field)
		if err != nil {
			return nil, fmt.Errorf("list affected assets: %w", err)
		}
	}

	for _, a := range assets {
		if a.Ref.AssetType != req.AssetType {
			return nil, invalidScope("asset %s does not match assetType %s", a.Ref.Key(), req.AssetType)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Ref.Key() < assets[j].Ref.Key() })
	sort.Slice(excluded, func(i, j int) bool { return excluded[i].Ref.Key() < excluded[j].Ref.Key() })

	s := &Scope{
		ProjectID: req.ProjectID,
		AssetType: req.AssetType,
		Refs:      make([]AssetRef, len(assets)),
		Assets:    assets,
		Excluded:  excluded,
	}
	for i, a := range assets {
		s.Refs[i] = a.Ref
	}
	s.ID = ScopeID(req.AssetType, s.Refs)
	return s, nil
}
