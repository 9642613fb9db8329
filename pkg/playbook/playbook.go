// Package playbook defines the built-in automation playbooks and the shared
// vocabulary (asset types, fields) used by the playbook engine packages.
package playbook

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// AssetType identifies the kind of storefront asset a playbook run targets.
type AssetType string

const (
	AssetTypeProducts    AssetType = "PRODUCTS"
	AssetTypePages       AssetType = "PAGES"
	AssetTypeCollections AssetType = "COLLECTIONS"
)

// Valid reports whether t is a known asset type.
func (t AssetType) Valid() bool {
	switch t {
	case AssetTypeProducts, AssetTypePages, AssetTypeCollections:
		return true
	}
	return false
}

// Field is an optimizable SEO field on an asset.
type Field string

const (
	FieldSEOTitle       Field = "seo_title"
	FieldSEODescription Field = "seo_description"
)

// HardLimit is the maximum length a field may carry regardless of rule config.
func (f Field) HardLimit() int {
	switch f {
	case FieldSEOTitle:
		return 60
	case FieldSEODescription:
		return 155
	}
	return 255
}

// ErrUnknownPlaybook is returned by Lookup for an unregistered playbook ID.
var ErrUnknownPlaybook = errors.New("unknown playbook")

// Playbook is a named bulk-edit operation that fills one field.
type Playbook struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Field       Field  `json:"field"`
}

const (
	MissingSEOTitle       = "missing_seo_title"
	MissingSEODescription = "missing_seo_description"
)

var registry = map[string]Playbook{
	MissingSEOTitle: {
		ID:          MissingSEOTitle,
		DisplayName: "Fix missing SEO titles",
		Field:       FieldSEOTitle,
	},
	MissingSEODescription: {
		ID:          MissingSEODescription,
		DisplayName: "Fix missing SEO descriptions",
		Field:       FieldSEODescription,
	},
}

// Lookup returns the playbook registered under id.
func Lookup(id string) (Playbook, error) {
	p, ok := registry[id]
	if !ok {
		return Playbook{}, fmt.Errorf("%w: %q", ErrUnknownPlaybook, id)
	}
	return p, nil
}

// All returns every registered playbook ordered by ID.
func All() []Playbook {
	out := make([]Playbook, 0, len(registry))
	for _, p := range registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Role is a user's role within a project.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
)

// ParseRole maps a case-insensitive role name to a Role. Unknown names map
// to RoleViewer.
func ParseRole(s string) Role {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleOwner:
		return RoleOwner
	case RoleEditor:
		return RoleEditor
	}
	return RoleViewer
}
