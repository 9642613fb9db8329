package scope

import (
	"strings"

	"github.com/seoforge/playbook-engine/pkg/playbook"
)

// AssetRef identifies one optimizable asset. Products are addressed by ID,
// pages and collections by handle.
type AssetRef struct {
	AssetType playbook.AssetType `json:"assetType"`
	ProductID string             `json:"productId,omitempty"`
	Handle    string             `json:"handle,omitempty"`
}

// ProductRef returns a reference to a product by ID.
func ProductRef(id string) AssetRef {
	return AssetRef{AssetType: playbook.AssetTypeProducts, ProductID: id}
}

// HandleRef returns a reference to a page or collection by handle.
func HandleRef(t playbook.AssetType, handle string) AssetRef {
	return AssetRef{AssetType: t, Handle: handle}
}

// Key returns the canonical string form of the reference. Keys sort and
// hash identically across processes.
func (r AssetRef) Key() string {
	switch r.AssetType {
	case playbook.AssetTypeProducts:
		return "product:" + r.ProductID
	case playbook.AssetTypePages:
		return "page_handle:" + r.Handle
	case playbook.AssetTypeCollections:
		return "collection_handle:" + r.Handle
	}
	return string(r.AssetType) + ":" + r.ProductID + r.Handle
}

func (r AssetRef) String() string { return r.Key() }

// handleKinds maps the "<kind>_handle" prefix to its asset type.
var handleKinds = map[string]playbook.AssetType{
	"page":       playbook.AssetTypePages,
	"collection": playbook.AssetTypeCollections,
}

// ParseHandleRef parses "<kind>_handle:<handle>" where kind is page or
// collection.
func ParseHandleRef(raw string) (AssetRef, error) {
	prefix, handle, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return AssetRef{}, invalidScope("handle ref %q must look like <kind>_handle:<handle>", raw)
	}
	kind, found := strings.CutSuffix(prefix, "_handle")
	if !found {
		return AssetRef{}, invalidScope("handle ref %q must look like <kind>_handle:<handle>", raw)
	}
	t, ok := handleKinds[kind]
	if !ok {
		return AssetRef{}, invalidScope("handle ref %q has unknown kind %q", raw, kind)
	}
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return AssetRef{}, invalidScope("handle ref %q has an empty handle", raw)
	}
	return HandleRef(t, handle), nil
}

// ParseKey is the inverse of AssetRef.Key.
func ParseKey(key string) (AssetRef, error) {
	if id, ok := strings.CutPrefix(key, "product:"); ok {
		if id == "" {
			return AssetRef{}, invalidScope("asset key %q has an empty product id", key)
		}
		return ProductRef(id), nil
	}
	ref, err := ParseHandleRef(key)
	if err != nil {
		return AssetRef{}, invalidScope("asset key %q is not a product or handle ref", key)
	}
	return ref, nil
}
