package publish

import (
	"encoding/json"
	"fmt"
)

// Layer is one node of a page's structural content tree. StyleID and
// ComponentID are cross-entity references that can dangle after the referenced
// entity is deleted; DetachLayerReferences rewrites them away.
type Layer struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	StyleID     *string        `json:"style_id,omitempty"`
	ComponentID *string        `json:"component_id,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Children    []Layer        `json:"children,omitempty"`
}

// ParseLayerTree decodes serialized page content into a layer tree.
func ParseLayerTree(raw string) (Layer, error) {
	var root Layer
	if raw == "" {
		return root, nil
	}
	if err := json.Unmarshal([]byte(raw), &root); err != nil {
		return Layer{}, fmt.Errorf("parse layer tree: %w", err)
	}
	return root, nil
}

// Encode serializes the layer tree back to page content.
func (l Layer) Encode() (string, error) {
	encoded, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("encode layer tree: %w", err)
	}
	return string(encoded), nil
}

// DetachLayerReferences returns a copy of the tree with every reference to
// the given style or component ids removed, and whether anything changed. The
// input tree is never mutated; unchanged subtrees are shared structurally.
func DetachLayerReferences(root Layer, styleIDs map[string]struct{}, componentIDs map[string]struct{}) (Layer, bool) {
	changed := false
	rewritten := root

	if root.StyleID != nil {
		if _, ok := styleIDs[*root.StyleID]; ok {
			rewritten.StyleID = nil
			changed = true
		}
	}
	if root.ComponentID != nil {
		if _, ok := componentIDs[*root.ComponentID]; ok {
			rewritten.ComponentID = nil
			changed = true
		}
	}

	var children []Layer
	for index, child := range root.Children {
		newChild, childChanged := DetachLayerReferences(child, styleIDs, componentIDs)
		if childChanged && children == nil {
			children = make([]Layer, index, len(root.Children))
			copy(children, root.Children[:index])
		}
		if children != nil {
			children = append(children, newChild)
		}
		if childChanged {
			changed = true
		}
	}
	if children != nil {
		rewritten.Children = children
	}

	return rewritten, changed
}
