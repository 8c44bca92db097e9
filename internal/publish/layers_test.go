package publish

import "testing"

func layerSet(ids ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func TestDetachLayerReferencesRemovesDanglingStyle(t *testing.T) {
	tree := Layer{
		ID:   "root",
		Kind: "frame",
		Children: []Layer{
			{ID: "child", Kind: "text", StyleID: strPtr("s1")},
			{ID: "other", Kind: "text", StyleID: strPtr("s2")},
		},
	}

	rewritten, changed := DetachLayerReferences(tree, layerSet("s1"), nil)
	if !changed {
		t.Fatalf("expected rewrite")
	}
	if rewritten.Children[0].StyleID != nil {
		t.Fatalf("expected dangling style reference removed")
	}
	if rewritten.Children[1].StyleID == nil || *rewritten.Children[1].StyleID != "s2" {
		t.Fatalf("expected live style reference kept")
	}
	// The input tree is never mutated.
	if tree.Children[0].StyleID == nil || *tree.Children[0].StyleID != "s1" {
		t.Fatalf("expected original tree unchanged")
	}
}

func TestDetachLayerReferencesRemovesNestedComponent(t *testing.T) {
	tree := Layer{
		ID: "root",
		Children: []Layer{
			{ID: "a", Children: []Layer{
				{ID: "b", ComponentID: strPtr("c1")},
			}},
		},
	}

	rewritten, changed := DetachLayerReferences(tree, nil, layerSet("c1"))
	if !changed {
		t.Fatalf("expected rewrite")
	}
	if rewritten.Children[0].Children[0].ComponentID != nil {
		t.Fatalf("expected nested component reference removed")
	}
}

func TestDetachLayerReferencesNoChangeSharesStructure(t *testing.T) {
	tree := Layer{
		ID:       "root",
		Children: []Layer{{ID: "a", StyleID: strPtr("live")}},
	}

	rewritten, changed := DetachLayerReferences(tree, layerSet("dead"), nil)
	if changed {
		t.Fatalf("expected no rewrite")
	}
	if &rewritten.Children[0] != &tree.Children[0] {
		t.Fatalf("expected unchanged subtree to be shared")
	}
}

func TestParseLayerTreeRoundTrip(t *testing.T) {
	raw := `{"id":"root","kind":"frame","children":[{"id":"a","kind":"text","style_id":"s1"}]}`
	tree, err := ParseLayerTree(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tree.Children[0].StyleID == nil || *tree.Children[0].StyleID != "s1" {
		t.Fatalf("unexpected parse result: %#v", tree)
	}
	if _, err := tree.Encode(); err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
}

func TestParseLayerTreeRejectsMalformedContent(t *testing.T) {
	if _, err := ParseLayerTree("{broken"); err == nil {
		t.Fatalf("expected parse error")
	}
}
