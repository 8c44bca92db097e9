package fingerprint

import (
	"math"
	"math/rand"
	"testing"
)

func TestHashIsStableAcrossCalls(t *testing.T) {
	fields := map[string]any{
		"name":  "Home",
		"order": 3,
		"content": map[string]any{
			"kind":     "root",
			"children": []any{map[string]any{"kind": "text", "value": "hello"}},
		},
	}

	first := Hash("page", fields)
	second := Hash("page", fields)
	if first != second {
		t.Fatalf("expected identical digests, got %s and %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(first))
	}
}

func TestHashIndependentOfInsertionOrder(t *testing.T) {
	keys := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	build := func(order []int) map[string]any {
		fields := make(map[string]any, len(order))
		for _, index := range order {
			fields[keys[index]] = map[string]any{"value": index, "label": keys[index]}
		}
		return fields
	}

	baseline := Hash("entity", build([]int{0, 1, 2, 3, 4}))
	random := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		order := random.Perm(len(keys))
		if digest := Hash("entity", build(order)); digest != baseline {
			t.Fatalf("digest varies with insertion order %v: %s vs %s", order, digest, baseline)
		}
	}
}

func TestHashDetectsMeaningfulDifference(t *testing.T) {
	base := map[string]any{"name": "Home", "order": 1}
	changed := map[string]any{"name": "Home", "order": 2}

	if Hash("page", base) == Hash("page", changed) {
		t.Fatalf("expected differing digests for differing fields")
	}
}

func TestHashDistinguishesEntityKinds(t *testing.T) {
	fields := map[string]any{"name": "shared"}
	if Hash("page", fields) == Hash("folder", fields) {
		t.Fatalf("expected entity kind to participate in the digest")
	}
}

func TestHashDistinguishesNilFromEmptyString(t *testing.T) {
	var absent *string
	empty := ""
	if Hash("value", map[string]any{"value": absent}) == Hash("value", map[string]any{"value": &empty}) {
		t.Fatalf("expected nil and empty string to hash differently")
	}
}

func TestHashCanonicalizesMalformedValues(t *testing.T) {
	withNaN := map[string]any{"ratio": math.NaN()}
	first := Hash("entity", withNaN)
	second := Hash("entity", map[string]any{"ratio": math.NaN()})
	if first != second {
		t.Fatalf("expected malformed values to hash to a stable placeholder")
	}
}

func TestDecodeContentFallsBackOnMalformedJSON(t *testing.T) {
	if decoded := DecodeContent("{not json"); decoded != placeholder {
		t.Fatalf("expected placeholder for malformed content, got %v", decoded)
	}
	if decoded := DecodeContent("  "); decoded != nil {
		t.Fatalf("expected nil for blank content, got %v", decoded)
	}
	decoded := DecodeContent(`{"kind":"root"}`)
	asMap, ok := decoded.(map[string]any)
	if !ok || asMap["kind"] != "root" {
		t.Fatalf("unexpected decode result: %v", decoded)
	}
}
