package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// placeholder replaces values that cannot be serialized deterministically.
// The digest exists for change detection, not validation, so malformed
// content must still hash to something stable.
const placeholder = "<unserializable>"

// Hash produces a deterministic SHA-256 digest over the meaningful fields of
// an entity. Two structurally-equal field maps hash identically regardless of
// map iteration or property insertion order. The entity kind participates so
// that a folder and a page with coincidentally equal fields never collide.
func Hash(entityKind string, fields map[string]any) string {
	var builder strings.Builder
	builder.WriteString(entityKind)
	builder.WriteByte('\n')
	writeCanonical(&builder, fields)

	sum := sha256.Sum256([]byte(builder.String()))
	return hex.EncodeToString(sum[:])
}

// DecodeContent parses serialized structural content (a JSON document) into a
// canonical value for hashing. Malformed documents decode to a stable
// placeholder instead of failing.
func DecodeContent(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return placeholder
	}
	return decoded
}

func writeCanonical(builder *strings.Builder, value any) {
	switch typed := value.(type) {
	case nil:
		builder.WriteString("null")
	case bool:
		builder.WriteString(strconv.FormatBool(typed))
	case string:
		builder.WriteString(strconv.Quote(typed))
	case *string:
		if typed == nil {
			builder.WriteString("null")
		} else {
			builder.WriteString(strconv.Quote(*typed))
		}
	case int:
		builder.WriteString(strconv.FormatInt(int64(typed), 10))
	case int64:
		builder.WriteString(strconv.FormatInt(typed, 10))
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			builder.WriteString(strconv.Quote(placeholder))
			return
		}
		builder.WriteString(strconv.FormatFloat(typed, 'g', -1, 64))
	case json.Number:
		builder.WriteString(typed.String())
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		builder.WriteByte('{')
		for index, key := range keys {
			if index > 0 {
				builder.WriteByte(',')
			}
			builder.WriteString(strconv.Quote(key))
			builder.WriteByte(':')
			writeCanonical(builder, typed[key])
		}
		builder.WriteByte('}')
	case []any:
		builder.WriteByte('[')
		for index, element := range typed {
			if index > 0 {
				builder.WriteByte(',')
			}
			writeCanonical(builder, element)
		}
		builder.WriteByte(']')
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			builder.WriteString(strconv.Quote(placeholder))
			return
		}
		builder.Write(encoded)
	}
}
