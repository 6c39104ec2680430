package datamart

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Payloads is the accumulated fetch result of one report edition: one row
// list per endpoint, endpoint order preserved.
type Payloads [][]Row

// Empty reports whether no endpoint returned any rows.
func (p Payloads) Empty() bool {
	for _, rows := range p {
		if len(rows) > 0 {
			return false
		}
	}
	return true
}

// CanonicalHash is the content hash used for edition deduplication:
// SHA-256 over the canonical JSON serialization of the payloads.
// encoding/json writes map keys in sorted order, so the hash is stable
// under key reordering and under serialize/deserialize round trips.
func CanonicalHash(p Payloads) (string, error) {
	normalized := make([][]map[string]any, len(p))
	for i, rows := range p {
		normalized[i] = make([]map[string]any, len(rows))
		for j, row := range rows {
			normalized[i][j] = coerceMap(row)
		}
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("serializing payloads for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// coerceMap renders non-JSON-native values as strings so hashing never
// fails on odd payloads.
func coerceMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = coerceValue(v)
	}
	return out
}

func coerceValue(v any) any {
	switch t := v.(type) {
	case nil, bool, string, float64, int, int64:
		return t
	case map[string]any:
		return coerceMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = coerceValue(item)
		}
		return out
	default:
		return fmt.Sprintf("%v", t)
	}
}
