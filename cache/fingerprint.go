package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"thinkserver/errs"
)

// FingerprintInput is the prefix that two requests must agree on byte-for-byte
// (after normalisation) to be considered the same cache entry: {provider,
// model, system, knowledge, history, params}.
type FingerprintInput struct {
	Provider  string
	Model     string
	System    string
	Knowledge string
	History   []HistoryEntry
	Params    map[string]any
}

// HistoryEntry is one normalised transcript turn contributing to the
// fingerprint. Role and Text are the only fields that participate; callers
// flatten richer model.Message parts into Text before fingerprinting.
type HistoryEntry struct {
	Role string
	Text string
}

// dataImagePrefix marks an inline image value that must be hashed down to a
// bounded-size token rather than included verbatim in the fingerprint input.
const dataImagePrefix = "data:image"

// Fingerprint computes the deterministic SHA-256 hex digest of in's
// normalised form. Two FingerprintInputs with the same semantic content
// always yield identical fingerprints (an invariant). Failure to
// serialise after normalisation is a programmer error in the caller's Params
// (e.g. a value json cannot encode at all, like a NaN float) and is reported
// as errs.InvalidRequest — there is no silent degradation to a weaker key.
func Fingerprint(in FingerprintInput) (string, error) {
	history := make([]any, 0, len(in.History))
	for _, h := range in.History {
		history = append(history, map[string]any{
			"role": h.Role,
			"text": normalizeLeaf(h.Text),
		})
	}

	normalized := map[string]any{
		"provider":  in.Provider,
		"model":     in.Model,
		"system":    in.System,
		"knowledge": in.Knowledge,
		"history":   history,
		"params":    normalizeValue(in.Params),
	}

	raw, err := json.Marshal(normalized)
	if err != nil {
		return "", errs.New(errs.InvalidRequest, fmt.Sprintf("fingerprint: cannot serialise normalised request: %v", err))
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// normalizeValue recursively normalises an arbitrary value for fingerprinting:
// primitives pass through, maps are re-keyed so json.Marshal's built-in
// sorted-key map encoding applies, slices recurse element-wise, and unknown
// leaves stringify via fmt.Sprint.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = normalizeValue(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeValue(e)
		}
		return out
	case string:
		return normalizeLeaf(val)
	case bool, int, int32, int64, float32, float64:
		return val
	default:
		return fmt.Sprint(val)
	}
}

// normalizeLeaf replaces inline data:image values with a bounded-size hash
// token so a single large upload cannot blow up the cache key.
func normalizeLeaf(s string) string {
	if !strings.HasPrefix(s, dataImagePrefix) {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	return "image_hash:" + hex.EncodeToString(sum[:])[:16]
}
