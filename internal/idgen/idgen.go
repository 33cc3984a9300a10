// Package idgen derives the deterministic job and task identifiers the
// orchestration core uses as its idempotency cornerstone.
package idgen

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// JobID derives job_id = SHA256_hex(job_type || canonical_json(parameters)).
// Parameters with identical semantic content (differing key order, JSON
// whitespace, or numeric representation such as 3 vs 3.0) must hash to the
// same ID, which is why submission always canonicalizes before hashing.
func JobID(jobType string, parameters map[string]any) string {
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write(canonicalJSON(parameters))
	return hex.EncodeToString(h.Sum(nil))
}

// TaskID derives task_id = first_16_hex(job_id) || "_s" || stage || "_" ||
// semanticIndex. semanticIndex is supplied by the workflow's
// CreateTasksForStage and must be unique within (job_id, stage).
func TaskID(jobID string, stage int, semanticIndex string) string {
	prefix := jobID
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return fmt.Sprintf("%s_s%d_%s", prefix, stage, semanticIndex)
}

// ChunkSemanticIndex builds a content-addressed semantic index for
// dynamic fan-out keyed by data rather than a plain counter:
// "chunk_" || hex(sha1(chunkKey)).
func ChunkSemanticIndex(chunkKey string) string {
	sum := sha1.Sum([]byte(chunkKey))
	return "chunk_" + hex.EncodeToString(sum[:])
}

// canonicalJSON renders v (typically a map[string]any decoded from a JSON
// submission payload) with recursively sorted object keys and a fixed
// numeric format, so that two semantically-equal payloads always produce
// byte-identical output regardless of platform or original key order.
func canonicalJSON(v any) []byte {
	return marshalCanonical(normalize(v))
}

// normalize walks the value, converting maps to a key-sorted representation
// and coercing numbers to a single canonical form (float64, formatted with
// strconv's shortest round-trip representation at marshal time).
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, kv{k, normalize(t[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float64, string, bool, nil:
		return t
	default:
		// Unknown concrete types (e.g. custom structs) fall back to their
		// default JSON encoding; still deterministic for a fixed type.
		return t
	}
}

type kv struct {
	Key string
	Val any
}

type orderedMap []kv

func marshalCanonical(v any) []byte {
	switch t := v.(type) {
	case orderedMap:
		buf := []byte{'{'}
		for i, pair := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyBytes, _ := json.Marshal(pair.Key)
			buf = append(buf, keyBytes...)
			buf = append(buf, ':')
			buf = append(buf, marshalCanonical(pair.Val)...)
		}
		buf = append(buf, '}')
		return buf
	case []any:
		buf := []byte{'['}
		for i, e := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = append(buf, marshalCanonical(e)...)
		}
		buf = append(buf, ']')
		return buf
	case float64:
		return []byte(strconv.FormatFloat(t, 'g', -1, 64))
	case int:
		return []byte(strconv.FormatInt(int64(t), 10))
	case int64:
		return []byte(strconv.FormatInt(t, 10))
	case nil:
		return []byte("null")
	default:
		b, _ := json.Marshal(t)
		return b
	}
}
