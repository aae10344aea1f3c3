// Package redact canonicalizes and hashes capability input/output params
// (spec.md §3: Receipt's input_hash/output_hash "SHA-256 over canonical
// JSON of redacted params"), stripping denylisted keys first. Grounded on
// the teacher's internal/trace/hashchain.go sha256.Sum256-over-canonical-
// string mechanics — WITHOUT its hash-chaining (no prev_hash linkage; see
// DESIGN.md) — and internal/sanitize/scanner.go's pattern-driven scan
// structure, adapted here from prompt-injection pattern matching to
// denylisted-key-name matching.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// DefaultDenylist is the built-in set of key names stripped before hashing
// and before any persistence. Case-sensitive exact match on JSON object
// keys, applied recursively.
var DefaultDenylist = []string{
	"password", "secret", "token", "api_key", "apikey", "credential",
	"authorization", "access_token", "refresh_token", "private_key",
}

// Redactor strips denylisted keys from JSON values and computes the
// canonical-JSON SHA-256 hash spec.md §3 requires.
type Redactor struct {
	denylist map[string]bool
}

// New constructs a Redactor. A nil or empty denylist uses DefaultDenylist.
func New(denylist []string) *Redactor {
	if len(denylist) == 0 {
		denylist = DefaultDenylist
	}
	set := make(map[string]bool, len(denylist))
	for _, k := range denylist {
		set[k] = true
	}
	return &Redactor{denylist: set}
}

// Redact returns a copy of raw with any denylisted object keys replaced by
// the literal string "[REDACTED]", recursively through nested objects and
// arrays. Non-JSON-object/array scalars and malformed input are returned
// unchanged (hashing still succeeds; a capability with free-form params
// that happen not to be a JSON object is not a redaction failure).
func (r *Redactor) Redact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	redacted := r.redactValue(v)
	out, err := json.Marshal(redacted)
	if err != nil {
		return raw
	}
	return out
}

func (r *Redactor) redactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if r.denylist[k] {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = r.redactValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = r.redactValue(val)
		}
		return out
	default:
		return t
	}
}

// Hash computes the SHA-256 hash over the canonical JSON form of raw, after
// redaction. Canonicalization re-marshals through a sorted-key map so that
// field order in the input does not change the hash.
func (r *Redactor) Hash(raw json.RawMessage) string {
	redacted := r.Redact(raw)
	canonical := canonicalize(redacted)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func canonicalize(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(sortKeys(v))
	if err != nil {
		return raw
	}
	return out
}

// sortKeys converts nested maps to a form encoding/json marshals with
// deterministic key order (Go's encoding/json already sorts map[string]any
// keys on Marshal, so this primarily documents the invariant rather than
// changing behavior).
func sortKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(t))
		for _, k := range keys {
			out[k] = sortKeys(t[k])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = sortKeys(val)
		}
		return out
	default:
		return t
	}
}
