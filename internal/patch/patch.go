// Package patch normalizes, applies, and inverts RFC 6902 JSON patches.
//
// Application delegates to evanphx/json-patch; inverse patches are computed
// as an RFC 6902 diff from the new content back to the old one. The package
// also derives the stored document attributes (content hash, title, size)
// from a JSON value.
package patch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"
)

// Operation is a single normalized patch operation. Unrecognized wire keys
// are retained so they survive a transform round trip.
type Operation struct {
	Op    string
	Path  string
	Value any
	From  string

	raw map[string]any
}

// Normalize converts wire-shaped operations (string-keyed maps) into
// Operations. Every entry must carry "op" and "path".
func Normalize(ops []map[string]any) ([]Operation, error) {
	out := make([]Operation, 0, len(ops))
	for i, m := range ops {
		op, _ := m["op"].(string)
		if op == "" {
			return nil, fmt.Errorf("operation %d: missing op", i)
		}
		path, ok := m["path"].(string)
		if !ok {
			return nil, fmt.Errorf("operation %d: missing path", i)
		}
		o := Operation{Op: op, Path: path, raw: m}
		if v, ok := m["value"]; ok {
			o.Value = v
		}
		if f, ok := m["from"].(string); ok {
			o.From = f
		}
		out = append(out, o)
	}
	return out, nil
}

// Wire returns the operation in wire form, folding any adjusted fields back
// over the original keys.
func (o Operation) Wire() map[string]any {
	m := make(map[string]any, len(o.raw)+2)
	for k, v := range o.raw {
		m[k] = v
	}
	m["op"] = o.Op
	m["path"] = o.Path
	if _, had := m["value"]; had || o.Value != nil {
		m["value"] = o.Value
	}
	if o.From != "" {
		m["from"] = o.From
	}
	return m
}

// ToWire converts a slice of operations back to wire form.
func ToWire(ops []Operation) []map[string]any {
	out := make([]map[string]any, len(ops))
	for i, o := range ops {
		out[i] = o.Wire()
	}
	return out
}

// Apply runs the patch against content and returns the patched value.
// The input is never mutated; any failure returns an error and leaves the
// caller's value usable.
func Apply(content any, ops []Operation) (any, error) {
	doc, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	raw, err := json.Marshal(ToWire(ops))
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	p, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	patched, err := p.Apply(doc)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(patched, &out); err != nil {
		return nil, fmt.Errorf("decode patched content: %w", err)
	}
	return out, nil
}

// Inverse computes the patch that turns newContent back into oldContent.
// Stored alongside the forward patch, it lets a client rewind an update.
func Inverse(newContent, oldContent any) ([]map[string]any, error) {
	diff, err := jsondiff.Compare(newContent, oldContent)
	if err != nil {
		return nil, fmt.Errorf("diff contents: %w", err)
	}
	if len(diff) == 0 {
		return []map[string]any{}, nil
	}
	raw, err := json.Marshal(diff)
	if err != nil {
		return nil, fmt.Errorf("encode inverse patch: %w", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode inverse patch: %w", err)
	}
	return out, nil
}

// Hash returns the lowercase hex SHA-256 of the canonical JSON encoding of
// content. Only JSON objects are hashed; ok is false for any other value,
// so callers can store a null hash instead of failing.
func Hash(content any) (string, bool) {
	obj, ok := content.(map[string]any)
	if !ok {
		return "", false
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), true
}

// VerifyHash reports whether hash matches the canonical hash of content.
func VerifyHash(content any, hash string) bool {
	h, ok := Hash(content)
	return ok && h == hash
}

// Title extracts a display title from content, when it has one.
func Title(content any) *string {
	obj, ok := content.(map[string]any)
	if !ok {
		return nil
	}
	if s, ok := obj["title"].(string); ok && s != "" {
		return &s
	}
	return nil
}

// Size returns the byte length of the JSON encoding of content.
func Size(content any) int {
	b, err := json.Marshal(content)
	if err != nil {
		return 0
	}
	return len(b)
}
