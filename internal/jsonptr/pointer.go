// Package jsonptr parses and manipulates RFC 6901 JSON Pointer paths.
//
// Beyond plain parsing it supports the index arithmetic the sync engine
// needs for operational transformation: finding the last array index of a
// path, shifting that index, and classifying how two paths relate.
package jsonptr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Segment is one step of a parsed pointer: an object key or an array index.
type Segment struct {
	Key   string
	Index int
	Array bool
}

// Pointer is a parsed JSON Pointer path.
type Pointer struct {
	Raw      string
	Segments []Segment
}

// Relation classifies how two paths relate to each other.
type Relation string

const (
	RelSame      Relation = "same"
	RelParent    Relation = "parent"
	RelChild     Relation = "child"
	RelSibling   Relation = "sibling"
	RelUnrelated Relation = "unrelated"
)

// Parse validates a path and splits it into segments. The empty path is
// rejected, a leading slash is mandatory, and "/" parses to zero segments.
// Escape pairs are decoded ~1 before ~0 per RFC 6901. A segment consisting
// only of decimal digits becomes an array index.
func Parse(path string) (Pointer, error) {
	if path == "" {
		return Pointer{}, errors.New("empty pointer")
	}
	if path[0] != '/' {
		return Pointer{}, fmt.Errorf("pointer must start with /: %q", path)
	}
	if path == "/" {
		return Pointer{Raw: path}, nil
	}

	tokens := strings.Split(path[1:], "/")
	segs := make([]Segment, 0, len(tokens))
	for _, tok := range tokens {
		if isDigits(tok) {
			if n, err := strconv.Atoi(tok); err == nil {
				segs = append(segs, Segment{Index: n, Array: true})
				continue
			}
		}
		segs = append(segs, Segment{Key: unescape(tok)})
	}
	return Pointer{Raw: path, Segments: segs}, nil
}

// Reconstruct is the inverse of Parse. Object keys are re-escaped
// (~ before /), and an empty segment list reconstructs to "/".
func Reconstruct(segs []Segment) string {
	if len(segs) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, seg := range segs {
		b.WriteByte('/')
		if seg.Array {
			b.WriteString(strconv.Itoa(seg.Index))
		} else {
			b.WriteString(escape(seg.Key))
		}
	}
	return b.String()
}

// LastArrayIndex returns the right-most array index of the pointer.
// ok is false when no segment is an array index.
func (p Pointer) LastArrayIndex() (int, bool) {
	for i := len(p.Segments) - 1; i >= 0; i-- {
		if p.Segments[i].Array {
			return p.Segments[i].Index, true
		}
	}
	return 0, false
}

// LastArrayIndex parses path and returns its right-most array index.
func LastArrayIndex(path string) (int, bool, error) {
	p, err := Parse(path)
	if err != nil {
		return 0, false, err
	}
	n, ok := p.LastArrayIndex()
	return n, ok, nil
}

// AdjustArrayIndex shifts the right-most array index equal to target by
// delta. Paths without a matching index are returned unchanged. A negative
// result is an error.
func AdjustArrayIndex(path string, target, delta int) (string, error) {
	p, err := Parse(path)
	if err != nil {
		return "", err
	}

	at := -1
	for i := len(p.Segments) - 1; i >= 0; i-- {
		if p.Segments[i].Array && p.Segments[i].Index == target {
			at = i
			break
		}
	}
	if at < 0 {
		return path, nil
	}

	next := target + delta
	if next < 0 {
		return "", fmt.Errorf("array index underflow in %q: %d%+d", path, target, delta)
	}
	p.Segments[at].Index = next
	return Reconstruct(p.Segments), nil
}

// Parent returns the path with its final segment removed. The root "/"
// has no parent; removing the only segment of a top-level path yields "/".
func Parent(path string) (string, bool) {
	if path == "" || path == "/" {
		return "", false
	}
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", false
	}
	if i == 0 {
		return "/", true
	}
	return path[:i], true
}

// Compare classifies the relation between two paths. Rules are evaluated
// in order: equal strings are the same path, a prefix with a slash boundary
// makes one the parent of the other, paths sharing a parent are siblings,
// anything else is unrelated. Two top-level paths share the parent "/" and
// are therefore siblings.
func Compare(a, b string) Relation {
	if a == b {
		return RelSame
	}
	if strings.HasPrefix(b, a+"/") {
		return RelParent
	}
	if strings.HasPrefix(a, b+"/") {
		return RelChild
	}
	pa, aok := Parent(a)
	pb, bok := Parent(b)
	if aok && bok && pa == pb {
		return RelSibling
	}
	return RelUnrelated
}

// Conflicts reports whether edits at the two paths can interfere: the same
// path, or one path nested under the other.
func Conflicts(a, b string) bool {
	switch Compare(a, b) {
	case RelSame, RelParent, RelChild:
		return true
	}
	return false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// unescape decodes RFC 6901 escapes, ~1 before ~0 so "~01" becomes "~1"
// rather than "/1".
func unescape(tok string) string {
	if !strings.Contains(tok, "~") {
		return tok
	}
	tok = strings.ReplaceAll(tok, "~1", "/")
	return strings.ReplaceAll(tok, "~0", "~")
}

// escape applies the inverse order: ~ first so inserted escapes are not
// double-encoded.
func escape(key string) string {
	if !strings.ContainsAny(key, "~/") {
		return key
	}
	key = strings.ReplaceAll(key, "~", "~0")
	return strings.ReplaceAll(key, "/", "~1")
}
