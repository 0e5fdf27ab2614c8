// File: internal/stack/reference.go
// Brief: Reference expression parsing and config tree walking.

package stack

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	referenceLocality = "self"
	referenceOutput   = "output"
	referenceEscape   = `\`
)

// Reference points at an output field of another unit:
// self.<service|project>.<unit>.output.<field>.
type Reference struct {
	Kind  UnitKind `json:"kind"`
	Unit  string   `json:"unit"`
	Field string   `json:"field"`
}

func (r Reference) String() string {
	return strings.Join([]string{referenceLocality, string(r.Kind), r.Unit, referenceOutput, r.Field}, ".")
}

// ParseReference accepts exactly five dot-separated parts. Anything else is a literal.
func ParseReference(s string) (Reference, bool) {
	if !strings.HasPrefix(s, referenceLocality+".") {
		return Reference{}, false
	}
	parts := strings.Split(s, ".")
	if len(parts) != 5 || parts[0] != referenceLocality || parts[3] != referenceOutput {
		return Reference{}, false
	}
	kind := UnitKind(parts[1])
	if !kind.valid() {
		return Reference{}, false
	}
	for _, p := range parts[2:] {
		if p == "" || strings.ContainsAny(p, " \t\n") {
			return Reference{}, false
		}
	}
	return Reference{Kind: kind, Unit: parts[2], Field: parts[4]}, true
}

// isEscapedReference reports whether s is a backslash-escaped literal such as `\self.service.x.output.y`.
func isEscapedReference(s string) bool {
	return strings.HasPrefix(s, referenceEscape+referenceLocality+".")
}

func unescapeLiteral(s string) string {
	if isEscapedReference(s) {
		return strings.TrimPrefix(s, referenceEscape)
	}
	return s
}

// PathStep addresses one level in a config tree: a mapping key, or a sequence index when Key is empty.
type PathStep struct {
	Key   string `json:"key,omitempty"`
	Index int    `json:"index,omitempty"`
}

type Path []PathStep

func (p Path) String() string {
	var b strings.Builder
	for i, s := range p {
		if s.Key == "" {
			b.WriteString("[" + strconv.Itoa(s.Index) + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.Key)
	}
	return b.String()
}

func (p Path) child(step PathStep) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, step)
}

// walkStrings visits every string leaf under v. Map keys are visited in sorted order.
func walkStrings(v any, path Path, fn func(Path, string)) {
	switch t := v.(type) {
	case string:
		fn(path, t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkStrings(t[k], path.child(PathStep{Key: k}), fn)
		}
	case map[any]any:
		walkStrings(normalizeMap(t), path, fn)
	case []any:
		for i, e := range t {
			walkStrings(e, path.child(PathStep{Index: i}), fn)
		}
	case []string:
		for i, e := range t {
			fn(path.child(PathStep{Index: i}), e)
		}
	}
}

func normalizeMap(m map[any]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[toKey(k)] = v
	}
	return out
}

func toKey(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprint(k)
}

// cloneValue deep-copies a config tree. When unescape is set, escaped
// reference literals lose their leading backslash.
func cloneValue(v any, unescape bool) any {
	switch t := v.(type) {
	case string:
		if unescape {
			return unescapeLiteral(t)
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e, unescape)
		}
		return out
	case map[any]any:
		return cloneValue(normalizeMap(t), unescape)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e, unescape)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e, unescape)
		}
		return out
	default:
		return v
	}
}

func cloneMap(m map[string]any, unescape bool) map[string]any {
	if m == nil {
		return nil
	}
	return cloneValue(m, unescape).(map[string]any)
}

// setAt replaces the leaf addressed by path inside root. root must be a cloned tree.
func setAt(root map[string]any, path Path, value any) bool {
	if len(path) == 0 || path[0].Key == "" {
		return false
	}
	if len(path) == 1 {
		if _, ok := root[path[0].Key]; !ok {
			return false
		}
		root[path[0].Key] = value
		return true
	}
	var cur any = root[path[0].Key]
	for i := 1; i < len(path); i++ {
		step := path[i]
		last := i == len(path)-1
		switch t := cur.(type) {
		case map[string]any:
			if step.Key == "" {
				return false
			}
			if last {
				t[step.Key] = value
				return true
			}
			cur = t[step.Key]
		case []any:
			if step.Key != "" || step.Index < 0 || step.Index >= len(t) {
				return false
			}
			if last {
				t[step.Index] = value
				return true
			}
			cur = t[step.Index]
		default:
			return false
		}
	}
	return false
}
