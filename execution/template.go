package execution

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BaSui01/stepflow/types"
)

// Template references take the form {{input.name}} or {{steps.stepID.key}}.
// Whitespace inside the braces is tolerated.
var templateRef = regexp.MustCompile(`\{\{\s*([a-zA-Z_][\w.-]*)\s*\}\}`)

// RenderString substitutes every template reference in s with the value
// resolved from the context. A reference to a missing input, an unknown
// step, or a step that has not produced the named output is a hard error:
// dependency-complete scheduling guarantees referenced steps finished
// first, so an unresolved reference is a definition bug, not a race.
func (c *Context) RenderString(s string) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	vars := c.vars()
	var rendErr error
	out := templateRef.ReplaceAllStringFunc(s, func(match string) string {
		if rendErr != nil {
			return match
		}
		ref := templateRef.FindStringSubmatch(match)[1]
		v, err := resolveRef(ref, vars)
		if err != nil {
			rendErr = err
			return match
		}
		return stringify(v)
	})
	if rendErr != nil {
		return "", rendErr
	}
	return out, nil
}

// RenderValue renders template references inside an arbitrary config value.
// Strings are rendered; maps and slices are walked recursively. A string
// that is exactly one reference resolves to the referenced value itself,
// preserving its type instead of flattening it to text.
func (c *Context) RenderValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		if ref, ok := wholeRef(val); ok {
			return resolveRef(ref, c.vars())
		}
		return c.RenderString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rendered, err := c.RenderValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := c.RenderValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderConfig renders a step's full config map before dispatch.
func (c *Context) RenderConfig(config map[string]any) (map[string]any, error) {
	rendered, err := c.RenderValue(config)
	if err != nil {
		return nil, err
	}
	if rendered == nil {
		return map[string]any{}, nil
	}
	return rendered.(map[string]any), nil
}

// wholeRef reports whether s consists of exactly one template reference.
func wholeRef(s string) (string, bool) {
	m := templateRef.FindStringSubmatch(s)
	if m == nil || m[0] != strings.TrimSpace(s) {
		return "", false
	}
	return m[1], true
}

// resolveRef walks a dotted path through the variable tree.
func resolveRef(ref string, vars map[string]any) (any, error) {
	parts := strings.Split(ref, ".")
	var current any = vars
	for i, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, types.Errorf(types.ErrTemplate,
				"unresolved reference %q: %q is not a map", ref, strings.Join(parts[:i], "."))
		}
		next, ok := m[part]
		if !ok {
			return nil, types.Errorf(types.ErrTemplate, "unresolved reference %q: %q not found", ref, part)
		}
		current = next
	}
	return current, nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64:
		// Render integral floats without a trailing ".0"; JSON decoding
		// turns every number into float64.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
