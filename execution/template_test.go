package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stepflow/types"
)

func newTemplateContext() *Context {
	ctx := NewContext(map[string]any{
		"topic": "distributed systems",
		"limit": float64(5),
	})
	ctx.SetOutputs("search", map[string]any{
		"top_url": "https://example.com/a",
		"count":   float64(3),
	})
	return ctx
}

func TestRenderString(t *testing.T) {
	t.Parallel()

	ctx := newTemplateContext()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "no references", in: "plain text", want: "plain text"},
		{name: "input reference", in: "query: {{input.topic}}", want: "query: distributed systems"},
		{name: "step reference", in: "fetch {{steps.search.top_url}}", want: "fetch https://example.com/a"},
		{name: "multiple references", in: "{{input.topic}} ({{steps.search.count}})", want: "distributed systems (3)"},
		{name: "whitespace inside braces", in: "{{ input.topic }}", want: "distributed systems"},
		{name: "integral float renders without decimal", in: "limit={{input.limit}}", want: "limit=5"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ctx.RenderString(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderString_UnresolvedReferenceFails(t *testing.T) {
	t.Parallel()

	ctx := newTemplateContext()

	tests := []struct {
		name string
		in   string
	}{
		{name: "missing input", in: "{{input.nope}}"},
		{name: "unknown step", in: "{{steps.ghost.value}}"},
		{name: "step missing output key", in: "{{steps.search.absent}}"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ctx.RenderString(tt.in)
			require.Error(t, err)
			assert.True(t, types.HasCode(err, types.ErrTemplate))
		})
	}
}

func TestRenderValue_PreservesTypeForWholeReference(t *testing.T) {
	t.Parallel()

	ctx := newTemplateContext()

	v, err := ctx.RenderValue("{{steps.search.count}}")
	require.NoError(t, err)
	assert.Equal(t, float64(3), v)

	// Embedded in surrounding text the value flattens to a string.
	v, err = ctx.RenderValue("count: {{steps.search.count}}")
	require.NoError(t, err)
	assert.Equal(t, "count: 3", v)
}

func TestRenderConfig(t *testing.T) {
	t.Parallel()

	ctx := newTemplateContext()

	rendered, err := ctx.RenderConfig(map[string]any{
		"url":   "{{steps.search.top_url}}",
		"depth": 2,
		"nested": map[string]any{
			"query": "about {{input.topic}}",
		},
		"list": []any{"{{input.limit}}", "static"},
	})
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/a", rendered["url"])
	assert.Equal(t, 2, rendered["depth"])
	assert.Equal(t, map[string]any{"query": "about distributed systems"}, rendered["nested"])
	assert.Equal(t, []any{float64(5), "static"}, rendered["list"])
}

func TestRenderConfig_NestedUnresolvedReferenceFails(t *testing.T) {
	t.Parallel()

	ctx := newTemplateContext()

	_, err := ctx.RenderConfig(map[string]any{
		"nested": map[string]any{"x": "{{steps.missing.y}}"},
	})
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrTemplate))
}
