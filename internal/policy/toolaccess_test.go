package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolAccess_DefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewToolAccessEngine(ctx, Default())
	require.NoError(t, err)

	tests := []struct {
		name        string
		tool        string
		params      map[string]interface{}
		wantAllowed bool
		wantReason  string
	}{
		{
			name:        "wikipedia allowed",
			tool:        "wikipedia.get_page",
			params:      map[string]interface{}{"title": "Cats", "url": "https://en.wikipedia.org/wiki/Cats"},
			wantAllowed: true,
		},
		{
			name:        "nil params",
			tool:        "image.analyze",
			wantAllowed: true,
		},
		{
			name:        "tool not listed",
			tool:        "mailbox.delete",
			params:      map[string]interface{}{"id": "1"},
			wantAllowed: false,
			wantReason:  "tool mailbox.delete is not in allowed_tools",
		},
		{
			name:        "oversized parameter",
			tool:        "web_access.get_content",
			params:      map[string]interface{}{"url": "https://github.com/" + strings.Repeat("a", 3000)},
			wantAllowed: false,
			wantReason:  "parameter url exceeds 2048 characters",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := engine.Evaluate(ctx, tt.tool, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllowed, d.Allowed)
			assert.Equal(t, Default().VersionTag(), d.PolicyVersion)
			if tt.wantAllowed {
				assert.Equal(t, "allow", d.Action)
				assert.Empty(t, d.Reasons)
				return
			}
			assert.Equal(t, "deny", d.Action)
			assert.Contains(t, d.Reasons, tt.wantReason)
		})
	}
}

func TestToolAccess_ForbiddenWithoutAllowList(t *testing.T) {
	ctx := context.Background()
	cfg, err := Compile(&Document{
		Name:       "forbid",
		Version:    "1.0.0",
		ToolAccess: &ToolAccessConfig{ForbiddenTools: []string{"image.analyze"}},
	})
	require.NoError(t, err)
	engine, err := NewToolAccessEngine(ctx, cfg)
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, "image.analyze", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, []string{"tool image.analyze is forbidden"}, d.Reasons)

	d, err = engine.Evaluate(ctx, "anything.else", map[string]interface{}{"url": strings.Repeat("x", 10000)})
	require.NoError(t, err)
	assert.True(t, d.Allowed, "no allow list and no length cap")
}

func TestToolAccess_NoRules(t *testing.T) {
	ctx := context.Background()
	cfg, err := Compile(&Document{Name: "open", Version: "1.0.0"})
	require.NoError(t, err)
	engine, err := NewToolAccessEngine(ctx, cfg)
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, "web_access.get_content", map[string]interface{}{"url": "https://example.com"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
