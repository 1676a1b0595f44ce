package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplate(t *testing.T) {
	r := NewLiquidRenderer()
	require.NoError(t, r.Register("welcome", `<p>Hello {{ name | default: "Trader" }}, PnL: {{ pnl | usd }}</p>`))

	out, err := r.Render("welcome", map[string]any{"name": "Ada", "pnl": 1234.5})
	require.NoError(t, err)
	assert.Equal(t, "<p>Hello Ada, PnL: $1234.50</p>", out)

	out, err = r.Render("welcome", map[string]any{"pnl": 0.0})
	require.NoError(t, err)
	assert.Contains(t, out, "Hello Trader")
}

func TestRenderUnknownTemplate(t *testing.T) {
	r := NewLiquidRenderer()
	_, err := r.Render("missing", nil)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestRegisterRejectsBadSyntax(t *testing.T) {
	r := NewLiquidRenderer()
	assert.Error(t, r.Register("broken", `{% if %}`))
}
