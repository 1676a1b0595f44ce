// Package render resolves template ids into HTML bodies. The default
// implementation renders Liquid templates registered in memory; callers
// that already have rendered HTML can skip it entirely.
package render

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// ErrTemplateNotFound is returned for unknown template ids.
var ErrTemplateNotFound = errors.New("render: template not found")

// Renderer turns a template id and data into an HTML body.
type Renderer interface {
	Render(templateID string, data map[string]any) (string, error)
}

// LiquidRenderer renders Liquid templates with a small set of custom
// filters. Parsed templates are cached per id.
type LiquidRenderer struct {
	engine *liquid.Engine
	mu     sync.RWMutex
	source map[string]string
	cache  map[string]*liquid.Template
}

// NewLiquidRenderer creates an empty renderer.
func NewLiquidRenderer() *LiquidRenderer {
	engine := liquid.NewEngine()

	// {{ first_name | default: "Trader" }}
	engine.RegisterFilter("default", func(value any, fallback string) any {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})
	// {{ pnl | usd }}
	engine.RegisterFilter("usd", func(v float64) string {
		return fmt.Sprintf("$%.2f", v)
	})
	// {{ ticker | upcase_ticker }}
	engine.RegisterFilter("upcase_ticker", strings.ToUpper)

	return &LiquidRenderer{
		engine: engine,
		source: make(map[string]string),
		cache:  make(map[string]*liquid.Template),
	}
}

// Register stores (or replaces) a template body under an id.
func (r *LiquidRenderer) Register(templateID, body string) error {
	tpl, err := r.engine.ParseString(body)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", templateID, err)
	}
	r.mu.Lock()
	r.source[templateID] = body
	r.cache[templateID] = tpl
	r.mu.Unlock()
	return nil
}

// Render executes the template with the given bindings.
func (r *LiquidRenderer) Render(templateID string, data map[string]any) (string, error) {
	r.mu.RLock()
	tpl, ok := r.cache[templateID]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}

	out, err := tpl.RenderString(data)
	if err != nil {
		return "", fmt.Errorf("render template %s: %w", templateID, err)
	}
	return out, nil
}
