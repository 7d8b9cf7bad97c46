// Package content renders personalized message content with Liquid templates.
package content

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

var ErrInvalidTemplate = errors.New("invalid message template")

// Template is one version of a campaign's message. Subject is used by email
// only; voice uses Body as the opening line of the call.
type Template struct {
	Version int    `json:"version"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// Rendered is the content sent to one recipient.
type Rendered struct {
	Subject string
	Body    string
}

// Renderer caches parsed templates by key.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	// {{ first_name | default: "there" }}
	engine.RegisterFilter("default", func(value any, fallback string) any {
		if value == nil {
			return fallback
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return fallback
		}
		return value
	})

	return &Renderer{engine: engine}
}

// Validate parses both parts of t.
func (r *Renderer) Validate(t Template) error {
	if strings.TrimSpace(t.Body) == "" {
		return fmt.Errorf("%w: body is empty", ErrInvalidTemplate)
	}
	if _, err := r.engine.ParseString(t.Subject); err != nil {
		return fmt.Errorf("%w: subject: %v", ErrInvalidTemplate, err)
	}
	if _, err := r.engine.ParseString(t.Body); err != nil {
		return fmt.Errorf("%w: body: %v", ErrInvalidTemplate, err)
	}
	return nil
}

// Render fills t with vars. key identifies the template version, for example
// "<campaign id>:<version>"; an empty key disables caching.
func (r *Renderer) Render(key string, t Template, vars map[string]any) (Rendered, error) {
	subject, err := r.render(key+":subject", key == "", t.Subject, vars)
	if err != nil {
		return Rendered{}, fmt.Errorf("render subject: %w", err)
	}
	body, err := r.render(key+":body", key == "", t.Body, vars)
	if err != nil {
		return Rendered{}, fmt.Errorf("render body: %w", err)
	}
	return Rendered{Subject: subject, Body: body}, nil
}

func (r *Renderer) render(key string, nocache bool, src string, vars map[string]any) (string, error) {
	if src == "" {
		return "", nil
	}

	var tpl *liquid.Template
	if !nocache {
		if cached, ok := r.cache.Load(key); ok {
			tpl = cached.(*liquid.Template)
		}
	}
	if tpl == nil {
		parsed, err := r.engine.ParseString(src)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
		tpl = parsed
		if !nocache {
			r.cache.Store(key, tpl)
		}
	}

	out, err := tpl.RenderString(vars)
	if err != nil {
		return "", err
	}
	return out, nil
}

// Forget drops cached templates for key.
func (r *Renderer) Forget(key string) {
	r.cache.Delete(key + ":subject")
	r.cache.Delete(key + ":body")
}
