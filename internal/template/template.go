package template

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vantagebank/hookline/internal/model"
)

// tokenKind distinguishes a literal string value from a variable reference.
type tokenKind int

const (
	tokenLiteral tokenKind = iota
	tokenVariable
)

// token is the parsed form of one template string value.
type token struct {
	kind tokenKind
	text string // literal text, or the variable name
}

// parseToken classifies a template string. Only the exact form "{{name}}" is
// a variable reference; partial or inline interpolation is not supported, so
// "prefix {{name}}" stays a literal.
func parseToken(s string) token {
	if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") && len(s) > 4 {
		name := s[2 : len(s)-2]
		if name != "" && !strings.Contains(name, "{") && !strings.Contains(name, "}") {
			return token{kind: tokenVariable, text: name}
		}
	}
	return token{kind: tokenLiteral, text: s}
}

// Context carries the flat substitution namespace for one render.
type Context struct {
	EventID   string
	EventType string
	CreatedAt time.Time
	UserID    string
	UserEmail string
	Data      map[string]any
}

// lookup resolves a variable name. Event payload keys take precedence over
// the built-in names.
func (c *Context) lookup(name string) (any, bool) {
	if v, ok := c.Data[name]; ok {
		return v, true
	}
	switch name {
	case "event_id":
		return c.EventID, true
	case "event_type":
		return c.EventType, true
	case "created_at":
		return c.CreatedAt.UTC().Format(time.RFC3339), true
	case "user_id":
		return c.UserID, true
	case "user_email":
		return c.UserEmail, true
	}
	return nil, false
}

// Source provides the active template for an event type, or
// model.ErrNotFound when none exists.
type Source interface {
	ActiveTemplate(ctx context.Context, eventType string) (*model.Template, error)
}

// Renderer maps an event type to its payload and header skeletons and
// substitutes context values into placeholders.
type Renderer struct {
	source Source
}

func NewRenderer(source Source) *Renderer {
	return &Renderer{source: source}
}

// Render produces the delivery payload and extra headers for an event.
// Without an active template the default envelope is used. Extra headers are
// merged additively by the delivery engine and can never override the
// signature or content-type headers.
func (r *Renderer) Render(ctx context.Context, rc *Context) (map[string]any, map[string]string, error) {
	var tpl *model.Template
	if r.source != nil {
		var err error
		tpl, err = r.source.ActiveTemplate(ctx, rc.EventType)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return nil, nil, err
		}
	}
	if tpl == nil {
		return defaultEnvelope(rc), nil, nil
	}

	payload, _ := substitute(tpl.Payload, rc).(map[string]any)
	headers := make(map[string]string, len(tpl.Headers))
	for k, v := range tpl.Headers {
		headers[k] = substituteString(v, rc)
	}
	return payload, headers, nil
}

// defaultEnvelope is the fallback payload shape when no template is active.
func defaultEnvelope(rc *Context) map[string]any {
	return map[string]any{
		"event": map[string]any{
			"id":      rc.EventID,
			"type":    rc.EventType,
			"created": rc.CreatedAt.UTC().Format(time.RFC3339),
			"data":    rc.Data,
		},
		"user": map[string]any{
			"id":    rc.UserID,
			"email": rc.UserEmail,
		},
	}
}

// substitute walks the template value. String leaves go through the token
// parser; maps and slices recurse; everything else passes through untouched.
func substitute(v any, rc *Context) any {
	switch tv := v.(type) {
	case string:
		tok := parseToken(tv)
		if tok.kind == tokenVariable {
			if resolved, ok := rc.lookup(tok.text); ok {
				return resolved
			}
		}
		return tv // unknown placeholders stay verbatim
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = substitute(val, rc)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = substitute(val, rc)
		}
		return out
	default:
		return v
	}
}

// substituteString resolves a header value, which must stay a string.
func substituteString(s string, rc *Context) string {
	tok := parseToken(s)
	if tok.kind == tokenVariable {
		if resolved, ok := rc.lookup(tok.text); ok {
			if str, ok := resolved.(string); ok {
				return str
			}
		}
	}
	return s
}
