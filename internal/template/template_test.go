package template

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/vantagebank/hookline/internal/model"
)

type staticSource struct {
	tpl *model.Template
	err error
}

func (s staticSource) ActiveTemplate(context.Context, string) (*model.Template, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.tpl == nil {
		return nil, model.ErrNotFound
	}
	return s.tpl, nil
}

func testContext() *Context {
	return &Context{
		EventID:   "ev-1",
		EventType: "transaction.completed",
		CreatedAt: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		UserID:    "u-1",
		UserEmail: "pat@example.com",
		Data: map[string]any{
			"transaction_id": "T1",
			"amount":         125.5,
		},
	}
}

func TestParseToken(t *testing.T) {
	tests := []struct {
		in       string
		variable bool
		name     string
	}{
		{"{{user_email}}", true, "user_email"},
		{"{{x}}", true, "x"},
		{"plain", false, ""},
		{"prefix {{name}}", false, ""},
		{"{{}}", false, ""},
		{"{{a{b}}", false, ""},
		{"{{", false, ""},
	}
	for _, tt := range tests {
		tok := parseToken(tt.in)
		if (tok.kind == tokenVariable) != tt.variable {
			t.Errorf("parseToken(%q) variable = %v, want %v", tt.in, tok.kind == tokenVariable, tt.variable)
		}
		if tt.variable && tok.text != tt.name {
			t.Errorf("parseToken(%q) name = %q, want %q", tt.in, tok.text, tt.name)
		}
	}
}

func TestRenderSubstitution(t *testing.T) {
	tpl := &model.Template{
		EventType: "transaction.completed",
		Payload: map[string]any{
			"txn":    "{{transaction_id}}",
			"amount": "{{amount}}",
			"who":    "{{user_email}}",
			"label":  "fixed",
			"nested": map[string]any{"event": "{{event_type}}"},
			"list":   []any{"{{event_id}}", "tail"},
		},
		Active: true,
	}
	r := NewRenderer(staticSource{tpl: tpl})

	payload, _, err := r.Render(context.Background(), testContext())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	want := map[string]any{
		"txn":    "T1",
		"amount": 125.5,
		"who":    "pat@example.com",
		"label":  "fixed",
		"nested": map[string]any{"event": "transaction.completed"},
		"list":   []any{"ev-1", "tail"},
	}
	if !reflect.DeepEqual(payload, want) {
		t.Errorf("payload = %#v, want %#v", payload, want)
	}
}

func TestRenderUnknownPlaceholderVerbatim(t *testing.T) {
	tpl := &model.Template{
		Payload: map[string]any{"x": "{{missing}}"},
		Active:  true,
	}
	r := NewRenderer(staticSource{tpl: tpl})

	payload, _, err := r.Render(context.Background(), testContext())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if payload["x"] != "{{missing}}" {
		t.Errorf("unknown placeholder rewritten: got %v", payload["x"])
	}
}

func TestRenderPayloadKeyPrecedence(t *testing.T) {
	// An event payload key shadows the built-in of the same name.
	rc := testContext()
	rc.Data["user_email"] = "override@example.com"
	tpl := &model.Template{
		Payload: map[string]any{"who": "{{user_email}}"},
		Active:  true,
	}
	r := NewRenderer(staticSource{tpl: tpl})

	payload, _, err := r.Render(context.Background(), rc)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if payload["who"] != "override@example.com" {
		t.Errorf("payload key should shadow built-in, got %v", payload["who"])
	}
}

func TestRenderDefaultEnvelope(t *testing.T) {
	r := NewRenderer(staticSource{})

	payload, headers, err := r.Render(context.Background(), testContext())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if headers != nil {
		t.Errorf("default envelope should carry no extra headers, got %v", headers)
	}
	event, ok := payload["event"].(map[string]any)
	if !ok {
		t.Fatalf("envelope missing event object: %#v", payload)
	}
	if event["id"] != "ev-1" || event["type"] != "transaction.completed" {
		t.Errorf("envelope event = %#v", event)
	}
	if event["created"] != "2026-03-14T09:26:53Z" {
		t.Errorf("envelope created = %v", event["created"])
	}
	user, ok := payload["user"].(map[string]any)
	if !ok || user["email"] != "pat@example.com" {
		t.Errorf("envelope user = %#v", payload["user"])
	}
}

func TestRenderHeaders(t *testing.T) {
	tpl := &model.Template{
		Payload: map[string]any{"ok": true},
		Headers: map[string]string{
			"X-Event-Type": "{{event_type}}",
			"X-Static":     "v1",
			"X-Amount":     "{{amount}}", // non-string resolution stays verbatim
		},
		Active: true,
	}
	r := NewRenderer(staticSource{tpl: tpl})

	_, headers, err := r.Render(context.Background(), testContext())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if headers["X-Event-Type"] != "transaction.completed" {
		t.Errorf("X-Event-Type = %q", headers["X-Event-Type"])
	}
	if headers["X-Static"] != "v1" {
		t.Errorf("X-Static = %q", headers["X-Static"])
	}
	if headers["X-Amount"] != "{{amount}}" {
		t.Errorf("X-Amount = %q, want placeholder kept", headers["X-Amount"])
	}
}
