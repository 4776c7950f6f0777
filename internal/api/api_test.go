package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/vantagebank/hookline/internal/config"
	"github.com/vantagebank/hookline/internal/delivery"
	"github.com/vantagebank/hookline/internal/logsink"
	"github.com/vantagebank/hookline/internal/model"
	"github.com/vantagebank/hookline/internal/processor"
	"github.com/vantagebank/hookline/internal/store"
)

type okDeliverer struct{}

func (okDeliverer) Deliver(context.Context, *model.Endpoint, *model.Event, int) (bool, delivery.Outcome) {
	return true, delivery.Outcome{Status: model.DeliverySuccess, HTTPStatus: http.StatusOK}
}

func newTestServer(t *testing.T) (*Server, *store.Memory, *mux.Router) {
	t.Helper()
	st := store.NewMemory()
	proc := processor.New(st, okDeliverer{}, logsink.New(st, nil), 2)
	defaults := config.Defaults{TimeoutSeconds: 30, MaxRetries: 3, RetryDelaySeconds: 60}
	srv := NewServer(st, proc, defaults, nil)
	router := mux.NewRouter()
	srv.Routes(router)
	return srv, st, router
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateEndpoint(t *testing.T) {
	_, st, router := newTestServer(t)
	userID := uuid.New()

	rec := doJSON(t, router, http.MethodPost, "/v1/endpoints", map[string]any{
		"user_id":     userID,
		"url":         "https://example.com/hook",
		"event_types": []string{model.EventTypeUserCreated},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}

	var resp struct {
		Endpoint map[string]any `json:"endpoint"`
		Secret   string         `json:"secret"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Secret == "" {
		t.Error("generated secret not echoed at creation")
	}
	// defaults applied
	if resp.Endpoint["timeout_seconds"].(float64) != 30 || resp.Endpoint["max_retries"].(float64) != 3 {
		t.Errorf("defaults not applied: %v", resp.Endpoint)
	}
	// secret is redacted in the endpoint object itself
	if s, _ := resp.Endpoint["secret"].(string); s != "" && s != "[REDACTED]" {
		t.Errorf("endpoint JSON leaked secret: %q", s)
	}

	id, _ := uuid.Parse(resp.Endpoint["id"].(string))
	ep, err := st.GetEndpoint(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if ep.Secret.IsZero() || !ep.Active {
		t.Errorf("stored endpoint = %+v", ep)
	}
}

func TestCreateEndpointValidation(t *testing.T) {
	_, _, router := newTestServer(t)
	userID := uuid.New().String()

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing user", map[string]any{
			"url": "https://example.com/h", "event_types": []string{model.EventTypeUserCreated}}},
		{"relative url", map[string]any{
			"user_id": userID, "url": "/hook", "event_types": []string{model.EventTypeUserCreated}}},
		{"bad scheme", map[string]any{
			"user_id": userID, "url": "ftp://example.com/h", "event_types": []string{model.EventTypeUserCreated}}},
		{"no event types", map[string]any{
			"user_id": userID, "url": "https://example.com/h", "event_types": []string{}}},
		{"unknown event type", map[string]any{
			"user_id": userID, "url": "https://example.com/h", "event_types": []string{"order.shipped"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/v1/endpoints", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestTriggerEvent(t *testing.T) {
	_, _, router := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/events", map[string]any{
		"type":    model.EventTypeTransactionCompleted,
		"payload": map[string]any{"transaction_id": "T1"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var ev model.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &ev); err != nil {
		t.Fatal(err)
	}
	// no subscribers: completes immediately
	if ev.Status != model.EventCompleted {
		t.Errorf("status = %q", ev.Status)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/events", map[string]any{"type": "order.shipped"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown type status = %d, want 422", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/events", map[string]any{"payload": map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing type status = %d, want 400", rec.Code)
	}
}

func TestEventLifecycleRoutes(t *testing.T) {
	_, st, router := newTestServer(t)
	userID := uuid.New()

	// subscribed endpoint keeps the event pending
	rec := doJSON(t, router, http.MethodPost, "/v1/endpoints", map[string]any{
		"user_id":     userID,
		"url":         "https://example.com/hook",
		"event_types": []string{model.EventTypeUserCreated},
	})
	if rec.Code != http.StatusCreated {
		t.Fatal(rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/events", map[string]any{
		"type": model.EventTypeUserCreated, "user_id": userID,
	})
	var ev model.Event
	_ = json.Unmarshal(rec.Body.Bytes(), &ev)
	if ev.Status != model.EventPending {
		t.Fatalf("status = %q, want pending", ev.Status)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/events/"+ev.ID.String()+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("cancel status = %d body = %s", rec.Code, rec.Body)
	}
	rec = doJSON(t, router, http.MethodPost, "/v1/events/"+ev.ID.String()+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/events/"+ev.ID.String()+"/retry", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("retry status = %d body = %s", rec.Code, rec.Body)
	}
	stored, _ := st.GetEvent(context.Background(), ev.ID)
	if stored.Status != model.EventPending {
		t.Errorf("requeued status = %q", stored.Status)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/events/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing event status = %d, want 404", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/v1/events/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
}

func TestProcessRoute(t *testing.T) {
	_, _, router := newTestServer(t)
	userID := uuid.New()

	doJSON(t, router, http.MethodPost, "/v1/endpoints", map[string]any{
		"user_id":     userID,
		"url":         "https://example.com/hook",
		"event_types": []string{model.EventTypeUserCreated},
	})
	doJSON(t, router, http.MethodPost, "/v1/events", map[string]any{
		"type": model.EventTypeUserCreated, "user_id": userID,
	})

	rec := doJSON(t, router, http.MethodPost, "/v1/process", map[string]any{"dry_run": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var report processor.Report
	_ = json.Unmarshal(rec.Body.Bytes(), &report)
	if !report.DryRun || report.Claimed != 1 {
		t.Errorf("dry-run report = %+v", report)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/process", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &report)
	if report.Claimed != 1 || report.Completed != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestTemplateRoute(t *testing.T) {
	_, _, router := newTestServer(t)

	rec := doJSON(t, router, http.MethodPut, "/v1/templates/"+model.EventTypeUserCreated, map[string]any{
		"payload": map[string]any{"who": "{{user_email}}"},
		"headers": map[string]string{"X-Custom": "v"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var tpl model.Template
	_ = json.Unmarshal(rec.Body.Bytes(), &tpl)
	if tpl.Version != 1 || !tpl.Active {
		t.Errorf("template = %+v", tpl)
	}

	rec = doJSON(t, router, http.MethodPut, "/v1/templates/order.shipped", map[string]any{
		"payload": map[string]any{"x": 1},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown type status = %d, want 422", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPut, "/v1/templates/"+model.EventTypeUserCreated, map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty payload status = %d, want 400", rec.Code)
	}
}

func TestListEndpointsRedactsSecrets(t *testing.T) {
	_, _, router := newTestServer(t)
	userID := uuid.New()

	doJSON(t, router, http.MethodPost, "/v1/endpoints", map[string]any{
		"user_id":     userID,
		"url":         "https://example.com/hook",
		"event_types": []string{model.EventTypeUserCreated},
		"secret":      "plaintext-secret-value",
	})

	rec := doJSON(t, router, http.MethodGet, fmt.Sprintf("/v1/endpoints?user_id=%s", userID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "plaintext-secret-value") {
		t.Error("endpoint listing leaked a secret")
	}
}

func TestEventTypesRoute(t *testing.T) {
	_, _, router := newTestServer(t)

	rec := doJSON(t, router, http.MethodGet, "/v1/event-types", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		EventTypes     []string `json:"event_types"`
		SecurityPrefix string   `json:"security_prefix"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.EventTypes) == 0 || resp.SecurityPrefix != model.SecurityPrefix {
		t.Errorf("resp = %+v", resp)
	}
}
