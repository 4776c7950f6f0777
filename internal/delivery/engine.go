package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vantagebank/hookline/internal/logsink"
	"github.com/vantagebank/hookline/internal/metrics"
	"github.com/vantagebank/hookline/internal/model"
	"github.com/vantagebank/hookline/internal/signature"
	"github.com/vantagebank/hookline/internal/store"
	"github.com/vantagebank/hookline/internal/template"
	"github.com/vantagebank/hookline/internal/tracing"
)

// Wire headers of the delivery HTTP contract.
const (
	HeaderID        = "X-Webhook-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEvent     = "X-Webhook-Event"
	HeaderAttempt   = "X-Webhook-Attempt"
	HeaderSignature = "X-Webhook-Signature"
)

// maxResponseBytes bounds the stored response body snapshot.
const maxResponseBytes = 1024

// Outcome describes one completed delivery attempt.
type Outcome struct {
	Status     model.DeliveryStatus
	HTTPStatus int
	Body       string
	Err        string
	Duration   time.Duration
}

// RetryReason classifies the outcome for retry metrics and logs.
func (o Outcome) RetryReason() string {
	switch o.Status {
	case model.DeliveryTimeout:
		return "timeout"
	case model.DeliveryError:
		return "network"
	case model.DeliveryFailed:
		if o.HTTPStatus >= 500 {
			return "http_5xx"
		}
		if o.HTTPStatus >= 400 {
			return "http_4xx"
		}
	}
	return "other"
}

// Store is the durable surface the engine touches: the delivery rows it
// appends, the endpoint statistics it increments, and the user directory it
// reads for the render context.
type Store interface {
	store.DeliveryStore
	RecordStatistics(ctx context.Context, id uuid.UUID, success bool, at time.Time) error
	GetUser(ctx context.Context, id uuid.UUID) (*store.User, error)
}

// Notifier is the best-effort side channel invoked after a successful
// delivery. Implementations must absorb their own failures.
type Notifier interface {
	DeliverySucceeded(ctx context.Context, ev *model.Event, ep *model.Endpoint)
}

// Engine performs one HTTP delivery of one event to one endpoint and records
// the outcome. It never follows redirects and always verifies TLS.
type Engine struct {
	store    Store
	renderer *template.Renderer
	sink     *logsink.Sink
	notifier Notifier
	client   *http.Client
	now      func() time.Time
}

func NewEngine(st Store, renderer *template.Renderer, sink *logsink.Sink, notifier Notifier) *Engine {
	return &Engine{
		store:    st,
		renderer: renderer,
		sink:     sink,
		notifier: notifier,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		now: time.Now,
	}
}

// WithClock overrides the engine clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Deliver runs steps 1-7 of a single (event, endpoint) delivery: pending row
// before any network I/O, render, sign, one POST bound by the endpoint
// timeout, outcome classification, bookkeeping. The bool result is the
// success/failure signal the retry decision runs on.
func (e *Engine) Deliver(ctx context.Context, ep *model.Endpoint, ev *model.Event, attempt int) (bool, Outcome) {
	ctx, span := tracing.StartSpan(ctx, "delivery.deliver",
		attribute.String("event_id", ev.ID.String()),
		attribute.String("endpoint_id", ep.ID.String()),
		attribute.String("event_type", ev.Type),
		attribute.Int("attempt", attempt),
	)
	defer span.End()

	rc := e.renderContext(ctx, ev)
	payload, extraHeaders, err := e.renderer.Render(ctx, rc)
	if err != nil {
		return false, e.abort(ctx, ep, ev, attempt, fmt.Errorf("render payload: %w", err))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, e.abort(ctx, ep, ev, attempt, fmt.Errorf("encode payload: %w", err))
	}

	headers := map[string]string{
		"Content-Type":  "application/json",
		HeaderID:        ev.ID.String(),
		HeaderTimestamp: strconv.FormatInt(e.now().Unix(), 10),
		HeaderEvent:     ev.Type,
		HeaderAttempt:   strconv.Itoa(attempt),
	}
	// additive merge: template headers never override the standard set.
	// The HTTP layer canonicalizes header names on send, so the check must
	// ignore case or `content-type` would slip past `Content-Type`.
	for k, v := range extraHeaders {
		if !reservedHeader(headers, k) {
			headers[k] = v
		}
	}
	if !ep.Secret.IsZero() {
		sig, err := signature.Sign(ep.Secret, payload)
		if err != nil {
			return false, e.abort(ctx, ep, ev, attempt, fmt.Errorf("sign payload: %w", err))
		}
		headers[HeaderSignature] = sig
	}

	// Pending row lands before any network I/O so a crash mid-delivery is
	// observable in the audit trail.
	row := &model.Delivery{
		ID:             uuid.New(),
		EventID:        ev.ID,
		EndpointID:     ep.ID,
		Status:         model.DeliveryPending,
		RequestHeaders: headers,
		RequestBody:    string(body),
		Attempt:        attempt,
		IsRetry:        attempt > 1,
		StartedAt:      e.now().UTC(),
	}
	if err := e.store.CreateDelivery(ctx, row); err != nil {
		tracing.SetSpanError(ctx, err)
		return false, e.abort(ctx, ep, ev, attempt, fmt.Errorf("create delivery row: %w", err))
	}

	outcome := e.post(ctx, ep, headers, body)
	e.finish(ctx, ep, ev, row, outcome)

	span.SetAttributes(
		attribute.String("delivery.status", string(outcome.Status)),
		attribute.Int("http.status_code", outcome.HTTPStatus),
		attribute.Int64("http.latency_ms", outcome.Duration.Milliseconds()),
	)
	return outcome.Status == model.DeliverySuccess, outcome
}

// reservedHeader reports whether k collides, case-insensitively, with the
// signature header or any header already set on the request.
func reservedHeader(headers map[string]string, k string) bool {
	if strings.EqualFold(k, HeaderSignature) {
		return true
	}
	for set := range headers {
		if strings.EqualFold(set, k) {
			return true
		}
	}
	return false
}

// renderContext assembles the flat substitution namespace. A missing user is
// logged and rendered with empty user fields rather than failing delivery.
func (e *Engine) renderContext(ctx context.Context, ev *model.Event) *template.Context {
	rc := &template.Context{
		EventID:   ev.ID.String(),
		EventType: ev.Type,
		CreatedAt: ev.CreatedAt,
		Data:      ev.Payload,
	}
	if ev.UserID != nil {
		rc.UserID = ev.UserID.String()
		user, err := e.store.GetUser(ctx, *ev.UserID)
		if err != nil {
			e.sink.Warn(ctx, "event owner lookup failed",
				map[string]any{"user_id": ev.UserID.String(), "error": err.Error()},
				logsink.Refs{EventID: &ev.ID})
		} else {
			rc.UserEmail = user.Email
		}
	}
	return rc
}

// post issues the single HTTP POST bound by the endpoint's per-attempt
// timeout and classifies the result.
func (e *Engine) post(ctx context.Context, ep *model.Endpoint, headers map[string]string, body []byte) Outcome {
	reqCtx, cancel := context.WithTimeout(ctx, ep.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Status: model.DeliveryError, Err: err.Error()}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := e.now()
	resp, err := e.client.Do(req)
	elapsed := e.now().Sub(start)
	if err != nil {
		return Outcome{Status: classifyTransport(err), Err: err.Error(), Duration: elapsed}
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	out := Outcome{
		HTTPStatus: resp.StatusCode,
		Body:       string(snippet),
		Duration:   elapsed,
	}
	if resp.StatusCode < 400 {
		out.Status = model.DeliverySuccess
	} else {
		out.Status = model.DeliveryFailed
		out.Err = fmt.Sprintf("endpoint returned HTTP %d", resp.StatusCode)
	}
	return out
}

func classifyTransport(err error) model.DeliveryStatus {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.DeliveryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.DeliveryTimeout
	}
	return model.DeliveryError
}

// finish records the outcome: completes the delivery row, bumps endpoint
// statistics, writes the audit entry, and on success fires the side channel.
func (e *Engine) finish(ctx context.Context, ep *model.Endpoint, ev *model.Event, row *model.Delivery, out Outcome) {
	completedAt := e.now().UTC()
	row.Status = out.Status
	if out.HTTPStatus != 0 {
		code := out.HTTPStatus
		row.HTTPStatus = &code
	}
	row.ResponseBody = out.Body
	row.ErrorMessage = out.Err
	row.ResponseTimeMS = out.Duration.Milliseconds()
	row.CompletedAt = &completedAt

	if err := e.store.CompleteDelivery(ctx, row); err != nil {
		tracing.SetSpanError(ctx, err)
		e.sink.Error(ctx, "delivery row update failed",
			map[string]any{"error": err.Error()},
			logsink.Refs{EventID: &ev.ID, EndpointID: &ep.ID, DeliveryID: &row.ID})
	}

	success := out.Status == model.DeliverySuccess
	if err := e.store.RecordStatistics(ctx, ep.ID, success, completedAt); err != nil {
		e.sink.Error(ctx, "endpoint statistics update failed",
			map[string]any{"error": err.Error()},
			logsink.Refs{EndpointID: &ep.ID})
	}

	metrics.RecordDelivery(string(out.Status), out.Duration)

	refs := logsink.Refs{EventID: &ev.ID, EndpointID: &ep.ID, DeliveryID: &row.ID}
	detail := map[string]any{
		"event_type":  ev.Type,
		"url":         ep.URL,
		"attempt":     row.Attempt,
		"http_status": out.HTTPStatus,
		"latency_ms":  out.Duration.Milliseconds(),
	}
	if success {
		e.sink.Info(ctx, "webhook delivered", detail, refs)
		if ep.NotifyEmail && e.notifier != nil {
			// isolated failure boundary: the notifier absorbs its own errors
			e.notifier.DeliverySucceeded(ctx, ev, ep)
		}
		return
	}
	detail["error"] = out.Err
	if out.Status == model.DeliveryError || out.Status == model.DeliveryTimeout {
		e.sink.Error(ctx, "webhook delivery failed", detail, refs)
	} else {
		e.sink.Warn(ctx, "webhook delivery failed", detail, refs)
	}
}

// abort records an attempt that failed before reaching the network.
func (e *Engine) abort(ctx context.Context, ep *model.Endpoint, ev *model.Event, attempt int, err error) Outcome {
	tracing.SetSpanError(ctx, err)
	out := Outcome{Status: model.DeliveryError, Err: err.Error()}
	e.sink.Error(ctx, "delivery aborted before send",
		map[string]any{"attempt": attempt, "error": err.Error()},
		logsink.Refs{EventID: &ev.ID, EndpointID: &ep.ID})
	metrics.RecordDelivery(string(out.Status), 0)
	return out
}
