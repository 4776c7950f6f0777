package processor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vantagebank/hookline/internal/delivery"
	"github.com/vantagebank/hookline/internal/logsink"
	"github.com/vantagebank/hookline/internal/metrics"
	"github.com/vantagebank/hookline/internal/model"
	"github.com/vantagebank/hookline/internal/store"
	"github.com/vantagebank/hookline/internal/tracing"
)

// Deliverer performs one delivery attempt. Satisfied by *delivery.Engine.
type Deliverer interface {
	Deliver(ctx context.Context, ep *model.Endpoint, ev *model.Event, attempt int) (bool, delivery.Outcome)
}

// Options bound one processing pass.
type Options struct {
	Limit     int
	EventType string // optional filter
	DryRun    bool   // report what would run without touching anything
}

// Report summarizes one processing pass.
type Report struct {
	Claimed   int       `json:"claimed"`
	Delivered int       `json:"delivered"`
	Retried   int       `json:"retried"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	DryRun    bool      `json:"dry_run"`
	RanAt     time.Time `json:"ran_at"`
}

// Processor owns the event lifecycle: registering new events, claiming due
// ones, fanning deliveries out to subscribed endpoints, and settling each
// event's terminal state from its per-endpoint retry cursors.
type Processor struct {
	store       store.Store
	engine      Deliverer
	sink        *logsink.Sink
	parallelism int
	now         func() time.Time
}

func New(st store.Store, engine Deliverer, sink *logsink.Sink, parallelism int) *Processor {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Processor{
		store:       st,
		engine:      engine,
		sink:        sink,
		parallelism: parallelism,
		now:         time.Now,
	}
}

// WithClock overrides the processor clock, for tests.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// TriggerEvent validates and registers a new event. Registration never
// blocks on delivery: the event is queued pending and picked up by the next
// processing pass. An event with no subscribed endpoints completes
// immediately.
func (p *Processor) TriggerEvent(ctx context.Context, eventType string, payload map[string]any, userID *uuid.UUID) (*model.Event, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.trigger_event",
		attribute.String("event_type", eventType))
	defer span.End()

	if !model.KnownEventType(eventType) {
		return nil, model.ErrUnknownEventType
	}
	if payload == nil {
		payload = map[string]any{}
	}

	now := p.now().UTC()
	ev := &model.Event{
		ID:        uuid.New(),
		Type:      eventType,
		Payload:   payload,
		UserID:    userID,
		Status:    model.EventPending,
		CreatedAt: now,
	}
	if err := p.store.CreateEvent(ctx, ev); err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	metrics.RecordEventTriggered(eventType)

	endpoints, err := p.store.ListActiveSubscribed(ctx, userID, eventType)
	if err != nil {
		// The event is already queued; the processing pass will resolve
		// endpoints again.
		p.sink.Warn(ctx, "endpoint resolution failed at trigger",
			map[string]any{"error": err.Error()},
			logsink.Refs{EventID: &ev.ID})
		return ev, nil
	}
	if len(endpoints) == 0 {
		if err := p.store.MarkCompleted(ctx, ev.ID, 0, now); err != nil {
			return nil, err
		}
		ev.Status = model.EventCompleted
		p.sink.Info(ctx, "event completed with no subscribers",
			map[string]any{"event_type": eventType},
			logsink.Refs{EventID: &ev.ID})
		return ev, nil
	}

	ids := endpointIDs(endpoints)
	if err := p.store.EnsureCursors(ctx, ev.ID, ids); err != nil {
		p.sink.Warn(ctx, "cursor creation deferred to processing pass",
			map[string]any{"error": err.Error()},
			logsink.Refs{EventID: &ev.ID})
	}
	p.sink.Info(ctx, "event queued",
		map[string]any{"event_type": eventType, "endpoints": len(endpoints)},
		logsink.Refs{EventID: &ev.ID})
	return ev, nil
}

// ProcessPendingEvents claims a batch of due pending events and runs their
// deliveries. With DryRun set it only reads what would be claimed.
func (p *Processor) ProcessPendingEvents(ctx context.Context, opts Options) (*Report, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.process_pending")
	defer span.End()

	now := p.now().UTC()
	report := &Report{DryRun: opts.DryRun, RanAt: now}

	if opts.DryRun {
		due, err := p.store.ListDue(ctx, opts.Limit, opts.EventType, now)
		if err != nil {
			return nil, err
		}
		report.Claimed = len(due)
		return report, nil
	}

	claimed, err := p.store.ClaimDue(ctx, opts.Limit, opts.EventType, now)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	report.Claimed = len(claimed)

	for _, ev := range claimed {
		delivered, retried, settled := p.processEvent(ctx, ev)
		report.Delivered += delivered
		report.Retried += retried
		switch settled {
		case model.EventCompleted:
			report.Completed++
		case model.EventFailed:
			report.Failed++
		}
	}
	span.SetAttributes(
		attribute.Int("claimed", report.Claimed),
		attribute.Int("delivered", report.Delivered),
	)
	return report, nil
}

// processEvent runs one pass over a claimed event: it re-resolves the
// subscribed endpoints, delivers every due cursor, applies the retry policy
// per cursor, then settles the event. It returns the number of successful
// deliveries, the number of retries scheduled, and the status the event
// settled into (pending when deliveries remain outstanding).
func (p *Processor) processEvent(ctx context.Context, ev *model.Event) (delivered, retried int, settled model.EventStatus) {
	fresh, err := p.store.GetEvent(ctx, ev.ID)
	if err == nil && fresh.Status == model.EventCancelled {
		return 0, 0, model.EventCancelled
	}

	endpoints, err := p.store.ListActiveSubscribed(ctx, ev.UserID, ev.Type)
	if err != nil {
		p.release(ctx, ev, nil)
		return 0, 0, model.EventPending
	}
	byID := make(map[uuid.UUID]*model.Endpoint, len(endpoints))
	for _, ep := range endpoints {
		byID[ep.ID] = ep
	}

	if len(endpoints) > 0 {
		if err := p.store.EnsureCursors(ctx, ev.ID, endpointIDs(endpoints)); err != nil {
			p.release(ctx, ev, nil)
			return 0, 0, model.EventPending
		}
	}
	cursors, err := p.store.ListCursors(ctx, ev.ID)
	if err != nil {
		p.release(ctx, ev, nil)
		return 0, 0, model.EventPending
	}
	if len(cursors) == 0 {
		p.settle(ctx, ev, nil)
		return 0, 0, model.EventCompleted
	}

	now := p.now().UTC()
	var due []*model.Cursor
	for _, c := range cursors {
		if !c.Due(now) {
			continue
		}
		if _, ok := byID[c.EndpointID]; !ok {
			// The endpoint was deactivated mid-retry. Abandon the cursor;
			// the event settles as failed so the outcome stays visible.
			c.Done = true
			if err := p.store.UpdateCursor(ctx, c); err == nil {
				p.sink.Warn(ctx, "delivery abandoned, endpoint deactivated",
					map[string]any{"event_type": ev.Type},
					logsink.Refs{EventID: &ev.ID, EndpointID: &c.EndpointID})
			}
			continue
		}
		due = append(due, c)
	}

	type result struct {
		cursor  *model.Cursor
		ok      bool
		outcome delivery.Outcome
	}
	results := make([]result, len(due))
	sem := make(chan struct{}, p.parallelism)
	var wg sync.WaitGroup
	for i, c := range due {
		wg.Add(1)
		go func(i int, c *model.Cursor) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			ok, out := p.engine.Deliver(ctx, byID[c.EndpointID], ev, c.AttemptCount+1)
			results[i] = result{cursor: c, ok: ok, outcome: out}
		}(i, c)
	}
	wg.Wait()

	for _, r := range results {
		c := r.cursor
		ep := byID[c.EndpointID]
		c.AttemptCount++
		c.NextAttemptAt = nil
		if r.ok {
			delivered++
			c.Done = true
			c.Succeeded = true
		} else if ShouldRetry(c.AttemptCount, ep.MaxRetries) {
			retried++
			next := NextRetryAt(p.now().UTC(), c.AttemptCount, ep.RetryDelay())
			c.NextAttemptAt = &next
			metrics.RecordRetry(r.outcome.RetryReason())
			p.sink.Warn(ctx, "delivery retry scheduled",
				map[string]any{
					"event_type": ev.Type,
					"attempt":    c.AttemptCount,
					"reason":     r.outcome.RetryReason(),
					"next_at":    next.Format(time.RFC3339),
				},
				logsink.Refs{EventID: &ev.ID, EndpointID: &c.EndpointID})
		} else {
			c.Done = true
			metrics.EventsExhaustedTotal.Inc()
			p.sink.Error(ctx, "delivery retries exhausted",
				map[string]any{"event_type": ev.Type, "attempts": c.AttemptCount},
				logsink.Refs{EventID: &ev.ID, EndpointID: &c.EndpointID})
		}
		if err := p.store.UpdateCursor(ctx, c); err != nil {
			p.sink.Error(ctx, "cursor update failed",
				map[string]any{"error": err.Error()},
				logsink.Refs{EventID: &ev.ID, EndpointID: &c.EndpointID})
		}
	}

	cursors, err = p.store.ListCursors(ctx, ev.ID)
	if err != nil {
		p.release(ctx, ev, cursors)
		return delivered, retried, model.EventPending
	}
	return delivered, retried, p.settle(ctx, ev, cursors)
}

// settle moves an event to its terminal state when every cursor is done, or
// back to pending with the earliest retry schedule otherwise.
func (p *Processor) settle(ctx context.Context, ev *model.Event, cursors []*model.Cursor) model.EventStatus {
	now := p.now().UTC()
	allDone, allSucceeded := true, true
	maxAttempts := 0
	var nextRetry *time.Time
	for _, c := range cursors {
		if c.AttemptCount > maxAttempts {
			maxAttempts = c.AttemptCount
		}
		if !c.Done {
			allDone = false
			if c.NextAttemptAt != nil && (nextRetry == nil || c.NextAttemptAt.Before(*nextRetry)) {
				t := *c.NextAttemptAt
				nextRetry = &t
			}
			continue
		}
		if !c.Succeeded {
			allSucceeded = false
		}
	}

	if !allDone {
		p.releaseWith(ctx, ev, maxAttempts, nextRetry)
		return model.EventPending
	}
	if allSucceeded {
		if err := p.store.MarkCompleted(ctx, ev.ID, maxAttempts, now); err != nil {
			p.sink.Error(ctx, "event completion update failed",
				map[string]any{"error": err.Error()}, logsink.Refs{EventID: &ev.ID})
		}
		p.sink.Info(ctx, "event completed",
			map[string]any{"event_type": ev.Type, "attempts": maxAttempts},
			logsink.Refs{EventID: &ev.ID})
		return model.EventCompleted
	}
	if err := p.store.MarkFailed(ctx, ev.ID, maxAttempts, now); err != nil {
		p.sink.Error(ctx, "event failure update failed",
			map[string]any{"error": err.Error()}, logsink.Refs{EventID: &ev.ID})
	}
	p.sink.Error(ctx, "event failed",
		map[string]any{"event_type": ev.Type, "attempts": maxAttempts},
		logsink.Refs{EventID: &ev.ID})
	return model.EventFailed
}

func (p *Processor) release(ctx context.Context, ev *model.Event, cursors []*model.Cursor) {
	maxAttempts := ev.AttemptCount
	var nextRetry *time.Time
	for _, c := range cursors {
		if c.AttemptCount > maxAttempts {
			maxAttempts = c.AttemptCount
		}
		if !c.Done && c.NextAttemptAt != nil && (nextRetry == nil || c.NextAttemptAt.Before(*nextRetry)) {
			t := *c.NextAttemptAt
			nextRetry = &t
		}
	}
	p.releaseWith(ctx, ev, maxAttempts, nextRetry)
}

func (p *Processor) releaseWith(ctx context.Context, ev *model.Event, attempts int, nextRetry *time.Time) {
	if err := p.store.ReleasePending(ctx, ev.ID, attempts, nextRetry); err != nil {
		p.sink.Error(ctx, "event release failed",
			map[string]any{"error": err.Error()}, logsink.Refs{EventID: &ev.ID})
	}
}

// Cancel marks a non-terminal event cancelled. In-flight attempts finish but
// no further deliveries are scheduled.
func (p *Processor) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := p.store.CancelEvent(ctx, id); err != nil {
		return err
	}
	p.sink.Info(ctx, "event cancelled", nil, logsink.Refs{EventID: &id})
	return nil
}

// Requeue puts a failed or cancelled event back in the pending queue with its
// unsucceeded cursors reset.
func (p *Processor) Requeue(ctx context.Context, id uuid.UUID) error {
	if err := p.store.RequeueEvent(ctx, id); err != nil {
		return err
	}
	p.sink.Info(ctx, "event requeued", nil, logsink.Refs{EventID: &id})
	return nil
}

func endpointIDs(endpoints []*model.Endpoint) []uuid.UUID {
	ids := make([]uuid.UUID, len(endpoints))
	for i, ep := range endpoints {
		ids[i] = ep.ID
	}
	return ids
}
