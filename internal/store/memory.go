package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vantagebank/hookline/internal/model"
)

// Memory is a mutex-guarded Store used by tests and local experiments. The
// claim transition is a compare-and-swap under the lock, mirroring the
// exclusivity the SQL implementation gets from FOR UPDATE SKIP LOCKED.
type Memory struct {
	mu        sync.Mutex
	events    map[uuid.UUID]*model.Event
	endpoints map[uuid.UUID]*model.Endpoint
	delivs    map[uuid.UUID]*model.Delivery
	cursors   map[cursorKey]*model.Cursor
	templates map[string][]*model.Template
	logs      []*model.LogEntry
	users     map[uuid.UUID]*User
}

type cursorKey struct {
	event    uuid.UUID
	endpoint uuid.UUID
}

func NewMemory() *Memory {
	return &Memory{
		events:    make(map[uuid.UUID]*model.Event),
		endpoints: make(map[uuid.UUID]*model.Endpoint),
		delivs:    make(map[uuid.UUID]*model.Delivery),
		cursors:   make(map[cursorKey]*model.Cursor),
		templates: make(map[string][]*model.Template),
		users:     make(map[uuid.UUID]*User),
	}
}

func copyEvent(ev *model.Event) *model.Event {
	cp := *ev
	return &cp
}

func copyEndpoint(ep *model.Endpoint) *model.Endpoint {
	cp := *ep
	cp.EventTypes = append([]string(nil), ep.EventTypes...)
	return &cp
}

// --- events ---

func (m *Memory) CreateEvent(_ context.Context, ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ID] = copyEvent(ev)
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id uuid.UUID) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyEvent(ev), nil
}

func (m *Memory) ListEvents(_ context.Context, f EventFilter) ([]*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Event
	for _, ev := range m.events {
		if f.Status != "" && ev.Status != f.Status {
			continue
		}
		if f.EventType != "" && ev.Type != f.EventType {
			continue
		}
		out = append(out, copyEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) dueLocked(limit int, eventType string, now time.Time) []*model.Event {
	var due []*model.Event
	for _, ev := range m.events {
		if ev.Status != model.EventPending {
			continue
		}
		if eventType != "" && ev.Type != eventType {
			continue
		}
		if ev.NextRetryAt != nil && ev.NextRetryAt.After(now) {
			continue
		}
		due = append(due, ev)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}

func (m *Memory) ClaimDue(_ context.Context, limit int, eventType string, now time.Time) ([]*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := m.dueLocked(limit, eventType, now)
	out := make([]*model.Event, 0, len(due))
	for _, ev := range due {
		ev.Status = model.EventProcessing // CAS: only pending rows were selected
		out = append(out, copyEvent(ev))
	}
	return out, nil
}

func (m *Memory) ListDue(_ context.Context, limit int, eventType string, now time.Time) ([]*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := m.dueLocked(limit, eventType, now)
	out := make([]*model.Event, 0, len(due))
	for _, ev := range due {
		out = append(out, copyEvent(ev))
	}
	return out, nil
}

func (m *Memory) ReleasePending(_ context.Context, id uuid.UUID, attemptCount int, nextRetryAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return model.ErrNotFound
	}
	if ev.Status != model.EventProcessing {
		return nil
	}
	ev.Status = model.EventPending
	ev.AttemptCount = attemptCount
	ev.NextRetryAt = nextRetryAt
	return nil
}

func (m *Memory) markTerminal(id uuid.UUID, status model.EventStatus, attemptCount int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return model.ErrNotFound
	}
	if ev.Status.Terminal() {
		return nil
	}
	ev.Status = status
	ev.AttemptCount = attemptCount
	at = at.UTC()
	ev.ProcessedAt = &at
	ev.NextRetryAt = nil
	return nil
}

func (m *Memory) MarkCompleted(_ context.Context, id uuid.UUID, attemptCount int, at time.Time) error {
	return m.markTerminal(id, model.EventCompleted, attemptCount, at)
}

func (m *Memory) MarkFailed(_ context.Context, id uuid.UUID, attemptCount int, at time.Time) error {
	return m.markTerminal(id, model.EventFailed, attemptCount, at)
}

func (m *Memory) CancelEvent(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return model.ErrNotFound
	}
	if ev.Status.Terminal() {
		return model.ErrAlreadyTerminal
	}
	now := time.Now().UTC()
	ev.Status = model.EventCancelled
	ev.ProcessedAt = &now
	return nil
}

func (m *Memory) RequeueEvent(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return model.ErrNotFound
	}
	if ev.Status != model.EventFailed && ev.Status != model.EventCancelled {
		return model.ErrNotFound
	}
	ev.Status = model.EventPending
	ev.NextRetryAt = nil
	ev.ProcessedAt = nil
	for _, c := range m.cursors {
		if c.EventID == id && !c.Succeeded {
			c.Done = false
			c.NextAttemptAt = nil
		}
	}
	return nil
}

func (m *Memory) CountPending(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, ev := range m.events {
		if ev.Status == model.EventPending {
			n++
		}
	}
	return n, nil
}

// --- endpoints ---

func (m *Memory) CreateEndpoint(_ context.Context, ep *model.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[ep.ID] = copyEndpoint(ep)
	return nil
}

func (m *Memory) GetEndpoint(_ context.Context, id uuid.UUID) (*model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyEndpoint(ep), nil
}

func (m *Memory) ListEndpoints(_ context.Context, userID *uuid.UUID) ([]*model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Endpoint
	for _, ep := range m.endpoints {
		if userID != nil && ep.UserID != *userID {
			continue
		}
		out = append(out, copyEndpoint(ep))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListActiveSubscribed(_ context.Context, userID *uuid.UUID, eventType string) ([]*model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Endpoint
	for _, ep := range m.endpoints {
		if !ep.Active || !ep.Subscribed(eventType) {
			continue
		}
		if userID != nil && ep.UserID != *userID {
			continue
		}
		out = append(out, copyEndpoint(ep))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeactivateEndpoint(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return model.ErrNotFound
	}
	ep.Active = false
	return nil
}

func (m *Memory) RecordStatistics(_ context.Context, id uuid.UUID, success bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return model.ErrNotFound
	}
	ep.TotalDeliveries++
	if success {
		ep.SuccessfulDeliveries++
	} else {
		ep.FailedDeliveries++
	}
	at = at.UTC()
	ep.LastUsedAt = &at
	return nil
}

// --- deliveries ---

func (m *Memory) CreateDelivery(_ context.Context, d *model.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.delivs[d.ID] = &cp
	return nil
}

func (m *Memory) CompleteDelivery(_ context.Context, d *model.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.delivs[d.ID]
	if !ok {
		return model.ErrNotFound
	}
	if row.Status != model.DeliveryPending {
		return nil // append-only: completed rows are never rewritten
	}
	row.Status = d.Status
	row.HTTPStatus = d.HTTPStatus
	row.ResponseBody = d.ResponseBody
	row.ErrorMessage = d.ErrorMessage
	row.ResponseTimeMS = d.ResponseTimeMS
	row.CompletedAt = d.CompletedAt
	return nil
}

func (m *Memory) ListDeliveries(_ context.Context, eventID uuid.UUID) ([]*model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Delivery
	for _, d := range m.delivs {
		if d.EventID == eventID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) PurgeDeliveries(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, d := range m.delivs {
		if d.CompletedAt != nil && d.CompletedAt.Before(olderThan) {
			delete(m.delivs, id)
			n++
		}
	}
	return n, nil
}

// --- cursors ---

func (m *Memory) EnsureCursors(_ context.Context, eventID uuid.UUID, endpointIDs []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, epID := range endpointIDs {
		key := cursorKey{event: eventID, endpoint: epID}
		if _, ok := m.cursors[key]; !ok {
			m.cursors[key] = &model.Cursor{EventID: eventID, EndpointID: epID}
		}
	}
	return nil
}

func (m *Memory) ListCursors(_ context.Context, eventID uuid.UUID) ([]*model.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Cursor
	for _, c := range m.cursors {
		if c.EventID == eventID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EndpointID.String() < out[j].EndpointID.String()
	})
	return out, nil
}

func (m *Memory) UpdateCursor(_ context.Context, c *model.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cursorKey{event: c.EventID, endpoint: c.EndpointID}
	if _, ok := m.cursors[key]; !ok {
		return model.ErrNotFound
	}
	cp := *c
	m.cursors[key] = &cp
	return nil
}

// --- templates ---

func (m *Memory) ActiveTemplate(_ context.Context, eventType string) (*model.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.templates[eventType] {
		if t.Active {
			cp := *t
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (m *Memory) UpsertTemplate(_ context.Context, t *model.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.templates[t.EventType]
	for _, prev := range existing {
		prev.Active = false
	}
	t.Version = len(existing) + 1
	cp := *t
	m.templates[t.EventType] = append(existing, &cp)
	return nil
}

// --- logs ---

func (m *Memory) AppendLog(_ context.Context, e *model.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *Memory) ListLogs(_ context.Context, limit int) ([]*model.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.LogEntry, 0, len(m.logs))
	for i := len(m.logs) - 1; i >= 0; i-- {
		cp := *m.logs[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- users ---

func (m *Memory) PutUser(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
}

func (m *Memory) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *u
	return &cp, nil
}
