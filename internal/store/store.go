package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vantagebank/hookline/internal/model"
)

// User is the narrow read-only view of a subscriber owned by the account
// service. This subsystem only ever resolves an owning-user reference to a
// notification address.
type User struct {
	ID    uuid.UUID
	Email string
	Name  string
}

// EventFilter bounds ListEvents.
type EventFilter struct {
	Status    model.EventStatus
	EventType string
	Limit     int
}

type EventStore interface {
	CreateEvent(ctx context.Context, ev *model.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*model.Event, error)
	ListEvents(ctx context.Context, f EventFilter) ([]*model.Event, error)

	// ClaimDue atomically selects up to limit pending events whose
	// next_retry_at is due (or unset) and flips them to processing. Two
	// concurrent callers never claim the same event. eventType optionally
	// filters; oldest events first.
	ClaimDue(ctx context.Context, limit int, eventType string, now time.Time) ([]*model.Event, error)

	// ListDue is the read-only counterpart of ClaimDue, used by dry runs.
	ListDue(ctx context.Context, limit int, eventType string, now time.Time) ([]*model.Event, error)

	// ReleasePending returns a processing event to pending for a later
	// retry sweep.
	ReleasePending(ctx context.Context, id uuid.UUID, attemptCount int, nextRetryAt *time.Time) error

	MarkCompleted(ctx context.Context, id uuid.UUID, attemptCount int, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, attemptCount int, at time.Time) error

	// CancelEvent moves a non-terminal event to cancelled. Terminal events
	// yield model.ErrAlreadyTerminal.
	CancelEvent(ctx context.Context, id uuid.UUID) error

	// RequeueEvent puts a failed or cancelled event back to pending for a
	// manual re-run and resets its retry cursors.
	RequeueEvent(ctx context.Context, id uuid.UUID) error

	CountPending(ctx context.Context) (int64, error)
}

type EndpointStore interface {
	CreateEndpoint(ctx context.Context, ep *model.Endpoint) error
	GetEndpoint(ctx context.Context, id uuid.UUID) (*model.Endpoint, error)
	ListEndpoints(ctx context.Context, userID *uuid.UUID) ([]*model.Endpoint, error)

	// ListActiveSubscribed returns active endpoints owned by userID that are
	// subscribed to eventType. A nil userID (system event) matches active
	// subscribed endpoints of every owner.
	ListActiveSubscribed(ctx context.Context, userID *uuid.UUID, eventType string) ([]*model.Endpoint, error)

	DeactivateEndpoint(ctx context.Context, id uuid.UUID) error

	// RecordStatistics atomically increments total plus the success or
	// failure counter and refreshes last_used_at. Counters never decrease.
	RecordStatistics(ctx context.Context, id uuid.UUID, success bool, at time.Time) error
}

type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *model.Delivery) error

	// CompleteDelivery sets the completion fields of a pending row. Rows are
	// append-only otherwise.
	CompleteDelivery(ctx context.Context, d *model.Delivery) error

	ListDeliveries(ctx context.Context, eventID uuid.UUID) ([]*model.Delivery, error)

	// PurgeDeliveries enforces the retention policy; nothing else ever
	// deletes delivery rows.
	PurgeDeliveries(ctx context.Context, olderThan time.Time) (int64, error)
}

// CursorStore tracks per-(event, endpoint) retry state.
type CursorStore interface {
	// EnsureCursors creates missing cursors for the given endpoints;
	// existing cursors are left untouched.
	EnsureCursors(ctx context.Context, eventID uuid.UUID, endpointIDs []uuid.UUID) error
	ListCursors(ctx context.Context, eventID uuid.UUID) ([]*model.Cursor, error)
	UpdateCursor(ctx context.Context, c *model.Cursor) error
}

type TemplateStore interface {
	// ActiveTemplate returns model.ErrNotFound when no active template
	// exists for the event type.
	ActiveTemplate(ctx context.Context, eventType string) (*model.Template, error)

	// UpsertTemplate stores a new version and deactivates the previous
	// active template for the same event type.
	UpsertTemplate(ctx context.Context, t *model.Template) error
}

type LogStore interface {
	AppendLog(ctx context.Context, e *model.LogEntry) error
	ListLogs(ctx context.Context, limit int) ([]*model.LogEntry, error)
}

type UserDirectory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
}

// Store is the full durable surface of the subsystem.
type Store interface {
	EventStore
	EndpointStore
	DeliveryStore
	CursorStore
	TemplateStore
	LogStore
	UserDirectory
}
