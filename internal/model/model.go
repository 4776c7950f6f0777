package model

import (
	"time"

	"github.com/google/uuid"
)

// EventStatus is the lifecycle status of an Event.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
	EventCancelled  EventStatus = "cancelled"
)

// Terminal reports whether the status never reverts. Only the
// pending<->processing pair is reversible during active delivery.
func (s EventStatus) Terminal() bool {
	switch s {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	}
	return false
}

// DeliveryStatus is the outcome of a single delivery attempt.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"  // HTTP >= 400
	DeliveryTimeout DeliveryStatus = "timeout" // per-attempt deadline exceeded
	DeliveryError   DeliveryStatus = "error"   // transport failure before a response
)

// Endpoint is a subscriber's registered HTTP target plus delivery policy.
// Statistics counters are monotonically non-decreasing and are updated only
// by the delivery engine after an attempt completes.
type Endpoint struct {
	ID                   uuid.UUID  `json:"id"`
	UserID               uuid.UUID  `json:"user_id"`
	URL                  string     `json:"url"`
	EventTypes           []string   `json:"event_types"`
	Secret               Secret     `json:"secret,omitempty"`
	Active               bool       `json:"active"`
	TimeoutSeconds       int        `json:"timeout_seconds"`
	MaxRetries           int        `json:"max_retries"`
	RetryDelaySeconds    int        `json:"retry_delay_seconds"`
	NotifyEmail          bool       `json:"notify_email"`
	TotalDeliveries      int64      `json:"total_deliveries"`
	SuccessfulDeliveries int64      `json:"successful_deliveries"`
	FailedDeliveries     int64      `json:"failed_deliveries"`
	LastUsedAt           *time.Time `json:"last_used_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Subscribed reports whether the endpoint is subscribed to the event type.
// Pure set membership; the active flag is checked by the store query.
func (e *Endpoint) Subscribed(eventType string) bool {
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Timeout is the per-attempt HTTP deadline.
func (e *Endpoint) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// RetryDelay is the base backoff delay for this endpoint.
func (e *Endpoint) RetryDelay() time.Duration {
	if e.RetryDelaySeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(e.RetryDelaySeconds) * time.Second
}

// Event is a durable record of something that happened, queued for delivery
// to zero or more endpoints. UserID is nil for system events.
type Event struct {
	ID           uuid.UUID      `json:"id"`
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	UserID       *uuid.UUID     `json:"user_id,omitempty"`
	Status       EventStatus    `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ProcessedAt  *time.Time     `json:"processed_at,omitempty"`
}

// Delivery is one concrete attempt to deliver one event to one endpoint.
// Rows are append-only: after completion only the completion fields are set,
// nothing is ever rewritten.
type Delivery struct {
	ID             uuid.UUID         `json:"id"`
	EventID        uuid.UUID         `json:"event_id"`
	EndpointID     uuid.UUID         `json:"endpoint_id"`
	Status         DeliveryStatus    `json:"status"`
	HTTPStatus     *int              `json:"http_status,omitempty"`
	ResponseBody   string            `json:"response_body,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	RequestBody    string            `json:"request_body,omitempty"`
	Attempt        int               `json:"attempt"`
	IsRetry        bool              `json:"is_retry"`
	ResponseTimeMS int64             `json:"response_time_ms"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Cursor tracks retry state for one (event, endpoint) pair. Keeping the
// counter here instead of on the Event lets an event fan out to endpoints
// with different retry policies without conflating their attempts.
type Cursor struct {
	EventID       uuid.UUID  `json:"event_id"`
	EndpointID    uuid.UUID  `json:"endpoint_id"`
	AttemptCount  int        `json:"attempt_count"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	Done          bool       `json:"done"`
	Succeeded     bool       `json:"succeeded"`
}

// Due reports whether the cursor is eligible for an attempt at t.
func (c *Cursor) Due(t time.Time) bool {
	if c.Done {
		return false
	}
	return c.NextAttemptAt == nil || !c.NextAttemptAt.After(t)
}

// Template holds the payload/header skeleton for one event type. At most one
// row per event type is active at a time.
type Template struct {
	ID        uuid.UUID         `json:"id"`
	EventType string            `json:"event_type"`
	Version   int               `json:"version"`
	Payload   map[string]any    `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	Active    bool              `json:"active"`
	CreatedAt time.Time         `json:"created_at"`
}

// LogEntry is one append-only audit record.
type LogEntry struct {
	ID         uuid.UUID      `json:"id"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Detail     map[string]any `json:"detail,omitempty"`
	EndpointID *uuid.UUID     `json:"endpoint_id,omitempty"`
	EventID    *uuid.UUID     `json:"event_id,omitempty"`
	DeliveryID *uuid.UUID     `json:"delivery_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
