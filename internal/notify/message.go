package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"github.com/vantagebank/hookline/internal/logging"
	"github.com/vantagebank/hookline/internal/model"
	"github.com/vantagebank/hookline/internal/tracing"
)

// Message is the queue payload published after a successful delivery. The
// notifier process consumes it and decides whether an email goes out.
type Message struct {
	EventID      uuid.UUID         `json:"event_id"`
	EventType    string            `json:"event_type"`
	UserID       *uuid.UUID        `json:"user_id,omitempty"`
	EndpointID   uuid.UUID         `json:"endpoint_id"`
	OccurredAt   time.Time         `json:"occurred_at"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Publisher pushes notification messages onto the queue. It is strictly
// best-effort: publish failures are logged and swallowed so the delivery
// path never observes them.
type Publisher struct {
	prod   *nsq.Producer
	topic  string
	logger *logging.Logger
}

func NewPublisher(prod *nsq.Producer, topic string, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.New("hookline-notify")
	}
	return &Publisher{prod: prod, topic: topic, logger: logger}
}

// DeliverySucceeded queues a notification for a delivered event.
func (p *Publisher) DeliverySucceeded(ctx context.Context, ev *model.Event, ep *model.Endpoint) {
	if p.prod == nil {
		return
	}
	msg := Message{
		EventID:      ev.ID,
		EventType:    ev.Type,
		UserID:       ev.UserID,
		EndpointID:   ep.ID,
		OccurredAt:   time.Now().UTC(),
		TraceHeaders: tracing.InjectMessageHeaders(ctx),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("notification encode failed")
		return
	}
	if err := p.prod.Publish(p.topic, body); err != nil {
		p.logger.WithContext(ctx).WithError(err).
			WithEvent(ev.ID.String()).
			Warn("notification publish failed")
	}
}
