package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vantagebank/hookline/internal/logging"
	"github.com/vantagebank/hookline/internal/metrics"
	"github.com/vantagebank/hookline/internal/model"
	"github.com/vantagebank/hookline/internal/store"
	"github.com/vantagebank/hookline/internal/tracing"
)

// Notifier consumes notification messages and sends the matching email.
// Everything in here is best effort: a failure of any step is logged,
// counted, and dropped. Webhook delivery state is never touched.
type Notifier struct {
	users   store.UserDirectory
	limiter *RateLimiter
	mailer  Mailer
	logger  *logging.Logger
}

func NewNotifier(users store.UserDirectory, limiter *RateLimiter, mailer Mailer, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.New("hookline-notifier")
	}
	return &Notifier{users: users, limiter: limiter, mailer: mailer, logger: logger}
}

// HandleMessage implements nsq.Handler. It always returns nil: a malformed
// or unsendable notification is dropped, never requeued.
func (n *Notifier) HandleMessage(m *nsq.Message) error {
	var msg Message
	if err := json.Unmarshal(m.Body, &msg); err != nil {
		n.logger.Plain().WithError(err).Error("bad notification payload")
		metrics.RecordEmail("failed")
		return nil
	}
	ctx := tracing.ExtractMessageHeaders(context.Background(), msg.TraceHeaders)
	n.Handle(ctx, msg)
	return nil
}

// Handle processes one notification end to end.
func (n *Notifier) Handle(ctx context.Context, msg Message) {
	ctx, span := tracing.StartSpan(ctx, "notify.handle",
		attribute.String("event_type", msg.EventType))
	defer span.End()

	log := n.logger.WithContext(ctx).WithEvent(msg.EventID.String())

	if msg.UserID == nil {
		// System events have no owner to mail.
		return
	}
	user, err := n.users.GetUser(ctx, *msg.UserID)
	if err != nil {
		log.WithError(err).Warn("notification dropped, user lookup failed")
		metrics.RecordEmail("failed")
		return
	}
	if user.Email == "" {
		log.Warn("notification dropped, user has no email")
		metrics.RecordEmail("failed")
		return
	}

	if n.limiter != nil {
		ok, err := n.limiter.Allow(ctx, msg.UserID.String())
		if err != nil {
			log.WithError(err).Warn("notification dropped, rate limit check failed")
			metrics.RecordEmail("failed")
			return
		}
		if !ok {
			log.WithUser(msg.UserID.String()).Info("notification rate limited")
			metrics.RecordEmail("rate_limited")
			return
		}
	}

	subject, body := compose(msg, user.Name)
	if err := n.mailer.Send(ctx, user.Email, subject, body); err != nil {
		log.WithError(err).Warn("notification email send failed")
		metrics.RecordEmail("failed")
		return
	}
	log.WithField("kind", kind(msg.EventType)).Info("notification email sent")
	metrics.RecordEmail("sent")
}

// kind maps an event type to a notification category.
func kind(eventType string) string {
	switch eventType {
	case model.EventTypeUserCreated, model.EventTypeAccountCreated:
		return "welcome"
	case model.EventTypeTransactionCompleted:
		return "transaction_summary"
	}
	if strings.HasPrefix(eventType, model.SecurityPrefix) {
		return "security_alert"
	}
	return "generic"
}

// compose builds the subject and body for a notification.
func compose(msg Message, name string) (subject, body string) {
	if name == "" {
		name = "there"
	}
	switch kind(msg.EventType) {
	case "welcome":
		subject = "Welcome to Vantage Bank"
		body = fmt.Sprintf("Hi %s,\n\nYour account is set up and ready to use.\n", name)
	case "transaction_summary":
		subject = "Your transaction completed"
		body = fmt.Sprintf("Hi %s,\n\nA transaction on your account completed at %s.\n",
			name, msg.OccurredAt.Format("Jan 2, 2006 15:04 MST"))
	case "security_alert":
		subject = "Security alert on your account"
		body = fmt.Sprintf("Hi %s,\n\nWe noticed security activity on your account (%s) at %s.\nIf this wasn't you, contact support immediately.\n",
			name, msg.EventType, msg.OccurredAt.Format("Jan 2, 2006 15:04 MST"))
	default:
		subject = "Activity on your account"
		body = fmt.Sprintf("Hi %s,\n\nThere was new activity on your account: %s.\n", name, msg.EventType)
	}
	return subject, body
}
