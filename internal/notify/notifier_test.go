package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/redis/go-redis/v9"

	"github.com/vantagebank/hookline/internal/model"
	"github.com/vantagebank/hookline/internal/store"
)

type recordingMailer struct {
	mu       sync.Mutex
	sent     []string // "to|subject"
	failWith error
}

func (m *recordingMailer) Send(_ context.Context, to, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.sent = append(m.sent, to+"|"+subject)
	return nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func testLimiter(t *testing.T, limit int) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRateLimiter(rdb, limit), mr
}

func testMessage(userID uuid.UUID, eventType string) Message {
	return Message{
		EventID:    uuid.New(),
		EventType:  eventType,
		UserID:     &userID,
		EndpointID: uuid.New(),
		OccurredAt: time.Now().UTC(),
	}
}

func TestKindSelection(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{model.EventTypeUserCreated, "welcome"},
		{model.EventTypeAccountCreated, "welcome"},
		{model.EventTypeTransactionCompleted, "transaction_summary"},
		{"security.password_changed", "security_alert"},
		{model.EventTypeLoanApproved, "generic"},
		{model.EventTypeAccountClosed, "generic"},
	}
	for _, tt := range tests {
		if got := kind(tt.eventType); got != tt.want {
			t.Errorf("kind(%q) = %q, want %q", tt.eventType, got, tt.want)
		}
	}
}

func TestHandleSendsEmail(t *testing.T) {
	st := store.NewMemory()
	userID := uuid.New()
	st.PutUser(&store.User{ID: userID, Email: "pat@example.com", Name: "Pat"})

	limiter, _ := testLimiter(t, 10)
	mailer := &recordingMailer{}
	n := NewNotifier(st, limiter, mailer, nil)

	n.Handle(context.Background(), testMessage(userID, model.EventTypeUserCreated))

	if mailer.count() != 1 {
		t.Fatalf("emails sent = %d, want 1", mailer.count())
	}
	if mailer.sent[0] != "pat@example.com|Welcome to Vantage Bank" {
		t.Errorf("sent = %q", mailer.sent[0])
	}
}

func TestHandleSystemEventNoEmail(t *testing.T) {
	st := store.NewMemory()
	limiter, _ := testLimiter(t, 10)
	mailer := &recordingMailer{}
	n := NewNotifier(st, limiter, mailer, nil)

	msg := testMessage(uuid.New(), model.EventTypeUserCreated)
	msg.UserID = nil
	n.Handle(context.Background(), msg)

	if mailer.count() != 0 {
		t.Errorf("system event produced %d emails", mailer.count())
	}
}

func TestHandleRateLimit(t *testing.T) {
	st := store.NewMemory()
	userID := uuid.New()
	st.PutUser(&store.User{ID: userID, Email: "pat@example.com"})

	limiter, mr := testLimiter(t, 3)
	mailer := &recordingMailer{}
	n := NewNotifier(st, limiter, mailer, nil)

	for i := 0; i < 5; i++ {
		n.Handle(context.Background(), testMessage(userID, model.EventTypeTransactionCompleted))
	}
	if mailer.count() != 3 {
		t.Errorf("emails sent = %d, want 3 (hourly cap)", mailer.count())
	}

	// Window expiry restores the budget.
	mr.FastForward(time.Hour + time.Minute)
	n.Handle(context.Background(), testMessage(userID, model.EventTypeTransactionCompleted))
	if mailer.count() != 4 {
		t.Errorf("emails after window reset = %d, want 4", mailer.count())
	}
}

func TestHandleRateLimitPerUser(t *testing.T) {
	st := store.NewMemory()
	userA, userB := uuid.New(), uuid.New()
	st.PutUser(&store.User{ID: userA, Email: "a@example.com"})
	st.PutUser(&store.User{ID: userB, Email: "b@example.com"})

	limiter, _ := testLimiter(t, 1)
	mailer := &recordingMailer{}
	n := NewNotifier(st, limiter, mailer, nil)

	n.Handle(context.Background(), testMessage(userA, model.EventTypeUserCreated))
	n.Handle(context.Background(), testMessage(userA, model.EventTypeUserCreated))
	n.Handle(context.Background(), testMessage(userB, model.EventTypeUserCreated))

	if mailer.count() != 2 {
		t.Errorf("emails sent = %d, want one per user", mailer.count())
	}
}

func TestHandleAbsorbsFailures(t *testing.T) {
	st := store.NewMemory()
	userID := uuid.New()
	st.PutUser(&store.User{ID: userID, Email: "pat@example.com"})

	limiter, _ := testLimiter(t, 10)
	mailer := &recordingMailer{failWith: errors.New("smtp down")}
	n := NewNotifier(st, limiter, mailer, nil)

	// Must not panic or propagate anything.
	n.Handle(context.Background(), testMessage(userID, model.EventTypeUserCreated))

	// Unknown user is likewise swallowed.
	n.Handle(context.Background(), testMessage(uuid.New(), model.EventTypeUserCreated))
}

func TestHandleMessageBadPayload(t *testing.T) {
	st := store.NewMemory()
	limiter, _ := testLimiter(t, 10)
	n := NewNotifier(st, limiter, &recordingMailer{}, nil)

	// nsq handler contract: bad payloads are finished, not requeued
	if err := n.HandleMessage(nsq.NewMessage(nsq.MessageID{}, []byte("{not json"))); err != nil {
		t.Errorf("HandleMessage returned %v, want nil", err)
	}
}

func TestComposeSubjects(t *testing.T) {
	userID := uuid.New()
	tests := []struct {
		eventType string
		want      string
	}{
		{model.EventTypeUserCreated, "Welcome to Vantage Bank"},
		{model.EventTypeTransactionCompleted, "Your transaction completed"},
		{"security.login_attempt", "Security alert on your account"},
		{model.EventTypeLoanRejected, "Activity on your account"},
	}
	for _, tt := range tests {
		subject, body := compose(testMessage(userID, tt.eventType), "Pat")
		if subject != tt.want {
			t.Errorf("compose(%q) subject = %q, want %q", tt.eventType, subject, tt.want)
		}
		if body == "" {
			t.Errorf("compose(%q) empty body", tt.eventType)
		}
	}

	// Missing name falls back to a neutral greeting.
	_, body := compose(testMessage(userID, model.EventTypeUserCreated), "")
	if want := "Hi there,"; !strings.Contains(body, want) {
		t.Errorf("body %q missing %q", body, want)
	}
}
