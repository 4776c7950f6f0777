package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vantagebank/hookline/internal/model"
)

func pendingEvent(t *testing.T, m *Memory, createdAt time.Time) *model.Event {
	t.Helper()
	ev := &model.Event{
		ID:        uuid.New(),
		Type:      model.EventTypeUserCreated,
		Status:    model.EventPending,
		CreatedAt: createdAt,
	}
	if err := m.CreateEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestClaimDueExclusive(t *testing.T) {
	m := NewMemory()
	now := time.Now().UTC()
	const events = 50
	for i := 0; i < events; i++ {
		pendingEvent(t, m, now.Add(-time.Duration(i)*time.Second))
	}

	var mu sync.Mutex
	claimed := map[uuid.UUID]int{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.ClaimDue(context.Background(), events, "", now)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			for _, ev := range got {
				claimed[ev.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(claimed) != events {
		t.Errorf("claimed %d distinct events, want %d", len(claimed), events)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("event %s claimed %d times", id, n)
		}
	}
}

func TestClaimDueHonorsSchedule(t *testing.T) {
	m := NewMemory()
	now := time.Now().UTC()

	due := pendingEvent(t, m, now.Add(-2*time.Minute))
	future := pendingEvent(t, m, now.Add(-time.Minute))

	// claim both, then release with schedules: one due now, one in an hour
	claimedFirst, _ := m.ClaimDue(context.Background(), 10, "", now)
	if len(claimedFirst) != 2 {
		t.Fatalf("precondition claim = %d", len(claimedFirst))
	}
	later := now.Add(time.Hour)
	_ = m.ReleasePending(context.Background(), future.ID, 1, &later)
	_ = m.ReleasePending(context.Background(), due.ID, 1, nil)

	got, err := m.ClaimDue(context.Background(), 10, "", now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Errorf("claimed %+v, want only the due event", got)
	}
}

func TestClaimDueOldestFirst(t *testing.T) {
	m := NewMemory()
	now := time.Now().UTC()
	old := pendingEvent(t, m, now.Add(-3*time.Hour))
	pendingEvent(t, m, now.Add(-time.Hour))

	got, err := m.ClaimDue(context.Background(), 1, "", now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != old.ID {
		t.Errorf("claimed %+v, want oldest first", got)
	}
}

func TestCancelEventTerminal(t *testing.T) {
	m := NewMemory()
	ev := pendingEvent(t, m, time.Now().UTC())

	if err := m.CancelEvent(context.Background(), ev.ID); err != nil {
		t.Fatalf("CancelEvent: %v", err)
	}
	err := m.CancelEvent(context.Background(), ev.ID)
	if !errors.Is(err, model.ErrAlreadyTerminal) {
		t.Errorf("second cancel err = %v, want ErrAlreadyTerminal", err)
	}
	if err := m.CancelEvent(context.Background(), uuid.New()); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing event err = %v, want ErrNotFound", err)
	}
}

func TestCompleteDeliveryAppendOnly(t *testing.T) {
	m := NewMemory()
	d := &model.Delivery{
		ID:        uuid.New(),
		EventID:   uuid.New(),
		Status:    model.DeliveryPending,
		StartedAt: time.Now().UTC(),
	}
	if err := m.CreateDelivery(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	d.Status = model.DeliverySuccess
	d.CompletedAt = &now
	if err := m.CompleteDelivery(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	// A second completion attempt must not rewrite the row.
	d.Status = model.DeliveryFailed
	d.ErrorMessage = "rewrite attempt"
	if err := m.CompleteDelivery(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	rows, _ := m.ListDeliveries(context.Background(), d.EventID)
	if len(rows) != 1 || rows[0].Status != model.DeliverySuccess || rows[0].ErrorMessage != "" {
		t.Errorf("row = %+v, want original success kept", rows[0])
	}
}

func TestTemplateVersioning(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := &model.Template{ID: uuid.New(), EventType: model.EventTypeUserCreated,
		Payload: map[string]any{"v": 1}, Active: true}
	second := &model.Template{ID: uuid.New(), EventType: model.EventTypeUserCreated,
		Payload: map[string]any{"v": 2}, Active: true}

	if err := m.UpsertTemplate(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := m.UpsertTemplate(ctx, second); err != nil {
		t.Fatal(err)
	}
	if first.Version != 1 || second.Version != 2 {
		t.Errorf("versions = %d, %d", first.Version, second.Version)
	}

	active, err := m.ActiveTemplate(ctx, model.EventTypeUserCreated)
	if err != nil {
		t.Fatal(err)
	}
	if active.Payload["v"] != 2 {
		t.Errorf("active template = %+v, want latest", active)
	}

	if _, err := m.ActiveTemplate(ctx, model.EventTypeLoanApproved); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing template err = %v, want ErrNotFound", err)
	}
}

func TestPurgeDeliveries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-100 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	for _, ts := range []time.Time{old, old, recent} {
		completedAt := ts
		_ = m.CreateDelivery(ctx, &model.Delivery{
			ID: uuid.New(), EventID: uuid.New(),
			Status: model.DeliverySuccess, StartedAt: ts, CompletedAt: &completedAt,
		})
	}
	// pending rows are never purged
	_ = m.CreateDelivery(ctx, &model.Delivery{
		ID: uuid.New(), EventID: uuid.New(), Status: model.DeliveryPending, StartedAt: old,
	})

	n, err := m.PurgeDeliveries(ctx, now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("purged = %d, want 2", n)
	}
}

func TestListActiveSubscribed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	userA, userB := uuid.New(), uuid.New()

	mk := func(user uuid.UUID, active bool, types ...string) *model.Endpoint {
		ep := &model.Endpoint{ID: uuid.New(), UserID: user, Active: active,
			EventTypes: types, CreatedAt: time.Now().UTC()}
		_ = m.CreateEndpoint(ctx, ep)
		return ep
	}
	subscribed := mk(userA, true, model.EventTypeUserCreated)
	mk(userA, false, model.EventTypeUserCreated)       // inactive
	mk(userA, true, model.EventTypeTransactionFailed)  // other type
	otherOwner := mk(userB, true, model.EventTypeUserCreated)

	got, err := m.ListActiveSubscribed(ctx, &userA, model.EventTypeUserCreated)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != subscribed.ID {
		t.Errorf("owner filter got %+v", got)
	}

	// nil owner: system events fan out to every owner's matching endpoints
	all, err := m.ListActiveSubscribed(ctx, nil, model.EventTypeUserCreated)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("system fan-out got %d endpoints, want 2", len(all))
	}
	found := false
	for _, ep := range all {
		if ep.ID == otherOwner.ID {
			found = true
		}
	}
	if !found {
		t.Error("system fan-out missed the other owner's endpoint")
	}
}
