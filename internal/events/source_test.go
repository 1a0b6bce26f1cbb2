package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/odin-rt/notifier/internal/types"
)

type fakeQueue struct {
	mu        sync.Mutex
	enqueued  []types.Notification
	immediate []bool
	err       error
}

func (q *fakeQueue) Enqueue(_ context.Context, n types.Notification, immediate bool) (*types.Notification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.enqueued = append(q.enqueued, n)
	q.immediate = append(q.immediate, immediate)
	return &n, nil
}

func (q *fakeQueue) snapshot() []types.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]types.Notification(nil), q.enqueued...)
}

func TestHandleEnqueuesPublishedEvent(t *testing.T) {
	q := &fakeQueue{}
	s := &Source{subject: "notify.events", queue: q, logger: zerolog.Nop()}

	s.handle(&nats.Msg{
		Subject: "notify.events",
		Data:    []byte(`{"user_id":"u1","type":"task_assigned","title":"New task","content":"Ship it","immediate":true}`),
	})

	got := q.snapshot()
	if len(got) != 1 {
		t.Fatalf("enqueued %d notifications, want 1", len(got))
	}
	if got[0].UserID != "u1" || got[0].Type != "task_assigned" || got[0].Title != "New task" {
		t.Errorf("enqueued notification = %+v", got[0])
	}
	if !q.immediate[0] {
		t.Error("immediate flag was not propagated")
	}
}

func TestHandleDropsMalformedAndIncompleteEvents(t *testing.T) {
	q := &fakeQueue{}
	s := &Source{subject: "notify.events", queue: q, logger: zerolog.Nop()}

	s.handle(&nats.Msg{Subject: "notify.events", Data: []byte(`not json`)})
	s.handle(&nats.Msg{Subject: "notify.events", Data: []byte(`{"type":"comment"}`)})
	s.handle(&nats.Msg{Subject: "notify.events", Data: []byte(`{"user_id":"u1"}`)})

	if got := len(q.snapshot()); got != 0 {
		t.Errorf("enqueued %d notifications from bad events, want 0", got)
	}
}

func TestScannerEnqueuesDetectedNotifications(t *testing.T) {
	q := &fakeQueue{}
	detect := func(context.Context) ([]types.Notification, error) {
		return []types.Notification{
			{UserID: "u1", Type: "task_due", Title: "Due soon"},
			{UserID: "u2", Type: "task_overdue", Title: "Overdue"},
		}, nil
	}
	s := NewScanner(5*time.Millisecond, detect, q, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(q.snapshot()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	got := q.snapshot()
	if len(got) < 2 {
		t.Fatalf("enqueued %d notifications, want at least 2", len(got))
	}
	if got[0].Type != "task_due" || got[1].Type != "task_overdue" {
		t.Errorf("first scan enqueued %+v", got[:2])
	}
}

func TestScannerKeepsRunningAfterDetectError(t *testing.T) {
	q := &fakeQueue{}
	var calls int
	var mu sync.Mutex
	detect := func(context.Context) ([]types.Notification, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("probe failed")
		}
		return []types.Notification{{UserID: "u1", Type: "task_due", Title: "Due"}}, nil
	}
	s := NewScanner(5*time.Millisecond, detect, q, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(q.snapshot()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if len(q.snapshot()) == 0 {
		t.Fatal("scanner never recovered after a detect error")
	}
}
