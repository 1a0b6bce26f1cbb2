package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/odin-rt/notifier/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedNotification(t *testing.T, s *Store, userID, title string, createdAt time.Time) *types.Notification {
	t.Helper()
	n := &types.Notification{
		UserID:    userID,
		Type:      types.CategoryTaskAssigned,
		Title:     title,
		Content:   "body of " + title,
		CreatedAt: createdAt,
	}
	if err := s.InsertNotification(context.Background(), n); err != nil {
		t.Fatalf("seeding notification: %v", err)
	}
	return n
}

func TestInsertAssignsIDAndTimestamp(t *testing.T) {
	s := newTestStore(t)

	n := &types.Notification{UserID: "u1", Type: types.CategoryComment, Title: "New comment"}
	if err := s.InsertNotification(context.Background(), n); err != nil {
		t.Fatalf("InsertNotification: %v", err)
	}
	if n.ID == "" {
		t.Error("ID was not assigned")
	}
	if n.CreatedAt.IsZero() {
		t.Error("CreatedAt was not stamped")
	}
}

func TestBatchInsertToleratesDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := []types.Notification{
		{ID: "n1", UserID: "u1", Type: types.CategoryTaskDue, Title: "a", CreatedAt: time.Now().UTC()},
		{ID: "n2", UserID: "u1", Type: types.CategoryTaskDue, Title: "b", CreatedAt: time.Now().UTC()},
	}
	if err := s.BatchInsertNotifications(ctx, batch); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	// A retried batch carrying already-committed rows must not fail.
	batch = append(batch, types.Notification{
		ID: "n3", UserID: "u1", Type: types.CategoryTaskDue, Title: "c", CreatedAt: time.Now().UTC(),
	})
	if err := s.BatchInsertNotifications(ctx, batch); err != nil {
		t.Fatalf("retried batch: %v", err)
	}

	got, err := s.ListNotifications(ctx, "u1", false, 10, 0)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("stored %d notifications, want 3", len(got))
	}
}

func TestListOrdersNewestFirstAndPaginates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedNotification(t, s, "u1", fmt.Sprintf("n%d", i), base.Add(time.Duration(i)*time.Minute))
	}
	seedNotification(t, s, "u2", "someone else", base)

	page, err := s.ListNotifications(ctx, "u1", false, 2, 0)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	if page[0].Title != "n4" || page[1].Title != "n3" {
		t.Errorf("first page = %q, %q; want n4, n3", page[0].Title, page[1].Title)
	}

	page, err = s.ListNotifications(ctx, "u1", false, 2, 4)
	if err != nil {
		t.Fatalf("ListNotifications offset: %v", err)
	}
	if len(page) != 1 || page[0].Title != "n0" {
		t.Errorf("last page = %+v, want single n0", page)
	}
}

func TestListUnreadOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	read := seedNotification(t, s, "u1", "seen", time.Now().UTC())
	seedNotification(t, s, "u1", "unseen", time.Now().UTC())
	if err := s.MarkRead(ctx, "u1", read.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	got, err := s.ListNotifications(ctx, "u1", true, 10, 0)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(got) != 1 || got[0].Title != "unseen" {
		t.Errorf("unread list = %+v, want only the unseen notification", got)
	}
}

func TestMarkReadScopedToOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := seedNotification(t, s, "u1", "mine", time.Now().UTC())

	if err := s.MarkRead(ctx, "u2", n.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("MarkRead as other user = %v, want sql.ErrNoRows", err)
	}
	if err := s.MarkRead(ctx, "u1", n.ID); err != nil {
		t.Errorf("MarkRead as owner = %v", err)
	}

	count, err := s.CountUnread(ctx, "u1")
	if err != nil {
		t.Fatalf("CountUnread: %v", err)
	}
	if count != 0 {
		t.Errorf("unread count after mark = %d, want 0", count)
	}
}

func TestMarkAllReadReturnsCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedNotification(t, s, "u1", fmt.Sprintf("n%d", i), time.Now().UTC())
	}

	updated, err := s.MarkAllRead(ctx, "u1")
	if err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	if updated != 3 {
		t.Errorf("MarkAllRead updated %d rows, want 3", updated)
	}

	// Second pass has nothing left to flip.
	updated, err = s.MarkAllRead(ctx, "u1")
	if err != nil {
		t.Fatalf("second MarkAllRead: %v", err)
	}
	if updated != 0 {
		t.Errorf("second MarkAllRead updated %d rows, want 0", updated)
	}
}

func TestDeleteNotification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := seedNotification(t, s, "u1", "gone soon", time.Now().UTC())

	if err := s.DeleteNotification(ctx, "u2", n.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("Delete as other user = %v, want sql.ErrNoRows", err)
	}
	if err := s.DeleteNotification(ctx, "u1", n.ID); err != nil {
		t.Fatalf("Delete as owner: %v", err)
	}
	if err := s.DeleteNotification(ctx, "u1", n.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("second delete = %v, want sql.ErrNoRows", err)
	}
}

func TestPreferencesDefaultEnabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prefs, err := s.GetPreferences(ctx, "u1")
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	for _, c := range types.AllCategories() {
		if !prefs[c] {
			t.Errorf("category %s defaults to disabled, want enabled", c)
		}
	}
}

func TestSetPreferenceOverridesAndUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetPreference(ctx, "u1", types.CategoryComment, false); err != nil {
		t.Fatalf("SetPreference: %v", err)
	}
	prefs, err := s.GetPreferences(ctx, "u1")
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	if prefs[types.CategoryComment] {
		t.Error("comment category still enabled after disabling")
	}
	if !prefs[types.CategoryTaskDue] {
		t.Error("untouched category was affected")
	}

	// Flip it back through the upsert path.
	if err := s.SetPreference(ctx, "u1", types.CategoryComment, true); err != nil {
		t.Fatalf("re-enabling: %v", err)
	}
	prefs, err = s.GetPreferences(ctx, "u1")
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	if !prefs[types.CategoryComment] {
		t.Error("comment category still disabled after re-enabling")
	}
}
