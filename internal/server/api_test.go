package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/odin-rt/notifier/internal/auth"
	"github.com/odin-rt/notifier/internal/config"
	"github.com/odin-rt/notifier/internal/notify"
	"github.com/odin-rt/notifier/internal/registry"
	"github.com/odin-rt/notifier/internal/store"
	"github.com/odin-rt/notifier/internal/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}

	cfg := &config.Config{
		Addr:              "127.0.0.1:0",
		JWTSecret:         "test-secret",
		MaxConnsPerUser:   5,
		HeartbeatInterval: time.Hour,
		IdleTimeout:       time.Minute,
		UserRateBurst:     1000,
		UserRate:          1000,
		GlobalBurst:       10000,
		GlobalRate:        10000,
		DrainGracePeriod:  time.Second,
	}

	reg := registry.New(registry.Config{
		MaxConnsPerUser:   cfg.MaxConnsPerUser,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleTimeout:       cfg.IdleTimeout,
	}, zerolog.Nop())

	q := notify.New(notify.Config{
		FlushInterval: time.Hour,
		MaxPending:    100,
		MaxRetries:    3,
	}, st, reg, zerolog.Nop())

	jwt := auth.NewJWTManager(cfg.JWTSecret, time.Hour)
	s := New(cfg, reg, q, st, jwt, zerolog.Nop())

	t.Cleanup(func() {
		s.admission.Stop()
		st.Close()
	})
	return s
}

func testToken(t *testing.T, s *Server, userID string) string {
	t.Helper()
	token, err := s.jwt.Generate(userID)
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, s *Server, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func seed(t *testing.T, s *Server, userID, title string) *types.Notification {
	t.Helper()
	n := &types.Notification{UserID: userID, Type: types.CategoryTaskAssigned, Title: title}
	if err := s.store.InsertNotification(context.Background(), n); err != nil {
		t.Fatalf("seeding notification: %v", err)
	}
	return n
}

func TestAPIRejectsMissingToken(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/notifications", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestListNotificationsReturnsOwnRows(t *testing.T) {
	s := newTestServer(t)
	seed(t, s, "u1", "mine")
	seed(t, s, "u2", "not mine")

	rec := doRequest(t, s, http.MethodGet, "/api/notifications", testToken(t, s, "u1"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Notifications []types.Notification `json:"notifications"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Notifications) != 1 || resp.Notifications[0].Title != "mine" {
		t.Errorf("notifications = %+v, want only the caller's row", resp.Notifications)
	}
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	s := newTestServer(t)
	n := seed(t, s, "u1", "task")
	seed(t, s, "u1", "still unread")
	token := testToken(t, s, "u1")

	rec := doRequest(t, s, http.MethodPost, "/api/notifications/"+n.ID+"/read", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("mark read status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/notifications/unread-count", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unread count status = %d, want 200", rec.Code)
	}
	var count map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &count); err != nil {
		t.Fatalf("decoding count: %v", err)
	}
	if count["unread"] != 1 {
		t.Errorf("unread = %d, want 1", count["unread"])
	}
}

func TestMarkReadUnknownIDReturns404(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/notifications/nope/read", testToken(t, s, "u1"), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMarkAllRead(t *testing.T) {
	s := newTestServer(t)
	seed(t, s, "u1", "a")
	seed(t, s, "u1", "b")

	rec := doRequest(t, s, http.MethodPost, "/api/notifications/read-all", testToken(t, s, "u1"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["updated"] != 2 {
		t.Errorf("updated = %d, want 2", resp["updated"])
	}
}

func TestDeleteNotificationScopedToOwner(t *testing.T) {
	s := newTestServer(t)
	n := seed(t, s, "u1", "target")

	rec := doRequest(t, s, http.MethodDelete, "/api/notifications/"+n.ID, testToken(t, s, "u2"), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete by other user status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, s, http.MethodDelete, "/api/notifications/"+n.ID, testToken(t, s, "u1"), "")
	if rec.Code != http.StatusOK {
		t.Errorf("delete by owner status = %d, want 200", rec.Code)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	s := newTestServer(t)
	token := testToken(t, s, "u1")

	rec := doRequest(t, s, http.MethodPut, "/api/preferences/"+types.CategoryComment, token, `{"enabled":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/api/preferences", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
	var prefs map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &prefs); err != nil {
		t.Fatalf("decoding preferences: %v", err)
	}
	if prefs[types.CategoryComment] {
		t.Error("comment category still enabled after disabling")
	}
	if !prefs[types.CategoryTaskDue] {
		t.Error("untouched category was affected")
	}
}

func TestSetPreferenceRejectsUnknownCategory(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/api/preferences/bogus", testToken(t, s, "u1"), `{"enabled":false}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding health response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("status field = %v, want healthy", resp["status"])
	}
}
