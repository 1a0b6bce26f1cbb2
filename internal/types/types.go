package types

import (
	"encoding/json"
	"time"
)

// Frame is the wire format for every message crossing the real-time
// endpoint, in both directions. Type discriminates the payload.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Frame types.
const (
	FramePing              = "ping"
	FramePong              = "pong"
	FrameNotification      = "notification"
	FrameNotificationBatch = "NOTIFICATIONS"
)

// NewFrame builds a frame with the payload marshaled and the timestamp
// stamped in Unix milliseconds.
func NewFrame(frameType string, payload any) (Frame, error) {
	f := Frame{
		Type:      frameType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Data = data
	}
	return f, nil
}

// Notification categories. A user can disable any category via preferences;
// disabled categories are dropped before they reach the queue's pending list.
const (
	CategoryTaskAssigned = "task_assigned"
	CategoryTaskDue      = "task_due"
	CategoryTaskOverdue  = "task_overdue"
	CategoryStatusChange = "status_change"
	CategoryComment      = "comment"
	CategorySystem       = "system"
)

// AllCategories lists every known notification category.
func AllCategories() []string {
	return []string{
		CategoryTaskAssigned,
		CategoryTaskDue,
		CategoryTaskOverdue,
		CategoryStatusChange,
		CategoryComment,
		CategorySystem,
	}
}

// Notification is the durable notification record. Immutable once persisted
// except for IsRead.
type Notification struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"userId" db:"user_id"`
	Type        string    `json:"type" db:"type"`
	Title       string    `json:"title" db:"title"`
	Content     string    `json:"content" db:"content"`
	RelatedID   *string   `json:"relatedId,omitempty" db:"related_id"`
	RelatedType *string   `json:"relatedType,omitempty" db:"related_type"`
	IsRead      bool      `json:"isRead" db:"is_read"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// Preference is a per-user, per-category delivery switch. Read-only from the
// queue's perspective; mutated only through the profile-settings surface.
type Preference struct {
	UserID   string `json:"userId" db:"user_id"`
	Category string `json:"category" db:"category"`
	Enabled  bool   `json:"enabled" db:"enabled"`
}
