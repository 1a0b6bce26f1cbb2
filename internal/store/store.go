package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/odin-rt/notifier/internal/types"
)

// Store persists notification records and delivery preferences in SQLite.
type Store struct {
	db *sqlx.DB
}

// New opens (or creates) the SQLite database at dbPath, enables WAL mode,
// and applies the schema.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// SQLite allows one writer at a time; a single pooled connection avoids
	// SQLITE_BUSY under concurrent flushes and keeps :memory: databases from
	// fragmenting across pool connections.
	db.SetMaxOpenConns(1)

	// WAL for concurrent reads from the request/response surface while the
	// flush loop writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS notifications (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	type         TEXT NOT NULL,
	title        TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	related_id   TEXT,
	related_type TEXT,
	is_read      INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notifications_user_created
	ON notifications (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_notifications_user_unread
	ON notifications (user_id, is_read);

CREATE TABLE IF NOT EXISTS notification_preferences (
	user_id  TEXT NOT NULL,
	category TEXT NOT NULL,
	enabled  INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (user_id, category)
);`)
	return err
}

// InsertNotification persists a single notification. Generates a UUID if the
// ID is empty and stamps the creation time.
func (s *Store) InsertNotification(ctx context.Context, n *types.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (
			id, user_id, type, title, content,
			related_id, related_type, is_read, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Type, n.Title, n.Content,
		n.RelatedID, n.RelatedType, n.IsRead, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// BatchInsertNotifications writes a batch in one transaction. Duplicate ids
// are skipped silently (INSERT OR IGNORE) so a retried batch never fails on
// rows that already committed.
func (s *Store) BatchInsertNotifications(ctx context.Context, batch []types.Notification) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO notifications (
			id, user_id, type, title, content,
			related_id, related_type, is_read, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing batch insert: %w", err)
	}
	defer stmt.Close()

	for i := range batch {
		n := &batch[i]
		if _, err := stmt.ExecContext(ctx,
			n.ID, n.UserID, n.Type, n.Title, n.Content,
			n.RelatedID, n.RelatedType, n.IsRead, n.CreatedAt,
		); err != nil {
			return fmt.Errorf("inserting notification %s: %w", n.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

// ListNotifications returns a page of a user's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]types.Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, user_id, type, title, content, related_id, related_type, is_read, created_at
		FROM notifications WHERE user_id = ?`
	args := []any{userID}
	if unreadOnly {
		query += " AND is_read = 0"
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	notifications := []types.Notification{}
	if err := s.db.SelectContext(ctx, &notifications, query, args...); err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	return notifications, nil
}

// MarkRead flips the read flag on one of the user's notifications.
func (s *Store) MarkRead(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkAllRead marks every unread notification for a user as read and returns
// the number updated.
func (s *Store) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`, userID)
	if err != nil {
		return 0, fmt.Errorf("marking all read: %w", err)
	}
	return res.RowsAffected()
}

// DeleteNotification removes one of the user's notifications.
func (s *Store) DeleteNotification(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting notification: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountUnread returns the number of unread notifications for a user.
func (s *Store) CountUnread(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0`, userID)
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return count, nil
}

// GetPreferences returns a user's per-category delivery switches. Categories
// with no stored row default to enabled.
func (s *Store) GetPreferences(ctx context.Context, userID string) (map[string]bool, error) {
	prefs := make(map[string]bool, len(types.AllCategories()))
	for _, c := range types.AllCategories() {
		prefs[c] = true
	}

	rows := []types.Preference{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT user_id, category, enabled FROM notification_preferences WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("loading preferences: %w", err)
	}
	for _, p := range rows {
		prefs[p.Category] = p.Enabled
	}
	return prefs, nil
}

// SetPreference upserts a single per-category switch.
func (s *Store) SetPreference(ctx context.Context, userID, category string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_preferences (user_id, category, enabled)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, category) DO UPDATE SET enabled = excluded.enabled`,
		userID, category, enabled)
	if err != nil {
		return fmt.Errorf("setting preference: %w", err)
	}
	return nil
}
