package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/odin-rt/notifier/internal/monitoring"
	"github.com/odin-rt/notifier/internal/types"
)

// Store is the slice of the persistence layer the queue needs.
type Store interface {
	InsertNotification(ctx context.Context, n *types.Notification) error
	BatchInsertNotifications(ctx context.Context, batch []types.Notification) error
	GetPreferences(ctx context.Context, userID string) (map[string]bool, error)
}

// Pusher delivers frames to a user's live connections.
type Pusher interface {
	SendToUser(userID string, frame types.Frame) int
}

// Config holds queue tunables.
type Config struct {
	FlushInterval time.Duration
	MaxPending    int
	MaxRetries    int
}

// Queue accumulates notification-worthy events, filters them against user
// preferences, and batches persistence writes so the hot business-logic path
// never blocks on storage latency. Constructed once and injected wherever
// events originate.
type Queue struct {
	cfg    Config
	store  Store
	pusher Pusher
	logger zerolog.Logger

	mu      sync.Mutex
	pending []types.Notification

	// A batch that failed its store write waits here for the next flush.
	// It sits at the front of the queue: retried before new pending items.
	retryItems    []types.Notification
	retryAttempts int

	// kick carries a batch cut at the size threshold straight to the flush
	// goroutine, so reaching MaxPending flushes without waiting for the
	// interval tick.
	kick chan []types.Notification
}

// New creates a queue. Run must be started for batched flushing to happen.
func New(cfg Config, store Store, pusher Pusher, logger zerolog.Logger) *Queue {
	return &Queue{
		cfg:    cfg,
		store:  store,
		pusher: pusher,
		logger: logger.With().Str("component", "queue").Logger(),
		kick:   make(chan []types.Notification, 8),
	}
}

// Enqueue accepts a notification for delivery. If the recipient has disabled
// the notification's category, nothing is created and nil is returned.
//
// With immediate set, the record is persisted synchronously and pushed to
// the recipient's live connections before returning; a persistence error is
// returned to the caller. Otherwise the record joins the in-memory pending
// list and the call returns without waiting for durability.
func (q *Queue) Enqueue(ctx context.Context, n types.Notification, immediate bool) (*types.Notification, error) {
	prefs, err := q.store.GetPreferences(ctx, n.UserID)
	if err != nil {
		// Fail open: a preference read error must not swallow notifications.
		q.logger.Warn().Err(err).Str("user_id", n.UserID).Msg("Preference lookup failed, delivering anyway")
	} else if enabled, known := prefs[n.Type]; known && !enabled {
		monitoring.NotificationsFiltered.Inc()
		return nil, nil
	}

	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	monitoring.NotificationsEnqueued.Inc()

	if immediate {
		if err := q.store.InsertNotification(ctx, &n); err != nil {
			return nil, fmt.Errorf("persisting immediate notification: %w", err)
		}
		q.pushSingle(n)
		return &n, nil
	}

	q.mu.Lock()
	q.pending = append(q.pending, n)
	var cut []types.Notification
	if len(q.pending) >= q.cfg.MaxPending {
		cut = q.pending
		q.pending = nil
	}
	q.mu.Unlock()

	if cut != nil {
		select {
		case q.kick <- cut:
		default:
			// Flush goroutine is saturated; put the batch back for the
			// next interval tick rather than blocking the caller.
			q.mu.Lock()
			q.pending = append(cut, q.pending...)
			q.mu.Unlock()
		}
	}

	return &n, nil
}

// Pending returns the number of notifications waiting for the next flush.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.retryItems)
}

// Run flushes on the configured interval and on size-threshold kicks until
// the context is cancelled. Single-instance: call once from the process
// lifecycle.
func (q *Queue) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(q.logger, "flush", nil)

	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Flush(context.Background())
		case batch := <-q.kick:
			q.flushBatch(context.Background(), batch)
			// The threshold cut may race with more enqueues; drain any
			// retry batch it left behind on its normal schedule.
		}
	}
}

// Flush persists everything currently pending: first any batch awaiting
// retry, then the current pending list.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	retry := q.retryItems
	attempts := q.retryAttempts
	q.retryItems = nil
	q.retryAttempts = 0
	items := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(retry) > 0 {
		q.processBatch(ctx, retry, attempts)
	}
	if len(items) > 0 {
		q.processBatch(ctx, items, 0)
	}
}

func (q *Queue) flushBatch(ctx context.Context, batch []types.Notification) {
	if len(batch) == 0 {
		return
	}
	q.processBatch(ctx, batch, 0)
}

// processBatch writes one batch to the store and, on success, fans the
// notifications out grouped by recipient: one batch frame per user rather
// than one frame per notification, to bound socket traffic.
//
// Items are only removed for good once the write commits. On failure the
// batch returns to the front of the queue with a bounded retry count; once
// the count is exhausted the batch goes to the dead-letter log and is
// dropped. The batch commits or fails as a unit; an in-flight write is never
// cancelled.
func (q *Queue) processBatch(ctx context.Context, batch []types.Notification, attempts int) {
	if err := q.store.BatchInsertNotifications(ctx, batch); err != nil {
		attempts++
		monitoring.FlushFailures.Inc()

		if attempts > q.cfg.MaxRetries {
			q.deadLetter(batch, err)
			return
		}

		q.logger.Error().
			Err(err).
			Int("batch_size", len(batch)).
			Int("attempts", attempts).
			Int("max_retries", q.cfg.MaxRetries).
			Msg("Batch write failed, requeued for retry")

		q.mu.Lock()
		// Merge in front of any batch that failed meanwhile; the merged
		// batch inherits the higher attempt count.
		q.retryItems = append(batch, q.retryItems...)
		if attempts > q.retryAttempts {
			q.retryAttempts = attempts
		}
		q.mu.Unlock()
		return
	}

	monitoring.FlushBatches.Inc()

	byUser := make(map[string][]types.Notification)
	for _, n := range batch {
		byUser[n.UserID] = append(byUser[n.UserID], n)
	}
	for userID, items := range byUser {
		frame, err := types.NewFrame(types.FrameNotificationBatch, items)
		if err != nil {
			q.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to build batch frame")
			continue
		}
		q.pusher.SendToUser(userID, frame)
	}

	q.logger.Debug().
		Int("batch_size", len(batch)).
		Int("recipients", len(byUser)).
		Msg("Flushed notification batch")
}

// deadLetter records a batch that exhausted its retries. The full payload
// goes into the structured log so the records can be replayed by hand.
func (q *Queue) deadLetter(batch []types.Notification, cause error) {
	monitoring.NotificationsDeadLettered.Add(float64(len(batch)))
	q.logger.Error().
		Err(cause).
		Int("batch_size", len(batch)).
		Interface("notifications", batch).
		Msg("Batch dropped after exhausting retries (dead letter)")
}

// pushSingle delivers one notification frame to the recipient's open
// connections. Delivery failure is counted, never raised: a missing push is
// recoverable through the notification list.
func (q *Queue) pushSingle(n types.Notification) {
	frame, err := types.NewFrame(types.FrameNotification, n)
	if err != nil {
		q.logger.Error().Err(err).Str("user_id", n.UserID).Msg("Failed to build notification frame")
		return
	}
	q.pusher.SendToUser(n.UserID, frame)
}

// Shutdown performs one final best-effort flush of whatever is pending.
// Call after cancelling Run's context.
func (q *Queue) Shutdown(ctx context.Context) {
	// Drain any batch cut at the threshold that Run never picked up.
	for {
		select {
		case batch := <-q.kick:
			q.mu.Lock()
			q.pending = append(batch, q.pending...)
			q.mu.Unlock()
			continue
		default:
		}
		break
	}

	q.Flush(ctx)

	if remaining := q.Pending(); remaining > 0 {
		q.logger.Warn().
			Int("remaining", remaining).
			Msg("Notifications still pending after final flush")
	}
}
