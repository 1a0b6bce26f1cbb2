// Package events feeds the notification queue from outside the request path:
// a NATS subscription for events published by other services, and a periodic
// scanner for time-based conditions such as due and overdue work items.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/odin-rt/notifier/internal/monitoring"
	"github.com/odin-rt/notifier/internal/types"
)

// Enqueuer accepts notifications for delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, n types.Notification, immediate bool) (*types.Notification, error)
}

// Event is the wire shape published on the event subject.
type Event struct {
	UserID      string  `json:"user_id"`
	Type        string  `json:"type"`
	Title       string  `json:"title"`
	Content     string  `json:"content"`
	RelatedID   *string `json:"related_id,omitempty"`
	RelatedType *string `json:"related_type,omitempty"`
	Immediate   bool    `json:"immediate,omitempty"`
}

// Source subscribes to the event subject and turns published events into
// queue enqueues.
type Source struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	queue   Enqueuer
	logger  zerolog.Logger
}

// NewSource connects to NATS. Subscription starts on Run.
func NewSource(url, subject string, queue Enqueuer, logger zerolog.Logger) (*Source, error) {
	l := logger.With().Str("component", "events").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Source{
		conn:    conn,
		subject: subject,
		queue:   queue,
		logger:  l,
	}, nil
}

// Run subscribes and blocks until the context is cancelled.
func (s *Source) Run(ctx context.Context) error {
	sub, err := s.conn.Subscribe(s.subject, s.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Info().Str("subject", s.subject).Msg("Subscribed to event subject")

	<-ctx.Done()
	return nil
}

func (s *Source) handle(msg *nats.Msg) {
	defer monitoring.RecoverPanic(s.logger, "event-handler", nil)

	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed event")
		return
	}
	if ev.UserID == "" || ev.Type == "" {
		s.logger.Warn().Str("subject", msg.Subject).Msg("Dropping event without user_id or type")
		return
	}

	n := types.Notification{
		UserID:      ev.UserID,
		Type:        ev.Type,
		Title:       ev.Title,
		Content:     ev.Content,
		RelatedID:   ev.RelatedID,
		RelatedType: ev.RelatedType,
	}
	if _, err := s.queue.Enqueue(context.Background(), n, ev.Immediate); err != nil {
		s.logger.Error().Err(err).Str("user_id", ev.UserID).Msg("Failed to enqueue event notification")
	}
}

// Close drops the subscription and drains the connection.
func (s *Source) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Drain()
	}
}

// DetectFunc reports notifications that have become due since the last scan.
type DetectFunc func(ctx context.Context) ([]types.Notification, error)

// Scanner runs a detect function on an interval and enqueues its results.
// It backs the due/overdue reminders that no external event announces.
type Scanner struct {
	interval time.Duration
	detect   DetectFunc
	queue    Enqueuer
	logger   zerolog.Logger
}

func NewScanner(interval time.Duration, detect DetectFunc, queue Enqueuer, logger zerolog.Logger) *Scanner {
	return &Scanner{
		interval: interval,
		detect:   detect,
		queue:    queue,
		logger:   logger.With().Str("component", "scanner").Logger(),
	}
}

// Run blocks until the context is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(s.logger, "scanner", nil)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	found, err := s.detect(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Detect pass failed")
		return
	}
	for _, n := range found {
		if _, err := s.queue.Enqueue(ctx, n, false); err != nil {
			s.logger.Error().Err(err).Str("user_id", n.UserID).Msg("Failed to enqueue detected notification")
		}
	}
	if len(found) > 0 {
		s.logger.Debug().Int("count", len(found)).Msg("Scan enqueued notifications")
	}
}
