package registry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/odin-rt/notifier/internal/monitoring"
	"github.com/odin-rt/notifier/internal/types"
)

// Config holds registry tunables.
type Config struct {
	MaxConnsPerUser   int
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	SendBuffer        int
}

// Registry owns the live mapping from user identity to open connections.
// Constructed once at process start and injected into the endpoint handlers
// and the notification queue.
type Registry struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.RWMutex
	users map[string][]*Conn

	heartbeatInterval time.Duration

	delivered atomic.Int64
	failed    atomic.Int64
	connRates *rateWindow
}

// New creates a registry. SendBuffer defaults to 64 frames per connection.
func New(cfg Config, logger zerolog.Logger) *Registry {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &Registry{
		cfg:               cfg,
		logger:            logger.With().Str("component", "registry").Logger(),
		users:             make(map[string][]*Conn),
		heartbeatInterval: cfg.HeartbeatInterval,
		connRates:         newRateWindow(),
	}
}

// Register admits a connection for a user and starts its write pump. If the
// user already holds the per-user cap, the connection with the oldest
// last-activity timestamp is closed with a limit-exceeded reason before the
// new one is admitted.
func (r *Registry) Register(userID string, sock Socket) *Conn {
	c := newConn(userID, sock, r.cfg.SendBuffer)

	var evicted *Conn

	r.mu.Lock()
	conns := r.users[userID]
	if len(conns) >= r.cfg.MaxConnsPerUser {
		oldest := 0
		for i := 1; i < len(conns); i++ {
			if conns[i].lastActivity.Load() < conns[oldest].lastActivity.Load() {
				oldest = i
			}
		}
		evicted = conns[oldest]
		conns = append(conns[:oldest], conns[oldest+1:]...)
	}
	r.users[userID] = append(conns, c)
	r.mu.Unlock()

	if evicted != nil {
		if err := evicted.close(ReasonLimitExceeded); err != nil {
			r.logger.Warn().
				Err(err).
				Str("user_id", userID).
				Msg("Close failed during eviction, dropping connection from bookkeeping anyway")
		}
		monitoring.ConnectionsActive.Dec()
		r.logger.Info().
			Str("user_id", userID).
			Str("reason", ReasonLimitExceeded).
			Msg("Evicted oldest connection to admit new one")
	}

	r.connRates.record(time.Now())
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()

	go r.writePump(c)

	r.logger.Debug().
		Str("user_id", userID).
		Msg("Connection registered")

	return c
}

// Unregister removes a connection from the user's set; the user entry is
// removed entirely when its last connection goes. Idempotent: a connection
// already removed is a no-op.
func (r *Registry) Unregister(userID string, c *Conn) {
	r.mu.Lock()
	conns, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	removed := false
	for i, existing := range conns {
		if existing == c {
			conns = append(conns[:i], conns[i+1:]...)
			removed = true
			break
		}
	}
	if len(conns) == 0 {
		delete(r.users, userID)
	} else {
		r.users[userID] = conns
	}
	r.mu.Unlock()

	if removed {
		monitoring.ConnectionsActive.Dec()
		r.logger.Debug().
			Str("user_id", userID).
			Msg("Connection unregistered")
	}
}

// Disconnect unregisters and closes a connection with the given reason.
// Called by the read pump when the peer goes away or misbehaves.
func (r *Registry) Disconnect(c *Conn, reason string) {
	r.Unregister(c.userID, c)
	if err := c.close(reason); err != nil {
		r.logger.Debug().
			Err(err).
			Str("user_id", c.userID).
			Str("reason", reason).
			Msg("Transport close error on disconnect")
	}
}

// SendToUser serializes the frame once and enqueues it on every OPEN
// connection for the user. Connections not open (or with a full buffer)
// count as failures without aborting delivery to the rest. Returns the
// number of connections delivered to; zero means nothing was delivered.
func (r *Registry) SendToUser(userID string, frame types.Frame) int {
	data, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to serialize frame")
		return 0
	}

	r.mu.RLock()
	conns := make([]*Conn, len(r.users[userID]))
	copy(conns, r.users[userID])
	r.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if c.enqueue(data) {
			delivered++
		} else {
			r.failed.Add(1)
			monitoring.DeliveriesSkipped.Inc()
		}
	}

	r.delivered.Add(int64(delivered))
	monitoring.DeliveriesTotal.Add(float64(delivered))
	return delivered
}

// Broadcast serializes the frame once and delivers it to every registered
// user. Costly at scale; used sparingly.
func (r *Registry) Broadcast(frame types.Frame) int {
	data, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to serialize broadcast frame")
		return 0
	}

	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.users))
	for _, userConns := range r.users {
		conns = append(conns, userConns...)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if c.enqueue(data) {
			delivered++
		} else {
			r.failed.Add(1)
			monitoring.DeliveriesSkipped.Inc()
		}
	}

	r.delivered.Add(int64(delivered))
	monitoring.DeliveriesTotal.Add(float64(delivered))
	return delivered
}

// SweepIdle closes and unregisters every connection whose last activity is
// older than idleTimeout. Returns how many were removed.
func (r *Registry) SweepIdle(idleTimeout time.Duration) int {
	cutoff := time.Now().Add(-idleTimeout).UnixNano()

	r.mu.RLock()
	var stale []*Conn
	for _, conns := range r.users {
		for _, c := range conns {
			if c.lastActivity.Load() < cutoff {
				stale = append(stale, c)
			}
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		if err := c.close(ReasonIdleTimeout); err != nil {
			r.logger.Warn().
				Err(err).
				Str("user_id", c.userID).
				Msg("Close failed during idle sweep, removing from bookkeeping anyway")
		}
		r.Unregister(c.userID, c)
	}

	if len(stale) > 0 {
		r.logger.Info().
			Int("removed", len(stale)).
			Dur("idle_timeout", idleTimeout).
			Msg("Idle sweep closed stale connections")
	}

	return len(stale)
}

// RunSweeper invokes SweepIdle on the given interval until the context is
// cancelled. Single-instance: call once from the process lifecycle.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	defer monitoring.RecoverPanic(r.logger, "sweeper", nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepIdle(r.cfg.IdleTimeout)
		}
	}
}

// CloseAll closes every connection, used during shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	var all []*Conn
	for _, conns := range r.users {
		all = append(all, conns...)
	}
	r.users = make(map[string][]*Conn)
	r.mu.Unlock()

	for _, c := range all {
		c.close(reason)
		monitoring.ConnectionsActive.Dec()
	}

	r.logger.Info().
		Int("closed", len(all)).
		Str("reason", reason).
		Msg("Closed all connections")
}

// Stats is a point-in-time snapshot of registry state. Counters may be
// slightly stale relative to each other; reads do not block delivery.
type Stats struct {
	Users            int            `json:"users"`
	Connections      int            `json:"connections"`
	PerUser          map[string]int `json:"perUser"`
	Delivered        int64          `json:"delivered"`
	Failed           int64          `json:"failed"`
	ConnectsLastMin  int64          `json:"connectsLastMinute"`
	ConnectsLastHour int64          `json:"connectsLastHour"`
}

// Stats returns a snapshot of user/connection counts and delivery counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	perUser := make(map[string]int, len(r.users))
	total := 0
	for userID, conns := range r.users {
		perUser[userID] = len(conns)
		total += len(conns)
	}
	users := len(r.users)
	r.mu.RUnlock()

	lastMin, lastHour := r.connRates.counts(time.Now())

	return Stats{
		Users:            users,
		Connections:      total,
		PerUser:          perUser,
		Delivered:        r.delivered.Load(),
		Failed:           r.failed.Load(),
		ConnectsLastMin:  lastMin,
		ConnectsLastHour: lastHour,
	}
}
