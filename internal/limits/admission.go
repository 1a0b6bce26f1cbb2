package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"

	"github.com/odin-rt/notifier/internal/monitoring"
)

// AdmissionLimiter provides admission control in front of the endpoints that
// produce events and the real-time endpoint itself.
//
// Two-level token-bucket limiting:
//   - Per-subject: keyed by the verified user id, falling back to the client
//     IP for requests that never reached authentication. Admission never
//     trusts an unverified token payload for keying.
//   - Global: protects the whole process from distributed bursts.
type AdmissionLimiter struct {
	mu       sync.Mutex
	subjects map[string]*subjectEntry

	subjectBurst int
	subjectRate  float64
	subjectTTL   time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type subjectEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// AdmissionConfig holds rate limiter tunables. Zero values take the
// defaults noted per field.
type AdmissionConfig struct {
	SubjectBurst int           // per-subject burst (default 10)
	SubjectRate  float64       // per-subject sustained req/sec (default 2.0)
	SubjectTTL   time.Duration // evict idle subjects after this (default 5m)
	GlobalBurst  int           // system-wide burst (default 300)
	GlobalRate   float64       // system-wide sustained req/sec (default 50.0)
	Logger       zerolog.Logger
}

// NewAdmissionLimiter creates the limiter and starts its TTL cleanup loop.
func NewAdmissionLimiter(cfg AdmissionConfig) *AdmissionLimiter {
	if cfg.SubjectBurst == 0 {
		cfg.SubjectBurst = 10
	}
	if cfg.SubjectRate == 0 {
		cfg.SubjectRate = 2.0
	}
	if cfg.SubjectTTL == 0 {
		cfg.SubjectTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	l := &AdmissionLimiter{
		subjects:      make(map[string]*subjectEntry),
		subjectBurst:  cfg.SubjectBurst,
		subjectRate:   cfg.SubjectRate,
		subjectTTL:    cfg.SubjectTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:        cfg.Logger.With().Str("component", "admission").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()

	return l
}

// Allow reports whether a request from the given subject may proceed.
func (l *AdmissionLimiter) Allow(subject string) bool {
	if !l.globalLimiter.Allow() {
		monitoring.RateLimitedRequests.Inc()
		l.logger.Debug().Str("subject", subject).Msg("Request rejected: global rate limit")
		return false
	}

	if !l.subjectLimiter(subject).Allow() {
		monitoring.RateLimitedRequests.Inc()
		l.logger.Debug().Str("subject", subject).Msg("Request rejected: subject rate limit")
		return false
	}

	return true
}

func (l *AdmissionLimiter) subjectLimiter(subject string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.subjects[subject]
	if !ok {
		entry = &subjectEntry{
			limiter: rate.NewLimiter(rate.Limit(l.subjectRate), l.subjectBurst),
		}
		l.subjects[subject] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

func (l *AdmissionLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

func (l *AdmissionLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for subject, entry := range l.subjects {
		if now.Sub(entry.lastAccess) > l.subjectTTL {
			delete(l.subjects, subject)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.subjects)).
			Msg("Evicted idle rate limiter entries")
	}
}

// Stop halts the cleanup goroutine. Call during shutdown.
func (l *AdmissionLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCleanup)
	})
}

// CPUGuard refuses new connections when host CPU usage is above a
// threshold. A threshold of zero disables the check.
type CPUGuard struct {
	threshold float64
	logger    zerolog.Logger
}

func NewCPUGuard(threshold float64, logger zerolog.Logger) *CPUGuard {
	return &CPUGuard{
		threshold: threshold,
		logger:    logger.With().Str("component", "cpu_guard").Logger(),
	}
}

// ShouldAccept reports whether a new connection may be admitted. Measurement
// errors fail open: refusing connections on a broken probe would be worse
// than admitting them.
func (g *CPUGuard) ShouldAccept() bool {
	if g.threshold <= 0 {
		return true
	}

	percentages, err := cpu.Percent(0, false)
	if err != nil || len(percentages) == 0 {
		return true
	}

	if percentages[0] > g.threshold {
		g.logger.Warn().
			Float64("cpu_percent", percentages[0]).
			Float64("threshold", g.threshold).
			Msg("Refusing connection: CPU above threshold")
		return false
	}
	return true
}
