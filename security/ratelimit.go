package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimitMaxEntries caps the number of identifiers tracked at once
	DefaultRateLimitMaxEntries = 10000

	// DefaultRateLimitIdleTimeout is how long an identifier may stay idle before it is forgotten
	DefaultRateLimitIdleTimeout = 30 * time.Minute

	defaultRateLimitCleanupInterval = 5 * time.Minute
)

// RateLimiterConfig configures a RateLimiter
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained rate allowed per identifier
	RequestsPerSecond float64

	// Burst is the number of requests an identifier may make at once
	Burst int

	// MaxEntries caps tracked identifiers; the least recently used is evicted first.
	// Zero selects DefaultRateLimitMaxEntries.
	MaxEntries int

	// IdleTimeout removes identifiers that have not been seen for this long.
	// Zero selects DefaultRateLimitIdleTimeout.
	IdleTimeout time.Duration

	// CleanupInterval controls how often idle identifiers are swept (default: 5 minutes)
	CleanupInterval time.Duration
}

type limiterEntry struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per identifier (client IP or client ID).
// Memory is bounded by LRU eviction plus a periodic idle sweep.
type RateLimiter struct {
	cfg    RateLimiterConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List

	evictions int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a rate limiter and starts its background sweep.
// Callers must call Stop when done.
func NewRateLimiter(cfg RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultRateLimitMaxEntries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultRateLimitIdleTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultRateLimitCleanupInterval
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	rl := &RateLimiter{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether a request from identifier may proceed
func (rl *RateLimiter) Allow(identifier string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[identifier]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastSeen = now
		return entry.limiter.AllowN(now, 1)
	}

	if len(rl.entries) >= rl.cfg.MaxEntries {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		key:      identifier,
		limiter:  rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst),
		lastSeen: now,
	}
	rl.entries[identifier] = rl.lru.PushFront(entry)
	return entry.limiter.AllowN(now, 1)
}

// evictOldest drops the least recently used identifier. Caller holds mu.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(rl.entries, entry.key)
	rl.lru.Remove(elem)
	rl.evictions++

	rl.logger.Debug("Rate limiter evicted identifier",
		"total_evictions", rl.evictions,
		"current_entries", len(rl.entries))
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Sweep()
		case <-rl.stop:
			return
		}
	}
}

// Sweep removes identifiers idle for longer than the configured IdleTimeout
func (rl *RateLimiter) Sweep() {
	cutoff := rl.now().Add(-rl.cfg.IdleTimeout)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	// The list is ordered by recency, so sweep from the back until a fresh entry shows up.
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*limiterEntry)
		if entry.lastSeen.After(cutoff) {
			break
		}
		prev := elem.Prev()
		delete(rl.entries, entry.key)
		rl.lru.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter sweep completed",
			"removed", removed,
			"remaining", len(rl.entries))
	}
}

// Len returns the number of tracked identifiers
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Evictions returns how many identifiers were dropped to respect MaxEntries
func (rl *RateLimiter) Evictions() int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.evictions
}

// Stop terminates the background sweep. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
