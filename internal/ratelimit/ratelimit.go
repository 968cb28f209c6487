// Package ratelimit provides per-principal token buckets for write
// traffic on rate-limited channels.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"cardroom/railbird/pkg/auth"
	"cardroom/railbird/pkg/logging"
)

// AuditSink receives blocked-request counters for the audit trail.
// The running total is per bucket key since the bucket was created.
type AuditSink interface {
	RateLimitExceeded(principalID, channel, tableID string, blocked uint64)
}

// Config sets bucket capacity and refill window for one channel.
type Config struct {
	MaxTokens int
	Window    time.Duration
}

// Decision is the outcome of a single Allow call. ResetAt is when the
// bucket refills completely; RetryAfter is only set on denial.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type key struct {
	principalID string
	channel     string
	tableID     string
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
	blocked    uint64
}

// Limiter holds token buckets keyed by (principal, channel, table).
// Buckets refill proportionally to elapsed time and are collected once
// they have sat untouched for longer than twice their window.
type Limiter struct {
	mu      sync.Mutex
	buckets map[key]*bucket

	configs    map[string]Config
	gcInterval time.Duration
	sink       AuditSink
	logger     logging.Logger

	now func() time.Time
}

// NewLimiter builds a Limiter from per-channel configs. Channels with
// no config (or a non-positive MaxTokens) are not limited. The sink may
// be nil.
func NewLimiter(configs map[string]Config, sink AuditSink, logger logging.Logger) *Limiter {
	gc := time.Minute
	for _, cfg := range configs {
		if cfg.Window > gc {
			gc = cfg.Window
		}
	}
	return &Limiter{
		buckets:    make(map[key]*bucket),
		configs:    configs,
		gcInterval: gc,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
	}
}

// Allow refills the caller's bucket and tries to consume one token.
// Admins bypass every bucket and never consume tokens.
func (l *Limiter) Allow(principalID, role, channel, tableID string) Decision {
	cfg, ok := l.configs[channel]
	if !ok || cfg.MaxTokens <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}

	now := l.now()
	if role == auth.RoleAdmin {
		return Decision{Allowed: true, Remaining: cfg.MaxTokens, ResetAt: now}
	}

	rate := float64(cfg.MaxTokens) / cfg.Window.Seconds()

	l.mu.Lock()
	k := key{principalID: principalID, channel: channel, tableID: tableID}
	b, ok := l.buckets[k]
	if !ok {
		b = &bucket{tokens: float64(cfg.MaxTokens), lastRefill: now}
		l.buckets[k] = b
	} else if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		b.tokens = math.Min(float64(cfg.MaxTokens), b.tokens+elapsed.Seconds()*rate)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		deficit := float64(cfg.MaxTokens) - b.tokens
		l.mu.Unlock()
		return Decision{
			Allowed:   true,
			Remaining: int(b.tokens),
			ResetAt:   now.Add(time.Duration(deficit / rate * float64(time.Second))),
		}
	}

	b.blocked++
	blocked := b.blocked
	wait := time.Duration((1 - b.tokens) / rate * float64(time.Second))
	l.mu.Unlock()

	if l.sink != nil {
		l.sink.RateLimitExceeded(principalID, channel, tableID, blocked)
	}
	return Decision{Allowed: false, RetryAfter: wait, ResetAt: now.Add(wait)}
}

// CollectIdle removes buckets that have not been touched for longer
// than twice their channel's window and returns how many were dropped.
func (l *Limiter) CollectIdle() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, b := range l.buckets {
		ttl := 2 * l.configs[k.channel].Window
		if ttl <= 0 {
			ttl = 2 * time.Minute
		}
		if now.Sub(b.lastRefill) > ttl {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

// BucketCount reports how many buckets are currently live.
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Start runs periodic idle collection until the context is canceled.
func (l *Limiter) Start(ctx context.Context) {
	ticker := time.NewTicker(l.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := l.CollectIdle(); removed > 0 && l.logger != nil {
				l.logger.WithField("buckets", removed).Debug("Collected idle rate limit buckets")
			}
		}
	}
}
