// Package ratelimit implements a fixed-window limiter in Redis that never
// blocks a request on Redis: every call is bounded by a timeout and falls
// back to an in-process limiter when Redis is slow or down.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	SourceRedis = "redis"
	SourceLocal = "local"

	OutcomeAllowed  = "allowed"
	OutcomeLimited  = "limited"
	OutcomeFailOpen = "fail_open"

	maxLocalKeys = 10000
)

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Source     string
}

type Config struct {
	// Limit is the number of requests allowed per Window and key.
	Limit  int
	Window time.Duration
	// Timeout bounds each Redis round trip.
	Timeout time.Duration
	// FailureThreshold consecutive Redis failures open the breaker for Cooldown.
	FailureThreshold int
	Cooldown         time.Duration
	Prefix           string
	// OnDecision, when set, receives one of the Outcome values per call.
	OnDecision func(outcome string)
	Now        func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Limit <= 0 {
		c.Limit = 60
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 50 * time.Millisecond
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Prefix == "" {
		c.Prefix = "ratelimit:"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type Limiter struct {
	client redis.Cmdable
	cfg    Config

	mu        sync.Mutex
	failures  int
	openUntil time.Time
	local     map[string]*rate.Limiter
}

// New returns a Limiter. A nil client limits in-process only.
func New(client redis.Cmdable, cfg Config) *Limiter {
	cfg.applyDefaults()
	return &Limiter{
		client: client,
		cfg:    cfg,
		local:  make(map[string]*rate.Limiter),
	}
}

// BreakerOpen reports whether Redis is currently being skipped.
func (l *Limiter) BreakerOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.Now().Before(l.openUntil)
}

func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	if l.client == nil {
		d := l.allowLocal(key)
		l.report(outcome(d))
		return d
	}
	if l.BreakerOpen() {
		d := l.allowLocal(key)
		l.report(OutcomeFailOpen)
		return d
	}

	now := l.cfg.Now()
	count, err := l.incr(ctx, key, now)
	if err != nil {
		l.recordFailure(now)
		d := l.allowLocal(key)
		l.report(OutcomeFailOpen)
		return d
	}
	l.recordSuccess()

	d := Decision{Allowed: count <= int64(l.cfg.Limit), Source: SourceRedis}
	if remaining := int64(l.cfg.Limit) - count; remaining > 0 {
		d.Remaining = int(remaining)
	}
	if !d.Allowed {
		d.RetryAfter = l.windowEnd(now).Sub(now)
	}
	l.report(outcome(d))
	return d
}

type incrResult struct {
	count int64
	err   error
}

// incr runs INCR+EXPIRE for the current window. The select guarantees the
// caller waits no longer than Timeout even if the client ignores the deadline.
func (l *Limiter) incr(ctx context.Context, key string, now time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	windowKey := l.cfg.Prefix + key + ":" + strconv.FormatInt(now.UnixNano()/int64(l.cfg.Window), 10)
	done := make(chan incrResult, 1)
	go func() {
		pipe := l.client.Pipeline()
		incr := pipe.Incr(ctx, windowKey)
		pipe.Expire(ctx, windowKey, l.cfg.Window)
		if _, err := pipe.Exec(ctx); err != nil {
			done <- incrResult{err: fmt.Errorf("rate limit pipeline: %w", err)}
			return
		}
		done <- incrResult{count: incr.Val()}
	}()

	select {
	case res := <-done:
		return res.count, res.err
	case <-ctx.Done():
		return 0, fmt.Errorf("rate limit pipeline: %w", ctx.Err())
	}
}

func (l *Limiter) windowEnd(now time.Time) time.Time {
	window := int64(l.cfg.Window)
	return time.Unix(0, (now.UnixNano()/window+1)*window)
}

func (l *Limiter) recordFailure(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
	if l.failures >= l.cfg.FailureThreshold {
		l.openUntil = now.Add(l.cfg.Cooldown)
		l.failures = 0
	}
}

func (l *Limiter) recordSuccess() {
	l.mu.Lock()
	l.failures = 0
	l.mu.Unlock()
}

func (l *Limiter) allowLocal(key string) Decision {
	now := l.cfg.Now()
	l.mu.Lock()
	lim, ok := l.local[key]
	if !ok {
		if len(l.local) >= maxLocalKeys {
			l.local = make(map[string]*rate.Limiter)
		}
		every := l.cfg.Window / time.Duration(l.cfg.Limit)
		lim = rate.NewLimiter(rate.Every(every), l.cfg.Limit)
		l.local[key] = lim
	}
	l.mu.Unlock()

	if lim.AllowN(now, 1) {
		return Decision{Allowed: true, Remaining: int(lim.TokensAt(now)), Source: SourceLocal}
	}
	reservation := lim.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	reservation.CancelAt(now)
	return Decision{Allowed: false, RetryAfter: delay, Source: SourceLocal}
}

func (l *Limiter) report(outcome string) {
	if l.cfg.OnDecision != nil {
		l.cfg.OnDecision(outcome)
	}
}

func outcome(d Decision) string {
	if d.Allowed {
		return OutcomeAllowed
	}
	return OutcomeLimited
}
