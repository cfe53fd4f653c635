// Package ratelimit implements in-process rate limiting with independent
// per-second, per-minute and per-hour fixed windows.
//
// State lives entirely in memory. The gateway is not expected to coordinate
// limits across instances; each process enforces its own windows.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Window identifies which fixed window a limit check applies to.
type Window string

const (
	WindowSecond Window = "second"
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
)

func (w Window) retryAfter() time.Duration {
	switch w {
	case WindowSecond:
		return time.Second
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	default:
		return time.Second
	}
}

// Limits holds the three independent caps a key is checked against.
// A zero value disables that window.
type Limits struct {
	PerSecond int
	PerMinute int
	PerHour   int
}

// Result is the outcome of a Allow check.
type Result struct {
	Allowed        bool
	ExceededWindow Window
	RetryAfter     time.Duration
	Remaining      map[Window]int
}

type windowCounter struct {
	start time.Time
	count int
}

func (c *windowCounter) countAt(now time.Time, dur time.Duration) int {
	if now.Sub(c.start) >= dur {
		return 0
	}
	return c.count
}

// Limiter tracks per-key request counts across second, minute and hour
// windows and decides whether a new request should be allowed.
//
// Grounded on the WindowCounter/RateLimitState pair from the rate_limiting
// plugin: a request is checked against every configured window before any
// counter is incremented, so a denied request never consumes quota.
type Limiter struct {
	mu     sync.Mutex
	second map[string]*windowCounter
	minute map[string]*windowCounter
	hour   map[string]*windowCounter

	stop chan struct{}
}

// NewLimiter creates a limiter and starts a background sweep that evicts
// counters whose window has long since expired, bounding memory growth for
// keys that stop sending traffic.
func NewLimiter() *Limiter {
	l := &Limiter{
		second: make(map[string]*windowCounter),
		minute: make(map[string]*windowCounter),
		hour:   make(map[string]*windowCounter),
		stop:   make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	close(l.stop)
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	evict(l.second, now, time.Second)
	evict(l.minute, now, time.Minute)
	evict(l.hour, now, time.Hour)
}

func evict(m map[string]*windowCounter, now time.Time, dur time.Duration) {
	for k, c := range m {
		if now.Sub(c.start) >= 2*dur {
			delete(m, k)
		}
	}
}

type checkedWindow struct {
	name  Window
	m     map[string]*windowCounter
	dur   time.Duration
	limit int
}

// Allow checks key against every configured window in limits and, if none
// is exceeded, records the request against all of them. Windows with a
// limit of 0 are skipped entirely (unlimited).
func (l *Limiter) Allow(key string, limits Limits) Result {
	now := time.Now()

	windows := make([]checkedWindow, 0, 3)
	if limits.PerSecond > 0 {
		windows = append(windows, checkedWindow{WindowSecond, l.second, time.Second, limits.PerSecond})
	}
	if limits.PerMinute > 0 {
		windows = append(windows, checkedWindow{WindowMinute, l.minute, time.Minute, limits.PerMinute})
	}
	if limits.PerHour > 0 {
		windows = append(windows, checkedWindow{WindowHour, l.hour, time.Hour, limits.PerHour})
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := make(map[Window]int, len(windows))
	for _, w := range windows {
		count := 0
		if c, ok := w.m[key]; ok {
			count = c.countAt(now, w.dur)
		}
		if count >= w.limit {
			retryAfter := w.dur
			if c, ok := w.m[key]; ok {
				retryAfter = w.dur - now.Sub(c.start)
				if retryAfter < 0 {
					retryAfter = 0
				}
			}
			log.Debug().
				Str("component", "ratelimit").
				Str("key", key).
				Str("window", string(w.name)).
				Int("limit", w.limit).
				Msg("rate limit exceeded")
			return Result{Allowed: false, ExceededWindow: w.name, RetryAfter: retryAfter}
		}
		remaining[w.name] = w.limit - count - 1
	}

	for _, w := range windows {
		c, ok := w.m[key]
		if !ok || now.Sub(c.start) >= w.dur {
			w.m[key] = &windowCounter{start: now, count: 1}
			continue
		}
		c.count++
	}

	return Result{Allowed: true, Remaining: remaining}
}

// Reset clears all counters for a key. Used by admin overrides and tests.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.second, key)
	delete(l.minute, key)
	delete(l.hour, key)
}
