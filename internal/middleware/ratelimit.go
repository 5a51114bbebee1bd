package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute caps failed auth attempts per IP when the
	// caller does not configure a limit.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs bounds the tracking map; the oldest entry is
	// evicted once the cap is reached.
	DefaultMaxTrackedIPs = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles failed authentication attempts per client IP.
// Successful requests are never counted against the limit.
type RateLimiter struct {
	mu            sync.Mutex
	entries       map[string]*ipEntry
	maxPerMinute  int
	maxTrackedIPs int
	cancel        context.CancelFunc
}

// NewRateLimiter builds a per-IP limiter allowing maxPerMinute failed
// attempts. A non-positive value selects DefaultMaxAttemptsPerMinute. A
// cleanup goroutine runs until ctx is cancelled or Stop is called.
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		entries:       make(map[string]*ipEntry),
		maxPerMinute:  maxPerMinute,
		maxTrackedIPs: DefaultMaxTrackedIPs,
		cancel:        cancel,
	}
	go rl.cleanup(ctx)
	return rl
}

// Allow reports whether ip may make another auth attempt. IPs with no
// recorded failures are always allowed and never tracked.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[ip]
	if !ok {
		return true
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// RecordFailure consumes one token for ip, tracking it if needed.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.getOrCreateEntryLocked(ip, time.Now()).limiter.Allow()
}

// RecordFailureAndAllow consumes one token for ip and reports whether the
// attempt was still within the limit.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return rl.getOrCreateEntryLocked(ip, time.Now()).limiter.Allow()
}

func (rl *RateLimiter) getOrCreateEntryLocked(ip string, now time.Time) *ipEntry {
	if e, ok := rl.entries[ip]; ok {
		e.lastSeen = now
		return e
	}
	if len(rl.entries) >= rl.maxTrackedIPs {
		rl.evictOldestLocked()
	}
	e := &ipEntry{
		limiter:  rate.NewLimiter(rate.Limit(float64(rl.maxPerMinute)/60.0), rl.maxPerMinute),
		lastSeen: now,
	}
	rl.entries[ip] = e
	return e
}

// Stop cancels the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.removeStale()
		}
	}
}

func (rl *RateLimiter) removeStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-staleThreshold)
	for ip, e := range rl.entries {
		if e.lastSeen.Before(cutoff) {
			delete(rl.entries, ip)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var oldest string
	for ip, e := range rl.entries {
		if oldest == "" || e.lastSeen.Before(rl.entries[oldest].lastSeen) {
			oldest = ip
		}
	}
	if oldest != "" {
		delete(rl.entries, oldest)
	}
}

// ExtractIP strips the port from a RemoteAddr string. Inputs without a
// port are returned unchanged.
func ExtractIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
