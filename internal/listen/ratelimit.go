package listen

import (
	"time"
)

// bucket tracks the tick count for one IP.
type bucket struct {
	ticks float64
	last  int64 // unix seconds of the most recent connection attempt
}

// RateLimiter throttles connection attempts per IP. Every accepted
// connection adds a tick; ticks decay at a fixed rate per second and a
// connection is refused while the decayed count exceeds the maximum.
//
// A RateLimiter is owned by a single listener goroutine and is not safe
// for concurrent use.
type RateLimiter struct {
	max    int
	decay  int
	maxAge time.Duration
	ticker map[string]bucket
}

// NewRateLimiter returns a limiter refusing IPs whose tick count exceeds
// max, with ticks decaying at decay per second and idle IPs forgotten
// after maxAge.
func NewRateLimiter(max, decay int, maxAge time.Duration) *RateLimiter {
	return &RateLimiter{
		max:    max,
		decay:  decay,
		maxAge: maxAge,
		ticker: make(map[string]bucket),
	}
}

// Allow decides whether a connection from ip may proceed and charges a
// tick when it does. A refused attempt still refreshes the last-seen time
// so a flooding IP does not decay while it keeps knocking.
func (l *RateLimiter) Allow(ip string, now time.Time) bool {
	ts := now.Unix()

	b, seen := l.ticker[ip]
	ticks := 0.0
	if seen {
		ticks = b.ticks - float64(ts-b.last)*float64(l.decay)
		if ticks < 0 {
			ticks = 0
		}
		if ticks > float64(l.max) {
			l.ticker[ip] = bucket{ticks: ticks, last: ts}
			return false
		}
	}

	ticks++
	if ticks < 1 {
		ticks = 1
	}
	l.ticker[ip] = bucket{ticks: ticks, last: ts}
	return true
}

// Prune forgets IPs that have not connected within the age horizon.
// Called opportunistically from the accept loop.
func (l *RateLimiter) Prune(now time.Time) {
	cutoff := now.Unix() - int64(l.maxAge.Seconds())
	for ip, b := range l.ticker {
		if b.last < cutoff {
			delete(l.ticker, ip)
		}
	}
}

// Len reports how many IPs the limiter currently tracks.
func (l *RateLimiter) Len() int {
	return len(l.ticker)
}
